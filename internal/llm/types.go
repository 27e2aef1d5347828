// Package llm provides a chat-completions client over the OpenAI-compatible
// dialect spoken by OpenRouter, OpenAI and Mistral.
package llm

import (
	"encoding/json"
	"fmt"
)

// ChatMessage is one turn in a chat-completions conversation. Content is
// either a plain string or a []ContentPart for multimodal turns.
type ChatMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content,omitempty"`
	ToolCalls  []APIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"` // text or image_url
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference, either an https URL or a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// TextMessage builds a plain text turn.
func TextMessage(role, text string) ChatMessage {
	return ChatMessage{Role: role, Content: text}
}

// MultimodalMessage builds a turn mixing text and images.
func MultimodalMessage(role string, parts []ContentPart) ChatMessage {
	return ChatMessage{Role: role, Content: parts}
}

// ToolResultMessage builds the tool-role turn answering one tool call.
func ToolResultMessage(toolCallID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: toolCallID}
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string       `json:"type"` // always "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function and its JSON-schema parameters.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// NewTool builds a function tool declaration.
func NewTool(name, description string, parameters json.RawMessage) Tool {
	return Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// APIToolCall is a tool invocation as serialized on the wire.
type APIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ResponseFormat constrains the output shape, e.g. {"type":"json_object"}.
type ResponseFormat struct {
	Type string `json:"type"`
}

// chatCompletionRequest is the request payload for the chat completions
// endpoint. Models is OpenRouter's fallback-routing extension and is left
// empty for the other providers.
type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Models         []string        `json:"models,omitempty"`
	Messages       []ChatMessage   `json:"messages"`
	Tools          []Tool          `json:"tools,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// chatCompletionResponse is the response payload from the chat completions
// endpoint.
type chatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string        `json:"role"`
			Content   string        `json:"content"`
			ToolCalls []APIToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *APIError `json:"error,omitempty"`
}

// APIError represents an error response from a provider.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       any    `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s (type: %s)", e.StatusCode, e.Message, e.Type)
}

// Request is one completion call: the full conversation so far plus any
// tools the model may use.
type Request struct {
	Messages     []ChatMessage
	Tools        []Tool
	JSONResponse bool
}

// ToolCall is a tool invocation requested by the model, with its arguments
// decoded to raw JSON.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Usage is the token accounting for one completion.
type Usage struct {
	Input  int
	Output int
	Total  int
}

// Response is the model's reply to one completion call.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Model     string
	Usage     Usage
}
