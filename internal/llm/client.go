package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/caseflow/waflow/internal/config"
)

// Default base URLs per provider. All three speak the same chat-completions
// dialect.
const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	OpenAIBaseURL     = "https://api.openai.com/v1"
	MistralBaseURL    = "https://api.mistral.ai/v1"
)

// ErrToolsUnsupported is returned when a request carries tools against a
// provider that does not accept our tool-calling flow.
var ErrToolsUnsupported = errors.New("provider does not support tool calls")

// Client calls one chat-completions provider, with retries on transient
// failures.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	provider       config.Provider
	baseURL        string
	apiKey         string
	model          string
	fallbackModels []string
	maxRetries     int
	retryDelay     time.Duration
}

// Option adjusts client construction.
type Option func(*Client)

// WithBaseURL overrides the provider base URL. Used by tests to point the
// client at a local stub.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// New creates a client for the provider selected by the configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	provider := cfg.SelectedProvider()
	apiKey := cfg.ProviderAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("no API key available for provider %q", provider)
	}

	var baseURL string
	switch provider {
	case config.ProviderOpenRouter:
		baseURL = OpenRouterBaseURL
	case config.ProviderOpenAI:
		baseURL = OpenAIBaseURL
	case config.ProviderMistral:
		baseURL = MistralBaseURL
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}

	client := &Client{
		httpClient:     &http.Client{Timeout: cfg.LLMTimeout},
		logger:         logger.With("component", "llm", "provider", string(provider)),
		provider:       provider,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		apiKey:         apiKey,
		model:          cfg.LLMModel,
		fallbackModels: cfg.LLMFallbackModels,
		maxRetries:     cfg.LLMMaxRetries,
		retryDelay:     cfg.LLMRetryDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Provider returns the active backend identifier.
func (c *Client) Provider() string {
	return string(c.provider)
}

// Model returns the configured primary model.
func (c *Client) Model() string {
	return c.model
}

// SupportsTools reports whether the active provider accepts tool
// declarations. Mistral's function-calling dialect diverges from the one we
// speak, so tools are disabled there.
func (c *Client) SupportsTools() bool {
	return c.provider != config.ProviderMistral
}

// Complete runs one chat completion. Server-side errors (5xx) and transport
// failures are retried up to maxRetries times with a fixed delay.
func (c *Client) Complete(ctx context.Context, request *Request) (*Response, error) {
	if request == nil {
		return nil, errors.New("nil request")
	}
	if len(request.Messages) == 0 {
		return nil, errors.New("request has no messages")
	}
	if len(request.Tools) > 0 && !c.SupportsTools() {
		return nil, ErrToolsUnsupported
	}

	apiRequest := chatCompletionRequest{
		Model:    c.model,
		Messages: request.Messages,
		Tools:    request.Tools,
	}
	// OpenRouter routes to the fallback models when the primary is
	// unavailable; the other providers reject the field.
	if c.provider == config.ProviderOpenRouter {
		apiRequest.Models = c.fallbackModels
	}
	if request.JSONResponse {
		apiRequest.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	startTime := time.Now()
	apiResponse, err := c.completeWithRetry(ctx, &apiRequest)
	if err != nil {
		return nil, err
	}

	if len(apiResponse.Choices) == 0 {
		return nil, errors.New("no response choices returned")
	}
	choice := apiResponse.Choices[0]
	if choice.Message.Content == "" && len(choice.Message.ToolCalls) == 0 {
		return nil, errors.New("response choice has neither content nor tool calls")
	}

	response := &Response{
		Text:  choice.Message.Content,
		Model: apiResponse.Model,
		Usage: Usage{
			Input:  apiResponse.Usage.PromptTokens,
			Output: apiResponse.Usage.CompletionTokens,
			Total:  apiResponse.Usage.TotalTokens,
		},
	}
	if response.Model == "" {
		response.Model = c.model
	}
	for _, tc := range choice.Message.ToolCalls {
		response.ToolCalls = append(response.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}

	c.logger.InfoContext(ctx, "Completion generated",
		"model", response.Model,
		"duration_ms", time.Since(startTime).Milliseconds(),
		"tool_calls", len(response.ToolCalls),
		"tokens", response.Usage.Total)

	return response, nil
}

// completeWithRetry posts the request, retrying transport errors and 5xx
// responses. Client errors (4xx) are returned immediately.
func (c *Client) completeWithRetry(ctx context.Context, apiRequest *chatCompletionRequest) (*chatCompletionResponse, error) {
	reqBody, err := json.Marshal(apiRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WarnContext(ctx, "Retrying completion request",
				"attempt", attempt, "max_retries", c.maxRetries, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		response, retryable, err := c.doComplete(ctx, reqBody)
		if err == nil {
			return response, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("completion failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// doComplete performs one HTTP round trip. The second return value reports
// whether the failure is worth retrying.
func (c *Client) doComplete(ctx context.Context, reqBody []byte) (*chatCompletionResponse, bool, error) {
	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create completion request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("completion request failed: %w", err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close completion response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read completion response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		var errEnvelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(respBody, &errEnvelope) == nil && errEnvelope.Error != nil {
			apiErr.Message = errEnvelope.Error.Message
			apiErr.Type = errEnvelope.Error.Type
			apiErr.Code = errEnvelope.Error.Code
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, httpResp.StatusCode >= http.StatusInternalServerError, apiErr
	}

	var apiResponse chatCompletionResponse
	if err := json.Unmarshal(respBody, &apiResponse); err != nil {
		return nil, false, fmt.Errorf("failed to parse completion response: %w", err)
	}
	if apiResponse.Error != nil {
		return nil, false, apiResponse.Error
	}

	return &apiResponse, false, nil
}
