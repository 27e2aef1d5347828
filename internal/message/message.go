// Package message defines the conversation message documents persisted per
// case: user content, interactive replies, server prompts, assistant output
// and tool results.
package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates message documents when decoding from storage.
type Kind string

const (
	KindUserContent          Kind = "user_content"
	KindUserInteractiveReply Kind = "user_interactive_reply"
	KindServerText           Kind = "server_text"
	KindServerInteractive    Kind = "server_interactive"
	KindAssistant            Kind = "assistant"
	KindToolResults          Kind = "tool_results"
)

// Option mirrors an interactive choice (id + title).
type Option struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MediaData describes stored media: the descriptor lives inside the message
// document, the bytes under the case media/ directory.
type MediaData struct {
	Name   string `json:"name"`
	Mime   string `json:"mime"`
	SHA256 string `json:"sha256,omitempty"`
	Size   int    `json:"size,omitempty"`
}

// Extension returns the subtype part of the MIME type.
func (m *MediaData) Extension() string {
	if i := strings.Index(m.Mime, "/"); i >= 0 {
		return m.Mime[i+1:]
	}
	return ""
}

// MediaContent carries raw media bytes alongside their MIME type. It is
// never serialized into a message document.
type MediaContent struct {
	Mime    string
	Content []byte
}

// Describe builds the stored descriptor for this content.
func (c *MediaContent) Describe(name string) *MediaData {
	sum := sha256.Sum256(c.Content)
	return &MediaData{
		Name:   name,
		Mime:   c.Mime,
		SHA256: hex.EncodeToString(sum[:]),
		Size:   len(c.Content),
	}
}

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content,omitempty"`
	Error   bool            `json:"error,omitempty"`
}

// Prompt is the payload of a server interactive message.
type Prompt struct {
	Kind    string   `json:"kind"` // button or list
	Header  string   `json:"header,omitempty"`
	Body    string   `json:"body"`
	Footer  string   `json:"footer,omitempty"`
	Button  string   `json:"button,omitempty"`
	Options []Option `json:"options"`
}

// Usage is the assistant token accounting reported by the provider.
type Usage struct {
	Input  int `json:"input,omitempty"`
	Output int `json:"output,omitempty"`
	Total  int `json:"total,omitempty"`
}

// Message is a single conversation document. Kind selects which content
// fields are meaningful.
type Message struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`

	// IdempotencyKey is the provider message ID for inbound messages and a
	// generated UUID otherwise.
	IdempotencyKey string    `json:"idempotency_key"`
	TimeCreated    time.Time `json:"time_created"`
	TimeReceived   time.Time `json:"time_received"`
	Origin         string    `json:"origin,omitempty"`

	Text   string     `json:"text,omitempty"`
	Media  *MediaData `json:"media,omitempty"`
	Choice *Option    `json:"choice,omitempty"`
	Prompt *Prompt    `json:"prompt,omitempty"`

	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// Assistant metadata
	API   string `json:"api,omitempty"`
	Model string `json:"model,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

// Role returns the chat role the message plays in LLM context. Server
// prompts and notices are presented to the model as user turns.
func (m *Message) Role() string {
	switch m.Kind {
	case KindAssistant:
		return "assistant"
	case KindToolResults:
		return "tool"
	default:
		return "user"
	}
}

// IsEmpty reports whether the message carries no content at all.
func (m *Message) IsEmpty() bool {
	return m.Text == "" && m.Media == nil && m.Choice == nil &&
		m.Prompt == nil && len(m.ToolCalls) == 0 && len(m.ToolResults) == 0
}

// AsText renders structured content as text for LLM context. Interactive
// replies and prompts serialize their structure; plain messages return Text.
func (m *Message) AsText() string {
	switch m.Kind {
	case KindUserInteractiveReply:
		if m.Choice != nil {
			b, _ := json.Marshal(m.Choice)
			return string(b)
		}
	case KindServerInteractive:
		if m.Prompt != nil {
			b, _ := json.Marshal(m.Prompt)
			return string(b)
		}
	}
	return m.Text
}

// Validate checks kind-specific content invariants.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindUserContent:
		if m.Text == "" && m.Media == nil {
			return fmt.Errorf("user content message %q has neither text nor media", m.ID)
		}
	case KindUserInteractiveReply:
		if m.Choice == nil {
			return fmt.Errorf("interactive reply message %q has no choice", m.ID)
		}
	case KindServerInteractive:
		if m.Prompt == nil {
			return fmt.Errorf("server interactive message %q has no prompt", m.ID)
		}
	case KindToolResults:
		if len(m.ToolResults) == 0 {
			return fmt.Errorf("tool results message %q has no results", m.ID)
		}
	case KindServerText, KindAssistant:
		// Assistant messages may legitimately be tool-calls-only.
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// newMessage fills the common fields. received drives the document ID so
// messages sort stably by arrival.
func newMessage(kind Kind, received time.Time) *Message {
	if received.IsZero() {
		received = time.Now().UTC()
	}
	received = received.UTC()
	return &Message{
		Kind:           kind,
		ID:             FormatID(kind, received),
		IdempotencyKey: uuid.NewString(),
		TimeCreated:    received,
		TimeReceived:   received,
	}
}

// FormatID builds the document ID <receive-time>_<kind>, filesystem and
// object-key safe.
func FormatID(kind Kind, received time.Time) string {
	return received.UTC().Format("2006-01-02_15-04-05-000000000") + "_" + string(kind)
}

// NewUserContent creates an inbound user message. idempotencyKey is the
// provider message ID; media may be nil. The stored media name is derived
// from the document ID and the media extension.
func NewUserContent(text string, media *MediaData, idempotencyKey string, received time.Time) *Message {
	m := newMessage(KindUserContent, received)
	m.Text = text
	if media != nil {
		media.Name = m.ID + "." + media.Extension()
		m.Media = media
	}
	if idempotencyKey != "" {
		m.IdempotencyKey = idempotencyKey
	}
	return m
}

// NewUserInteractiveReply creates an inbound interactive answer.
func NewUserInteractiveReply(choice Option, idempotencyKey string, received time.Time) *Message {
	m := newMessage(KindUserInteractiveReply, received)
	m.Choice = &choice
	if idempotencyKey != "" {
		m.IdempotencyKey = idempotencyKey
	}
	return m
}

// NewServerText creates an outbound framework-authored text message.
func NewServerText(text string) *Message {
	m := newMessage(KindServerText, time.Time{})
	m.Text = text
	return m
}

// NewServerInteractive creates an outbound interactive prompt.
func NewServerInteractive(prompt Prompt) *Message {
	m := newMessage(KindServerInteractive, time.Time{})
	m.Prompt = &prompt
	return m
}

// NewAssistant creates an LLM response message.
func NewAssistant(text string, toolCalls []ToolCall, api, model string, usage *Usage) *Message {
	m := newMessage(KindAssistant, time.Time{})
	m.Text = text
	m.ToolCalls = toolCalls
	m.API = api
	m.Model = model
	m.Usage = usage
	return m
}

// NewToolResults creates a message carrying tool call outcomes.
func NewToolResults(results []ToolResult) *Message {
	m := newMessage(KindToolResults, time.Time{})
	m.ToolResults = results
	return m
}

// Decode parses a stored message document and validates it.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message document: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// SortChronological orders messages by creation time, then receive time,
// then ID for stability.
func SortChronological(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].TimeCreated.Equal(msgs[j].TimeCreated) {
			return msgs[i].TimeCreated.Before(msgs[j].TimeCreated)
		}
		if !msgs[i].TimeReceived.Equal(msgs[j].TimeReceived) {
			return msgs[i].TimeReceived.Before(msgs[j].TimeReceived)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
