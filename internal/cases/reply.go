package cases

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caseflow/waflow/internal/bucket"
	"github.com/caseflow/waflow/internal/llm"
	"github.com/caseflow/waflow/internal/message"
	"github.com/caseflow/waflow/internal/whatsapp"
)

// GenerateReplies runs the reply loop for a conversation's active case:
// build context, complete, persist and send the assistant turn, execute any
// tool calls and feed their results back, until the model stops calling
// tools or the case is closed.
func (h *Handler) GenerateReplies(ctx context.Context, operatorID, userID string) error {
	lock, err := h.lock(ctx, operatorID, userID)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	userData, err := h.storage.UserData(ctx, operatorID, userID)
	if err != nil {
		return err
	}

	for round := 0; round < maxToolRounds; round++ {
		index, err := h.storage.Index(ctx, operatorID, userID)
		if err != nil {
			return err
		}
		if index.ActiveCaseID == "" {
			return nil
		}
		caseID := index.ActiveCaseID

		manifest, err := h.storage.Manifest(ctx, operatorID, userID, caseID)
		if err != nil {
			return err
		}
		if manifest.Status != bucket.CaseOpen {
			return nil
		}

		msgs, err := h.storage.Messages(ctx, operatorID, userID, caseID)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		// Nothing new since the last assistant turn.
		if last := msgs[len(msgs)-1]; round == 0 && last.Kind == message.KindAssistant {
			return nil
		}

		request := &llm.Request{
			Messages: h.buildContext(ctx, operatorID, userID, caseID, userData, msgs),
		}
		if h.completer.SupportsTools() {
			request.Tools = h.toolDefs
		}

		response, err := h.completer.Complete(ctx, request)
		if err != nil {
			return fmt.Errorf("completion failed for case %s: %w", caseID, err)
		}

		assistant := message.NewAssistant(response.Text, toolCallDocs(response.ToolCalls),
			h.completer.Provider(), response.Model,
			&message.Usage{Input: response.Usage.Input, Output: response.Usage.Output, Total: response.Usage.Total})
		if err := h.storage.SaveMessage(ctx, operatorID, userID, caseID, assistant); err != nil {
			return err
		}

		if response.Text != "" {
			text := whatsapp.FormatMarkdown(response.Text)
			if err := h.messenger.SendText(ctx, operatorID, userID, text); err != nil {
				return fmt.Errorf("failed to send reply for case %s: %w", caseID, err)
			}
		}

		if err := h.touchCase(ctx, operatorID, userID, caseID); err != nil {
			return err
		}

		if len(response.ToolCalls) == 0 {
			return nil
		}

		results := h.executeToolCalls(ctx, operatorID, userID, response.ToolCalls)
		if err := h.storage.SaveMessage(ctx, operatorID, userID, caseID, message.NewToolResults(results)); err != nil {
			return err
		}
	}

	h.logger.WarnContext(ctx, "Reply loop hit tool round limit",
		"operator_id", operatorID, "user_id", userID, "rounds", maxToolRounds)
	return nil
}

// toolCallDocs converts completion tool calls to their stored form.
func toolCallDocs(calls []llm.ToolCall) []message.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]message.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, message.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
	}
	return out
}

// executeToolCalls runs every requested tool and collects results. A failed
// or unknown tool produces an error result rather than aborting the loop,
// so the model can recover.
func (h *Handler) executeToolCalls(ctx context.Context, operatorID, userID string, calls []llm.ToolCall) []message.ToolResult {
	results := make([]message.ToolResult, 0, len(calls))
	for _, call := range calls {
		fn, ok := h.toolFuncs[call.Name]
		if !ok {
			results = append(results, errorResult(call.ID, fmt.Sprintf("unknown tool %q", call.Name)))
			continue
		}

		content, err := fn(ctx, operatorID, userID, call.Input)
		if err != nil {
			h.logger.ErrorContext(ctx, "Tool call failed",
				"operator_id", operatorID, "user_id", userID, "tool", call.Name, "error", err)
			results = append(results, errorResult(call.ID, err.Error()))
			continue
		}
		results = append(results, message.ToolResult{ID: call.ID, Content: jsonString(content)})
	}
	return results
}

func errorResult(id, msg string) message.ToolResult {
	return message.ToolResult{ID: id, Content: jsonString(msg), Error: true}
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// registerBuiltinTools installs the case-lifecycle tools.
func (h *Handler) registerBuiltinTools() {
	resolveParams := json.RawMessage(`{
		"type": "object",
		"properties": {
			"summary": {"type": "string", "description": "One-sentence summary of how the case was resolved."}
		},
		"required": ["summary"]
	}`)
	h.RegisterTool(
		llm.NewTool("resolve_case",
			"Close the current support case once the user's request is fully handled.",
			resolveParams),
		h.resolveCaseTool)
}

// resolveCaseTool closes the active case with the model-provided summary.
// The conversation lock is already held by the reply loop.
func (h *Handler) resolveCaseTool(ctx context.Context, operatorID, userID string, input []byte) (string, error) {
	var args struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid resolve_case arguments: %w", err)
	}

	index, err := h.storage.Index(ctx, operatorID, userID)
	if err != nil {
		return "", err
	}
	if index.ActiveCaseID == "" {
		return "no active case to resolve", nil
	}
	manifest, err := h.storage.Manifest(ctx, operatorID, userID, index.ActiveCaseID)
	if err != nil {
		return "", err
	}

	if err := h.closeCase(ctx, operatorID, userID, index, manifest, bucket.CaseResolved, args.Summary); err != nil {
		return "", err
	}
	return fmt.Sprintf("case %s resolved", manifest.ID), nil
}

// buildContext converts the trailing case messages into chat turns,
// prefixed with the system prompt.
func (h *Handler) buildContext(ctx context.Context, operatorID, userID, caseID string,
	userData *bucket.UserData, msgs []*message.Message,
) []llm.ChatMessage {
	if len(msgs) > ContextWindow {
		msgs = msgs[len(msgs)-ContextWindow:]
	}

	out := make([]llm.ChatMessage, 0, len(msgs)+1)
	out = append(out, llm.TextMessage("system", h.systemPrompt(userData)))

	for _, m := range msgs {
		switch m.Kind {
		case message.KindAssistant:
			cm := llm.ChatMessage{Role: "assistant"}
			if m.Text != "" {
				cm.Content = m.Text
			}
			for _, tc := range m.ToolCalls {
				call := llm.APIToolCall{ID: tc.ID, Type: "function"}
				call.Function.Name = tc.Name
				call.Function.Arguments = string(tc.Input)
				cm.ToolCalls = append(cm.ToolCalls, call)
			}
			out = append(out, cm)

		case message.KindToolResults:
			for _, tr := range m.ToolResults {
				out = append(out, llm.ToolResultMessage(tr.ID, string(tr.Content)))
			}

		default:
			out = append(out, h.contentTurn(ctx, operatorID, userID, caseID, m)...)
		}
	}
	return out
}

// contentTurn renders a user or server message. Image attachments are
// inlined as data URIs; other media is described textually.
func (h *Handler) contentTurn(ctx context.Context, operatorID, userID, caseID string, m *message.Message) []llm.ChatMessage {
	text := m.AsText()

	if m.Media != nil {
		if strings.HasPrefix(m.Media.Mime, "image/") {
			data, err := h.storage.Media(ctx, operatorID, userID, caseID, m.Media.Name)
			if err == nil {
				uri := "data:" + m.Media.Mime + ";base64," + base64.StdEncoding.EncodeToString(data)
				parts := make([]llm.ContentPart, 0, 2)
				if text != "" {
					parts = append(parts, llm.ContentPart{Type: "text", Text: text})
				}
				parts = append(parts, llm.ContentPart{Type: "image_url", ImageURL: &llm.ImageURL{URL: uri}})
				return []llm.ChatMessage{llm.MultimodalMessage(m.Role(), parts)}
			}
			h.logger.WarnContext(ctx, "Failed to load stored media for context",
				"case_id", caseID, "media", m.Media.Name, "error", err)
		}
		text = strings.TrimSpace(text + fmt.Sprintf("\n[attached %s media: %s]", m.Media.Mime, m.Media.Name))
	}

	if text == "" {
		return nil
	}
	return []llm.ChatMessage{llm.TextMessage(m.Role(), text)}
}

// systemPrompt combines the configured instruction with what is known about
// the user.
func (h *Handler) systemPrompt(u *bucket.UserData) string {
	var b strings.Builder
	b.WriteString(h.instruction)

	if u != nil {
		b.WriteString("\n\nUser information:\n")
		fmt.Fprintf(&b, "- Phone number: %s\n", u.PhoneNumber)
		if len(u.Names) > 0 {
			fmt.Fprintf(&b, "- Known names: %s\n", strings.Join(u.Names, ", "))
		}
		if u.Country != "" {
			fmt.Fprintf(&b, "- Country: %s\n", u.Country)
		}
		if u.Language != "" {
			fmt.Fprintf(&b, "- Likely language: %s\n", u.Language)
		}
		fmt.Fprintf(&b, "- First contact: %s\n", u.CreatedAt.Format(time.RFC3339))
	}

	b.WriteString("\nAnswer in the user's language. Call resolve_case when the request is fully handled.")
	return b.String()
}
