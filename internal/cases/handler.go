// Package cases manages per-user support cases: ingesting inbound messages,
// opening and closing cases, and generating assistant replies.
package cases

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/caseflow/waflow/internal/bucket"
	"github.com/caseflow/waflow/internal/llm"
	"github.com/caseflow/waflow/internal/message"
	"github.com/caseflow/waflow/internal/phone"
	"github.com/caseflow/waflow/internal/whatsapp"
)

const (
	// StaleAfter is how long a case may sit without activity before a new
	// inbound message closes it as timed out and opens a fresh one.
	StaleAfter = 48 * time.Hour

	// ContextWindow is how many trailing messages are sent to the model.
	ContextWindow = 20

	// lockTTL bounds how long a crashed holder blocks a conversation. It
	// must outlast a full reply run (up to maxToolRounds completion calls,
	// each bounded by its own timeout), or a contender steals the case
	// mid-generation. lockTimeout is how long we wait to acquire before
	// giving up.
	lockTTL     = 15 * time.Minute
	lockTimeout = 30 * time.Second

	// maxToolRounds caps the tool-call feedback loop per reply generation.
	maxToolRounds = 5
)

const unsupportedNotice = "Sorry, this message type is not supported. " +
	"Please send text, images, videos, audio or stickers."

// Messenger is the outbound WhatsApp surface the handler uses.
type Messenger interface {
	SendText(ctx context.Context, operatorID, to, text string) error
	SendInteractive(ctx context.Context, operatorID, to string, im *whatsapp.InteractiveMessage) error
	SendMedia(ctx context.Context, operatorID, to string, media *whatsapp.OutgoingMedia) error
	FetchMedia(ctx context.Context, media *whatsapp.MediaData) ([]byte, error)
}

// Completer is the LLM surface the handler uses.
type Completer interface {
	Complete(ctx context.Context, request *llm.Request) (*llm.Response, error)
	Provider() string
	SupportsTools() bool
}

// ToolFunc executes one assistant tool call for a conversation and returns
// the content fed back to the model.
type ToolFunc func(ctx context.Context, operatorID, userID string, input []byte) (string, error)

// Handler processes inbound messages and generates replies for one bucket
// of conversations. It implements the queue worker's Processor interface.
type Handler struct {
	storage     *bucket.Storage
	bucket      *bucket.Bucket
	messenger   Messenger
	completer   Completer
	instruction string
	logger      *slog.Logger

	toolDefs  []llm.Tool
	toolFuncs map[string]ToolFunc
}

// NewHandler wires the conversation handler. instruction is the system
// prompt prefix; extra tools registered via RegisterTool become available
// to the model alongside the built-in case tools.
func NewHandler(storage *bucket.Storage, b *bucket.Bucket, messenger Messenger, completer Completer,
	instruction string, logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handler{
		storage:     storage,
		bucket:      b,
		messenger:   messenger,
		completer:   completer,
		instruction: instruction,
		logger:      logger.With("component", "cases"),
		toolFuncs:   make(map[string]ToolFunc),
	}
	h.registerBuiltinTools()
	return h
}

// RegisterTool makes a tool available to the model.
func (h *Handler) RegisterTool(def llm.Tool, fn ToolFunc) {
	h.toolDefs = append(h.toolDefs, def)
	h.toolFuncs[def.Function.Name] = fn
}

// lock acquires the conversation lock.
func (h *Handler) lock(ctx context.Context, operatorID, userID string) (*bucket.Lock, error) {
	l := bucket.NewLock(h.bucket, operatorID, userID, lockTTL, h.logger)
	if err := l.Acquire(ctx, lockTimeout); err != nil {
		return nil, fmt.Errorf("failed to lock conversation %s/%s: %w", operatorID, userID, err)
	}
	return l, nil
}

// ProcessInbound ingests one inbound message: it ensures the user record
// and an active case exist, stores the message document (and media), and
// marks the delivery processed. Redelivered messages are skipped. The
// returned flag reports whether the message warrants a reply; reactions and
// unsupported content are recorded but not answered.
func (h *Handler) ProcessInbound(ctx context.Context, operatorID, userID string, msg *whatsapp.Message, contactName string) (bool, error) {
	lock, err := h.lock(ctx, operatorID, userID)
	if err != nil {
		return false, err
	}
	defer lock.Release(ctx)

	seen, err := h.storage.HasProcessed(ctx, operatorID, userID, msg.ID)
	if err != nil {
		return false, err
	}
	if seen {
		h.logger.InfoContext(ctx, "Skipping already processed message",
			"operator_id", operatorID, "user_id", userID, "provider_id", msg.ID)
		return false, nil
	}

	if err := h.ensureUser(ctx, operatorID, userID, contactName); err != nil {
		return false, err
	}

	caseID, err := h.activeCase(ctx, operatorID, userID)
	if err != nil {
		return false, err
	}

	doc, media, respond, err := h.convertInbound(ctx, msg)
	if err != nil {
		return false, err
	}

	if doc == nil {
		// Unsupported content: tell the user and record the notice so the
		// model sees it in context.
		doc = message.NewServerText(unsupportedNotice)
		if err := h.messenger.SendText(ctx, operatorID, userID, unsupportedNotice); err != nil {
			return false, fmt.Errorf("failed to send unsupported-content notice: %w", err)
		}
	}

	if media != nil {
		if err := h.storage.SaveMedia(ctx, operatorID, userID, caseID, doc.Media.Name, media); err != nil {
			return false, err
		}
	}
	if err := h.storage.SaveMessage(ctx, operatorID, userID, caseID, doc); err != nil {
		return false, err
	}
	if err := h.storage.MarkProcessed(ctx, operatorID, userID, msg.ID, doc.ID); err != nil {
		return false, err
	}
	if err := h.touchCase(ctx, operatorID, userID, caseID); err != nil {
		return false, err
	}

	h.logger.InfoContext(ctx, "Inbound message stored",
		"operator_id", operatorID, "user_id", userID, "case_id", caseID,
		"message_id", doc.ID, "kind", string(doc.Kind))
	return respond, nil
}

// ensureUser creates or updates the user record: new users are seeded with
// locale information derived from their phone number, and every new profile
// name is appended.
func (h *Handler) ensureUser(ctx context.Context, operatorID, userID, contactName string) error {
	u, err := h.storage.UserData(ctx, operatorID, userID)
	if err != nil {
		return err
	}

	changed := false
	if u == nil {
		u = &bucket.UserData{
			PhoneNumber: userID,
			CreatedAt:   time.Now().UTC(),
		}
		if loc, ok := phone.Lookup(userID); ok {
			u.Country = loc.Country
			u.CountryCode = loc.RegionCode
			u.Language = loc.Language
			u.LanguageCode = loc.LanguageCode
		}
		changed = true
		h.logger.InfoContext(ctx, "New user registered",
			"operator_id", operatorID, "user_id", userID, "country", u.CountryCode)
	}
	if u.AddName(contactName) {
		changed = true
	}

	if !changed {
		return nil
	}
	return h.storage.SaveUserData(ctx, operatorID, userID, u)
}

// activeCase returns the conversation's active case, closing a stale one
// and opening a fresh case as needed.
func (h *Handler) activeCase(ctx context.Context, operatorID, userID string) (string, error) {
	index, err := h.storage.Index(ctx, operatorID, userID)
	if err != nil {
		return "", err
	}

	if index.ActiveCaseID != "" {
		manifest, err := h.storage.Manifest(ctx, operatorID, userID, index.ActiveCaseID)
		if err != nil {
			return "", err
		}
		if manifest.Status == bucket.CaseOpen && !IsStale(manifest, time.Now().UTC()) {
			return manifest.ID, nil
		}
		if manifest.Status == bucket.CaseOpen {
			if err := h.closeCase(ctx, operatorID, userID, index, manifest, bucket.CaseTimeout, "closed after 48h of inactivity"); err != nil {
				return "", err
			}
		} else {
			// Manifest was closed but the index still points at it.
			index.ActiveCaseID = ""
		}
	}

	return h.openCase(ctx, operatorID, userID, index)
}

// IsStale reports whether an open case has been inactive long enough to be
// timed out.
func IsStale(manifest *bucket.CaseManifest, now time.Time) bool {
	return now.Sub(manifest.UpdatedAt) > StaleAfter
}

// openCase allocates the next case ID, writes its manifest and points the
// index at it.
func (h *Handler) openCase(ctx context.Context, operatorID, userID string, index *bucket.CaseIndex) (string, error) {
	now := time.Now().UTC()
	caseID := index.NextCaseID()

	manifest := &bucket.CaseManifest{ID: caseID, Status: bucket.CaseOpen, CreatedAt: now}
	if err := h.storage.SaveManifest(ctx, operatorID, userID, manifest); err != nil {
		return "", err
	}

	index.ActiveCaseID = caseID
	index.Cases = append(index.Cases, bucket.CaseRef{ID: caseID, Status: bucket.CaseOpen, CreatedAt: now})
	if err := h.storage.SaveIndex(ctx, operatorID, userID, index); err != nil {
		return "", err
	}

	h.logger.InfoContext(ctx, "Case opened", "operator_id", operatorID, "user_id", userID, "case_id", caseID)
	return caseID, nil
}

// closeCase finalizes a case with the given status and updates the index.
func (h *Handler) closeCase(ctx context.Context, operatorID, userID string, index *bucket.CaseIndex,
	manifest *bucket.CaseManifest, status, summary string,
) error {
	now := time.Now().UTC()
	manifest.Status = status
	manifest.Summary = summary
	manifest.ClosedAt = &now
	if err := h.storage.SaveManifest(ctx, operatorID, userID, manifest); err != nil {
		return err
	}

	for i := range index.Cases {
		if index.Cases[i].ID == manifest.ID {
			index.Cases[i].Status = status
			index.Cases[i].ClosedAt = &now
		}
	}
	if index.ActiveCaseID == manifest.ID {
		index.ActiveCaseID = ""
	}
	if err := h.storage.SaveIndex(ctx, operatorID, userID, index); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "Case closed",
		"operator_id", operatorID, "user_id", userID, "case_id", manifest.ID, "status", status)
	return nil
}

// touchCase bumps the case manifest's UpdatedAt so staleness tracks the
// last activity.
func (h *Handler) touchCase(ctx context.Context, operatorID, userID, caseID string) error {
	manifest, err := h.storage.Manifest(ctx, operatorID, userID, caseID)
	if err != nil {
		return err
	}
	return h.storage.SaveManifest(ctx, operatorID, userID, manifest)
}

// convertInbound maps a webhook message to a message document, fetching
// media bytes when present. A nil document means the content type is
// unsupported. The respond flag is false for reactions and unsupported
// content. The document ID and receive time come from the processing clock
// so concurrent deliveries never collide; the creation time keeps the
// webhook's send timestamp.
func (h *Handler) convertInbound(ctx context.Context, msg *whatsapp.Message) (*message.Message, *message.MediaContent, bool, error) {
	var doc *message.Message
	var media *message.MediaContent
	respond := true

	switch msg.Type {
	case whatsapp.TypeText:
		doc = message.NewUserContent(msg.Text.Body, nil, msg.ID, time.Time{})

	case whatsapp.TypeInteractive:
		choice := msg.Interactive.Choice()
		doc = message.NewUserInteractiveReply(
			message.Option{ID: choice.ID, Title: choice.Title}, msg.ID, time.Time{})

	case whatsapp.TypeImage, whatsapp.TypeVideo, whatsapp.TypeAudio, whatsapp.TypeSticker:
		md := msg.Media()
		data, err := h.messenger.FetchMedia(ctx, md)
		if err != nil {
			return nil, nil, false, fmt.Errorf("failed to fetch media %q: %w", md.ID, err)
		}
		descriptor := &message.MediaData{Mime: md.MimeType, SHA256: md.SHA256, Size: len(data)}
		doc = message.NewUserContent(md.Caption, descriptor, msg.ID, time.Time{})
		media = &message.MediaContent{Mime: md.MimeType, Content: data}

	case whatsapp.TypeReaction:
		text := fmt.Sprintf("[reacted with %s to an earlier message]", msg.Reaction.Emoji)
		if msg.Reaction.Emoji == "" {
			text = "[removed a reaction from an earlier message]"
		}
		doc = message.NewUserContent(text, nil, msg.ID, time.Time{})
		respond = false

	default:
		return nil, nil, false, nil
	}

	doc.TimeCreated = parseTimestamp(msg.Timestamp)
	return doc, media, respond, nil
}

// parseTimestamp converts the webhook's unix-seconds timestamp. A missing
// or malformed timestamp falls back to the current time.
func parseTimestamp(ts string) time.Time {
	if secs, err := strconv.ParseInt(ts, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}
