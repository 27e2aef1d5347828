package cases_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/caseflow/waflow/internal/bucket"
	"github.com/caseflow/waflow/internal/bucket/buckettest"
	"github.com/caseflow/waflow/internal/cases"
	"github.com/caseflow/waflow/internal/llm"
	"github.com/caseflow/waflow/internal/message"
	"github.com/caseflow/waflow/internal/whatsapp"
)

type sentText struct {
	OperatorID string
	To         string
	Text       string
}

type fakeMessenger struct {
	texts      []sentText
	mediaBytes []byte
	fetchErr   error
	fetched    []string
}

func (f *fakeMessenger) SendText(_ context.Context, operatorID, to, text string) error {
	f.texts = append(f.texts, sentText{operatorID, to, text})
	return nil
}

func (f *fakeMessenger) SendInteractive(context.Context, string, string, *whatsapp.InteractiveMessage) error {
	return nil
}

func (f *fakeMessenger) SendMedia(context.Context, string, string, *whatsapp.OutgoingMedia) error {
	return nil
}

func (f *fakeMessenger) FetchMedia(_ context.Context, media *whatsapp.MediaData) ([]byte, error) {
	f.fetched = append(f.fetched, media.ID)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.mediaBytes, nil
}

type fakeCompleter struct {
	responses []*llm.Response
	requests  []*llm.Request
	tools     bool
}

func (f *fakeCompleter) Complete(_ context.Context, request *llm.Request) (*llm.Response, error) {
	f.requests = append(f.requests, request)
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeCompleter) Provider() string { return "openrouter" }

func (f *fakeCompleter) SupportsTools() bool { return f.tools }

type fixture struct {
	handler   *cases.Handler
	storage   *bucket.Storage
	bucket    *bucket.Bucket
	fake      *buckettest.FakeS3
	messenger *fakeMessenger
	completer *fakeCompleter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := buckettest.New()
	b := bucket.New(fake, "test-bucket", nil)
	storage := bucket.NewStorage(b, nil)
	messenger := &fakeMessenger{}
	completer := &fakeCompleter{tools: true}
	handler := cases.NewHandler(storage, b, messenger, completer, "You are a support agent.", nil)
	return &fixture{
		handler:   handler,
		storage:   storage,
		bucket:    b,
		fake:      fake,
		messenger: messenger,
		completer: completer,
	}
}

func textMessage(id, from, body string) *whatsapp.Message {
	return &whatsapp.Message{
		From:      from,
		ID:        id,
		Timestamp: "1692651952",
		Type:      whatsapp.TypeText,
		Text:      &whatsapp.Text{Body: body},
	}
}

func TestProcessInboundCreatesUserAndCase(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	respond, err := fx.handler.ProcessInbound(ctx, "op1", "5215551234567", textMessage("wamid.1", "5215551234567", "hola"), "Ana")
	if err != nil {
		t.Fatalf("ProcessInbound() returned error: %v", err)
	}
	if !respond {
		t.Error("ProcessInbound() respond = false, want reply for a text message")
	}

	u, err := fx.storage.UserData(ctx, "op1", "5215551234567")
	if err != nil {
		t.Fatalf("UserData() returned error: %v", err)
	}
	if u == nil {
		t.Fatal("user record was not created")
	}
	if u.CountryCode != "MX" || u.LanguageCode != "es" {
		t.Errorf("locale = %s/%s, want MX/es", u.CountryCode, u.LanguageCode)
	}
	if len(u.Names) != 1 || u.Names[0] != "Ana" {
		t.Errorf("names = %v, want [Ana]", u.Names)
	}

	index, err := fx.storage.Index(ctx, "op1", "5215551234567")
	if err != nil {
		t.Fatalf("Index() returned error: %v", err)
	}
	if index.ActiveCaseID != "000001" {
		t.Errorf("ActiveCaseID = %q, want 000001", index.ActiveCaseID)
	}

	msgs, err := fx.storage.Messages(ctx, "op1", "5215551234567", "000001")
	if err != nil {
		t.Fatalf("Messages() returned error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hola" || msgs[0].Kind != message.KindUserContent {
		t.Errorf("stored messages = %+v", msgs)
	}
	if msgs[0].IdempotencyKey != "wamid.1" {
		t.Errorf("idempotency key = %q", msgs[0].IdempotencyKey)
	}
}

func TestProcessInboundSkipsRedelivery(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	msg := textMessage("wamid.dup", "5215551234567", "hola")

	wantRespond := []bool{true, false}
	for i := 0; i < 2; i++ {
		respond, err := fx.handler.ProcessInbound(ctx, "op1", "5215551234567", msg, "Ana")
		if err != nil {
			t.Fatalf("ProcessInbound() attempt %d returned error: %v", i+1, err)
		}
		if respond != wantRespond[i] {
			t.Errorf("ProcessInbound() attempt %d respond = %v, want %v", i+1, respond, wantRespond[i])
		}
	}

	msgs, err := fx.storage.Messages(ctx, "op1", "5215551234567", "000001")
	if err != nil {
		t.Fatalf("Messages() returned error: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("stored messages = %d, want 1 after redelivery", len(msgs))
	}
}

func TestProcessInboundFetchesMedia(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.messenger.mediaBytes = []byte("jpegbytes")
	ctx := context.Background()

	msg := &whatsapp.Message{
		From:      "5215551234567",
		ID:        "wamid.img",
		Timestamp: "1692651952",
		Type:      whatsapp.TypeImage,
		Image:     &whatsapp.MediaData{ID: "media1", MimeType: "image/jpeg", SHA256: "x", Caption: "mi recibo"},
	}
	if _, err := fx.handler.ProcessInbound(ctx, "op1", "5215551234567", msg, "Ana"); err != nil {
		t.Fatalf("ProcessInbound() returned error: %v", err)
	}

	if len(fx.messenger.fetched) != 1 || fx.messenger.fetched[0] != "media1" {
		t.Errorf("fetched media = %v", fx.messenger.fetched)
	}

	msgs, err := fx.storage.Messages(ctx, "op1", "5215551234567", "000001")
	if err != nil {
		t.Fatalf("Messages() returned error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Media == nil {
		t.Fatalf("stored messages = %+v", msgs)
	}
	if msgs[0].Text != "mi recibo" {
		t.Errorf("caption = %q", msgs[0].Text)
	}

	data, err := fx.storage.Media(ctx, "op1", "5215551234567", "000001", msgs[0].Media.Name)
	if err != nil {
		t.Fatalf("Media() returned error: %v", err)
	}
	if string(data) != "jpegbytes" {
		t.Errorf("stored media = %q", data)
	}
}

func TestProcessInboundUnsupportedType(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	msg := &whatsapp.Message{
		From:      "5215551234567",
		ID:        "wamid.loc",
		Timestamp: "1692651952",
		Type:      whatsapp.TypeLocation,
	}
	respond, err := fx.handler.ProcessInbound(ctx, "op1", "5215551234567", msg, "Ana")
	if err != nil {
		t.Fatalf("ProcessInbound() returned error: %v", err)
	}
	if respond {
		t.Error("ProcessInbound() respond = true for unsupported content, want false")
	}

	if len(fx.messenger.texts) != 1 {
		t.Fatalf("sent texts = %d, want unsupported-content notice", len(fx.messenger.texts))
	}

	msgs, err := fx.storage.Messages(ctx, "op1", "5215551234567", "000001")
	if err != nil {
		t.Fatalf("Messages() returned error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != message.KindServerText {
		t.Errorf("stored messages = %+v, want one server notice", msgs)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 8, 21, 12, 0, 0, 0, time.UTC)
	fresh := &bucket.CaseManifest{UpdatedAt: now.Add(-47 * time.Hour)}
	stale := &bucket.CaseManifest{UpdatedAt: now.Add(-49 * time.Hour)}

	if cases.IsStale(fresh, now) {
		t.Error("IsStale() = true for 47h-old case")
	}
	if !cases.IsStale(stale, now) {
		t.Error("IsStale() = false for 49h-old case")
	}
}

func TestStaleCaseRollsOver(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.handler.ProcessInbound(ctx, "op1", "5215551234567", textMessage("wamid.1", "5215551234567", "hola"), "Ana"); err != nil {
		t.Fatalf("ProcessInbound() returned error: %v", err)
	}

	// Backdate the open case past the staleness horizon.
	manifest, err := fx.storage.Manifest(ctx, "op1", "5215551234567", "000001")
	if err != nil {
		t.Fatalf("Manifest() returned error: %v", err)
	}
	manifest.UpdatedAt = time.Now().UTC().Add(-cases.StaleAfter - time.Hour)
	raw, _ := json.Marshal(manifest)
	key := bucket.ManifestKey("op1", "5215551234567", "000001")
	if err := fx.bucket.Put(ctx, key, raw, "application/json"); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}

	if _, err := fx.handler.ProcessInbound(ctx, "op1", "5215551234567", textMessage("wamid.2", "5215551234567", "sigo aqui"), "Ana"); err != nil {
		t.Fatalf("second ProcessInbound() returned error: %v", err)
	}

	index, err := fx.storage.Index(ctx, "op1", "5215551234567")
	if err != nil {
		t.Fatalf("Index() returned error: %v", err)
	}
	if index.ActiveCaseID != "000002" {
		t.Errorf("ActiveCaseID = %q, want new case 000002", index.ActiveCaseID)
	}

	closed, err := fx.storage.Manifest(ctx, "op1", "5215551234567", "000001")
	if err != nil {
		t.Fatalf("Manifest() returned error: %v", err)
	}
	if closed.Status != bucket.CaseTimeout {
		t.Errorf("stale case status = %q, want timeout", closed.Status)
	}
	if closed.ClosedAt == nil {
		t.Error("stale case has no ClosedAt")
	}
}

func TestGenerateRepliesSendsText(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.handler.ProcessInbound(ctx, "op1", "5215551234567", textMessage("wamid.1", "5215551234567", "hola"), "Ana"); err != nil {
		t.Fatalf("ProcessInbound() returned error: %v", err)
	}

	fx.completer.responses = []*llm.Response{{
		Text:  "**Hola Ana**, como puedo ayudarte?",
		Model: "openai/gpt-5-mini",
		Usage: llm.Usage{Input: 100, Output: 10, Total: 110},
	}}

	if err := fx.handler.GenerateReplies(ctx, "op1", "5215551234567"); err != nil {
		t.Fatalf("GenerateReplies() returned error: %v", err)
	}

	if len(fx.messenger.texts) != 1 {
		t.Fatalf("sent texts = %d, want 1", len(fx.messenger.texts))
	}
	if got := fx.messenger.texts[0].Text; got != "*Hola Ana*, como puedo ayudarte?" {
		t.Errorf("sent text = %q, want WhatsApp formatting", got)
	}

	msgs, err := fx.storage.Messages(ctx, "op1", "5215551234567", "000001")
	if err != nil {
		t.Fatalf("Messages() returned error: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Kind != message.KindAssistant || last.Model != "openai/gpt-5-mini" {
		t.Errorf("last message = %+v, want assistant turn", last)
	}
	if last.Usage == nil || last.Usage.Total != 110 {
		t.Errorf("assistant usage = %+v", last.Usage)
	}

	// System prompt carries the instruction and user info.
	req := fx.completer.requests[0]
	system, ok := req.Messages[0].Content.(string)
	if !ok || req.Messages[0].Role != "system" {
		t.Fatalf("first context message = %+v, want system", req.Messages[0])
	}
	for _, want := range []string{"You are a support agent.", "Ana", "Mexico"} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestGenerateRepliesResolvesCaseViaTool(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.handler.ProcessInbound(ctx, "op1", "5215551234567", textMessage("wamid.1", "5215551234567", "gracias, todo resuelto"), "Ana"); err != nil {
		t.Fatalf("ProcessInbound() returned error: %v", err)
	}

	fx.completer.responses = []*llm.Response{{
		Text:  "Me alegro! Cierro tu caso.",
		Model: "openai/gpt-5-mini",
		ToolCalls: []llm.ToolCall{{
			ID:    "call_1",
			Name:  "resolve_case",
			Input: json.RawMessage(`{"summary":"user confirmed the issue is fixed"}`),
		}},
	}}

	if err := fx.handler.GenerateReplies(ctx, "op1", "5215551234567"); err != nil {
		t.Fatalf("GenerateReplies() returned error: %v", err)
	}

	index, err := fx.storage.Index(ctx, "op1", "5215551234567")
	if err != nil {
		t.Fatalf("Index() returned error: %v", err)
	}
	if index.ActiveCaseID != "" {
		t.Errorf("ActiveCaseID = %q, want cleared", index.ActiveCaseID)
	}

	manifest, err := fx.storage.Manifest(ctx, "op1", "5215551234567", "000001")
	if err != nil {
		t.Fatalf("Manifest() returned error: %v", err)
	}
	if manifest.Status != bucket.CaseResolved {
		t.Errorf("status = %q, want resolved", manifest.Status)
	}
	if manifest.Summary != "user confirmed the issue is fixed" {
		t.Errorf("summary = %q", manifest.Summary)
	}

	msgs, err := fx.storage.Messages(ctx, "op1", "5215551234567", "000001")
	if err != nil {
		t.Fatalf("Messages() returned error: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Kind != message.KindToolResults || len(last.ToolResults) != 1 {
		t.Errorf("last message = %+v, want tool results", last)
	}

	// Only one completion: the loop stops once the case is closed.
	if len(fx.completer.requests) != 1 {
		t.Errorf("completions = %d, want 1", len(fx.completer.requests))
	}
}

func TestGenerateRepliesSkipsWhenNothingNew(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.handler.ProcessInbound(ctx, "op1", "5215551234567", textMessage("wamid.1", "5215551234567", "hola"), "Ana"); err != nil {
		t.Fatalf("ProcessInbound() returned error: %v", err)
	}
	fx.completer.responses = []*llm.Response{{Text: "Hola!", Model: "m"}}
	if err := fx.handler.GenerateReplies(ctx, "op1", "5215551234567"); err != nil {
		t.Fatalf("GenerateReplies() returned error: %v", err)
	}

	// No new inbound messages since the assistant turn.
	if err := fx.handler.GenerateReplies(ctx, "op1", "5215551234567"); err != nil {
		t.Fatalf("second GenerateReplies() returned error: %v", err)
	}
	if len(fx.completer.requests) != 1 {
		t.Errorf("completions = %d, want 1 (no rerun without new input)", len(fx.completer.requests))
	}

	// No conversation at all is a no-op.
	if err := fx.handler.GenerateReplies(ctx, "op1", "none"); err != nil {
		t.Fatalf("GenerateReplies() for unknown user returned error: %v", err)
	}
}
