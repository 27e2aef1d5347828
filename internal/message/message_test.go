package message_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/caseflow/waflow/internal/message"
)

func TestFormatID(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 8, 21, 14, 3, 5, 123456789, time.UTC)
	got := message.FormatID(message.KindUserContent, ts)
	want := "2025-08-21_14-03-05-123456789_user_content"
	if got != want {
		t.Errorf("FormatID() = %q, want %q", got, want)
	}
}

func TestNewUserContent(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 8, 21, 14, 3, 5, 0, time.UTC)
	media := &message.MediaData{Mime: "image/jpeg", SHA256: "abc", Size: 42}
	m := message.NewUserContent("see attached", media, "wamid.X1", ts)

	if m.Kind != message.KindUserContent {
		t.Errorf("kind = %q", m.Kind)
	}
	if m.IdempotencyKey != "wamid.X1" {
		t.Errorf("idempotency key = %q, want provider id", m.IdempotencyKey)
	}
	if want := m.ID + ".jpeg"; m.Media.Name != want {
		t.Errorf("media name = %q, want %q", m.Media.Name, want)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestNewMessageGeneratesIdempotencyKey(t *testing.T) {
	t.Parallel()

	m := message.NewServerText("welcome")
	if m.IdempotencyKey == "" {
		t.Error("server message has empty idempotency key")
	}
	if m.TimeCreated.IsZero() || m.TimeReceived.IsZero() {
		t.Error("server message has zero timestamps")
	}
}

func TestRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind message.Kind
		want string
	}{
		{message.KindUserContent, "user"},
		{message.KindUserInteractiveReply, "user"},
		{message.KindServerText, "user"},
		{message.KindServerInteractive, "user"},
		{message.KindAssistant, "assistant"},
		{message.KindToolResults, "tool"},
	}
	for _, tc := range tests {
		m := message.Message{Kind: tc.kind}
		if got := m.Role(); got != tc.want {
			t.Errorf("Role(%s) = %q, want %q", tc.kind, got, tc.want)
		}
	}
}

func TestAsText(t *testing.T) {
	t.Parallel()

	reply := message.NewUserInteractiveReply(message.Option{ID: "yes", Title: "Yes"}, "wamid.X2", time.Now())
	got := reply.AsText()
	var decoded message.Option
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("AsText() is not JSON: %v", err)
	}
	if decoded.ID != "yes" || decoded.Title != "Yes" {
		t.Errorf("AsText() decoded = %+v", decoded)
	}

	plain := message.NewServerText("hello")
	if plain.AsText() != "hello" {
		t.Errorf("AsText() = %q, want hello", plain.AsText())
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	orig := message.NewAssistant("done", nil, "openrouter", "openai/gpt-5-mini",
		&message.Usage{Input: 100, Output: 20, Total: 120})
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}

	got, err := message.Decode(data)
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if got.ID != orig.ID || got.Text != orig.Text || got.Model != orig.Model {
		t.Errorf("Decode() = %+v, want %+v", got, orig)
	}
	if got.Usage == nil || got.Usage.Total != 120 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown kind", doc: `{"kind":"mystery","id":"x"}`},
		{name: "empty user content", doc: `{"kind":"user_content","id":"x"}`},
		{name: "reply without choice", doc: `{"kind":"user_interactive_reply","id":"x"}`},
		{name: "not json", doc: `{{`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := message.Decode([]byte(tc.doc)); err == nil {
				t.Error("Decode() succeeded, want error")
			}
		})
	}
}

func TestSortChronological(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	a := &message.Message{Kind: message.KindServerText, ID: "b", TimeCreated: t2, TimeReceived: t2}
	b := &message.Message{Kind: message.KindServerText, ID: "a", TimeCreated: t1, TimeReceived: t1}
	c := &message.Message{Kind: message.KindServerText, ID: "c", TimeCreated: t1, TimeReceived: t2}

	msgs := []*message.Message{a, b, c}
	message.SortChronological(msgs)

	wantOrder := []string{"a", "c", "b"}
	for i, want := range wantOrder {
		if msgs[i].ID != want {
			t.Errorf("position %d = %q, want %q", i, msgs[i].ID, want)
		}
	}
}

func TestMediaContentDescribe(t *testing.T) {
	t.Parallel()

	c := message.MediaContent{Mime: "image/png", Content: []byte("pngbytes")}
	d := c.Describe("msg1.png")
	if d.Name != "msg1.png" || d.Mime != "image/png" || d.Size != 8 {
		t.Errorf("Describe() = %+v", d)
	}
	if len(d.SHA256) != 64 {
		t.Errorf("sha256 length = %d, want 64 hex chars", len(d.SHA256))
	}
}
