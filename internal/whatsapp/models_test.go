package whatsapp_test

import (
	"testing"

	"github.com/caseflow/waflow/internal/whatsapp"
)

// samplePayload is a captured text-message webhook body, trimmed to the
// fields the framework reads.
const samplePayload = `{
  "object": "whatsapp_business_account",
  "entry": [
    {
      "id": "102290129340398",
      "changes": [
        {
          "value": {
            "messaging_product": "whatsapp",
            "metadata": {
              "display_phone_number": "15550783881",
              "phone_number_id": "106540352242922"
            },
            "contacts": [
              {"profile": {"name": "Ana"}, "wa_id": "5215551234567"}
            ],
            "messages": [
              {
                "from": "5215551234567",
                "id": "wamid.HBgLMTY1MDM4Nzk0MzkVAgASGBQzQTdCRjE1RDE2Qjc4NzNFQjEwAA==",
                "timestamp": "1692651952",
                "type": "text",
                "text": {"body": "hola, necesito ayuda"}
              }
            ]
          },
          "field": "messages"
        }
      ]
    }
  ]
}`

const statusPayload = `{
  "object": "whatsapp_business_account",
  "entry": [
    {"id": "102290129340398", "changes": [{"value": {"messaging_product": "whatsapp",
      "metadata": {"display_phone_number": "15550783881", "phone_number_id": "106540352242922"}},
      "field": "messages"}]}
  ]
}`

func TestParsePayload(t *testing.T) {
	t.Parallel()

	p, err := whatsapp.ParsePayload([]byte(samplePayload))
	if err != nil {
		t.Fatalf("ParsePayload() returned error: %v", err)
	}

	if !p.HasMessages() {
		t.Error("HasMessages() = false, want true")
	}

	value := p.Entry[0].Changes[0].Value
	if value.Metadata.PhoneNumberID != "106540352242922" {
		t.Errorf("phone_number_id = %q", value.Metadata.PhoneNumberID)
	}
	if got := value.Contacts[0].Name(); got != "Ana" {
		t.Errorf("contact name = %q, want Ana", got)
	}

	msg := value.Messages[0]
	if msg.From != "5215551234567" {
		t.Errorf("from = %q", msg.From)
	}
	if msg.Type != whatsapp.TypeText {
		t.Errorf("type = %q, want text", msg.Type)
	}
	if msg.Text == nil || msg.Text.Body != "hola, necesito ayuda" {
		t.Errorf("text body = %+v", msg.Text)
	}
}

func TestParsePayloadStatusOnly(t *testing.T) {
	t.Parallel()

	p, err := whatsapp.ParsePayload([]byte(statusPayload))
	if err != nil {
		t.Fatalf("ParsePayload() returned error: %v", err)
	}
	if p.HasMessages() {
		t.Error("HasMessages() = true for status-only payload")
	}
}

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     whatsapp.Message
		wantErr bool
	}{
		{
			name: "text with body",
			msg:  whatsapp.Message{Type: whatsapp.TypeText, Text: &whatsapp.Text{Body: "hi"}},
		},
		{
			name:    "text without body",
			msg:     whatsapp.Message{Type: whatsapp.TypeText},
			wantErr: true,
		},
		{
			name: "image with media",
			msg:  whatsapp.Message{Type: whatsapp.TypeImage, Image: &whatsapp.MediaData{ID: "m1", MimeType: "image/jpeg", SHA256: "x"}},
		},
		{
			name:    "image without media",
			msg:     whatsapp.Message{Type: whatsapp.TypeImage},
			wantErr: true,
		},
		{
			name: "interactive button reply",
			msg: whatsapp.Message{Type: whatsapp.TypeInteractive, Interactive: &whatsapp.InteractiveReply{
				Type:        "button_reply",
				ButtonReply: &whatsapp.InteractiveOption{ID: "opt1", Title: "Yes"},
			}},
		},
		{
			name:    "interactive without reply",
			msg:     whatsapp.Message{Type: whatsapp.TypeInteractive, Interactive: &whatsapp.InteractiveReply{Type: "button_reply"}},
			wantErr: true,
		},
		{
			name: "unsupported always passes",
			msg:  whatsapp.Message{Type: whatsapp.TypeUnsupported},
		},
		{
			name:    "unknown type",
			msg:     whatsapp.Message{Type: "order"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.msg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestMediaDataParts(t *testing.T) {
	t.Parallel()

	m := whatsapp.MediaData{ID: "m1", MimeType: "image/jpeg", SHA256: "x"}
	if got := m.Extension(); got != "jpeg" {
		t.Errorf("Extension() = %q, want jpeg", got)
	}
	if got := m.Kind(); got != "image" {
		t.Errorf("Kind() = %q, want image", got)
	}
}

func TestInteractiveMessageValidate(t *testing.T) {
	t.Parallel()

	opts := func(n int) []whatsapp.InteractiveOption {
		out := make([]whatsapp.InteractiveOption, n)
		for i := range out {
			out[i] = whatsapp.InteractiveOption{ID: "id", Title: "title"}
		}
		return out
	}

	tests := []struct {
		name    string
		msg     whatsapp.InteractiveMessage
		wantErr bool
	}{
		{name: "button with 3", msg: whatsapp.InteractiveMessage{Kind: "button", Body: "pick", Options: opts(3)}},
		{name: "button with 4", msg: whatsapp.InteractiveMessage{Kind: "button", Body: "pick", Options: opts(4)}, wantErr: true},
		{name: "list with 10", msg: whatsapp.InteractiveMessage{Kind: "list", Body: "pick", Button: "Open", Options: opts(10)}},
		{name: "list with 11", msg: whatsapp.InteractiveMessage{Kind: "list", Body: "pick", Button: "Open", Options: opts(11)}, wantErr: true},
		{name: "single option", msg: whatsapp.InteractiveMessage{Kind: "button", Body: "pick", Options: opts(1)}, wantErr: true},
		{name: "no body", msg: whatsapp.InteractiveMessage{Kind: "button", Options: opts(2)}, wantErr: true},
		{name: "bad kind", msg: whatsapp.InteractiveMessage{Kind: "carousel", Body: "pick", Options: opts(2)}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.msg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestFormatMarkdown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bold",
			input:    "this is **important** text",
			expected: "this is *important* text",
		},
		{
			name:     "italic",
			input:    "this is __emphasized__ text",
			expected: "this is _emphasized_ text",
		},
		{
			name:     "heading stripped",
			input:    "## Summary\nAll good.",
			expected: "Summary\nAll good.",
		},
		{
			name:     "mixed",
			input:    "# Report\n**Status**: __ok__",
			expected: "Report\n*Status*: _ok_",
		},
		{
			name:     "plain text untouched",
			input:    "nothing to convert here",
			expected: "nothing to convert here",
		},
		{
			name:     "hash mid-line untouched",
			input:    "value # comment",
			expected: "value # comment",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := whatsapp.FormatMarkdown(tc.input); got != tc.expected {
				t.Errorf("FormatMarkdown(%q) = %q, want %q", tc.input, got, tc.expected)
			}
		})
	}
}
