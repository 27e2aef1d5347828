// Package whatsapp implements the WhatsApp Business Cloud API surface:
// webhook payload types and an outbound Graph API client.
//
// Payload reference:
// https://developers.facebook.com/docs/whatsapp/cloud-api/webhooks/reference/messages
package whatsapp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType enumerates the message types delivered by the webhook.
type MessageType string

const (
	TypeText        MessageType = "text"
	TypeInteractive MessageType = "interactive"
	TypeImage       MessageType = "image"
	TypeVideo       MessageType = "video"
	TypeAudio       MessageType = "audio"
	TypeSticker     MessageType = "sticker"
	TypeReaction    MessageType = "reaction"
	TypeUnsupported MessageType = "unsupported"
	TypeContacts    MessageType = "contacts"
	TypeLocation    MessageType = "location"
)

// InteractiveOption is a single choice in an interactive button or list.
type InteractiveOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Context carries reply/forward metadata attached to a message.
type Context struct {
	From            string            `json:"from,omitempty"`
	ID              string            `json:"id,omitempty"` // ID of the message being replied to
	Forwarded       bool              `json:"forwarded,omitempty"`
	FrequentlyFwd   bool              `json:"frequently_forwarded,omitempty"`
	ReferredProduct map[string]string `json:"referred_product,omitempty"`
}

// Text is the body of a text message.
type Text struct {
	Body string `json:"body"`
}

// InteractiveReply is the user's answer to an interactive message.
type InteractiveReply struct {
	Type        string             `json:"type"` // button_reply or list_reply
	ButtonReply *InteractiveOption `json:"button_reply,omitempty"`
	ListReply   *InteractiveOption `json:"list_reply,omitempty"`
}

// Choice returns whichever reply option is present.
func (r *InteractiveReply) Choice() *InteractiveOption {
	if r == nil {
		return nil
	}
	if r.ButtonReply != nil {
		return r.ButtonReply
	}
	return r.ListReply
}

// MediaData describes an inbound media attachment. The bytes themselves are
// fetched separately through the Graph API using ID.
type MediaData struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption,omitempty"`  // image and video
	Voice    bool   `json:"voice,omitempty"`    // audio
	Animated bool   `json:"animated,omitempty"` // sticker
}

// Extension returns the subtype part of the MIME type, e.g. "jpeg".
func (m *MediaData) Extension() string {
	if i := strings.Index(m.MimeType, "/"); i >= 0 {
		return m.MimeType[i+1:]
	}
	return ""
}

// Kind returns the major part of the MIME type, e.g. "image".
func (m *MediaData) Kind() string {
	if i := strings.Index(m.MimeType, "/"); i >= 0 {
		return m.MimeType[:i]
	}
	return m.MimeType
}

// Reaction is an emoji reaction to an earlier message.
type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji,omitempty"`
}

// Message is a single inbound message. Exactly one content field matching
// Type is populated.
type Message struct {
	Context   *Context    `json:"context,omitempty"`
	From      string      `json:"from"` // sender phone number
	ID        string      `json:"id"`
	Timestamp string      `json:"timestamp"`
	Type      MessageType `json:"type"`

	Text        *Text             `json:"text,omitempty"`
	Interactive *InteractiveReply `json:"interactive,omitempty"`
	Image       *MediaData        `json:"image,omitempty"`
	Video       *MediaData        `json:"video,omitempty"`
	Audio       *MediaData        `json:"audio,omitempty"`
	Sticker     *MediaData        `json:"sticker,omitempty"`
	Reaction    *Reaction         `json:"reaction,omitempty"`
}

// Media returns the media descriptor for image, video, audio and sticker
// messages, or nil for the rest.
func (m *Message) Media() *MediaData {
	switch {
	case m.Image != nil:
		return m.Image
	case m.Video != nil:
		return m.Video
	case m.Audio != nil:
		return m.Audio
	case m.Sticker != nil:
		return m.Sticker
	}
	return nil
}

// Validate checks that the content field matching the message type is
// present. Unsupported, contacts and location messages carry no content we
// decode, so they always pass.
func (m *Message) Validate() error {
	var ok bool
	switch m.Type {
	case TypeText:
		ok = m.Text != nil && m.Text.Body != ""
	case TypeInteractive:
		ok = m.Interactive != nil && m.Interactive.Choice() != nil
	case TypeImage:
		ok = m.Image != nil
	case TypeVideo:
		ok = m.Video != nil
	case TypeAudio:
		ok = m.Audio != nil
	case TypeSticker:
		ok = m.Sticker != nil
	case TypeReaction:
		ok = m.Reaction != nil
	case TypeUnsupported, TypeContacts, TypeLocation:
		ok = true
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("message of type %q is missing its %q content", m.Type, m.Type)
	}
	return nil
}

// Profile is the sender's display profile.
type Profile struct {
	Name string `json:"name"`
}

// Contact identifies a message sender.
type Contact struct {
	WAID    string   `json:"wa_id"` // sender phone number
	Profile *Profile `json:"profile,omitempty"`
}

// Name returns the profile display name, or empty when absent.
func (c *Contact) Name() string {
	if c.Profile == nil {
		return ""
	}
	return c.Profile.Name
}

// Metadata identifies the receiving business number (the "operator").
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Value groups the contacts and messages delivered in one change.
type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
}

// Change wraps a Value with the changed field name (always "messages" for
// message webhooks).
type Change struct {
	Value Value  `json:"value"`
	Field string `json:"field"`
}

// Entry groups changes for one WhatsApp Business Account.
type Entry struct {
	ID      string   `json:"id"` // WABA ID
	Changes []Change `json:"changes"`
}

// Payload is the top-level webhook body.
type Payload struct {
	Object string  `json:"object"` // "whatsapp_business_account"
	Entry  []Entry `json:"entry"`
}

// ParsePayload decodes a webhook body and validates every message in it.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	for ei := range p.Entry {
		for ci := range p.Entry[ei].Changes {
			for mi := range p.Entry[ei].Changes[ci].Value.Messages {
				if err := p.Entry[ei].Changes[ci].Value.Messages[mi].Validate(); err != nil {
					return nil, fmt.Errorf("entry %d change %d message %d: %w", ei, ci, mi, err)
				}
			}
		}
	}
	return &p, nil
}

// HasMessages reports whether any change in the payload carries messages.
// Status-only webhooks (delivery receipts) come through the same endpoint
// with empty message lists.
func (p *Payload) HasMessages() bool {
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			if len(c.Value.Messages) > 0 {
				return true
			}
		}
	}
	return false
}
