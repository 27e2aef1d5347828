package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultAPIURL is the Graph API base for the Cloud API version in use.
const DefaultAPIURL = "https://graph.facebook.com/v23.0"

// APIError is the error envelope returned by the Graph API.
type APIError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	FBTraceID string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph API error: %s (type %s, code %d)", e.Message, e.Type, e.Code)
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

// Client sends messages and fetches media through the Graph API.
type Client struct {
	http *resty.Client
	log  *slog.Logger
}

// NewClient creates a Graph API client authenticated with the bot token.
func NewClient(token string, log *slog.Logger) (*Client, error) {
	if token == "" {
		return nil, errors.New("whatsapp bot token is required")
	}
	if log == nil {
		log = slog.Default()
	}

	http := resty.New().
		SetBaseURL(DefaultAPIURL).
		SetAuthToken(token).
		SetTimeout(30 * time.Second)

	return &Client{
		http: http,
		log:  log.With("component", "whatsapp_client"),
	}, nil
}

// outgoingMessage is the request body for POST /<operator>/messages.
type outgoingMessage struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`

	Text        *Text                `json:"text,omitempty"`
	Interactive *outgoingInteractive `json:"interactive,omitempty"`
	Image       *mediaRef            `json:"image,omitempty"`
	Video       *mediaRef            `json:"video,omitempty"`
	Audio       *mediaRef            `json:"audio,omitempty"`
	Document    *mediaRef            `json:"document,omitempty"`
}

type mediaRef struct {
	ID      string `json:"id"`
	Caption string `json:"caption,omitempty"`
}

type outgoingInteractive struct {
	Type   string            `json:"type"` // button or list
	Header *interactiveText  `json:"header,omitempty"`
	Body   *bodyText         `json:"body,omitempty"`
	Footer *bodyText         `json:"footer,omitempty"`
	Action interactiveAction `json:"action"`
}

type interactiveText struct {
	Type string `json:"type"` // always "text" here
	Text string `json:"text"`
}

type bodyText struct {
	Text string `json:"text"`
}

type interactiveAction struct {
	Buttons  []interactiveButton  `json:"buttons,omitempty"`
	Button   string               `json:"button,omitempty"`
	Sections []interactiveSection `json:"sections,omitempty"`
}

type interactiveButton struct {
	Type  string            `json:"type"` // always "reply"
	Reply InteractiveOption `json:"reply"`
}

type interactiveSection struct {
	Title string              `json:"title,omitempty"`
	Rows  []InteractiveOption `json:"rows"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *APIError `json:"error"`
}

// InteractiveMessage describes an outbound interactive prompt: a body with
// 2-3 reply buttons or a 2-10 row list.
type InteractiveMessage struct {
	Kind    string // "button" or "list"
	Header  string
	Body    string
	Footer  string
	Button  string // list open button label
	Options []InteractiveOption
}

// Validate enforces the Cloud API option limits.
func (m *InteractiveMessage) Validate() error {
	if m.Body == "" {
		return errors.New("interactive message requires a body")
	}
	if len(m.Options) < 2 {
		return errors.New("interactive message requires at least 2 options")
	}
	switch m.Kind {
	case "button":
		if len(m.Options) > 3 {
			return errors.New("button messages support at most 3 options")
		}
	case "list":
		if len(m.Options) > 10 {
			return errors.New("list messages support at most 10 options")
		}
	default:
		return fmt.Errorf("unknown interactive kind %q", m.Kind)
	}
	return nil
}

// OutgoingMedia is a media attachment to upload and send.
type OutgoingMedia struct {
	Filename string
	Mime     string
	Content  []byte
	Caption  string
}

// SendText sends a plain text message from the operator number to a user.
func (c *Client) SendText(ctx context.Context, operatorID, to, text string) error {
	msg := outgoingMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &Text{Body: text},
	}
	return c.postMessage(ctx, operatorID, &msg)
}

// SendInteractive sends a button or list prompt.
func (c *Client) SendInteractive(ctx context.Context, operatorID, to string, im *InteractiveMessage) error {
	if err := im.Validate(); err != nil {
		return fmt.Errorf("invalid interactive message: %w", err)
	}

	out := &outgoingInteractive{
		Type: im.Kind,
		Body: &bodyText{Text: im.Body},
	}
	if im.Header != "" {
		out.Header = &interactiveText{Type: "text", Text: im.Header}
	}
	if im.Footer != "" {
		out.Footer = &bodyText{Text: im.Footer}
	}

	switch im.Kind {
	case "button":
		for _, opt := range im.Options {
			out.Action.Buttons = append(out.Action.Buttons, interactiveButton{Type: "reply", Reply: opt})
		}
	case "list":
		out.Action.Button = im.Button
		out.Action.Sections = []interactiveSection{{Rows: im.Options}}
	}

	msg := outgoingMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "interactive",
		Interactive:      out,
	}
	return c.postMessage(ctx, operatorID, &msg)
}

// SendMedia uploads the media bytes to the operator's media endpoint and then
// sends a message referencing the returned media ID.
func (c *Client) SendMedia(ctx context.Context, operatorID, to string, media *OutgoingMedia) error {
	kind := (&MediaData{MimeType: media.Mime}).Kind()
	switch kind {
	case "image", "video", "audio":
	default:
		kind = "document"
	}

	var upload struct {
		ID    string    `json:"id"`
		Error *APIError `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", media.Filename, bytes.NewReader(media.Content)).
		SetFormData(map[string]string{"messaging_product": "whatsapp"}).
		SetResult(&upload).
		SetError(&upload).
		Post(fmt.Sprintf("/%s/media", operatorID))
	if err != nil {
		return fmt.Errorf("media upload request failed: %w", err)
	}
	if upload.Error != nil {
		return fmt.Errorf("media upload rejected: %w", upload.Error)
	}
	if resp.IsError() || upload.ID == "" {
		return fmt.Errorf("media upload failed with status %d", resp.StatusCode())
	}

	c.log.DebugContext(ctx, "media uploaded", "operator_id", operatorID, "media_id", upload.ID, "mime", media.Mime)

	ref := &mediaRef{ID: upload.ID, Caption: media.Caption}
	msg := outgoingMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             kind,
	}
	switch kind {
	case "image":
		msg.Image = ref
	case "video":
		msg.Video = ref
	case "audio":
		ref.Caption = "" // audio messages cannot carry captions
		msg.Audio = ref
	default:
		msg.Document = ref
	}
	return c.postMessage(ctx, operatorID, &msg)
}

// FetchMedia downloads the content of an inbound media attachment: a first
// request resolves the media ID to a short-lived URL, a second downloads it.
func (c *Client) FetchMedia(ctx context.Context, media *MediaData) ([]byte, error) {
	var meta struct {
		URL   string    `json:"url"`
		Error *APIError `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&meta).
		SetError(&meta).
		Get("/" + media.ID)
	if err != nil {
		return nil, fmt.Errorf("media lookup request failed: %w", err)
	}
	if meta.Error != nil {
		return nil, fmt.Errorf("media lookup rejected: %w", meta.Error)
	}
	if resp.IsError() || meta.URL == "" {
		return nil, fmt.Errorf("no media URL received for %q (status %d)", media.ID, resp.StatusCode())
	}

	// The download URL is absolute and outside the Graph API base, but still
	// requires the bearer token.
	dl, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(false).
		Get(meta.URL)
	if err != nil {
		return nil, fmt.Errorf("media download failed: %w", err)
	}
	if dl.IsError() {
		return nil, fmt.Errorf("media download failed with status %d", dl.StatusCode())
	}

	body := dl.Body()
	c.log.DebugContext(ctx, "media fetched", "media_id", media.ID, "mime", media.MimeType, "size", len(body))
	return body, nil
}

func (c *Client) postMessage(ctx context.Context, operatorID string, msg *outgoingMessage) error {
	var out sendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(msg).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/%s/messages", operatorID))
	if err != nil {
		return fmt.Errorf("message send request failed: %w", err)
	}
	if out.Error != nil {
		return fmt.Errorf("message send rejected: %w", out.Error)
	}
	if resp.IsError() {
		return fmt.Errorf("message send failed with status %d", resp.StatusCode())
	}

	var id string
	if len(out.Messages) > 0 {
		id = out.Messages[0].ID
	}
	c.log.DebugContext(ctx, "message sent", "operator_id", operatorID, "to", msg.To, "type", msg.Type, "message_id", id)
	return nil
}
