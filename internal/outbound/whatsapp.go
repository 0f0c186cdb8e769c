// ABOUTME: WhatsApp Cloud API sender
// ABOUTME: Chunked text, read receipt with typing indicator, reply-button feedback

package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const (
	whatsAppChunkSize  = 4096
	defaultMetaVersion = "v18.0"
)

// WhatsAppConfig configures the WhatsApp sender.
type WhatsAppConfig struct {
	BaseURL       string // defaults to https://graph.facebook.com
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	HTTPClient    *http.Client
}

// WhatsApp sends messages through the WhatsApp Cloud API.
type WhatsApp struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewWhatsApp creates a WhatsApp sender.
func NewWhatsApp(cfg WhatsAppConfig, logger *slog.Logger) *WhatsApp {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://graph.facebook.com"
	}
	version := cfg.APIVersion
	if version == "" {
		version = defaultMetaVersion
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		url:    fmt.Sprintf("%s/%s/%s/messages", base, version, cfg.PhoneNumberID),
		token:  cfg.AccessToken,
		client: newHTTPClient(cfg.HTTPClient),
		logger: logger.With("component", "outbound", "channel", "whatsapp"),
	}
}

type waText struct {
	Body string `json:"body"`
}

type waContext struct {
	MessageID string `json:"message_id"`
}

type waMessage struct {
	MessagingProduct string         `json:"messaging_product"`
	To               string         `json:"to,omitempty"`
	Type             string         `json:"type,omitempty"`
	Text             *waText        `json:"text,omitempty"`
	Context          *waContext     `json:"context,omitempty"`
	Interactive      *waInteractive `json:"interactive,omitempty"`
	Status           string         `json:"status,omitempty"`
	MessageID        string         `json:"message_id,omitempty"`
	TypingIndicator  *waTyping      `json:"typing_indicator,omitempty"`
}

type waTyping struct {
	Type string `json:"type"`
}

type waInteractive struct {
	Type   string `json:"type"`
	Body   waText `json:"body"`
	Action struct {
		Buttons []waButton `json:"buttons"`
	} `json:"action"`
}

type waButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendMessage sends text in chunks of at most 4096 runes.
func (w *WhatsApp) SendMessage(ctx context.Context, userID, text string, reply Reply) (Result, error) {
	if w.token == "" {
		return Result{}, ErrNotConfigured
	}
	res := Result{Method: "whatsapp"}
	for _, chunk := range SplitText(whatsAppMarkdown(text), whatsAppChunkSize) {
		msg := waMessage{
			MessagingProduct: "whatsapp",
			To:               userID,
			Type:             "text",
			Text:             &waText{Body: chunk},
		}
		if reply.ReplyToMessageID != "" {
			msg.Context = &waContext{MessageID: reply.ReplyToMessageID}
		}
		var out waResponse
		if err := postJSON(ctx, w.client, w.url, w.token, msg, &out); err != nil {
			return res, fmt.Errorf("sending whatsapp chunk %d: %w", res.Parts+1, err)
		}
		if len(out.Messages) > 0 {
			res.MessageID = out.Messages[0].ID
		}
		res.Parts++
	}
	w.logger.Debug("message sent", "to", userID, "parts", res.Parts)
	return res, nil
}

// SendTypingOn marks the inbound message read and shows the typing indicator.
func (w *WhatsApp) SendTypingOn(ctx context.Context, userID, messageID string) error {
	if w.token == "" {
		return ErrNotConfigured
	}
	msg := waMessage{MessagingProduct: "whatsapp"}
	if messageID != "" {
		msg.Status = "read"
		msg.MessageID = messageID
		msg.TypingIndicator = &waTyping{Type: "text"}
	} else {
		msg.To = userID
		msg.Type = "typing_indicator"
		msg.TypingIndicator = &waTyping{Type: "typing_on"}
	}
	return postJSON(ctx, w.client, w.url, w.token, msg, nil)
}

// SendTypingOff is a no-op; the indicator clears when a message is sent.
func (w *WhatsApp) SendTypingOff(ctx context.Context, userID string) error {
	return nil
}

// SendFeedbackRequest sends Ya/Tidak reply buttons for answerID.
func (w *WhatsApp) SendFeedbackRequest(ctx context.Context, userID string, answerID int64) error {
	if w.token == "" {
		return ErrNotConfigured
	}
	inter := &waInteractive{Type: "button", Body: waText{Body: FeedbackPrompt}}
	for _, b := range []struct{ id, title string }{
		{fmt.Sprintf("feedback_good-%d", answerID), "Ya"},
		{fmt.Sprintf("feedback_bad-%d", answerID), "Tidak"},
	} {
		var btn waButton
		btn.Type = "reply"
		btn.Reply.ID = b.id
		btn.Reply.Title = b.title
		inter.Action.Buttons = append(inter.Action.Buttons, btn)
	}
	msg := waMessage{
		MessagingProduct: "whatsapp",
		To:               userID,
		Type:             "interactive",
		Interactive:      inter,
	}
	return postJSON(ctx, w.client, w.url, w.token, msg, nil)
}
