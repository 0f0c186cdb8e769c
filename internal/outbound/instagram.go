// ABOUTME: Instagram Messaging sender
// ABOUTME: Chunked text, typing sender actions, quick-reply feedback

package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const instagramChunkSize = 1000

// InstagramConfig configures the Instagram sender.
type InstagramConfig struct {
	BaseURL     string // defaults to https://graph.instagram.com
	APIVersion  string
	AccountID   string
	AccessToken string
	HTTPClient  *http.Client
}

// Instagram sends messages through the Instagram Messaging API.
type Instagram struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewInstagram creates an Instagram sender.
func NewInstagram(cfg InstagramConfig, logger *slog.Logger) *Instagram {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://graph.instagram.com"
	}
	version := cfg.APIVersion
	if version == "" {
		version = defaultMetaVersion
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Instagram{
		url:    fmt.Sprintf("%s/%s/%s/messages", base, version, cfg.AccountID),
		token:  cfg.AccessToken,
		client: newHTTPClient(cfg.HTTPClient),
		logger: logger.With("component", "outbound", "channel", "instagram"),
	}
}

type igRecipient struct {
	ID string `json:"id"`
}

type igQuickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type igMessageBody struct {
	Text         string         `json:"text"`
	QuickReplies []igQuickReply `json:"quick_replies,omitempty"`
}

type igRequest struct {
	Recipient    igRecipient    `json:"recipient"`
	Message      *igMessageBody `json:"message,omitempty"`
	SenderAction string         `json:"sender_action,omitempty"`
}

type igResponse struct {
	MessageID string `json:"message_id"`
}

// cleanInstagramID strips the pseudo-domain some integrations append to IGSIDs.
func cleanInstagramID(userID string) string {
	return strings.TrimSpace(strings.TrimSuffix(userID, "@instagram.com"))
}

// SendMessage sends text in chunks of at most 1000 runes.
func (g *Instagram) SendMessage(ctx context.Context, userID, text string, _ Reply) (Result, error) {
	if g.token == "" {
		return Result{}, ErrNotConfigured
	}
	res := Result{Method: "instagram"}
	for _, chunk := range SplitText(instagramMarkdown(text), instagramChunkSize) {
		req := igRequest{
			Recipient: igRecipient{ID: cleanInstagramID(userID)},
			Message:   &igMessageBody{Text: chunk},
		}
		var out igResponse
		if err := postJSON(ctx, g.client, g.url, g.token, req, &out); err != nil {
			return res, fmt.Errorf("sending instagram chunk %d: %w", res.Parts+1, err)
		}
		res.MessageID = out.MessageID
		res.Parts++
	}
	g.logger.Debug("message sent", "to", userID, "parts", res.Parts)
	return res, nil
}

// SendTypingOn shows the typing indicator.
func (g *Instagram) SendTypingOn(ctx context.Context, userID, _ string) error {
	return g.senderAction(ctx, userID, "typing_on")
}

// SendTypingOff hides the typing indicator.
func (g *Instagram) SendTypingOff(ctx context.Context, userID string) error {
	return g.senderAction(ctx, userID, "typing_off")
}

func (g *Instagram) senderAction(ctx context.Context, userID, action string) error {
	if g.token == "" {
		return ErrNotConfigured
	}
	req := igRequest{Recipient: igRecipient{ID: cleanInstagramID(userID)}, SenderAction: action}
	return postJSON(ctx, g.client, g.url, g.token, req, nil)
}

// SendFeedbackRequest sends Yes/No quick replies for answerID.
func (g *Instagram) SendFeedbackRequest(ctx context.Context, userID string, answerID int64) error {
	if g.token == "" {
		return ErrNotConfigured
	}
	req := igRequest{
		Recipient: igRecipient{ID: cleanInstagramID(userID)},
		Message: &igMessageBody{
			Text: FeedbackPrompt,
			QuickReplies: []igQuickReply{
				{ContentType: "text", Title: "Yes", Payload: fmt.Sprintf("good-%d", answerID)},
				{ContentType: "text", Title: "No", Payload: fmt.Sprintf("bad-%d", answerID)},
			},
		},
	}
	return postJSON(ctx, g.client, g.url, g.token, req, nil)
}
