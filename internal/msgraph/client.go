// ABOUTME: Microsoft Graph mail client for one mailbox
// ABOUTME: Lists unread inbox messages, marks them read, replies in-thread and sends new mail

package msgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/inbound"
)

// Client talks to the Graph mail API as one mailbox user.
type Client struct {
	baseURL string
	user    string
	tokens  *TokenCache
	http    *http.Client
}

// NewClient creates a client. baseURL defaults to https://graph.microsoft.com/v1.0.
func NewClient(baseURL, mailboxUser string, tokens *TokenCache, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com/v1.0"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    mailboxUser,
		tokens:  tokens,
		http:    httpClient,
	}
}

// Error is a non-2xx Graph response.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("graph returned %d: %s", e.StatusCode, e.Body)
}

func (c *Client) userURL(path string) string {
	return c.baseURL + "/users/" + url.PathEscape(c.user) + path
}

func (c *Client) do(ctx context.Context, method, u string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// ListUnread returns up to top unread inbox messages, oldest first.
func (c *Client) ListUnread(ctx context.Context, top int) ([]inbound.GraphMessage, error) {
	q := url.Values{}
	q.Set("$filter", "isRead eq false")
	q.Set("$top", fmt.Sprint(top))
	q.Set("$orderby", "receivedDateTime asc")
	q.Set("$select", "id,conversationId,internetMessageId,subject,from,body")

	var out struct {
		Value []inbound.GraphMessage `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, c.userURL("/mailFolders/inbox/messages")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("listing unread messages: %w", err)
	}
	return out.Value, nil
}

// MarkRead flags a message as read.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	payload := map[string]bool{"isRead": true}
	if err := c.do(ctx, http.MethodPatch, c.userURL("/messages/"+url.PathEscape(messageID)), payload, nil); err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	return nil
}

// Reply answers a message in its thread with an HTML comment.
func (c *Client) Reply(ctx context.Context, messageID, html string) error {
	payload := map[string]string{"comment": html}
	if err := c.do(ctx, http.MethodPost, c.userURL("/messages/"+url.PathEscape(messageID)+"/reply"), payload, nil); err != nil {
		return fmt.Errorf("replying to message: %w", err)
	}
	return nil
}

type recipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// SendMail sends a new HTML message and saves it to Sent Items.
func (c *Client) SendMail(ctx context.Context, to, subject, html string) error {
	var rcpt recipient
	rcpt.EmailAddress.Address = to
	payload := map[string]any{
		"message": map[string]any{
			"subject":      subject,
			"body":         map[string]string{"contentType": "HTML", "content": html},
			"toRecipients": []recipient{rcpt},
		},
		"saveToSentItems": true,
	}
	if err := c.do(ctx, http.MethodPost, c.userURL("/sendMail"), payload, nil); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}
