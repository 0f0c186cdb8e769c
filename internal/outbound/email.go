// ABOUTME: Email sender rendering markdown answers to HTML and delivering them
// ABOUTME: Pluggable transport: Microsoft Graph reply/sendMail or plain SMTP

package outbound

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/jordydydy/semaphore-remove/internal/msgraph"
)

const (
	emailGreeting  = "Dear Bapak/Ibu,<br><br>"
	emailSignature = "<br><br>Regards,<br>Kementerian Investasi dan Hilirisasi/BKPM"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderEmailHTML converts a markdown answer into the HTML body sent to the user,
// wrapped in the standard greeting and signature.
func RenderEmailHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return emailGreeting + strings.TrimSpace(buf.String()) + emailSignature, nil
}

// EmailMessage is one rendered outgoing email.
type EmailMessage struct {
	To                string
	Subject           string
	HTML              string
	InReplyTo         string
	References        string
	ProviderMessageID string
}

// EmailTransport delivers rendered emails.
type EmailTransport interface {
	Send(ctx context.Context, m *EmailMessage) (Result, error)
}

// Email implements Sender for the email channel.
type Email struct {
	transport EmailTransport
	logger    *slog.Logger
}

// NewEmail creates an email sender over transport.
func NewEmail(transport EmailTransport, logger *slog.Logger) *Email {
	if logger == nil {
		logger = slog.Default()
	}
	return &Email{transport: transport, logger: logger.With("component", "outbound.email")}
}

// SendMessage renders text and sends it as a threaded reply when thread
// context is available.
func (e *Email) SendMessage(ctx context.Context, userID, text string, reply Reply) (Result, error) {
	if e.transport == nil {
		return Result{}, ErrNotConfigured
	}
	body, err := RenderEmailHTML(text)
	if err != nil {
		return Result{}, err
	}
	subject := reply.Subject
	if subject == "" {
		subject = DefaultReplySubject
	} else if !hasReplyPrefix(subject) {
		subject = "Re: " + subject
	}

	msg := &EmailMessage{
		To:                userID,
		Subject:           subject,
		HTML:              body,
		InReplyTo:         reply.InReplyTo,
		References:        reply.References,
		ProviderMessageID: reply.ProviderMessageID,
	}
	res, err := e.transport.Send(ctx, msg)
	if err != nil {
		return Result{}, fmt.Errorf("sending email to %s: %w", userID, err)
	}
	e.logger.Debug("email sent", "to", userID, "method", res.Method)
	return res, nil
}

// SendTypingOn is a no-op for email.
func (e *Email) SendTypingOn(context.Context, string, string) error { return nil }

// SendTypingOff is a no-op for email.
func (e *Email) SendTypingOff(context.Context, string) error { return nil }

// SendFeedbackRequest is a no-op for email.
func (e *Email) SendFeedbackRequest(context.Context, string, int64) error { return nil }

func hasReplyPrefix(subject string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:")
}

// GraphMailer is the part of the Graph client the transport needs.
type GraphMailer interface {
	Reply(ctx context.Context, messageID, html string) error
	SendMail(ctx context.Context, to, subject, html string) error
}

var _ GraphMailer = (*msgraph.Client)(nil)

// GraphTransport sends through Microsoft Graph. It replies in-thread when the
// provider message id is known and falls back to a new message otherwise.
type GraphTransport struct {
	client GraphMailer
}

// NewGraphTransport wraps a Graph client.
func NewGraphTransport(client GraphMailer) *GraphTransport {
	return &GraphTransport{client: client}
}

// Send implements EmailTransport.
func (t *GraphTransport) Send(ctx context.Context, m *EmailMessage) (Result, error) {
	if m.ProviderMessageID != "" {
		if err := t.client.Reply(ctx, m.ProviderMessageID, m.HTML); err != nil {
			return Result{}, err
		}
		return Result{Method: "graph_reply", Parts: 1}, nil
	}
	if err := t.client.SendMail(ctx, m.To, m.Subject, m.HTML); err != nil {
		return Result{}, err
	}
	return Result{Method: "graph_send", Parts: 1}, nil
}
