// ABOUTME: SMTP email transport with STARTTLS and RFC 5322 threading headers
// ABOUTME: Builds a quoted-printable HTML message and delivers it over one connection

package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// InsecureSkipTLS disables STARTTLS (local test servers only).
	InsecureSkipTLS bool
	Timeout         time.Duration
}

// SMTPTransport sends mail through an SMTP relay.
type SMTPTransport struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg, now: time.Now}
}

// Send implements EmailTransport.
func (t *SMTPTransport) Send(ctx context.Context, m *EmailMessage) (Result, error) {
	if t.cfg.Host == "" || t.cfg.From == "" {
		return Result{}, ErrNotConfigured
	}
	msgID := t.messageID()
	raw, err := buildMIME(t.cfg.From, msgID, t.now(), m)
	if err != nil {
		return Result{}, err
	}

	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprint(t.cfg.Port))
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("dialing %s: %w", addr, err)
	}
	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return Result{}, fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if !t.cfg.InsecureSkipTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
				return Result{}, fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if t.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)); err != nil {
			return Result{}, fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(t.cfg.From); err != nil {
		return Result{}, fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(m.To); err != nil {
		return Result{}, fmt.Errorf("smtp RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return Result{}, fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return Result{}, fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("finishing message: %w", err)
	}
	_ = c.Quit()

	return Result{Method: "smtp", Parts: 1, MessageID: msgID}, nil
}

func (t *SMTPTransport) messageID() string {
	domain := t.cfg.Host
	if i := strings.LastIndex(t.cfg.From, "@"); i >= 0 {
		domain = t.cfg.From[i+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// buildMIME renders the full message including threading headers.
func buildMIME(from, messageID string, date time.Time, m *EmailMessage) ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	header("From", from)
	header("To", m.To)
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("Message-ID", messageID)
	header("In-Reply-To", m.InReplyTo)
	header("References", m.References)
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="utf-8"`)
	header("Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(m.HTML)); err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}
	return buf.Bytes(), nil
}
