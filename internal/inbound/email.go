// ABOUTME: Email normalization for Graph API messages and raw RFC 5322 mail
// ABOUTME: Extracts threading headers, filters infrastructure senders, sanitizes bodies

package inbound

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jordydydy/semaphore-remove/internal/channel"
)

// infrastructureMarkers identify automated senders whose mail must never be answered.
var infrastructureMarkers = []string{
	"mailer-daemon",
	"postmaster@",
	"noreply",
	"no-reply",
	"donotreply",
	"do-not-reply",
}

// IsInfrastructureSender reports whether addr belongs to a bounce or no-reply mailbox.
func IsInfrastructureSender(addr string) bool {
	a := strings.ToLower(addr)
	for _, m := range infrastructureMarkers {
		if strings.Contains(a, m) {
			return true
		}
	}
	return false
}

// HeaderThreadKey picks the lookup key for a header-threaded email: the first
// References token, else In-Reply-To, else the message's own id.
func HeaderThreadKey(references, inReplyTo, messageID string) string {
	if refs := strings.Fields(references); len(refs) > 0 {
		return refs[0]
	}
	if v := strings.TrimSpace(inReplyTo); v != "" {
		return v
	}
	return strings.TrimSpace(messageID)
}

// GraphMessage is the subset of a Microsoft Graph message resource we read.
type GraphMessage struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversationId"`
	InternetMessageID string `json:"internetMessageId"`
	Subject           string `json:"subject"`
	From              struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

// FromGraphMessage converts a Graph inbox message. The Graph message id doubles
// as the dedup key and the reply target; conversationId is the native thread id.
func FromGraphMessage(m GraphMessage, now time.Time) (*Event, error) {
	addr := strings.TrimSpace(m.From.EmailAddress.Address)
	if addr == "" {
		return nil, ErrNoSender
	}
	if IsInfrastructureSender(addr) {
		return nil, ErrIgnored
	}

	var text string
	if strings.EqualFold(m.Body.ContentType, "html") {
		text = SanitizeBody("", m.Body.Content)
	} else {
		text = SanitizeBody(m.Body.Content, "")
	}

	subject := m.Subject
	if subject == "" {
		subject = "No Subject"
	}

	return &Event{
		Channel:   channel.Email,
		UserID:    addr,
		MessageID: m.ID,
		Text:      text,
		Email: &EmailMeta{
			Subject:           subject,
			SenderName:        m.From.EmailAddress.Name,
			ThreadKey:         m.ConversationID,
			ProviderThreadID:  m.ConversationID,
			ProviderMessageID: m.ID,
		},
		ReceivedAt: now,
	}, nil
}

// FromMIME parses a raw RFC 5322 message as fetched over IMAP.
func FromMIME(r io.Reader, now time.Time) (*Event, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	from, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil || from.Address == "" {
		return nil, ErrNoSender
	}
	if IsInfrastructureSender(from.Address) {
		return nil, ErrIgnored
	}

	plain, html, err := extractBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	messageID := strings.TrimSpace(msg.Header.Get("Message-ID"))
	inReplyTo := strings.TrimSpace(msg.Header.Get("In-Reply-To"))
	references := strings.Join(strings.Fields(msg.Header.Get("References")), " ")

	subject := decodeHeader(msg.Header.Get("Subject"))
	if subject == "" {
		subject = "No Subject"
	}

	return &Event{
		Channel:   channel.Email,
		UserID:    strings.ToLower(from.Address),
		MessageID: messageID,
		Text:      SanitizeBody(plain, html),
		Email: &EmailMeta{
			Subject:    subject,
			SenderName: from.Name,
			InReplyTo:  inReplyTo,
			References: references,
			ThreadKey:  HeaderThreadKey(references, inReplyTo, messageID),
		},
		ReceivedAt: now,
	}, nil
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(v)
	if err != nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(out)
}

// extractBody walks a (possibly nested) MIME body and returns the first
// text/plain and text/html parts it finds.
func extractBody(contentType, transferEncoding string, body io.Reader) (plain, html string, err error) {
	mediaType, params, perr := mime.ParseMediaType(contentType)
	if perr != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return plain, html, err
			}
			p, h, err := extractBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return plain, html, err
			}
			if plain == "" {
				plain = p
			}
			if html == "" {
				html = h
			}
		}
		return plain, html, nil
	}

	data, err := io.ReadAll(decodeTransfer(transferEncoding, body))
	if err != nil {
		return "", "", err
	}
	switch mediaType {
	case "text/html":
		html = string(data)
	case "text/plain":
		plain = string(data)
	}
	return plain, html, nil
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

var (
	wroteLine   = regexp.MustCompile(`(?i)^on .+wrote:\s*$`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
	originalSep = "-----original message-----"
)

// SanitizeBody turns an email body into plain query text: HTML is flattened,
// quoted history and reply separators are cut off.
func SanitizeBody(plain, html string) string {
	text := plain
	if text == "" && html != "" {
		text = htmlToText(html)
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if wroteLine.MatchString(trimmed) || strings.Contains(lower, originalSep) {
			break
		}
		// Outlook-style quoted header block
		if strings.HasPrefix(lower, "from:") && i+1 < len(lines) &&
			strings.HasPrefix(strings.ToLower(strings.TrimSpace(lines[i+1])), "sent:") {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}

	out := strings.Join(kept, "\n")
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, head").Remove()
	doc.Find("blockquote").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return doc.Text()
}
