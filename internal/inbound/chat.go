// ABOUTME: WhatsApp Cloud API and Instagram Messaging webhook parsers
// ABOUTME: Drops echoes and non-message payloads, classifies button replies as feedback

package inbound

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/channel"
)

type whatsAppPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []whatsAppMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsAppMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive struct {
		Type        string `json:"type"`
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
	} `json:"interactive"`
}

// ParseWhatsApp extracts the first message of a WhatsApp Cloud API webhook.
// ownID is the business phone number id; messages from it are echoes.
func ParseWhatsApp(body []byte, ownID string, now time.Time) (*Event, error) {
	var p whatsAppPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding whatsapp payload: %w", err)
	}
	if len(p.Entry) == 0 || len(p.Entry[0].Changes) == 0 {
		return nil, ErrIgnored
	}
	msgs := p.Entry[0].Changes[0].Value.Messages
	if len(msgs) == 0 {
		// status callbacks (sent/delivered/read) carry no messages
		return nil, ErrIgnored
	}
	m := msgs[0]
	if m.From == "" {
		return nil, ErrNoSender
	}
	if ownID != "" && m.From == ownID {
		return nil, ErrIgnored
	}

	ev := &Event{
		Channel:    channel.WhatsApp,
		UserID:     m.From,
		MessageID:  m.ID,
		ReceivedAt: now,
	}
	switch m.Type {
	case "text":
		ev.Text = m.Text.Body
	case "interactive":
		if m.Interactive.Type != "button_reply" {
			return nil, ErrIgnored
		}
		fb, ok := ParseFeedback(m.Interactive.ButtonReply.ID)
		if !ok {
			return nil, ErrIgnored
		}
		ev.Feedback = fb
		ev.Text = m.Interactive.ButtonReply.Title
	default:
		return nil, ErrIgnored
	}
	return ev, nil
}

type instagramPayload struct {
	Entry []struct {
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message struct {
				MID        string `json:"mid"`
				Text       string `json:"text"`
				IsEcho     bool   `json:"is_echo"`
				QuickReply *struct {
					Payload string `json:"payload"`
				} `json:"quick_reply"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ParseInstagram extracts the first messaging event of an Instagram webhook.
// ownID is the page/account id the bot sends as.
func ParseInstagram(body []byte, ownID string, now time.Time) (*Event, error) {
	var p instagramPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding instagram payload: %w", err)
	}
	if len(p.Entry) == 0 || len(p.Entry[0].Messaging) == 0 {
		return nil, ErrIgnored
	}
	m := p.Entry[0].Messaging[0]
	if m.Sender.ID == "" {
		return nil, ErrNoSender
	}
	if (ownID != "" && m.Sender.ID == ownID) || m.Message.IsEcho {
		return nil, ErrIgnored
	}

	ev := &Event{
		Channel:    channel.Instagram,
		UserID:     m.Sender.ID,
		MessageID:  m.Message.MID,
		ReceivedAt: now,
	}
	if m.Message.QuickReply != nil {
		fb, ok := ParseFeedback(m.Message.QuickReply.Payload)
		if !ok {
			return nil, ErrIgnored
		}
		ev.Feedback = fb
		ev.Text = m.Message.Text
		return ev, nil
	}
	if m.Message.Text == "" {
		return nil, ErrIgnored
	}
	ev.Text = m.Message.Text
	return ev, nil
}
