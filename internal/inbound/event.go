// ABOUTME: Canonical inbound event produced by the ingestion gate
// ABOUTME: Immutable once built; consumed once by the conversation resolver

package inbound

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/channel"
)

var (
	// ErrIgnored marks payloads that carry no user message (statuses, echoes, bots).
	ErrIgnored = errors.New("payload ignored")
	// ErrNoSender marks events that cannot be attributed to a user.
	ErrNoSender = errors.New("missing sender identifier")
)

// Event is one normalized inbound user message.
type Event struct {
	Channel channel.Channel `json:"channel"`
	UserID  string          `json:"user_id"`
	// MessageID is the provider message id used for deduplication; empty on legacy paths.
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`

	// ConversationID is set when the caller already knows the conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	Email    *EmailMeta `json:"email,omitempty"`
	Feedback *Feedback  `json:"feedback,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// EmailMeta carries the headers needed to thread an email conversation.
type EmailMeta struct {
	Subject    string `json:"subject"`
	SenderName string `json:"sender_name,omitempty"`
	InReplyTo  string `json:"in_reply_to,omitempty"`
	References string `json:"references,omitempty"`
	ThreadKey  string `json:"thread_key,omitempty"`

	// ProviderThreadID is the mailbox provider's native conversation id (Graph conversationId).
	ProviderThreadID string `json:"provider_thread_id,omitempty"`
	// ProviderMessageID is the provider's id for this message, used to reply in-thread.
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// Feedback is a thumbs-up/down on a previous answer.
type Feedback struct {
	Positive bool   `json:"positive"`
	AnswerID int64  `json:"answer_id"`
	Payload  string `json:"payload"`
}

// IsFeedback reports whether the event is a feedback interaction.
func (e *Event) IsFeedback() bool { return e.Feedback != nil }

// Validate checks the minimum needed to route an event.
func (e *Event) Validate() error {
	if !e.Channel.Valid() {
		return errors.New("invalid channel")
	}
	if strings.TrimSpace(e.UserID) == "" {
		return ErrNoSender
	}
	return nil
}

// ParseFeedback classifies an interactive payload of the form "<outcome>-<answer-id>".
// Non-numeric answer ids become 0.
func ParseFeedback(payload string) (*Feedback, bool) {
	outcome, rawID, ok := strings.Cut(payload, "-")
	if !ok {
		return nil, false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		id = 0
	}
	return &Feedback{
		Positive: strings.Contains(strings.ToLower(outcome), "good"),
		AnswerID: id,
		Payload:  payload,
	}, true
}
