// ABOUTME: Conversation lifecycle events and the envelope they travel in
// ABOUTME: Emitter publishes opened/closed events best-effort through a Publisher

package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jordydydy/semaphore-remove/internal/channel"
)

// Event types, also used as routing keys.
const (
	TypeConversationOpened = "conversation.opened.v1"
	TypeConversationClosed = "conversation.closed.v1"
)

// Close reasons.
const (
	ReasonIdle   = "idle"
	ReasonManual = "manual"
)

// Meta identifies one emitted event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Producer      string    `json:"producer,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Time          time.Time `json:"time"`
}

// Envelope wraps an event payload.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// ConversationOpened is emitted when the resolver creates a session.
type ConversationOpened struct {
	ConversationID string          `json:"conversation_id"`
	Channel        channel.Channel `json:"channel"`
	UserID         string          `json:"user_id"`
	Branch         string          `json:"branch"`
	OpenedAt       time.Time       `json:"opened_at"`
}

// ConversationClosed is emitted after a session's end timestamp is committed.
type ConversationClosed struct {
	ConversationID string          `json:"conversation_id"`
	Channel        channel.Channel `json:"channel"`
	UserID         string          `json:"user_id"`
	Reason         string          `json:"reason"`
	ClosedAt       time.Time       `json:"closed_at"`
}

// Publisher delivers envelopes under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, string, Envelope) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

// Emitter builds envelopes and publishes them without failing the caller.
type Emitter struct {
	pub      Publisher
	producer string
	now      func() time.Time
	logger   *slog.Logger
}

// NewEmitter creates an emitter. A nil publisher discards events.
func NewEmitter(pub Publisher, producer string, logger *slog.Logger) *Emitter {
	if pub == nil {
		pub = Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{pub: pub, producer: producer, now: time.Now, logger: logger.With("component", "events")}
}

// Envelope wraps data with fresh metadata.
func (e *Emitter) Envelope(eventType, correlationID string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          eventType,
			Producer:      e.producer,
			CorrelationID: correlationID,
			Time:          e.now().UTC(),
		},
		Data: data,
	}
}

// Opened publishes conversation.opened.v1.
func (e *Emitter) Opened(ctx context.Context, ev ConversationOpened) {
	e.publish(ctx, TypeConversationOpened, ev.ConversationID, ev)
}

// Closed publishes conversation.closed.v1.
func (e *Emitter) Closed(ctx context.Context, ev ConversationClosed) {
	e.publish(ctx, TypeConversationClosed, ev.ConversationID, ev)
}

func (e *Emitter) publish(ctx context.Context, eventType, conversationID string, data any) {
	env := e.Envelope(eventType, conversationID, data)
	if err := e.pub.Publish(ctx, eventType, env); err != nil {
		e.logger.Warn("publishing event failed", "type", eventType, "conversation_id", conversationID, "error", err)
	}
}

// Close closes the underlying publisher.
func (e *Emitter) Close() error {
	return e.pub.Close()
}
