// ABOUTME: Outbound sender capability and the channel dispatch table
// ABOUTME: Every channel implements the same interface; unsupported capabilities are no-ops

package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jordydydy/semaphore-remove/internal/channel"
)

// ErrUnsupportedChannel is returned when no sender is registered for a channel.
var ErrUnsupportedChannel = errors.New("no sender for channel")

// ErrNotConfigured is returned by senders missing credentials.
var ErrNotConfigured = errors.New("sender not configured")

// DefaultReplySubject is used for email answers with no stored thread.
const DefaultReplySubject = "Re: Your Inquiry"

// ClosingMessage is sent when an idle session is closed.
const ClosingMessage = "Untuk keamanan dan kenyamanan Anda, sesi ini telah diakhiri. " +
	"Silakan mulai percakapan kembali dari awal jika membutuhkan bantuan.\n\n" +
	"_For your safety and convenience, I've ended this session. " +
	"Feel free to start a new chat whenever you're ready._"

// FeedbackPrompt asks whether an answer helped.
const FeedbackPrompt = "Apakah jawaban ini membantu?"

// Reply carries per-message delivery context. Chat senders read
// ReplyToMessageID; email senders read the thread fields.
type Reply struct {
	ReplyToMessageID string

	Subject           string
	InReplyTo         string
	References        string
	ProviderMessageID string
}

// Result describes a delivery.
type Result struct {
	Method    string // e.g. "whatsapp", "graph_reply", "graph_send", "smtp"
	Parts     int
	MessageID string
}

// Sender delivers messages on one channel.
type Sender interface {
	SendMessage(ctx context.Context, userID, text string, reply Reply) (Result, error)
	SendTypingOn(ctx context.Context, userID, messageID string) error
	SendTypingOff(ctx context.Context, userID string) error
	SendFeedbackRequest(ctx context.Context, userID string, answerID int64) error
}

// Registry maps channels to senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[channel.Channel]Sender
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[channel.Channel]Sender)}
}

// Register installs s for ch, replacing any previous sender.
func (r *Registry) Register(ch channel.Channel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[ch] = s
}

// Get returns the sender for ch.
func (r *Registry) Get(ch channel.Channel) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
	}
	return s, nil
}

// Channels lists the registered channels.
func (r *Registry) Channels() []channel.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]channel.Channel, 0, len(r.senders))
	for _, ch := range channel.All {
		if _, ok := r.senders[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
