// ABOUTME: Message pipeline tying ingestion, dedup, resolution, backend and outbound together
// ABOUTME: Handles inbound messages, feedback, backend answers and session closure

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jordydydy/semaphore-remove/internal/backend"
	"github.com/jordydydy/semaphore-remove/internal/channel"
	"github.com/jordydydy/semaphore-remove/internal/conversation"
	"github.com/jordydydy/semaphore-remove/internal/dedupe"
	"github.com/jordydydy/semaphore-remove/internal/events"
	"github.com/jordydydy/semaphore-remove/internal/inbound"
	"github.com/jordydydy/semaphore-remove/internal/metrics"
	"github.com/jordydydy/semaphore-remove/internal/outbound"
	"github.com/jordydydy/semaphore-remove/internal/store"
)

// CloseNotice is the text sent to the backend when a session ends so it can
// stamp its own end time.
const CloseNotice = "Terima Kasih"

// typingOffTimeout bounds clearing the typing indicator after a failed ask.
const typingOffTimeout = 10 * time.Second

// ErrNoSession is returned when feedback cannot be tied to any session.
var ErrNoSession = errors.New("no session for feedback")

// Ledger decides whether an inbound message is new.
type Ledger interface {
	RecordIfNew(ctx context.Context, messageID string, ch channel.Channel) dedupe.Outcome
}

// Resolver maps events to conversations.
type Resolver interface {
	Resolve(ctx context.Context, ev *inbound.Event) (conversation.Resolution, error)
}

// Backend is the conversational backend.
type Backend interface {
	Ask(ctx context.Context, q backend.Query) error
	SendFeedback(ctx context.Context, sessionID string, positive bool, answerID int64) error
}

// PipelineDeps are the collaborators of a Pipeline. Events and Metrics are optional.
type PipelineDeps struct {
	Ledger    Ledger
	Resolver  Resolver
	Directory store.Directory
	Backend   Backend
	Senders   *outbound.Registry
	Events    *events.Emitter
	Metrics   *metrics.Metrics
}

// Processed reports what HandleInbound did with an event.
type Processed struct {
	ConversationID string
	Created        bool
	Duplicate      bool
	Feedback       bool
}

// Answer is a backend answer to deliver to a user.
type Answer struct {
	Channel        channel.Channel
	UserID         string
	Text           string
	ConversationID string
	AnswerID       int64
}

// Pipeline routes messages between the channels and the backend.
type Pipeline struct {
	ledger   Ledger
	resolver Resolver
	dir      store.Directory
	backend  Backend
	senders  *outbound.Registry
	emitter  *events.Emitter
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps PipelineDeps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	emitter := deps.Events
	if emitter == nil {
		emitter = events.NewEmitter(nil, "", logger)
	}
	return &Pipeline{
		ledger:   deps.Ledger,
		resolver: deps.Resolver,
		dir:      deps.Directory,
		backend:  deps.Backend,
		senders:  deps.Senders,
		emitter:  emitter,
		metrics:  deps.Metrics,
		now:      time.Now,
		logger:   logger.With("component", "pipeline"),
	}
}

// HandleInbound runs one inbound event through dedup and resolution and
// forwards it to the backend. Feedback events are routed to HandleFeedback.
// Duplicates are dropped without error.
func (p *Pipeline) HandleInbound(ctx context.Context, ev *inbound.Event) (Processed, error) {
	if err := ev.Validate(); err != nil {
		return Processed{}, err
	}
	if ev.IsFeedback() {
		p.metrics.ObserveInbound(ev.Channel, "feedback")
		return Processed{Feedback: true}, p.HandleFeedback(ctx, ev)
	}
	p.metrics.ObserveInbound(ev.Channel, "message")
	started := p.now()

	sender, err := p.senders.Get(ev.Channel)
	if err != nil {
		return Processed{}, err
	}

	logger := p.logger.With("channel", ev.Channel, "user_id", ev.UserID, "message_id", ev.MessageID)

	if ev.MessageID != "" {
		if outcome := p.ledger.RecordIfNew(ctx, ev.MessageID, ev.Channel); !outcome.Proceed() {
			logger.Debug("skipping message", "outcome", outcome)
			return Processed{Duplicate: true}, nil
		}
	} else {
		logger.Debug("no message id, skipping dedup")
	}

	if err := sender.SendTypingOn(ctx, ev.UserID, ev.MessageID); err != nil {
		logger.Debug("typing indicator failed", "error", err)
	}

	res, err := p.resolver.Resolve(ctx, ev)
	if err != nil {
		p.typingOff(ctx, sender, ev.UserID)
		return Processed{}, fmt.Errorf("resolving conversation: %w", err)
	}
	logger = logger.With("conversation_id", res.ConversationID)

	if res.Created {
		p.emitter.Opened(ctx, events.ConversationOpened{
			ConversationID: res.ConversationID,
			Channel:        ev.Channel,
			UserID:         ev.UserID,
			Branch:         string(res.Branch),
			OpenedAt:       started,
		})
	}
	p.recordActivity(ctx, res.ConversationID, store.DirectionInbound)

	err = p.backend.Ask(ctx, backend.Query{
		Text:           ev.Text,
		Platform:       ev.Channel,
		UserID:         ev.UserID,
		ConversationID: res.ConversationID,
		OnFailure: func(error) {
			// no answer will arrive to clear the indicator
			offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), typingOffTimeout)
			defer cancel()
			p.typingOff(offCtx, sender, ev.UserID)
		},
	})
	if err != nil {
		p.typingOff(ctx, sender, ev.UserID)
		return Processed{}, fmt.Errorf("forwarding to backend: %w", err)
	}

	p.metrics.ObservePipeline(ev.Channel, p.now().Sub(started))
	logger.Info("message forwarded", "created", res.Created, "branch", res.Branch)
	return Processed{ConversationID: res.ConversationID, Created: res.Created}, nil
}

// HandleFeedback forwards a thumbs-up/down to the backend. The session is the
// event's conversation when set, else the user's most recent session.
func (p *Pipeline) HandleFeedback(ctx context.Context, ev *inbound.Event) error {
	if ev.Feedback == nil {
		return errors.New("event carries no feedback")
	}
	sessionID := ev.ConversationID
	if sessionID == "" {
		sess, err := p.dir.LatestSession(ctx, ev.Channel, ev.UserID)
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("feedback without session", "channel", ev.Channel, "user_id", ev.UserID)
			return ErrNoSession
		}
		if err != nil {
			return fmt.Errorf("finding session for feedback: %w", err)
		}
		sessionID = sess.ID
	}
	return p.backend.SendFeedback(ctx, sessionID, ev.Feedback.Positive, ev.Feedback.AnswerID)
}

// DeliverReply sends a backend answer to the user. Email answers reuse the
// stored thread headers; a feedback request follows when the answer has an id.
func (p *Pipeline) DeliverReply(ctx context.Context, a Answer) (outbound.Result, error) {
	if !a.Channel.Valid() {
		return outbound.Result{}, fmt.Errorf("invalid channel %q", a.Channel)
	}
	if a.UserID == "" || a.Text == "" {
		return outbound.Result{}, errors.New("user id and text are required")
	}
	sender, err := p.senders.Get(a.Channel)
	if err != nil {
		return outbound.Result{}, err
	}

	reply := p.replyContext(ctx, a.Channel, a.ConversationID)
	result, err := sender.SendMessage(ctx, a.UserID, a.Text, reply)
	p.metrics.ObserveOutbound(a.Channel, "message", err)
	if err != nil {
		return result, fmt.Errorf("sending reply: %w", err)
	}
	if a.ConversationID != "" {
		p.recordActivity(ctx, a.ConversationID, store.DirectionOutbound)
	}

	if a.AnswerID != 0 {
		err := sender.SendFeedbackRequest(ctx, a.UserID, a.AnswerID)
		p.metrics.ObserveOutbound(a.Channel, "feedback_request", err)
		if err != nil {
			p.logger.Warn("feedback request failed", "channel", a.Channel, "user_id", a.UserID, "error", err)
		}
	}
	p.typingOff(ctx, sender, a.UserID)

	p.logger.Info("reply delivered",
		"channel", a.Channel,
		"conversation_id", a.ConversationID,
		"method", result.Method,
		"parts", result.Parts)
	return result, nil
}

// replyContext loads the email thread headers for conversationID. Chat
// channels and unknown threads get the default subject only.
func (p *Pipeline) replyContext(ctx context.Context, ch channel.Channel, conversationID string) outbound.Reply {
	if ch != channel.Email {
		return outbound.Reply{}
	}
	reply := outbound.Reply{Subject: outbound.DefaultReplySubject}
	if conversationID == "" {
		return reply
	}
	thread, err := p.dir.GetEmailThread(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("loading email thread failed", "conversation_id", conversationID, "error", err)
		}
		return reply
	}
	if thread.Subject != "" {
		reply.Subject = thread.Subject
	}
	reply.InReplyTo = thread.InReplyTo
	reply.References = thread.References
	reply.ProviderMessageID = thread.ProviderMessageID
	return reply
}

// NotifyClose tells the backend the session is over.
func (p *Pipeline) NotifyClose(ctx context.Context, sess *store.Session) error {
	return p.backend.Ask(ctx, backend.Query{
		Text:           CloseNotice,
		Platform:       sess.Channel,
		UserID:         sess.UserID,
		ConversationID: sess.ID,
	})
}

// SendClosing sends the closing message to the session's user.
func (p *Pipeline) SendClosing(ctx context.Context, sess *store.Session) error {
	sender, err := p.senders.Get(sess.Channel)
	if err != nil {
		return err
	}
	_, err = sender.SendMessage(ctx, sess.UserID, outbound.ClosingMessage, p.replyContext(ctx, sess.Channel, sess.ID))
	p.metrics.ObserveOutbound(sess.Channel, "closing", err)
	return err
}

// SessionClosed emits the closed event for a session the sweeper ended.
func (p *Pipeline) SessionClosed(ctx context.Context, sess *store.Session, at time.Time) {
	p.emitClosed(ctx, sess, events.ReasonIdle, at)
}

// CloseSession ends a session on operator request, running the same
// notifications as an idle closure. It reports false if the session was
// already closed.
func (p *Pipeline) CloseSession(ctx context.Context, id string) (bool, error) {
	sess, err := p.dir.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	if !sess.Open() {
		return false, nil
	}
	logger := p.logger.With("conversation_id", sess.ID, "channel", sess.Channel)

	if err := p.NotifyClose(ctx, sess); err != nil {
		logger.Warn("backend close notice failed", "error", err)
	}
	if err := p.SendClosing(ctx, sess); err != nil {
		logger.Warn("closing message failed", "error", err)
	}

	at := p.now()
	closed, err := p.dir.CloseSession(ctx, sess.ID, at)
	p.metrics.ObserveClosure(sess.Channel, closed, err)
	if err != nil {
		return false, fmt.Errorf("closing session: %w", err)
	}
	if closed {
		logger.Info("session closed by operator")
		p.emitClosed(ctx, sess, events.ReasonManual, at)
	}
	return closed, nil
}

// SetHelpdesk marks or clears the human hand-off flag on a session.
func (p *Pipeline) SetHelpdesk(ctx context.Context, id string, helpdesk bool) (*store.Session, error) {
	if err := p.dir.SetHelpdesk(ctx, id, helpdesk); err != nil {
		return nil, err
	}
	p.logger.Info("helpdesk flag updated", "conversation_id", id, "helpdesk", helpdesk)
	return p.dir.GetSession(ctx, id)
}

func (p *Pipeline) emitClosed(ctx context.Context, sess *store.Session, reason string, at time.Time) {
	p.emitter.Closed(ctx, events.ConversationClosed{
		ConversationID: sess.ID,
		Channel:        sess.Channel,
		UserID:         sess.UserID,
		Reason:         reason,
		ClosedAt:       at,
	})
}

func (p *Pipeline) recordActivity(ctx context.Context, conversationID, direction string) {
	err := p.dir.SaveSessionMessage(ctx, &store.SessionMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Direction:      direction,
		CreatedAt:      p.now(),
	})
	if err != nil {
		p.logger.Warn("recording activity failed", "conversation_id", conversationID, "direction", direction, "error", err)
	}
}

func (p *Pipeline) typingOff(ctx context.Context, sender outbound.Sender, userID string) {
	if err := sender.SendTypingOff(ctx, userID); err != nil {
		p.logger.Debug("typing off failed", "user_id", userID, "error", err)
	}
}
