// ABOUTME: Conversation resolver mapping inbound events to conversation ids
// ABOUTME: Chat reuses the open session; email follows native thread ids, header chains, then sender+subject

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jordydydy/semaphore-remove/internal/channel"
	"github.com/jordydydy/semaphore-remove/internal/inbound"
	"github.com/jordydydy/semaphore-remove/internal/store"
)

// Branch names the rule that produced a resolution.
type Branch string

const (
	BranchExplicit      Branch = "explicit"
	BranchHelpdesk      Branch = "helpdesk"
	BranchOpenSession   Branch = "open_session"
	BranchNewSession    Branch = "new_session"
	BranchNativeThread  Branch = "native_thread"
	BranchHeaderThread  Branch = "header_thread"
	BranchSenderSubject Branch = "sender_subject"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	ConversationID string
	Created        bool
	Branch         Branch
}

// Observer receives every resolution. Metrics implement it.
type Observer interface {
	ObserveResolution(ch channel.Channel, branch Branch, created bool)
}

// Resolver assigns conversation ids. It holds no state of its own; uniqueness
// comes from the directory.
type Resolver struct {
	dir      store.Directory
	now      func() time.Time
	observer Observer
	logger   *slog.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithObserver reports resolutions to o.
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observer = o }
}

// New creates a Resolver over dir.
func New(dir store.Directory, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		dir:    dir,
		now:    time.Now,
		logger: logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the conversation id for ev, creating the session (and, for
// email, the thread metadata) when needed. Resolving the same event twice
// yields the same id.
func (r *Resolver) Resolve(ctx context.Context, ev *inbound.Event) (Resolution, error) {
	if err := ev.Validate(); err != nil {
		return Resolution{}, err
	}

	var (
		res Resolution
		err error
	)
	switch {
	case ev.ConversationID != "":
		res, err = r.resolveExplicit(ctx, ev)
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("unknown conversation id on event, resolving normally",
				"conversation_id", ev.ConversationID, "channel", ev.Channel)
			res, err = r.resolveByChannel(ctx, ev)
		}
	default:
		res, err = r.resolveByChannel(ctx, ev)
	}
	if err != nil {
		return Resolution{}, err
	}

	if r.observer != nil {
		r.observer.ObserveResolution(ev.Channel, res.Branch, res.Created)
	}
	r.logger.Debug("conversation resolved",
		"conversation_id", res.ConversationID,
		"channel", ev.Channel,
		"branch", res.Branch,
		"created", res.Created)
	return res, nil
}

func (r *Resolver) resolveByChannel(ctx context.Context, ev *inbound.Event) (Resolution, error) {
	if ev.Channel.IsChat() {
		return r.resolveChat(ctx, ev.Channel, ev.UserID)
	}
	return r.resolveEmail(ctx, ev)
}

// resolveExplicit honours a caller-supplied conversation id if the session exists.
func (r *Resolver) resolveExplicit(ctx context.Context, ev *inbound.Event) (Resolution, error) {
	sess, err := r.dir.GetSession(ctx, ev.ConversationID)
	if err != nil {
		return Resolution{}, err
	}
	if sess.Channel != ev.Channel {
		return Resolution{}, store.ErrNotFound
	}
	return Resolution{ConversationID: sess.ID, Branch: BranchExplicit}, nil
}

func (r *Resolver) resolveChat(ctx context.Context, ch channel.Channel, userID string) (Resolution, error) {
	sess, err := r.dir.FindOpenHelpdeskSession(ctx, ch, userID)
	if err == nil {
		return Resolution{ConversationID: sess.ID, Branch: BranchHelpdesk}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Resolution{}, fmt.Errorf("looking up helpdesk session: %w", err)
	}

	sess, err = r.dir.FindOpenSession(ctx, ch, userID)
	if err == nil {
		return Resolution{ConversationID: sess.ID, Branch: BranchOpenSession}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Resolution{}, fmt.Errorf("looking up open session: %w", err)
	}

	newSess := &store.Session{
		ID:        uuid.New().String(),
		Channel:   ch,
		UserID:    userID,
		StartedAt: r.now(),
	}
	if err := r.dir.CreateSession(ctx, newSess); err != nil {
		// Handle race condition: another request opened a session between
		// our lookup and insert attempt
		if errors.Is(err, store.ErrDuplicate) {
			existing, lookupErr := r.dir.FindOpenSession(ctx, ch, userID)
			if lookupErr == nil {
				r.logger.Debug("found open session after race", "conversation_id", existing.ID)
				return Resolution{ConversationID: existing.ID, Branch: BranchOpenSession}, nil
			}
			r.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return Resolution{}, fmt.Errorf("creating session: %w", err)
	}

	r.logger.Info("session opened", "conversation_id", newSess.ID, "channel", ch)
	return Resolution{ConversationID: newSess.ID, Created: true, Branch: BranchNewSession}, nil
}

func (r *Resolver) resolveEmail(ctx context.Context, ev *inbound.Event) (Resolution, error) {
	meta := ev.Email
	if meta == nil {
		meta = &inbound.EmailMeta{}
	}

	var (
		key       string
		candidate string
		branch    Branch
	)
	if meta.ProviderThreadID != "" {
		key = meta.ProviderThreadID
		candidate = ThreadConversationID(meta.ProviderThreadID)
		branch = BranchNativeThread
	} else {
		key = meta.ThreadKey
		if key == "" {
			key = inbound.HeaderThreadKey(meta.References, meta.InReplyTo, ev.MessageID)
		}
		candidate = SenderSubjectConversationID(ev.UserID, meta.Subject)
		branch = BranchHeaderThread
	}

	convID := candidate
	existing, err := r.dir.GetEmailThreadByKey(ctx, key)
	switch {
	case err == nil:
		convID = existing.ConversationID
	case errors.Is(err, store.ErrNotFound):
		if branch == BranchHeaderThread {
			branch = BranchSenderSubject
			r.logger.Info("email thread not found by header, merging by sender and subject",
				"conversation_id", convID,
				"sender", ev.UserID,
				"subject", meta.Subject,
				"thread_key", key)
		}
	default:
		return Resolution{}, fmt.Errorf("looking up email thread: %w", err)
	}

	created, err := r.ensureEmailSession(ctx, convID, ev.UserID)
	if err != nil {
		return Resolution{}, err
	}

	owner, err := r.saveThread(ctx, convID, key, ev, meta)
	if err != nil {
		return Resolution{}, err
	}
	if owner != convID {
		// the key was claimed by another conversation concurrently
		convID = owner
		created = false
		if _, err := r.ensureEmailSession(ctx, convID, ev.UserID); err != nil {
			return Resolution{}, err
		}
	}

	return Resolution{ConversationID: convID, Created: created, Branch: branch}, nil
}

func (r *Resolver) ensureEmailSession(ctx context.Context, convID, userID string) (bool, error) {
	_, err := r.dir.GetSession(ctx, convID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("looking up session: %w", err)
	}
	sess := &store.Session{
		ID:        convID,
		Channel:   channel.Email,
		UserID:    strings.ToLower(userID),
		StartedAt: r.now(),
	}
	if err := r.dir.EnsureSession(ctx, sess); err != nil {
		return false, fmt.Errorf("creating email session: %w", err)
	}
	return true, nil
}

// saveThread upserts the reply metadata and returns the conversation that owns key.
func (r *Resolver) saveThread(ctx context.Context, convID, key string, ev *inbound.Event, meta *inbound.EmailMeta) (string, error) {
	th := &store.EmailThread{
		ConversationID:    convID,
		ThreadKey:         key,
		Subject:           meta.Subject,
		InReplyTo:         ev.MessageID,
		References:        appendReference(meta.References, ev.MessageID),
		ProviderMessageID: meta.ProviderMessageID,
		UpdatedAt:         r.now(),
	}
	if prev, err := r.dir.GetEmailThread(ctx, convID); err == nil && prev.ThreadKey != "" {
		th.ThreadKey = prev.ThreadKey
	}

	err := r.dir.UpsertEmailThread(ctx, th)
	if err == nil {
		return convID, nil
	}
	if !errors.Is(err, store.ErrThreadKeyTaken) {
		return "", fmt.Errorf("saving email thread: %w", err)
	}

	owner, lookupErr := r.dir.GetEmailThreadByKey(ctx, key)
	if lookupErr != nil {
		return "", fmt.Errorf("reading thread key owner: %w", lookupErr)
	}
	th.ConversationID = owner.ConversationID
	th.ThreadKey = owner.ThreadKey
	if err := r.dir.UpsertEmailThread(ctx, th); err != nil {
		return "", fmt.Errorf("saving email thread: %w", err)
	}
	r.logger.Info("thread key already owned, joining existing conversation",
		"conversation_id", owner.ConversationID, "thread_key", key)
	return owner.ConversationID, nil
}

// appendReference adds id to a space-separated References chain unless present.
func appendReference(chain, id string) string {
	refs := strings.Fields(chain)
	if id == "" {
		return strings.Join(refs, " ")
	}
	for _, r := range refs {
		if r == id {
			return strings.Join(refs, " ")
		}
	}
	return strings.Join(append(refs, id), " ")
}
