// ABOUTME: Store interfaces and data types for the conversation directory and dedup ledger
// ABOUTME: Defines sessions, email thread metadata and the session activity log

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/channel"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert collides with a uniqueness rule,
// most notably a second open session for the same chat user.
var ErrDuplicate = errors.New("already exists")

// ErrThreadKeyTaken is returned when an email thread key already belongs to
// a different conversation.
var ErrThreadKeyTaken = errors.New("thread key owned by another conversation")

// Session is one conversation with the backend. Chat users have at most one
// open session per channel; email conversations stay open.
type Session struct {
	ID        string
	Channel   channel.Channel
	UserID    string
	StartedAt time.Time
	EndedAt   *time.Time
	Helpdesk  bool // handed to a human agent, exempt from idle closure
}

// Open reports whether the session has not been closed.
func (s *Session) Open() bool { return s.EndedAt == nil }

// EmailThread holds the headers needed to reply inside an existing email thread.
type EmailThread struct {
	ConversationID    string
	Subject           string
	InReplyTo         string
	References        string
	ThreadKey         string
	ProviderMessageID string
	UpdatedAt         time.Time
}

// Directions for SessionMessage
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// SessionMessage is an activity marker for a conversation. Only timing is kept;
// message content lives in the backend.
type SessionMessage struct {
	ID             string
	ConversationID string
	Direction      string
	CreatedAt      time.Time
}

// IdleQuery selects open sessions that have gone quiet.
type IdleQuery struct {
	Channels     []channel.Channel
	StartedAfter time.Time // inclusive lower bound on start time
	ActiveBefore time.Time // last activity must be strictly earlier
	Limit        int
}

// Ledger records processed inbound messages.
type Ledger interface {
	// RecordProcessed inserts (messageID, ch) and reports whether this call was
	// the first to do so. Concurrent callers get exactly one true.
	RecordProcessed(ctx context.Context, messageID string, ch channel.Channel, at time.Time) (bool, error)
}

// Directory persists sessions and email thread metadata.
type Directory interface {
	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	EnsureSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	FindOpenSession(ctx context.Context, ch channel.Channel, userID string) (*Session, error)
	FindOpenHelpdeskSession(ctx context.Context, ch channel.Channel, userID string) (*Session, error)
	LatestSession(ctx context.Context, ch channel.Channel, userID string) (*Session, error)
	CloseSession(ctx context.Context, id string, at time.Time) (bool, error)
	// SessionIdle reports whether the session is open, not handed to the
	// helpdesk and has had no activity since activeBefore.
	SessionIdle(ctx context.Context, id string, activeBefore time.Time) (bool, error)
	// CloseIdleSession closes the session only if it is still open, not
	// handed to the helpdesk and the user has not written since activeBefore.
	CloseIdleSession(ctx context.Context, id string, at, activeBefore time.Time) (bool, error)
	SetHelpdesk(ctx context.Context, id string, helpdesk bool) error
	ListIdleSessions(ctx context.Context, q IdleQuery) ([]*Session, error)

	// Activity log
	SaveSessionMessage(ctx context.Context, msg *SessionMessage) error

	// Email threads
	GetEmailThread(ctx context.Context, conversationID string) (*EmailThread, error)
	GetEmailThreadByKey(ctx context.Context, threadKey string) (*EmailThread, error)
	UpsertEmailThread(ctx context.Context, t *EmailThread) error
}

// Store is everything the orchestrator persists.
type Store interface {
	Ledger
	Directory
	Ping(ctx context.Context) error
	Close() error
}
