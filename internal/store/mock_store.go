// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/channel"
)

// MockStore is an in-memory Store implementation for testing.
// It enforces the same uniqueness rules as the SQL store.
type MockStore struct {
	mu        sync.RWMutex
	processed map[string]time.Time         // keyed by "channel:messageID"
	sessions  map[string]*Session          // keyed by session ID
	threads   map[string]*EmailThread      // keyed by conversation ID
	messages  map[string][]*SessionMessage // keyed by conversation ID

	// Error injection. When set, the matching operations fail with it.
	LedgerErr error
	CloseErr  error
	LookupErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		processed: make(map[string]time.Time),
		sessions:  make(map[string]*Session),
		threads:   make(map[string]*EmailThread),
		messages:  make(map[string][]*SessionMessage),
	}
}

// RecordProcessed marks a message as processed.
func (m *MockStore) RecordProcessed(ctx context.Context, messageID string, ch channel.Channel, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LedgerErr != nil {
		return false, m.LedgerErr
	}
	key := string(ch) + ":" + messageID
	if _, ok := m.processed[key]; ok {
		return false, nil
	}
	m.processed[key] = at
	return true, nil
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertSessionLocked(s)
}

func (m *MockStore) insertSessionLocked(s *Session) error {
	if _, ok := m.sessions[s.ID]; ok {
		return ErrDuplicate
	}
	if s.Channel.IsChat() && s.EndedAt == nil {
		for _, existing := range m.sessions {
			if existing.Channel == s.Channel && existing.UserID == s.UserID && existing.Open() {
				return ErrDuplicate
			}
		}
	}
	c := copySession(s)
	m.sessions[c.ID] = c
	return nil
}

// EnsureSession stores the session if its id is unknown.
func (m *MockStore) EnsureSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return nil
	}
	return m.insertSessionLocked(s)
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// FindOpenSession returns the user's open session.
func (m *MockStore) FindOpenSession(ctx context.Context, ch channel.Channel, userID string) (*Session, error) {
	return m.latest(ch, userID, func(s *Session) bool { return s.Open() })
}

// FindOpenHelpdeskSession returns the user's open helpdesk session.
func (m *MockStore) FindOpenHelpdeskSession(ctx context.Context, ch channel.Channel, userID string) (*Session, error) {
	return m.latest(ch, userID, func(s *Session) bool { return s.Open() && s.Helpdesk })
}

// LatestSession returns the user's most recently started session.
func (m *MockStore) LatestSession(ctx context.Context, ch channel.Channel, userID string) (*Session, error) {
	return m.latest(ch, userID, func(*Session) bool { return true })
}

func (m *MockStore) latest(ch channel.Channel, userID string, keep func(*Session) bool) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	var best *Session
	for _, s := range m.sessions {
		if s.Channel != ch || s.UserID != userID || !keep(s) {
			continue
		}
		if best == nil || s.StartedAt.After(best.StartedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copySession(best), nil
}

// CloseSession ends an open session.
func (m *MockStore) CloseSession(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CloseErr != nil {
		return false, m.CloseErr
	}
	s, ok := m.sessions[id]
	if !ok || !s.Open() {
		return false, nil
	}
	t := at
	s.EndedAt = &t
	return true, nil
}

// SessionIdle mirrors the SQL idle check for one session.
func (m *MockStore) SessionIdle(ctx context.Context, id string, activeBefore time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.LookupErr != nil {
		return false, m.LookupErr
	}
	s, ok := m.sessions[id]
	if !ok || !s.Open() || s.Helpdesk {
		return false, nil
	}
	last := s.StartedAt
	for _, msg := range m.messages[id] {
		if msg.CreatedAt.After(last) {
			last = msg.CreatedAt
		}
	}
	return last.Before(activeBefore), nil
}

// CloseIdleSession ends the session unless it was closed, flagged for the
// helpdesk or got an inbound message at or after activeBefore.
func (m *MockStore) CloseIdleSession(ctx context.Context, id string, at, activeBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CloseErr != nil {
		return false, m.CloseErr
	}
	s, ok := m.sessions[id]
	if !ok || !s.Open() || s.Helpdesk {
		return false, nil
	}
	for _, msg := range m.messages[id] {
		if msg.Direction == DirectionInbound && !msg.CreatedAt.Before(activeBefore) {
			return false, nil
		}
	}
	t := at
	s.EndedAt = &t
	return true, nil
}

// SetHelpdesk updates the helpdesk flag.
func (m *MockStore) SetHelpdesk(ctx context.Context, id string, helpdesk bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Helpdesk = helpdesk
	return nil
}

// ListIdleSessions mirrors the SQL idle query.
func (m *MockStore) ListIdleSessions(ctx context.Context, q IdleQuery) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.LookupErr != nil {
		return nil, m.LookupErr
	}
	wanted := make(map[channel.Channel]bool, len(q.Channels))
	for _, ch := range q.Channels {
		wanted[ch] = true
	}

	var out []*Session
	for _, s := range m.sessions {
		if !s.Open() || s.Helpdesk || !wanted[s.Channel] || s.StartedAt.Before(q.StartedAfter) {
			continue
		}
		last := s.StartedAt
		for _, msg := range m.messages[s.ID] {
			if msg.CreatedAt.After(last) {
				last = msg.CreatedAt
			}
		}
		if !last.Before(q.ActiveBefore) {
			continue
		}
		out = append(out, copySession(s))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveSessionMessage records activity on a conversation.
func (m *MockStore) SaveSessionMessage(ctx context.Context, msg *SessionMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &c)
	return nil
}

// SessionMessages returns the recorded activity for a conversation.
func (m *MockStore) SessionMessages(conversationID string) []*SessionMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*SessionMessage(nil), m.messages[conversationID]...)
}

// GetEmailThread retrieves thread metadata by conversation.
func (m *MockStore) GetEmailThread(ctx context.Context, conversationID string) (*EmailThread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// GetEmailThreadByKey retrieves thread metadata by thread key.
func (m *MockStore) GetEmailThreadByKey(ctx context.Context, threadKey string) (*EmailThread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if threadKey == "" {
		return nil, ErrNotFound
	}
	for _, t := range m.threads {
		if t.ThreadKey == threadKey {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// UpsertEmailThread stores thread metadata.
func (m *MockStore) UpsertEmailThread(ctx context.Context, t *EmailThread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, known := m.threads[t.ConversationID]
	if t.ThreadKey != "" && (!known || prev.ThreadKey == "") {
		for id, existing := range m.threads {
			if id != t.ConversationID && existing.ThreadKey == t.ThreadKey {
				return ErrThreadKeyTaken
			}
		}
	}
	c := *t
	if known && prev.ThreadKey != "" {
		c.ThreadKey = prev.ThreadKey
	}
	m.threads[t.ConversationID] = &c
	return nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

func copySession(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLStore)(nil)
