// ABOUTME: SQL implementation of the Store interface shared by the SQLite and Postgres backends
// ABOUTME: Atomic dedup inserts, partial-unique open sessions, email thread upserts, idle session queries

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/channel"
)

type dialect struct {
	name     string
	numbered bool // $1, $2 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true}
)

// rebind rewrites ? placeholders for drivers that use numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

// Driver returns the backend name ("sqlite" or "postgres").
func (s *SQLStore) Driver() string { return s.dialect.name }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS processed_messages (
		message_id   TEXT NOT NULL,
		channel      TEXT NOT NULL,
		processed_at BIGINT NOT NULL,
		PRIMARY KEY (message_id, channel)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		channel     TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		start_at    BIGINT NOT NULL,
		end_at      BIGINT,
		is_helpdesk BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	// At most one open chat session per user; email conversations are exempt.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open_chat
		ON sessions(channel, user_id)
		WHERE end_at IS NULL AND channel <> 'email'`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user
		ON sessions(channel, user_id, start_at)`,
	`CREATE TABLE IF NOT EXISTS email_threads (
		conversation_id     TEXT PRIMARY KEY,
		thread_key          TEXT UNIQUE,
		subject             TEXT NOT NULL,
		in_reply_to         TEXT NOT NULL,
		reference_chain     TEXT NOT NULL,
		provider_message_id TEXT NOT NULL,
		updated_at          BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		direction       TEXT NOT NULL,
		created_at      BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`,
}

// createSchema creates the database tables if they don't exist
func (s *SQLStore) createSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrations are applied in order and recorded in schema_migrations.
var migrations = []struct {
	version int
	name    string
	stmt    string
}{
	{
		version: 1,
		name:    "session_messages conversation/time index",
		stmt:    `CREATE INDEX IF NOT EXISTS idx_session_messages_conv_created ON session_messages(conversation_id, created_at)`,
	},
	{
		version: 2,
		name:    "open sessions by start time",
		stmt:    `CREATE INDEX IF NOT EXISTS idx_sessions_open_start ON sessions(start_at) WHERE end_at IS NULL`,
	},
}

// runMigrations applies schema changes newer than the recorded version.
func (s *SQLStore) runMigrations() error {
	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		_, err := s.db.Exec(s.dialect.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?) ON CONFLICT (version) DO NOTHING`),
			m.version, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		s.logger.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// isConstraintViolation reports a UNIQUE/PRIMARY KEY violation on either backend.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	if isPostgresUniqueViolation(err) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// RecordProcessed inserts the (message, channel) pair if it is not already present.
// The rows-affected count of a single conflict-ignoring insert decides the winner.
func (s *SQLStore) RecordProcessed(ctx context.Context, messageID string, ch channel.Channel, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO processed_messages (message_id, channel, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id, channel) DO NOTHING
	`, messageID, string(ch), at.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("recording processed message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

const sessionColumns = `id, channel, user_id, start_at, end_at, is_helpdesk`

// CreateSession inserts a new session.
// Returns ErrDuplicate if the id exists or the user already has an open chat session.
func (s *SQLStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, string(sess.Channel), sess.UserID, sess.StartedAt.UnixMilli(), nullMillis(sess.EndedAt), sess.Helpdesk)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	s.logger.Debug("created session", "id", sess.ID, "channel", sess.Channel)
	return nil
}

// EnsureSession inserts the session unless a row with the same id exists.
func (s *SQLStore) EnsureSession(ctx context.Context, sess *Session) error {
	_, err := s.exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, sess.ID, string(sess.Channel), sess.UserID, sess.StartedAt.UnixMilli(), nullMillis(sess.EndedAt), sess.Helpdesk)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("ensuring session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// FindOpenSession returns the user's open session on a channel.
func (s *SQLStore) FindOpenSession(ctx context.Context, ch channel.Channel, userID string) (*Session, error) {
	row := s.queryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE channel = ? AND user_id = ? AND end_at IS NULL
		ORDER BY start_at DESC
		LIMIT 1
	`, string(ch), userID)
	return scanSession(row)
}

// FindOpenHelpdeskSession returns the user's open session if it has been handed to a human.
// A closed helpdesk session is never resumed; the next message opens a new session.
func (s *SQLStore) FindOpenHelpdeskSession(ctx context.Context, ch channel.Channel, userID string) (*Session, error) {
	row := s.queryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE channel = ? AND user_id = ? AND end_at IS NULL AND is_helpdesk = ?
		ORDER BY start_at DESC
		LIMIT 1
	`, string(ch), userID, true)
	return scanSession(row)
}

// LatestSession returns the most recently started session, open or closed.
func (s *SQLStore) LatestSession(ctx context.Context, ch channel.Channel, userID string) (*Session, error) {
	row := s.queryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE channel = ? AND user_id = ?
		ORDER BY start_at DESC
		LIMIT 1
	`, string(ch), userID)
	return scanSession(row)
}

// CloseSession sets the end timestamp of an open session.
// Returns false without error when the session was already closed or does not exist.
func (s *SQLStore) CloseSession(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE sessions SET end_at = ? WHERE id = ? AND end_at IS NULL`, at.UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("closing session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

// SessionIdle reports whether the session still matches the idle rules of
// ListIdleSessions: open, not helpdesk, last activity (or start) before activeBefore.
func (s *SQLStore) SessionIdle(ctx context.Context, id string, activeBefore time.Time) (bool, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM sessions s
		WHERE s.id = ?
			AND s.end_at IS NULL
			AND s.is_helpdesk = ?
			AND COALESCE(
				(SELECT MAX(m.created_at) FROM session_messages m WHERE m.conversation_id = s.id),
				s.start_at) < ?
	`, id, false, activeBefore.UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking idle session: %w", err)
	}
	return n == 1, nil
}

// CloseIdleSession sets the end timestamp unless the session was closed,
// flagged for the helpdesk or received an inbound message at or after
// activeBefore. Outbound activity does not block the close, so a backend
// answer to the close notice cannot keep the session open.
func (s *SQLStore) CloseIdleSession(ctx context.Context, id string, at, activeBefore time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE sessions SET end_at = ?
		WHERE id = ?
			AND end_at IS NULL
			AND is_helpdesk = ?
			AND NOT EXISTS (
				SELECT 1 FROM session_messages m
				WHERE m.conversation_id = ? AND m.direction = ? AND m.created_at >= ?
			)
	`, at.UnixMilli(), id, false, id, DirectionInbound, activeBefore.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("closing idle session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

// SetHelpdesk flags or unflags a session as handled by a human agent.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLStore) SetHelpdesk(ctx context.Context, id string, helpdesk bool) error {
	res, err := s.exec(ctx, `UPDATE sessions SET is_helpdesk = ? WHERE id = ?`, helpdesk, id)
	if err != nil {
		return fmt.Errorf("updating helpdesk flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIdleSessions returns open, non-helpdesk sessions on the given channels that
// started at or after q.StartedAfter and whose latest activity (or start, when
// there is none) is before q.ActiveBefore. Oldest first.
func (s *SQLStore) ListIdleSessions(ctx context.Context, q IdleQuery) ([]*Session, error) {
	if len(q.Channels) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.Channels)), ", ")
	query := `
		SELECT s.id, s.channel, s.user_id, s.start_at, s.end_at, s.is_helpdesk
		FROM sessions s
		LEFT JOIN (
			SELECT conversation_id, MAX(created_at) AS last_at
			FROM session_messages
			GROUP BY conversation_id
		) m ON m.conversation_id = s.id
		WHERE s.end_at IS NULL
			AND s.is_helpdesk = ?
			AND s.channel IN (` + placeholders + `)
			AND s.start_at >= ?
			AND COALESCE(m.last_at, s.start_at) < ?
		ORDER BY s.start_at ASC
		LIMIT ?
	`

	args := make([]any, 0, len(q.Channels)+4)
	args = append(args, false)
	for _, ch := range q.Channels {
		args = append(args, string(ch))
	}
	args = append(args, q.StartedAfter.UnixMilli(), q.ActiveBefore.UnixMilli(), limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying idle sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating idle sessions: %w", err)
	}
	return out, nil
}

// SaveSessionMessage appends an activity marker.
func (s *SQLStore) SaveSessionMessage(ctx context.Context, msg *SessionMessage) error {
	_, err := s.exec(ctx, `
		INSERT INTO session_messages (id, conversation_id, direction, created_at)
		VALUES (?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Direction, msg.CreatedAt.UnixMilli())
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting session message: %w", err)
	}
	return nil
}

const emailThreadColumns = `conversation_id, thread_key, subject, in_reply_to, reference_chain, provider_message_id, updated_at`

// GetEmailThread retrieves thread metadata by conversation id.
func (s *SQLStore) GetEmailThread(ctx context.Context, conversationID string) (*EmailThread, error) {
	row := s.queryRow(ctx, `SELECT `+emailThreadColumns+` FROM email_threads WHERE conversation_id = ?`, conversationID)
	return scanEmailThread(row)
}

// GetEmailThreadByKey retrieves thread metadata by its thread key.
func (s *SQLStore) GetEmailThreadByKey(ctx context.Context, threadKey string) (*EmailThread, error) {
	if threadKey == "" {
		return nil, ErrNotFound
	}
	row := s.queryRow(ctx, `SELECT `+emailThreadColumns+` FROM email_threads WHERE thread_key = ?`, threadKey)
	return scanEmailThread(row)
}

// UpsertEmailThread inserts or replaces the metadata for a conversation. The
// first thread key recorded for a conversation is kept.
// Returns ErrThreadKeyTaken if the thread key belongs to another conversation.
func (s *SQLStore) UpsertEmailThread(ctx context.Context, t *EmailThread) error {
	_, err := s.exec(ctx, `
		INSERT INTO email_threads (`+emailThreadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			thread_key = COALESCE(email_threads.thread_key, excluded.thread_key),
			subject = excluded.subject,
			in_reply_to = excluded.in_reply_to,
			reference_chain = excluded.reference_chain,
			provider_message_id = excluded.provider_message_id,
			updated_at = excluded.updated_at
	`, t.ConversationID, nullString(t.ThreadKey), t.Subject, t.InReplyTo, t.References, t.ProviderMessageID, t.UpdatedAt.UnixMilli())
	if err != nil {
		if isConstraintViolation(err) {
			return ErrThreadKeyTaken
		}
		return fmt.Errorf("upserting email thread: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess     Session
		ch       string
		startMS  int64
		endMS    sql.NullInt64
		helpdesk bool
	)
	err := row.Scan(&sess.ID, &ch, &sess.UserID, &startMS, &endMS, &helpdesk)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.Channel = channel.Channel(ch)
	sess.StartedAt = fromMillis(startMS)
	if endMS.Valid {
		t := fromMillis(endMS.Int64)
		sess.EndedAt = &t
	}
	sess.Helpdesk = helpdesk
	return &sess, nil
}

func scanEmailThread(row rowScanner) (*EmailThread, error) {
	var (
		t         EmailThread
		key       sql.NullString
		updatedMS int64
	)
	err := row.Scan(&t.ConversationID, &key, &t.Subject, &t.InReplyTo, &t.References, &t.ProviderMessageID, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning email thread: %w", err)
	}
	t.ThreadKey = key.String
	t.UpdatedAt = fromMillis(updatedMS)
	return &t, nil
}

// nullString converts empty strings to NULL for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
