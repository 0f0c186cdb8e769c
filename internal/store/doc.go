// Package store provides durable storage for the orchestrator on SQLite or Postgres.
//
// # Architecture
//
// The store package uses an interface-driven architecture:
//
//   - Ledger: processed-message records used for deduplication
//   - Directory: sessions, email thread metadata and the activity log
//   - Store: both, plus Ping and Close
//
// SQLStore implements Store once on database/sql; NewSQLiteStore and
// NewPostgresStore differ only in driver setup and placeholder style.
//
// # Data Models
//
//   - Session: one conversation with the backend; EndedAt is nil while open
//   - EmailThread: reply headers and thread key for an email conversation
//   - SessionMessage: timestamped activity used to detect idle sessions
//
// # Uniqueness
//
// Correctness under concurrency rests on the database, not on locks:
//
//   - processed_messages has primary key (message_id, channel); RecordProcessed
//     reports true only to the caller whose insert landed.
//   - sessions has a partial unique index on (channel, user_id) for open chat
//     sessions, so two racing creators cannot both open one. The loser gets
//     ErrDuplicate and re-reads.
//   - email_threads.thread_key is unique; UpsertEmailThread returns
//     ErrThreadKeyTaken when another conversation owns the key.
//
// Timestamps are stored as unix milliseconds.
//
// # Testing
//
// Use NewMockStore() for unit tests. It enforces the same uniqueness rules
// and exposes LedgerErr, CloseErr and LookupErr for failure injection.
//
// Use NewSQLiteStore with a path under t.TempDir() for integration tests.
// Postgres tests run when ORCHESTRATOR_TEST_POSTGRES_DSN is set.
package store
