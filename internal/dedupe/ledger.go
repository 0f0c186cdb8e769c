// ABOUTME: Dedup ledger deciding whether an inbound message is processed
// ABOUTME: Durable insert-if-absent is authoritative; the cache only short-circuits known duplicates

package dedupe

import (
	"context"
	"log/slog"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/channel"
	"github.com/jordydydy/semaphore-remove/internal/store"
)

// Outcome is the result of RecordIfNew.
type Outcome int

const (
	// OutcomeNew means this caller recorded the message first and must process it.
	OutcomeNew Outcome = iota
	// OutcomeDuplicate means the message was already recorded.
	OutcomeDuplicate
	// OutcomeStorageError means the ledger could not be consulted.
	OutcomeStorageError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeStorageError:
		return "storage_error"
	}
	return "unknown"
}

// Proceed reports whether the caller should process the message.
// Storage errors fail closed.
func (o Outcome) Proceed() bool { return o == OutcomeNew }

// Observer receives every ledger decision. Metrics implement it.
type Observer interface {
	ObserveDedup(ch channel.Channel, outcome Outcome)
}

// Ledger combines the durable processed-message store with a fast-path cache.
type Ledger struct {
	store    store.Ledger
	cache    *Cache
	now      func() time.Time
	observer Observer
	logger   *slog.Logger
}

// LedgerOption customizes a Ledger.
type LedgerOption func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithObserver reports outcomes to o.
func WithObserver(o Observer) LedgerOption {
	return func(l *Ledger) { l.observer = o }
}

// NewLedger creates a ledger over s. cache may be nil.
func NewLedger(s store.Ledger, cache *Cache, logger *slog.Logger, opts ...LedgerOption) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  s,
		cache:  cache,
		now:    time.Now,
		logger: logger.With("component", "dedupe"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func cacheKey(messageID string, ch channel.Channel) string {
	return string(ch) + ":" + messageID
}

// RecordIfNew records (messageID, ch) and reports whether the caller is the
// first to see it. Among concurrent callers with the same pair exactly one
// gets OutcomeNew.
func (l *Ledger) RecordIfNew(ctx context.Context, messageID string, ch channel.Channel) Outcome {
	outcome := l.record(ctx, messageID, ch)
	if l.observer != nil {
		l.observer.ObserveDedup(ch, outcome)
	}
	return outcome
}

func (l *Ledger) record(ctx context.Context, messageID string, ch channel.Channel) Outcome {
	key := cacheKey(messageID, ch)
	if l.cache != nil && l.cache.Check(key) {
		l.logger.Debug("duplicate message (cache)", "message_id", messageID, "channel", ch)
		return OutcomeDuplicate
	}

	inserted, err := l.store.RecordProcessed(ctx, messageID, ch, l.now())
	if err != nil {
		l.logger.Error("dedup ledger unavailable, dropping message",
			"message_id", messageID, "channel", ch, "error", err)
		return OutcomeStorageError
	}

	if l.cache != nil {
		l.cache.Mark(key)
	}
	if !inserted {
		l.logger.Info("duplicate message", "message_id", messageID, "channel", ch)
		return OutcomeDuplicate
	}
	return OutcomeNew
}
