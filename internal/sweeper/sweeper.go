// ABOUTME: Idle session sweeper closing quiet chat sessions on a fixed schedule
// ABOUTME: Notifies the backend and the user before committing the end timestamp

package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/jordydydy/semaphore-remove/internal/channel"
	"github.com/jordydydy/semaphore-remove/internal/store"
)

// Directory is the part of the store the sweeper needs.
type Directory interface {
	ListIdleSessions(ctx context.Context, q store.IdleQuery) ([]*store.Session, error)
	SessionIdle(ctx context.Context, id string, activeBefore time.Time) (bool, error)
	CloseIdleSession(ctx context.Context, id string, at, activeBefore time.Time) (bool, error)
}

// BackendNotifier tells the conversational backend a session is ending.
type BackendNotifier interface {
	NotifyClose(ctx context.Context, sess *store.Session) error
}

// ClosingSender delivers the closing message to the user.
type ClosingSender interface {
	SendClosing(ctx context.Context, sess *store.Session) error
}

// Observer receives closure outcomes. Metrics implement it.
type Observer interface {
	ObserveClosure(ch channel.Channel, closed bool, err error)
}

// Config controls the sweep schedule and candidate selection.
type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	IdleAfter    time.Duration
	BatchSize    int
	Pace         time.Duration  // minimum gap between closures
	CloseTimeout time.Duration  // bound on one closure once started
	Location     *time.Location // defines "today"
}

// DefaultConfig returns the production schedule.
func DefaultConfig() Config {
	return Config{
		Interval:     60 * time.Second,
		InitialDelay: 5 * time.Second,
		IdleAfter:    15 * time.Minute,
		BatchSize:    50,
		Pace:         time.Second,
		CloseTimeout: 30 * time.Second,
		Location:     time.Local,
	}
}

// Result summarizes one sweep.
type Result struct {
	Candidates int
	Closed     int
	Failed     int
}

// Sweeper closes idle chat sessions. Run one per process.
type Sweeper struct {
	cfg      Config
	dir      Directory
	backend  BackendNotifier
	sender   ClosingSender
	observer Observer
	onClosed ClosedHook
	now      func() time.Time
	logger   *slog.Logger
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithObserver reports closures to o.
func WithObserver(o Observer) Option {
	return func(s *Sweeper) { s.observer = o }
}

// ClosedHook runs after a session's end timestamp is committed.
type ClosedHook func(ctx context.Context, sess *store.Session, at time.Time)

// WithClosedHook runs fn after every successful closure.
func WithClosedHook(fn ClosedHook) Option {
	return func(s *Sweeper) { s.onClosed = fn }
}

// New creates a Sweeper. Zero config fields take their defaults.
func New(cfg Config, dir Directory, backend BackendNotifier, sender ClosingSender, logger *slog.Logger, opts ...Option) *Sweeper {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cfg:     cfg,
		dir:     dir,
		backend: backend,
		sender:  sender,
		now:     time.Now,
		logger:  logger.With("component", "sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps after the initial delay and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started",
		"interval", s.cfg.Interval,
		"idle_after", s.cfg.IdleAfter,
		"batch_size", s.cfg.BatchSize)

	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-timer.C:
		}

		res, err := s.SweepOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep failed", "error", err)
		} else if res.Candidates > 0 {
			s.logger.Info("sweep finished", "candidates", res.Candidates, "closed", res.Closed, "failed", res.Failed)
		}
		timer.Reset(s.cfg.Interval)
	}
}

// SweepOnce closes up to one batch of idle sessions.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	now := s.now()
	local := now.In(s.cfg.Location)
	startOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)

	candidates, err := s.dir.ListIdleSessions(ctx, store.IdleQuery{
		Channels:     channel.Chat,
		StartedAfter: startOfDay,
		ActiveBefore: now.Add(-s.cfg.IdleAfter),
		Limit:        s.cfg.BatchSize,
	})
	if err != nil {
		return Result{}, fmt.Errorf("listing idle sessions: %w", err)
	}

	res := Result{Candidates: len(candidates)}
	limiter := s.limiter()
	for _, sess := range candidates {
		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}
		closed, err := s.Close(ctx, sess)
		switch {
		case err != nil:
			res.Failed++
		case closed:
			res.Closed++
		}
	}
	return res, nil
}

func (s *Sweeper) limiter() *rate.Limiter {
	if s.cfg.Pace <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(s.cfg.Pace), 1)
}

// Close runs the closing sequence for one session: backend notice, closing
// message, then the end timestamp. The session is re-checked first, since
// candidates are listed before pacing; one that was resumed, handed to the
// helpdesk or closed meanwhile is left alone. Notification failures are
// logged and do not stop the closure; a failure to write the end timestamp
// leaves the session open for the next sweep. Once started, the sequence is
// not interrupted by ctx cancellation.
func (s *Sweeper) Close(ctx context.Context, sess *store.Session) (bool, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CloseTimeout)
	defer cancel()

	logger := s.logger.With("conversation_id", sess.ID, "channel", sess.Channel, "user_id", sess.UserID)

	activeBefore := s.now().Add(-s.cfg.IdleAfter)
	idle, err := s.dir.SessionIdle(cctx, sess.ID, activeBefore)
	if err != nil {
		logger.Error("rechecking session failed, will retry next sweep", "error", err)
		return false, err
	}
	if !idle {
		logger.Info("session no longer idle, skipping")
		return false, nil
	}

	if s.backend != nil {
		if err := s.backend.NotifyClose(cctx, sess); err != nil {
			logger.Warn("backend close notice failed", "error", err)
		}
	}
	if s.sender != nil {
		if err := s.sender.SendClosing(cctx, sess); err != nil {
			logger.Warn("closing message failed", "error", err)
		}
	}

	at := s.now()
	closed, err := s.dir.CloseIdleSession(cctx, sess.ID, at, activeBefore)
	if s.observer != nil {
		s.observer.ObserveClosure(sess.Channel, closed, err)
	}
	if err != nil {
		logger.Error("closing session failed, will retry next sweep", "error", err)
		return false, err
	}
	if !closed {
		logger.Info("session resumed, handed off or closed during closure, left open")
		return false, nil
	}
	logger.Info("session closed")
	if s.onClosed != nil {
		s.onClosed(cctx, sess, at)
	}
	return true, nil
}
