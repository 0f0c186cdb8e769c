// ABOUTME: Shared polling loop for mailbox pollers
// ABOUTME: Runs PollOnce on a fixed interval until the context ends

package mailpoll

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/inbound"
)

// Handler processes one parsed inbound email.
type Handler func(ctx context.Context, ev *inbound.Event) error

// Poller fetches and handles one batch of new mail.
type Poller interface {
	PollOnce(ctx context.Context) (int, error)
}

// Run polls immediately and then every interval until ctx is done.
// Poll errors are logged and retried on the next tick.
func Run(ctx context.Context, p Poller, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mailpoll")
	logger.Info("mail poller started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := p.PollOnce(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			logger.Error("mail poll failed", "error", err)
		case n > 0:
			logger.Info("mail poll handled messages", "count", n)
		}

		select {
		case <-ctx.Done():
			logger.Info("mail poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// dispatch hands ev to handle and logs the outcome. Parse rejections are
// passed in as err and logged at the appropriate level.
func dispatch(ctx context.Context, handle Handler, ev *inbound.Event, parseErr error, logger *slog.Logger) bool {
	switch {
	case errors.Is(parseErr, inbound.ErrIgnored):
		logger.Debug("ignoring infrastructure mail")
		return false
	case parseErr != nil:
		logger.Warn("dropping unparseable mail", "error", parseErr)
		return false
	}
	if err := handle(ctx, ev); err != nil {
		logger.Error("handling mail failed", "message_id", ev.MessageID, "error", err)
		return false
	}
	return true
}
