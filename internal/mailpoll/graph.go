// ABOUTME: Microsoft Graph mailbox poller
// ABOUTME: Reads unread inbox messages, hands them to the pipeline and marks them read

package mailpoll

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/inbound"
	"github.com/jordydydy/semaphore-remove/internal/msgraph"
)

// GraphMailbox is the part of the Graph client the poller needs.
type GraphMailbox interface {
	ListUnread(ctx context.Context, top int) ([]inbound.GraphMessage, error)
	MarkRead(ctx context.Context, messageID string) error
}

var _ GraphMailbox = (*msgraph.Client)(nil)

// GraphPoller polls one Graph mailbox.
type GraphPoller struct {
	mailbox GraphMailbox
	handle  Handler
	batch   int
	now     func() time.Time
	logger  *slog.Logger
}

// NewGraphPoller creates a poller fetching up to batch messages per poll.
func NewGraphPoller(mailbox GraphMailbox, handle Handler, batch int, logger *slog.Logger) *GraphPoller {
	if batch <= 0 {
		batch = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphPoller{
		mailbox: mailbox,
		handle:  handle,
		batch:   batch,
		now:     time.Now,
		logger:  logger.With("component", "mailpoll.graph"),
	}
}

// PollOnce handles one batch. Every fetched message is marked read whether
// or not it was processed, so duplicates and rejects are not fetched again.
func (p *GraphPoller) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.mailbox.ListUnread(ctx, p.batch)
	if err != nil {
		return 0, fmt.Errorf("polling graph mailbox: %w", err)
	}

	handled := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		logger := p.logger.With("graph_id", m.ID)
		ev, perr := inbound.FromGraphMessage(m, p.now())
		if dispatch(ctx, p.handle, ev, perr, logger) {
			handled++
		}
		if err := p.mailbox.MarkRead(ctx, m.ID); err != nil {
			logger.Warn("marking message read failed", "error", err)
		}
	}
	return handled, nil
}
