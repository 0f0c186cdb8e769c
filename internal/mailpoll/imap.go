// ABOUTME: IMAP mailbox poller built on emersion/go-imap
// ABOUTME: Fetches unseen INBOX messages without setting flags, then marks them seen

package mailpoll

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/jordydydy/semaphore-remove/internal/inbound"
)

// IMAPConfig configures the IMAP poller.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	// TLS dials with implicit TLS (port 993). Without it the connection is plain.
	TLS     bool
	Timeout time.Duration
}

// IMAPPoller polls one IMAP mailbox, opening a fresh connection per poll.
type IMAPPoller struct {
	cfg    IMAPConfig
	handle Handler
	batch  int
	now    func() time.Time
	logger *slog.Logger
}

// NewIMAPPoller creates a poller handling up to batch messages per poll.
func NewIMAPPoller(cfg IMAPConfig, handle Handler, batch int, logger *slog.Logger) *IMAPPoller {
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if batch <= 0 {
		batch = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPPoller{
		cfg:    cfg,
		handle: handle,
		batch:  batch,
		now:    time.Now,
		logger: logger.With("component", "mailpoll.imap"),
	}
}

func (p *IMAPPoller) dial() (*client.Client, error) {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	dialer := &net.Dialer{Timeout: p.cfg.Timeout}
	var (
		c   *client.Client
		err error
	)
	if p.cfg.TLS {
		c, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: p.cfg.Host})
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c.Timeout = p.cfg.Timeout
	if err := c.Login(p.cfg.Username, p.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	return c, nil
}

type fetched struct {
	uid uint32
	raw []byte
}

// PollOnce fetches unseen messages, hands each to the pipeline and flags the
// batch \Seen.
func (p *IMAPPoller) PollOnce(ctx context.Context) (int, error) {
	c, err := p.dial()
	if err != nil {
		return 0, err
	}
	defer func() { _ = c.Logout() }()

	if _, err := c.Select(p.cfg.Mailbox, false); err != nil {
		return 0, fmt.Errorf("selecting %s: %w", p.cfg.Mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("searching unseen: %w", err)
	}
	if len(uids) == 0 {
		return 0, nil
	}
	if len(uids) > p.batch {
		uids = uids[:p.batch]
	}

	msgs, err := p.fetch(c, uids)
	if err != nil {
		return 0, err
	}

	handled := 0
	seen := new(imap.SeqSet)
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		logger := p.logger.With("uid", m.uid)
		ev, perr := inbound.FromMIME(bytes.NewReader(m.raw), p.now())
		if dispatch(ctx, p.handle, ev, perr, logger) {
			handled++
		}
		seen.AddNum(m.uid)
	}

	if !seen.Empty() {
		flags := []interface{}{imap.SeenFlag}
		if err := c.UidStore(seen, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return handled, fmt.Errorf("marking messages seen: %w", err)
		}
	}
	return handled, nil
}

// fetch reads full message bodies with BODY.PEEK[] so nothing is flagged
// until the pipeline has seen them.
func (p *IMAPPoller) fetch(c *client.Client, uids []uint32) ([]fetched, error) {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(set, items, ch) }()

	var out []fetched
	for msg := range ch {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			p.logger.Warn("reading message body failed", "uid", msg.Uid, "error", err)
			continue
		}
		out = append(out, fetched{uid: msg.Uid, raw: raw})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	return out, nil
}
