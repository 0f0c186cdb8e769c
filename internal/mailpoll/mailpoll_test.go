// ABOUTME: Tests for the Graph and IMAP pollers and the polling loop
// ABOUTME: Graph uses a fake mailbox; IMAP runs against go-imap's in-memory server

package mailpoll

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordydydy/semaphore-remove/internal/channel"
	"github.com/jordydydy/semaphore-remove/internal/inbound"
)

type fakeMailbox struct {
	mu      sync.Mutex
	unread  []inbound.GraphMessage
	read    []string
	listErr error
}

func (f *fakeMailbox) ListUnread(_ context.Context, top int) ([]inbound.GraphMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []inbound.GraphMessage
	for _, m := range f.unread {
		if !contains(f.read, m.ID) && len(out) < top {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMailbox) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, id)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func graphMessage(id, from, body string) inbound.GraphMessage {
	var m inbound.GraphMessage
	m.ID = id
	m.ConversationID = "conv-" + id
	m.Subject = "Perizinan"
	m.From.EmailAddress.Address = from
	m.Body.ContentType = "text"
	m.Body.Content = body
	return m
}

type collector struct {
	mu     sync.Mutex
	events []*inbound.Event
	err    error
}

func (c *collector) handle(_ context.Context, ev *inbound.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func (c *collector) Events() []*inbound.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*inbound.Event(nil), c.events...)
}

func TestGraphPollerHandlesAndMarksRead(t *testing.T) {
	mb := &fakeMailbox{unread: []inbound.GraphMessage{
		graphMessage("A1", "budi@example.com", "halo"),
		graphMessage("A2", "MAILER-DAEMON@example.com", "bounce"),
		graphMessage("A3", "", "no sender"),
	}}
	col := &collector{}
	p := NewGraphPoller(mb, col.handle, 10, nil)

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := col.Events()
	require.Len(t, events, 1)
	assert.Equal(t, channel.Email, events[0].Channel)
	assert.Equal(t, "budi@example.com", events[0].UserID)
	assert.Equal(t, "A1", events[0].MessageID)
	assert.Equal(t, "conv-A1", events[0].Email.ProviderThreadID)

	// rejects are marked read too, so the next poll is empty
	assert.ElementsMatch(t, []string{"A1", "A2", "A3"}, mb.read)
	n, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGraphPollerMarksReadWhenHandlerFails(t *testing.T) {
	mb := &fakeMailbox{unread: []inbound.GraphMessage{graphMessage("A1", "budi@example.com", "halo")}}
	col := &collector{err: errors.New("duplicate")}
	p := NewGraphPoller(mb, col.handle, 10, nil)

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"A1"}, mb.read)
}

func TestGraphPollerRespectsBatch(t *testing.T) {
	mb := &fakeMailbox{}
	for _, id := range []string{"1", "2", "3"} {
		mb.unread = append(mb.unread, graphMessage(id, "a@example.com", "x"))
	}
	col := &collector{}
	p := NewGraphPoller(mb, col.handle, 2, nil)

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGraphPollerListError(t *testing.T) {
	mb := &fakeMailbox{listErr: errors.New("401")}
	p := NewGraphPoller(mb, (&collector{}).handle, 10, nil)
	_, err := p.PollOnce(context.Background())
	assert.ErrorContains(t, err, "401")
}

type countingPoller struct {
	mu    sync.Mutex
	polls int
}

func (c *countingPoller) PollOnce(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	return 0, nil
}

func (c *countingPoller) Polls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

func TestRunPollsUntilCancelled(t *testing.T) {
	p := &countingPoller{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, p, 10*time.Millisecond, nil) }()

	require.Eventually(t, func() bool { return p.Polls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// startIMAP serves go-imap's in-memory backend (user "username", password "password").
func startIMAP(t *testing.T) string {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return l.Addr().String()
}

func appendMail(t *testing.T, addr, raw string) {
	t.Helper()
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer func() { _ = c.Logout() }()
	require.NoError(t, c.Login("username", "password"))
	require.NoError(t, c.Append("INBOX", nil, time.Now(), bytes.NewBufferString(raw)))
}

func TestIMAPPoller(t *testing.T) {
	addr := startIMAP(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	raw := strings.Join([]string{
		"From: Budi <budi@example.com>",
		"To: helpdesk@example.org",
		"Subject: Perizinan",
		"Message-ID: <m1@example.com>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Bagaimana cara mengurus izin?",
		"",
	}, "\r\n")
	appendMail(t, addr, raw)

	col := &collector{}
	p := NewIMAPPoller(IMAPConfig{Host: host, Port: port, Username: "username", Password: "password"}, col.handle, 10, nil)

	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	var got *inbound.Event
	for _, ev := range col.Events() {
		if ev.UserID == "budi@example.com" {
			got = ev
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, "<m1@example.com>", got.MessageID)
	assert.Equal(t, "Bagaimana cara mengurus izin?", got.Text)
	assert.Equal(t, "Perizinan", got.Email.Subject)

	// flagged \Seen, so nothing is fetched again
	seen := len(col.Events())
	n, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, col.Events(), seen)
}

func TestIMAPPollerLoginFailure(t *testing.T) {
	addr := startIMAP(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := NewIMAPPoller(IMAPConfig{Host: host, Port: port, Username: "username", Password: "wrong"}, (&collector{}).handle, 10, nil)
	_, err = p.PollOnce(context.Background())
	assert.ErrorContains(t, err, "imap login")
}
