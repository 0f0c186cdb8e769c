// ABOUTME: Tests for the message pipeline using the mock store and recording fakes
// ABOUTME: Covers forwarding, dedup, feedback, reply delivery and manual session closure

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordydydy/semaphore-remove/internal/backend"
	"github.com/jordydydy/semaphore-remove/internal/channel"
	"github.com/jordydydy/semaphore-remove/internal/conversation"
	"github.com/jordydydy/semaphore-remove/internal/dedupe"
	"github.com/jordydydy/semaphore-remove/internal/events"
	"github.com/jordydydy/semaphore-remove/internal/inbound"
	"github.com/jordydydy/semaphore-remove/internal/outbound"
	"github.com/jordydydy/semaphore-remove/internal/store"
)

type feedbackCall struct {
	SessionID string
	Positive  bool
	AnswerID  int64
}

type fakeBackend struct {
	mu       sync.Mutex
	asks     []backend.Query
	feedback []feedbackCall
	askErr   error
}

func (b *fakeBackend) Ask(ctx context.Context, q backend.Query) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.askErr != nil {
		return b.askErr
	}
	b.asks = append(b.asks, q)
	return nil
}

func (b *fakeBackend) SendFeedback(ctx context.Context, sessionID string, positive bool, answerID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feedback = append(b.feedback, feedbackCall{SessionID: sessionID, Positive: positive, AnswerID: answerID})
	return nil
}

func (b *fakeBackend) Asks() []backend.Query {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Query(nil), b.asks...)
}

func (b *fakeBackend) Feedback() []feedbackCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]feedbackCall(nil), b.feedback...)
}

type sentMessage struct {
	UserID string
	Text   string
	Reply  outbound.Reply
}

type fakeSender struct {
	mu        sync.Mutex
	messages  []sentMessage
	feedback  []int64
	typingOn  int
	typingOff int
	sendErr   error
}

func (s *fakeSender) SendMessage(ctx context.Context, userID, text string, reply outbound.Reply) (outbound.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return outbound.Result{}, s.sendErr
	}
	s.messages = append(s.messages, sentMessage{UserID: userID, Text: text, Reply: reply})
	return outbound.Result{Method: "fake", Parts: 1}, nil
}

func (s *fakeSender) SendTypingOn(ctx context.Context, userID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingOn++
	return nil
}

func (s *fakeSender) SendTypingOff(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typingOff++
	return nil
}

func (s *fakeSender) SendFeedbackRequest(ctx context.Context, userID string, answerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, answerID)
	return nil
}

func (s *fakeSender) Messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.messages...)
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.envs))
	for _, env := range p.envs {
		out = append(out, env.Meta.Type)
	}
	return out
}

// testEnv is a pipeline over the mock store with WhatsApp and email senders.
type testEnv struct {
	store    *store.MockStore
	backend  *fakeBackend
	whatsapp *fakeSender
	email    *fakeSender
	pub      *recordingPublisher
	pipeline *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.Default()

	env := &testEnv{
		store:    store.NewMockStore(),
		backend:  &fakeBackend{},
		whatsapp: &fakeSender{},
		email:    &fakeSender{},
		pub:      &recordingPublisher{},
	}
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	senders := outbound.NewRegistry()
	senders.Register(channel.WhatsApp, env.whatsapp)
	senders.Register(channel.Email, env.email)

	env.pipeline = NewPipeline(PipelineDeps{
		Ledger:    dedupe.NewLedger(env.store, cache, logger),
		Resolver:  conversation.New(env.store, logger),
		Directory: env.store,
		Backend:   env.backend,
		Senders:   senders,
		Events:    events.NewEmitter(env.pub, "test", logger),
	}, logger)
	return env
}

func whatsAppEvent(messageID, text string) *inbound.Event {
	return &inbound.Event{
		Channel:    channel.WhatsApp,
		UserID:     "6281234567890",
		MessageID:  messageID,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func TestHandleInbound_ForwardsNewMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.pipeline.HandleInbound(ctx, whatsAppEvent("wamid.1", "Halo"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.False(t, res.Duplicate)
	require.NotEmpty(t, res.ConversationID)

	asks := env.backend.Asks()
	require.Len(t, asks, 1)
	assert.Equal(t, "Halo", asks[0].Text)
	assert.Equal(t, channel.WhatsApp, asks[0].Platform)
	assert.Equal(t, "6281234567890", asks[0].UserID)
	assert.Equal(t, res.ConversationID, asks[0].ConversationID)

	assert.Equal(t, 1, env.whatsapp.typingOn)
	assert.Equal(t, []string{events.TypeConversationOpened}, env.pub.Types())

	activity := env.store.SessionMessages(res.ConversationID)
	require.Len(t, activity, 1)
	assert.Equal(t, store.DirectionInbound, activity[0].Direction)
}

func TestHandleInbound_DropsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.pipeline.HandleInbound(ctx, whatsAppEvent("wamid.1", "Halo"))
	require.NoError(t, err)

	res, err := env.pipeline.HandleInbound(ctx, whatsAppEvent("wamid.1", "Halo"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, env.backend.Asks(), 1)
}

func TestHandleInbound_LedgerFailureDropsMessage(t *testing.T) {
	env := newTestEnv(t)
	env.store.LedgerErr = errors.New("database is locked")

	res, err := env.pipeline.HandleInbound(context.Background(), whatsAppEvent("wamid.1", "Halo"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Empty(t, env.backend.Asks())
}

func TestHandleInbound_ReusesOpenSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.pipeline.HandleInbound(ctx, whatsAppEvent("wamid.1", "Halo"))
	require.NoError(t, err)
	second, err := env.pipeline.HandleInbound(ctx, whatsAppEvent("wamid.2", "Izin usaha?"))
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.False(t, second.Created)
	assert.Len(t, env.pub.Types(), 1, "only the first message opens a conversation")
}

func TestHandleInbound_WithoutMessageIDSkipsLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.pipeline.HandleInbound(ctx, whatsAppEvent("", "Halo"))
		require.NoError(t, err)
	}
	assert.Len(t, env.backend.Asks(), 2)
}

func TestHandleInbound_UnsupportedChannel(t *testing.T) {
	env := newTestEnv(t)
	ev := &inbound.Event{Channel: channel.Instagram, UserID: "1789", MessageID: "mid.1", Text: "hi"}

	_, err := env.pipeline.HandleInbound(context.Background(), ev)
	assert.ErrorIs(t, err, outbound.ErrUnsupportedChannel)
	assert.Empty(t, env.backend.Asks())
}

func TestHandleInbound_InvalidEvent(t *testing.T) {
	env := newTestEnv(t)
	ev := &inbound.Event{Channel: channel.WhatsApp, Text: "hi"}

	_, err := env.pipeline.HandleInbound(context.Background(), ev)
	assert.ErrorIs(t, err, inbound.ErrNoSender)
}

func TestHandleInbound_BackendErrorStopsTyping(t *testing.T) {
	env := newTestEnv(t)
	env.backend.askErr = backend.ErrNotConfigured

	_, err := env.pipeline.HandleInbound(context.Background(), whatsAppEvent("wamid.1", "Halo"))
	assert.ErrorIs(t, err, backend.ErrNotConfigured)
	assert.Equal(t, 1, env.whatsapp.typingOn)
	assert.Equal(t, 1, env.whatsapp.typingOff)
}

func TestHandleInbound_UnreachableBackendStopsTyping(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	bc := backend.New(backend.Config{AskURL: srv.URL}, slog.Default())
	env.pipeline.backend = bc

	_, err := env.pipeline.HandleInbound(context.Background(), whatsAppEvent("wamid.1", "Halo"))
	require.NoError(t, err, "the ask is queued before it fails")
	bc.Wait()

	assert.Equal(t, 1, env.whatsapp.typingOn)
	assert.Equal(t, 1, env.whatsapp.typingOff)
}

func TestHandleInbound_FeedbackUsesLatestSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.pipeline.HandleInbound(ctx, whatsAppEvent("wamid.1", "Halo"))
	require.NoError(t, err)

	fb, ok := inbound.ParseFeedback("feedback_good-42")
	require.True(t, ok)
	ev := whatsAppEvent("wamid.2", "Ya")
	ev.Feedback = fb

	res, err := env.pipeline.HandleInbound(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Feedback)

	calls := env.backend.Feedback()
	require.Len(t, calls, 1)
	assert.Equal(t, feedbackCall{SessionID: first.ConversationID, Positive: true, AnswerID: 42}, calls[0])
	assert.Len(t, env.backend.Asks(), 1, "feedback is not forwarded as a question")
}

func TestHandleFeedback_ExplicitConversation(t *testing.T) {
	env := newTestEnv(t)
	ev := whatsAppEvent("", "")
	ev.ConversationID = "conv-explicit"
	ev.Feedback = &inbound.Feedback{Positive: false, AnswerID: 7}

	require.NoError(t, env.pipeline.HandleFeedback(context.Background(), ev))
	assert.Equal(t, []feedbackCall{{SessionID: "conv-explicit", Positive: false, AnswerID: 7}}, env.backend.Feedback())
}

func TestHandleFeedback_NoSession(t *testing.T) {
	env := newTestEnv(t)
	ev := whatsAppEvent("", "")
	ev.Feedback = &inbound.Feedback{Positive: true, AnswerID: 1}

	err := env.pipeline.HandleFeedback(context.Background(), ev)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Empty(t, env.backend.Feedback())
}

func TestDeliverReply_ChatWithFeedbackRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.pipeline.HandleInbound(ctx, whatsAppEvent("wamid.1", "Halo"))
	require.NoError(t, err)

	result, err := env.pipeline.DeliverReply(ctx, Answer{
		Channel:        channel.WhatsApp,
		UserID:         "6281234567890",
		Text:           "Silakan ajukan melalui OSS.",
		ConversationID: res.ConversationID,
		AnswerID:       99,
	})
	require.NoError(t, err)
	assert.Equal(t, "fake", result.Method)

	msgs := env.whatsapp.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Silakan ajukan melalui OSS.", msgs[0].Text)
	assert.Equal(t, outbound.Reply{}, msgs[0].Reply)
	assert.Equal(t, []int64{99}, env.whatsapp.feedback)
	assert.Equal(t, 1, env.whatsapp.typingOff)

	activity := env.store.SessionMessages(res.ConversationID)
	require.Len(t, activity, 2)
	assert.Equal(t, store.DirectionOutbound, activity[1].Direction)
}

func TestDeliverReply_EmailUsesThreadMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.CreateSession(ctx, &store.Session{
		ID: "conv-mail", Channel: channel.Email, UserID: "budi@example.com", StartedAt: time.Now(),
	}))
	require.NoError(t, env.store.UpsertEmailThread(ctx, &store.EmailThread{
		ConversationID:    "conv-mail",
		Subject:           "Perizinan PMA",
		InReplyTo:         "<m2@example.com>",
		References:        "<m1@example.com> <m2@example.com>",
		ThreadKey:         "<m1@example.com>",
		ProviderMessageID: "AAMk-graph",
	}))

	_, err := env.pipeline.DeliverReply(ctx, Answer{
		Channel:        channel.Email,
		UserID:         "budi@example.com",
		Text:           "Jawaban",
		ConversationID: "conv-mail",
	})
	require.NoError(t, err)

	msgs := env.email.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, outbound.Reply{
		Subject:           "Perizinan PMA",
		InReplyTo:         "<m2@example.com>",
		References:        "<m1@example.com> <m2@example.com>",
		ProviderMessageID: "AAMk-graph",
	}, msgs[0].Reply)
	assert.Empty(t, env.email.feedback)
}

func TestDeliverReply_EmailDefaultSubject(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.pipeline.DeliverReply(context.Background(), Answer{
		Channel: channel.Email,
		UserID:  "budi@example.com",
		Text:    "Jawaban",
	})
	require.NoError(t, err)

	msgs := env.email.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, outbound.DefaultReplySubject, msgs[0].Reply.Subject)
}

func TestDeliverReply_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.pipeline.DeliverReply(ctx, Answer{Channel: channel.Instagram, UserID: "1", Text: "x"})
	assert.ErrorIs(t, err, outbound.ErrUnsupportedChannel)

	_, err = env.pipeline.DeliverReply(ctx, Answer{Channel: channel.WhatsApp, UserID: "1"})
	assert.Error(t, err)

	env.whatsapp.sendErr = errors.New("boom")
	_, err = env.pipeline.DeliverReply(ctx, Answer{Channel: channel.WhatsApp, UserID: "1", Text: "x", AnswerID: 5})
	assert.Error(t, err)
	assert.Empty(t, env.whatsapp.feedback, "no feedback request after a failed send")
}

func TestCloseSession_Manual(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.pipeline.HandleInbound(ctx, whatsAppEvent("wamid.1", "Halo"))
	require.NoError(t, err)

	closed, err := env.pipeline.CloseSession(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.True(t, closed)

	asks := env.backend.Asks()
	require.Len(t, asks, 2)
	assert.Equal(t, CloseNotice, asks[1].Text)
	assert.Equal(t, res.ConversationID, asks[1].ConversationID)

	msgs := env.whatsapp.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, outbound.ClosingMessage, msgs[0].Text)

	sess, err := env.store.GetSession(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.False(t, sess.Open())
	assert.Equal(t, []string{events.TypeConversationOpened, events.TypeConversationClosed}, env.pub.Types())

	closed, err = env.pipeline.CloseSession(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Len(t, env.whatsapp.Messages(), 1, "already closed sessions are not notified again")
}

func TestCloseSession_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.pipeline.CloseSession(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetHelpdesk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.pipeline.HandleInbound(ctx, whatsAppEvent("wamid.1", "Halo"))
	require.NoError(t, err)

	sess, err := env.pipeline.SetHelpdesk(ctx, res.ConversationID, true)
	require.NoError(t, err)
	assert.True(t, sess.Helpdesk)

	_, err = env.pipeline.SetHelpdesk(ctx, "missing", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionClosed_EmitsIdleEvent(t *testing.T) {
	env := newTestEnv(t)
	sess := &store.Session{ID: "conv-1", Channel: channel.WhatsApp, UserID: "628"}

	env.pipeline.SessionClosed(context.Background(), sess, time.Now())

	require.Len(t, env.pub.envs, 1)
	data, ok := env.pub.envs[0].Data.(events.ConversationClosed)
	require.True(t, ok)
	assert.Equal(t, events.ReasonIdle, data.Reason)
	assert.Equal(t, "conv-1", data.ConversationID)
}
