// ABOUTME: Tests for MockStore
// ABOUTME: Ensures the mock enforces the same uniqueness rules as the SQL store

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordydydy/semaphore-remove/internal/channel"
)

func TestMockStore_Uniqueness(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	ok, err := m.RecordProcessed(ctx, "x", channel.Email, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.RecordProcessed(ctx, "x", channel.Email, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.CreateSession(ctx, &Session{ID: "a", Channel: channel.WhatsApp, UserID: "u", StartedAt: t0}))
	assert.ErrorIs(t, m.CreateSession(ctx, &Session{ID: "b", Channel: channel.WhatsApp, UserID: "u", StartedAt: t0}), ErrDuplicate)

	require.NoError(t, m.UpsertEmailThread(ctx, &EmailThread{ConversationID: "c1", ThreadKey: "k"}))
	assert.ErrorIs(t, m.UpsertEmailThread(ctx, &EmailThread{ConversationID: "c2", ThreadKey: "k"}), ErrThreadKeyTaken)
}

func TestMockStore_ErrorInjection(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	boom := errors.New("boom")

	m.LedgerErr = boom
	_, err := m.RecordProcessed(ctx, "x", channel.Email, t0)
	assert.ErrorIs(t, err, boom)

	require.NoError(t, m.CreateSession(ctx, &Session{ID: "a", Channel: channel.WhatsApp, UserID: "u", StartedAt: t0}))
	m.CloseErr = boom
	_, err = m.CloseSession(ctx, "a", t0.Add(time.Minute))
	assert.ErrorIs(t, err, boom)

	got, err := m.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Open())
}

func TestMockStore_CloseIdleSession(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	cutoff := t0.Add(15 * time.Minute)

	require.NoError(t, m.CreateSession(ctx, &Session{ID: "hd", Channel: channel.WhatsApp, UserID: "u1", StartedAt: t0}))
	require.NoError(t, m.SetHelpdesk(ctx, "hd", true))
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "busy", Channel: channel.WhatsApp, UserID: "u2", StartedAt: t0}))
	require.NoError(t, m.SaveSessionMessage(ctx, &SessionMessage{ID: "m", ConversationID: "busy", Direction: DirectionInbound, CreatedAt: cutoff}))

	for _, id := range []string{"hd", "busy"} {
		idle, err := m.SessionIdle(ctx, id, cutoff)
		require.NoError(t, err)
		assert.False(t, idle, id)

		closed, err := m.CloseIdleSession(ctx, id, t0.Add(time.Hour), cutoff)
		require.NoError(t, err)
		assert.False(t, closed, id)
	}
}

func TestMockStore_ListIdleSessions(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	now := t0.Add(time.Hour)

	require.NoError(t, m.CreateSession(ctx, &Session{ID: "idle", Channel: channel.WhatsApp, UserID: "u1", StartedAt: t0}))
	require.NoError(t, m.CreateSession(ctx, &Session{ID: "busy", Channel: channel.WhatsApp, UserID: "u2", StartedAt: t0}))
	require.NoError(t, m.SaveSessionMessage(ctx, &SessionMessage{ID: "1", ConversationID: "busy", CreatedAt: now.Add(-time.Minute)}))

	got, err := m.ListIdleSessions(ctx, IdleQuery{Channels: channel.Chat, StartedAfter: t0.Add(-time.Hour), ActiveBefore: now.Add(-15 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "idle", got[0].ID)
	assert.Len(t, m.SessionMessages("busy"), 1)
}
