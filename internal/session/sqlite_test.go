// ABOUTME: Tests for the SQLite session store
// ABOUTME: Covers CRUD, ownership listing, streaming message lifecycle, tool calls, TTL expiry

package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), ttl, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeSession(owner string) *Session {
	return &Session{
		ID:       uuid.New().String(),
		OwnerID:  owner,
		AgentRef: "demo",
	}
}

func TestSQLiteStore_CreateAndGetSession(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := t.Context()

	sess := makeSession("owner-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, "demo", got.AgentRef)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLiteStore_DuplicateSessionRejected(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := t.Context()

	sess := makeSession("owner-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	err := s.CreateSession(ctx, sess)
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestSQLiteStore_GetMissingSessionReturnsNotFound(t *testing.T) {
	s := newTestStore(t, 0)

	_, err := s.GetSession(t.Context(), "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListSessionsScopedToOwner(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := t.Context()

	require.NoError(t, s.CreateSession(ctx, makeSession("alice")))
	require.NoError(t, s.CreateSession(ctx, makeSession("alice")))
	require.NoError(t, s.CreateSession(ctx, makeSession("bob")))

	aliceSessions, err := s.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, aliceSessions, 2)

	bobSessions, err := s.ListSessions(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bobSessions, 1)

	none, err := s.ListSessions(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStore_DeleteSessionIsIdempotent(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := t.Context()

	sess := makeSession("owner-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err := s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DeleteCascadesToMessages(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := t.Context()

	sess := makeSession("owner-1")
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Role:      RoleUser,
		Content:   "hello",
	}))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	msgs, err := s.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSQLiteStore_MessagesReturnedInOrder(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := t.Context()

	sess := makeSession("owner-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	base := time.Now().UTC()
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendMessage(ctx, &Message{
			ID:        uuid.New().String(),
			SessionID: sess.ID,
			Role:      RoleUser,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	msgs, err := s.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)
}

func TestSQLiteStore_StreamingMessageLifecycle(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := t.Context()

	sess := makeSession("owner-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	msgID := uuid.New().String()
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ID:        msgID,
		SessionID: sess.ID,
		Role:      RoleAgent,
		Streaming: true,
	}))

	inFlight, err := s.StreamingMessageID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, msgID, inFlight)

	require.NoError(t, s.UpdateStreamingMessage(ctx, msgID, "partial"))
	require.NoError(t, s.FinalizeMessage(ctx, msgID, "partial output, complete"))

	inFlight, err = s.StreamingMessageID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, inFlight, "no message should be streaming after finalize")

	// A late token write must not touch the finalized message
	err = s.UpdateStreamingMessage(ctx, msgID, "stale")
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := s.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "partial output, complete", msgs[0].Content)
	assert.False(t, msgs[0].Streaming)
}

func TestSQLiteStore_SaveToolCallUpserts(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := t.Context()

	sess := makeSession("owner-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	msgID := uuid.New().String()
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ID:        msgID,
		SessionID: sess.ID,
		Role:      RoleAgent,
		Streaming: true,
	}))

	call := &ToolCallRecord{
		ID:         "call-1",
		MessageID:  msgID,
		Name:       "get_weather",
		Parameters: `{"city":"Lisbon"}`,
		Status:     ToolStatusRunning,
	}
	require.NoError(t, s.SaveToolCall(ctx, call))

	call.Status = ToolStatusCompleted
	call.Result = "22C"
	require.NoError(t, s.SaveToolCall(ctx, call))

	msgs, err := s.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, ToolStatusCompleted, msgs[0].ToolCalls[0].Status)
	assert.Equal(t, "22C", msgs[0].ToolCalls[0].Result)
}

func TestSQLiteStore_ExpiredSessionLooksAbsent(t *testing.T) {
	s := newTestStore(t, 50*time.Millisecond)
	ctx := t.Context()

	sess := makeSession("owner-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	time.Sleep(80 * time.Millisecond)

	_, err := s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	sessions, err := s.ListSessions(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSQLiteStore_TouchExtendsLifetime(t *testing.T) {
	s := newTestStore(t, 120*time.Millisecond)
	ctx := t.Context()

	sess := makeSession("owner-1")
	require.NoError(t, s.CreateSession(ctx, sess))

	time.Sleep(70 * time.Millisecond)
	require.NoError(t, s.TouchSession(ctx, sess.ID))
	time.Sleep(70 * time.Millisecond)

	// 140ms after creation but only 70ms after the touch
	_, err := s.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
}

func TestSQLiteStore_ExpireSessionsSweep(t *testing.T) {
	s := newTestStore(t, time.Hour)
	ctx := t.Context()

	old := makeSession("owner-1")
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, s.CreateSession(ctx, old))

	fresh := makeSession("owner-1")
	require.NoError(t, s.CreateSession(ctx, fresh))

	n, err := s.ExpireSessions(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, total, err := s.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, total)
}

func TestSQLiteStore_TouchMissingSessionReturnsNotFound(t *testing.T) {
	s := newTestStore(t, 0)

	err := s.TouchSession(t.Context(), "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}
