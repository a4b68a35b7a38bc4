// ABOUTME: Tests for the chat service intake and generation pump
// ABOUTME: Covers event ordering, single-flight policy, cancellation, ownership, tool persistence

package chat

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/strand/internal/events"
	"github.com/2389/strand/internal/provider"
	"github.com/2389/strand/internal/session"
)

// scriptedProvider emits a fixed event sequence, or fails to start.
type scriptedProvider struct {
	script      func(req provider.Request) []*events.StreamingEvent
	startErr    error
	unavailable bool
}

func (p *scriptedProvider) Name() string    { return "scripted" }
func (p *scriptedProvider) Available() bool { return !p.unavailable }

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request) (<-chan *events.StreamingEvent, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	out := make(chan *events.StreamingEvent, 16)
	go func() {
		defer close(out)
		for _, ev := range p.script(req) {
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}

type fixture struct {
	svc     *Service
	store   *session.SQLiteStore
	channel *events.Multiplexer
}

func newFixture(t *testing.T, p provider.Provider) *fixture {
	return newFixtureTimeout(t, p, 0)
}

func newFixtureTimeout(t *testing.T, p provider.Provider, genTimeout time.Duration) *fixture {
	t.Helper()

	store, err := session.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	channel := events.NewMultiplexer(nil)
	t.Cleanup(func() { channel.Close() })

	registry := provider.NewRegistry([]*provider.Agent{
		{Ref: "demo-model", Provider: p},
	})

	svc := New(store, channel, registry, genTimeout, nil)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, store: store, channel: channel}
}

// drainUntilTerminal collects events until end or error.
func drainUntilTerminal(t *testing.T, ch <-chan *events.StreamingEvent) []*events.StreamingEvent {
	t.Helper()
	var got []*events.StreamingEvent
	for {
		select {
		case ev := <-ch:
			got = append(got, ev)
			if ev.Terminal() {
				return got
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for terminal event, got %d events", len(got))
		}
	}
}

func TestService_CreateSessionUnknownAgent(t *testing.T) {
	f := newFixture(t, provider.NewDemoProvider(0))

	_, err := f.svc.CreateSession(t.Context(), "alice", "no-such-agent")
	assert.ErrorIs(t, err, provider.ErrUnknownAgent)
}

func TestService_CreateSessionAgentUnavailable(t *testing.T) {
	f := newFixture(t, &scriptedProvider{unavailable: true})

	_, err := f.svc.CreateSession(t.Context(), "alice", "demo-model")
	assert.ErrorIs(t, err, provider.ErrAgentUnavailable)
}

// stalledProvider opens a stream and then emits nothing, ever.
type stalledProvider struct{}

func (stalledProvider) Name() string    { return "stalled" }
func (stalledProvider) Available() bool { return true }

func (stalledProvider) Stream(ctx context.Context, req provider.Request) (<-chan *events.StreamingEvent, error) {
	return make(chan *events.StreamingEvent), nil
}

func TestService_StalledGenerationTimesOut(t *testing.T) {
	f := newFixtureTimeout(t, stalledProvider{}, 100*time.Millisecond)
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	ch, unsub, _ := f.channel.Subscribe(ctx, sess.ID)
	defer unsub()

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "are you there?")
	require.NoError(t, err)

	got := drainUntilTerminal(t, ch)
	last := got[len(got)-1]
	assert.Equal(t, events.KindError, last.Kind)
	assert.Contains(t, last.Error, "timed out")

	// The slot is released and the message finalized, so the next submit
	// is accepted rather than rejected with an in-flight error.
	require.Eventually(t, func() bool {
		id, err := f.store.StreamingMessageID(ctx, sess.ID)
		return err == nil && id == ""
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "hello again")
	require.NoError(t, err)
}

func TestService_SendMessageStreamsOrderedEvents(t *testing.T) {
	f := newFixture(t, provider.NewDemoProvider(0))
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	ch, unsub, err := f.channel.Subscribe(ctx, sess.ID)
	require.NoError(t, err)
	defer unsub()

	userMsg, err := f.svc.SendMessage(ctx, "alice", sess.ID, "hello there")
	require.NoError(t, err)
	assert.Equal(t, session.RoleUser, userMsg.Role)

	got := drainUntilTerminal(t, ch)

	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, events.KindStart, got[0].Kind)
	for _, ev := range got[1 : len(got)-1] {
		assert.Equal(t, events.KindToken, ev.Kind)
		assert.Equal(t, got[0].MessageID, ev.MessageID)
	}
	assert.Equal(t, events.KindEnd, got[len(got)-1].Kind)

	// Persisted agent message matches the streamed content
	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.Equal(t, session.RoleAgent, msgs[1].Role)
	assert.Equal(t, "You said: hello there", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
}

func TestService_FanOutDeliversSameSequence(t *testing.T) {
	f := newFixture(t, provider.NewDemoProvider(0))
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	ch1, unsub1, _ := f.channel.Subscribe(ctx, sess.ID)
	defer unsub1()
	ch2, unsub2, _ := f.channel.Subscribe(ctx, sess.ID)
	defer unsub2()

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "fan out")
	require.NoError(t, err)

	got1 := drainUntilTerminal(t, ch1)
	got2 := drainUntilTerminal(t, ch2)

	require.Equal(t, len(got1), len(got2))
	for i := range got1 {
		assert.Equal(t, got1[i].Kind, got2[i].Kind)
		assert.Equal(t, got1[i].Content, got2[i].Content)
	}
}

func TestService_SecondMessageWhileStreamingRejected(t *testing.T) {
	slow := provider.NewDemoProvider(30 * time.Millisecond)
	f := newFixture(t, slow)
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "long one please with several words")
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "impatient follow-up")
	assert.ErrorIs(t, err, ErrStreamInFlight)
}

func TestService_SubmitRaceLoserLeavesNoAgentMessage(t *testing.T) {
	f := newFixture(t, provider.NewDemoProvider(0))
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	// Claim the in-flight slot the way a concurrent submit that won the race
	// would, before any streaming row exists in the store.
	require.True(t, f.svc.registerCancel(sess.ID, func() {}))
	defer f.svc.unregisterCancel(sess.ID)

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "second lane")
	assert.ErrorIs(t, err, ErrStreamInFlight)

	// The user message is recorded but the loser appended no agent row.
	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, session.RoleUser, msgs[0].Role)

	id, err := f.store.StreamingMessageID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestService_CancelStopsGeneration(t *testing.T) {
	slow := provider.NewDemoProvider(30 * time.Millisecond)
	f := newFixture(t, slow)
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	ch, unsub, _ := f.channel.Subscribe(ctx, sess.ID)
	defer unsub()

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "this response has enough words to outlive the cancel")
	require.NoError(t, err)

	// Let a token or two through, then cancel
	time.Sleep(50 * time.Millisecond)
	cancelled, err := f.svc.Cancel(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	got := drainUntilTerminal(t, ch)
	last := got[len(got)-1]
	assert.Equal(t, events.KindError, last.Kind)
	assert.Contains(t, last.Error, "cancelled")

	// Session must be left non-streaming so the next message is accepted
	require.Eventually(t, func() bool {
		id, err := f.store.StreamingMessageID(ctx, sess.ID)
		return err == nil && id == ""
	}, 2*time.Second, 10*time.Millisecond)

	cancelled, err = f.svc.Cancel(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.False(t, cancelled, "nothing left to cancel")
}

func TestService_OwnershipEnforced(t *testing.T) {
	f := newFixture(t, provider.NewDemoProvider(0))
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	_, _, err = f.svc.GetSession(ctx, "mallory", sess.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.svc.SendMessage(ctx, "mallory", sess.ID, "hi")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.svc.Cancel(ctx, "mallory", sess.ID)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestService_EmptyMessageRejected(t *testing.T) {
	f := newFixture(t, provider.NewDemoProvider(0))
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "   \n ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestService_ToolCallEventsPersisted(t *testing.T) {
	scripted := &scriptedProvider{
		script: func(req provider.Request) []*events.StreamingEvent {
			running := &events.ToolCall{ID: "call-1", Name: "get_weather", Parameters: `{"city":"Lisbon"}`, Status: events.ToolCallRunning}
			done := &events.ToolCall{ID: "call-1", Name: "get_weather", Parameters: `{"city":"Lisbon"}`, Status: events.ToolCallCompleted, Result: "22C"}
			return []*events.StreamingEvent{
				events.ToolCallEvent(req.SessionID, req.MessageID, running),
				events.ToolResultEvent(req.SessionID, req.MessageID, done),
				events.Token(req.SessionID, req.MessageID, "It is 22C in Lisbon."),
			}
		},
	}
	f := newFixture(t, scripted)
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	ch, unsub, _ := f.channel.Subscribe(ctx, sess.ID)
	defer unsub()

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "weather in lisbon?")
	require.NoError(t, err)

	got := drainUntilTerminal(t, ch)

	kinds := make([]events.Kind, len(got))
	for i, ev := range got {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []events.Kind{
		events.KindStart, events.KindToolCall, events.KindToolResult, events.KindToken, events.KindEnd,
	}, kinds)

	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, session.ToolStatusCompleted, msgs[1].ToolCalls[0].Status)
	assert.Equal(t, "22C", msgs[1].ToolCalls[0].Result)
	assert.Equal(t, "It is 22C in Lisbon.", msgs[1].Content)
}

func TestService_ProviderErrorEventTerminatesStream(t *testing.T) {
	scripted := &scriptedProvider{
		script: func(req provider.Request) []*events.StreamingEvent {
			return []*events.StreamingEvent{
				events.Token(req.SessionID, req.MessageID, "partial"),
				events.Error(req.SessionID, req.MessageID, "upstream exploded"),
			}
		},
	}
	f := newFixture(t, scripted)
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	ch, unsub, _ := f.channel.Subscribe(ctx, sess.ID)
	defer unsub()

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "boom")
	require.NoError(t, err)

	got := drainUntilTerminal(t, ch)
	last := got[len(got)-1]
	assert.Equal(t, events.KindError, last.Kind)
	assert.Equal(t, "upstream exploded", last.Error)

	// Partial content is kept, message finalized, session non-streaming
	require.Eventually(t, func() bool {
		id, err := f.store.StreamingMessageID(ctx, sess.ID)
		return err == nil && id == ""
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
}

func TestService_ProviderStartFailureReturnsError(t *testing.T) {
	scripted := &scriptedProvider{startErr: errors.New("no credential for owner")}
	f := newFixture(t, scripted)
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "hi")
	require.Error(t, err)

	// The user message is still recorded; no agent message was started
	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, session.RoleUser, msgs[0].Role)

	id, err := f.store.StreamingMessageID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestService_DeleteSessionIsIdempotentAndCancels(t *testing.T) {
	slow := provider.NewDemoProvider(30 * time.Millisecond)
	f := newFixture(t, slow)
	ctx := t.Context()

	sess, err := f.svc.CreateSession(ctx, "alice", "demo-model")
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, "alice", sess.ID, "some words to stream slowly")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSession(ctx, "alice", sess.ID))
	require.NoError(t, f.svc.DeleteSession(ctx, "alice", sess.ID), "second delete succeeds")

	_, _, err = f.svc.GetSession(ctx, "alice", sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}
