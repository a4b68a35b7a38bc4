// ABOUTME: Tests for the scripted demo provider
// ABOUTME: Covers token reassembly, custom scripts, and cancellation

package provider

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/strand/internal/events"
)

func collect(t *testing.T, ch <-chan *events.StreamingEvent) []*events.StreamingEvent {
	t.Helper()
	var got []*events.StreamingEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out draining provider stream")
		}
	}
}

func TestDemoProvider_EchoesLastUserTurn(t *testing.T) {
	p := NewDemoProvider(0)

	ch, err := p.Stream(t.Context(), Request{
		SessionID: "sess-1",
		MessageID: "msg-1",
		Turns: []Turn{
			{Role: "user", Content: "first question"},
			{Role: "agent", Content: "first answer"},
			{Role: "user", Content: "hello demo"},
		},
	})
	require.NoError(t, err)

	got := collect(t, ch)
	require.NotEmpty(t, got)

	var sb strings.Builder
	for _, ev := range got {
		assert.Equal(t, events.KindToken, ev.Kind)
		assert.Equal(t, "msg-1", ev.MessageID)
		sb.WriteString(ev.Content)
	}
	assert.Equal(t, "You said: hello demo", sb.String())
}

func TestDemoProvider_CustomScript(t *testing.T) {
	p := NewDemoProvider(0)
	p.Respond = func(req Request) string { return "fixed reply" }

	ch, err := p.Stream(t.Context(), Request{SessionID: "s", MessageID: "m"})
	require.NoError(t, err)

	var sb strings.Builder
	for _, ev := range collect(t, ch) {
		sb.WriteString(ev.Content)
	}
	assert.Equal(t, "fixed reply", sb.String())
}

func TestDemoProvider_CancellationStopsStream(t *testing.T) {
	p := NewDemoProvider(50 * time.Millisecond)
	p.Respond = func(req Request) string {
		return strings.Repeat("word ", 100)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, Request{SessionID: "s", MessageID: "m"})
	require.NoError(t, err)

	// Read one token then cancel
	<-ch
	cancel()

	deadline := time.After(2 * time.Second)
	count := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				assert.Less(t, count, 100, "stream should stop well before completion")
				return
			}
			count++
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestDemoProvider_AlwaysAvailable(t *testing.T) {
	assert.True(t, NewDemoProvider(0).Available())
	assert.Equal(t, "demo", NewDemoProvider(0).Name())
}
