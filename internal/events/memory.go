// ABOUTME: In-process fan-out multiplexer, the fallback channel backend
// ABOUTME: Buffered per-subscriber channels keyed by session, non-blocking publish

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber. A slow
// consumer that falls this far behind starts dropping events rather than
// blocking the producer.
const subscriberBufferSize = 64

// Multiplexer is the in-process Channel backend. Functionally equivalent to
// the durable backend for a single process; it does not fan out across
// processes, which is safe only because the producer and the gateway share
// the process in fallback mode.
type Multiplexer struct {
	mu          sync.RWMutex
	closed      bool
	subscribers map[string]map[string]chan *StreamingEvent // sessionID -> subID -> ch
	logger      *slog.Logger
}

// NewMultiplexer creates an in-process channel backend. Pass nil logger for default.
func NewMultiplexer(logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		subscribers: make(map[string]map[string]chan *StreamingEvent),
		logger:      logger.With("component", "event-mux"),
	}
}

func (m *Multiplexer) Mode() Mode { return ModeInProcess }

// Publish sends an event to all subscribers of the session. Non-blocking:
// events are dropped for subscribers whose channels are full.
func (m *Multiplexer) Publish(_ context.Context, sessionID string, event *StreamingEvent) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Sends stay under the read lock: unsubscribe closes channels under the
	// write lock, so a send can never race a close. Non-blocking sends keep
	// the lock hold time bounded.
	for _, ch := range m.subscribers[sessionID] {
		select {
		case ch <- event:
		default:
			m.logger.Debug("dropped event for slow subscriber",
				"session_id", sessionID,
				"kind", event.Kind)
		}
	}
	return nil
}

// Subscribe registers a subscriber for the session's events. The subscription
// is also cleaned up when ctx is cancelled.
func (m *Multiplexer) Subscribe(ctx context.Context, sessionID string) (<-chan *StreamingEvent, UnsubscribeFunc, error) {
	subID := uuid.New().String()
	ch := make(chan *StreamingEvent, subscriberBufferSize)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrChannelClosed
	}
	if _, ok := m.subscribers[sessionID]; !ok {
		m.subscribers[sessionID] = make(map[string]chan *StreamingEvent)
	}
	m.subscribers[sessionID][subID] = ch
	m.mu.Unlock()

	m.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	unsubscribe := func() { m.remove(sessionID, subID) }

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return ch, unsubscribe, nil
}

// remove detaches a subscription and closes its channel. Safe to call twice.
func (m *Multiplexer) remove(sessionID, subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscribers[sessionID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(m.subscribers, sessionID)
	}

	m.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// Close shuts down the multiplexer and closes all subscriber channels.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for sessionID, subs := range m.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(m.subscribers, sessionID)
	}

	m.logger.Debug("multiplexer closed")
	return nil
}

var _ Channel = (*Multiplexer)(nil)
