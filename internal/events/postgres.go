// ABOUTME: Durable channel backend on Postgres LISTEN/NOTIFY via pgx
// ABOUTME: Fans out across server processes; local delivery reuses the in-process multiplexer

package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the single Postgres notification channel all strand
// processes listen on. Session routing happens via the event payload, which
// avoids per-session LISTEN bookkeeping on the listener connection.
const notifyChannel = "strand_events"

// probeTimeout bounds the startup connectivity check.
const probeTimeout = 3 * time.Second

// Broker is the durable Channel backend. Publish issues pg_notify so every
// process (including this one) receives the event on its listener connection
// and re-fans it out through a local Multiplexer. NOTIFY drops payloads with
// no listeners attached, which matches the channel contract: no buffering,
// no replay.
type Broker struct {
	pool   *pgxpool.Pool
	local  *Multiplexer
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBroker connects to Postgres, probes connectivity, and starts the
// listener loop. Returns an error if the probe fails so the caller can fall
// back to the in-process backend.
func NewBroker(ctx context.Context, dsn string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "event-broker")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	probeCtx, cancelProbe := context.WithTimeout(ctx, probeTimeout)
	defer cancelProbe()
	if err := pool.Ping(probeCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("broker probe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		pool:   pool,
		local:  NewMultiplexer(logger),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go b.listenLoop(loopCtx)

	logger.Info("durable event broker connected")
	return b, nil
}

func (b *Broker) Mode() Mode { return ModeDurable }

// Publish notifies all listening processes. The payload carries the full
// encoded event; routing to local subscribers happens in listenLoop.
func (b *Broker) Publish(ctx context.Context, sessionID string, event *StreamingEvent) error {
	if event.SessionID == "" {
		event.SessionID = sessionID
	}
	payload, err := Encode(event)
	if err != nil {
		return err
	}

	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Subscribe attaches to the local multiplexer; events arrive via listenLoop
// regardless of which process published them.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (<-chan *StreamingEvent, UnsubscribeFunc, error) {
	return b.local.Subscribe(ctx, sessionID)
}

// listenLoop holds a dedicated connection on LISTEN and re-fans incoming
// notifications out to local subscribers. Reconnects with a short delay if
// the connection drops.
func (b *Broker) listenLoop(ctx context.Context) {
	defer close(b.done)

	for {
		if err := b.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("listener connection lost, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *Broker) listen(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		event, err := Decode([]byte(notification.Payload))
		if err != nil {
			b.logger.Warn("discarding malformed notification", "error", err)
			continue
		}

		if err := b.local.Publish(ctx, event.SessionID, event); err != nil {
			b.logger.Warn("local fan-out failed", "session_id", event.SessionID, "error", err)
		}
	}
}

// Close stops the listener loop and releases the pool.
func (b *Broker) Close() error {
	b.cancel()
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		b.logger.Warn("listener loop did not stop in time")
	}
	err := b.local.Close()
	b.pool.Close()
	return err
}

var _ Channel = (*Broker)(nil)
