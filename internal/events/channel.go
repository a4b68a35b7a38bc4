// ABOUTME: Channel interface decoupling the generation producer from stream subscribers
// ABOUTME: Two interchangeable backends (durable Postgres, in-process) selected at startup

package events

import (
	"context"
	"errors"
)

// ErrChannelClosed is returned when subscribing to a channel that has been
// shut down.
var ErrChannelClosed = errors.New("event channel is closed")

// Mode identifies which channel backend is active.
type Mode string

const (
	// ModeDurable is the cross-process Postgres LISTEN/NOTIFY backend.
	ModeDurable Mode = "durable"
	// ModeInProcess is the single-process fallback multiplexer.
	ModeInProcess Mode = "in-process"
)

// UnsubscribeFunc detaches a subscription. Idempotent and safe to call while
// an event is being delivered to the subscription's channel.
type UnsubscribeFunc func()

// Channel moves StreamingEvents from the single generation producer of a
// session to any number of concurrent subscribers.
//
// Delivery is best-effort at-least-once to currently-attached subscribers;
// events published while nobody is attached are dropped. Ordering is
// preserved per message, not across messages.
type Channel interface {
	// Publish delivers an event to every subscriber of the session.
	Publish(ctx context.Context, sessionID string, event *StreamingEvent) error

	// Subscribe registers for events on the session published after
	// registration. The returned channel is closed on unsubscribe.
	Subscribe(ctx context.Context, sessionID string) (<-chan *StreamingEvent, UnsubscribeFunc, error)

	// Mode reports which backend this channel is.
	Mode() Mode

	// Close releases all subscriptions and backend resources.
	Close() error
}
