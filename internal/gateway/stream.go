// ABOUTME: SSE streaming endpoint - subscribes a client to a session's event feed
// ABOUTME: Sends connected on open, heartbeats on idle, and forwards channel events verbatim

package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/2389/strand/internal/auth"
	"github.com/2389/strand/internal/config"
	"github.com/2389/strand/internal/events"
)

// writeSSEEvent writes a single SSE frame and flushes it.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev *events.StreamingEvent) error {
	data, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Kind); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleStream handles GET /api/sessions/{id}/stream
//
// The subscription is registered before the connected event is written, so a
// client never misses events published between open and first read. The
// connection stays open across conversational ends unless close_on_end is
// configured; the client owns the connection lifetime.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if _, _, err := g.chat.GetSession(r.Context(), auth.OwnerID(r.Context()), sessionID); err != nil {
		sendServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	stream, unsubscribe, err := g.channel.Subscribe(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("failed to subscribe to session events",
			"session_id", sessionID, "error", err)
		sendJSONError(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeSSEEvent(w, flusher, events.Connected(sessionID)); err != nil {
		return
	}

	interval := g.config.Streaming.HeartbeatInterval
	if interval <= 0 {
		interval = config.DefaultHeartbeatInterval
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	g.logger.Debug("stream client connected", "session_id", sessionID)
	defer g.logger.Debug("stream client disconnected", "session_id", sessionID)

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if err := writeSSEEvent(w, flusher, events.Heartbeat()); err != nil {
				return
			}

		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, ev); err != nil {
				return
			}
			if ev.Terminal() && g.config.Streaming.CloseOnEnd {
				return
			}
		}
	}
}
