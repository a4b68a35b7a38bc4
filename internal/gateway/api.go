// ABOUTME: REST API handlers for session lifecycle, message intake and registry
// ABOUTME: Maps service errors to HTTP status codes with JSON error bodies

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/strand/internal/auth"
	"github.com/2389/strand/internal/chat"
	"github.com/2389/strand/internal/provider"
	"github.com/2389/strand/internal/session"
)

// sendJSON writes a JSON response with the given status code.
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response with the given status code.
func sendJSONError(w http.ResponseWriter, message string, status int) {
	sendJSON(w, status, map[string]string{"error": message})
}

// sendServiceError maps service sentinel errors to HTTP status codes.
func sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		sendJSONError(w, "session not found", http.StatusNotFound)
	case errors.Is(err, chat.ErrNotOwner):
		sendJSONError(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, chat.ErrStreamInFlight):
		sendJSONError(w, "a response is already streaming for this session", http.StatusConflict)
	case errors.Is(err, chat.ErrEmptyMessage):
		sendJSONError(w, "message content is required", http.StatusBadRequest)
	case errors.Is(err, provider.ErrUnknownAgent):
		sendJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, provider.ErrAgentUnavailable):
		sendJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, provider.ErrNoCredential):
		sendJSONError(w, "no credential available for this agent", http.StatusInternalServerError)
	default:
		sendJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

type createSessionRequest struct {
	AgentRef string `json:"agent_ref"`
}

type sessionResponse struct {
	ID        string `json:"id"`
	AgentRef  string `json:"agent_ref"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID,
		AgentRef:  s.AgentRef,
		CreatedAt: s.CreatedAt.Format(timeWire),
		UpdatedAt: s.UpdatedAt.Format(timeWire),
	}
}

type messageResponse struct {
	ID        string                    `json:"id"`
	Role      string                    `json:"role"`
	Content   string                    `json:"content"`
	Streaming bool                      `json:"streaming,omitempty"`
	ToolCalls []*session.ToolCallRecord `json:"tool_calls,omitempty"`
	CreatedAt string                    `json:"created_at"`
}

const timeWire = "2006-01-02T15:04:05.000Z07:00"

// handleCreateSession handles POST /api/sessions
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.AgentRef) == "" {
		sendJSONError(w, "agent_ref is required", http.StatusBadRequest)
		return
	}

	sess, err := g.chat.CreateSession(r.Context(), auth.OwnerID(r.Context()), req.AgentRef)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// handleListSessions handles GET /api/sessions
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := g.chat.ListSessions(r.Context(), auth.OwnerID(r.Context()))
	if err != nil {
		sendServiceError(w, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	sendJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleGetSession handles GET /api/sessions/{id}
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, msgs, err := g.chat.GetSession(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, err)
		return
	}

	outMsgs := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		outMsgs = append(outMsgs, messageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Streaming: m.Streaming,
			ToolCalls: m.ToolCalls,
			CreatedAt: m.CreatedAt.Format(timeWire),
		})
	}

	sendJSON(w, http.StatusOK, map[string]any{
		"session":  toSessionResponse(sess),
		"messages": outMsgs,
	})
}

// handleDeleteSession handles DELETE /api/sessions/{id}
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := g.chat.DeleteSession(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id")); err != nil {
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// handleSendMessage handles POST /api/sessions/{id}/messages
//
// Returns 202: the user message is recorded and generation has started, but
// the response arrives over the event stream, not this request.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	msg, err := g.chat.SendMessage(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"), req.Content)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusAccepted, map[string]any{
		"accepted":   true,
		"message_id": msg.ID,
	})
}

// handleCancel handles POST /api/sessions/{id}/cancel
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := g.chat.Cancel(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleRegistry handles GET /api/registry
func (g *Gateway) handleRegistry(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{"agents": g.registry.List()})
}

// handleHealth handles GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, total, err := g.store.CountSessions(r.Context())
	if err != nil {
		g.logger.Error("health check failed to count sessions", "error", err)
		sendJSONError(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	sendJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"broker_mode": string(g.channel.Mode()),
		"degraded":    g.degraded,
		"sessions": map[string]int{
			"active": active,
			"total":  total,
		},
		"providers": g.registry.Providers(),
	})
}
