// ABOUTME: Chat service - the central intake layer for session messages
// ABOUTME: Records first then acts; runs generation pumps and owns the cancel registry

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/strand/internal/events"
	"github.com/2389/strand/internal/provider"
	"github.com/2389/strand/internal/session"
)

// persistTimeout bounds store writes that must survive request cancellation.
const persistTimeout = 5 * time.Second

// defaultGenerationTimeout bounds one upstream generation when the config
// leaves streaming.generation_timeout unset.
const defaultGenerationTimeout = 2 * time.Minute

var (
	// ErrStreamInFlight is returned when a session already has a streaming
	// agent message. Policy is reject, not queue.
	ErrStreamInFlight = errors.New("a response is already streaming for this session")

	// ErrNotOwner is returned when a session exists but belongs to someone else.
	ErrNotOwner = errors.New("session belongs to a different owner")

	// ErrEmptyMessage is returned for blank message content.
	ErrEmptyMessage = errors.New("message content is empty")
)

// Service is the central chat layer. All messages flow through here; the
// store is the source of truth and every generation event is published to
// the channel so any number of subscribers see the same stream.
type Service struct {
	store      session.Store
	channel    events.Channel
	registry   *provider.Registry
	genTimeout time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // sessionID -> in-flight generation
}

// New creates the chat service. genTimeout bounds each generation; zero
// applies the default.
func New(store session.Store, channel events.Channel, registry *provider.Registry, genTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if genTimeout <= 0 {
		genTimeout = defaultGenerationTimeout
	}
	return &Service{
		store:      store,
		channel:    channel,
		registry:   registry,
		genTimeout: genTimeout,
		logger:     logger.With("component", "chat"),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// CreateSession starts a new session bound to a configured agent. An agent
// whose provider cannot serve anyone right now is reported as unavailable
// rather than binding a session that can never generate.
func (s *Service) CreateSession(ctx context.Context, ownerID, agentRef string) (*session.Session, error) {
	agent, err := s.registry.Resolve(agentRef)
	if err != nil {
		return nil, err
	}
	if !agent.Provider.Available() {
		return nil, fmt.Errorf("%w: %q", provider.ErrAgentUnavailable, agentRef)
	}

	sess := &session.Session{
		ID:       uuid.New().String(),
		OwnerID:  ownerID,
		AgentRef: agentRef,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info("session created", "session_id", sess.ID, "owner_id", ownerID, "agent_ref", agentRef)
	return sess, nil
}

// GetSession returns a session and its messages, enforcing ownership.
func (s *Service) GetSession(ctx context.Context, ownerID, sessionID string) (*session.Session, []*session.Message, error) {
	sess, err := s.authorize(ctx, ownerID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	msgs, err := s.store.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, msgs, nil
}

// ListSessions returns the owner's live sessions.
func (s *Service) ListSessions(ctx context.Context, ownerID string) ([]*session.Session, error) {
	return s.store.ListSessions(ctx, ownerID)
}

// DeleteSession removes a session, cancelling any in-flight generation first.
// Idempotent: deleting an absent session succeeds.
func (s *Service) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	sess, err := s.authorize(ctx, ownerID, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.cancelGeneration(sess.ID)
	return s.store.DeleteSession(ctx, sessionID)
}

// SendMessage records the user message, then starts background generation.
//
// Record first, then act: the user message is persisted before the provider
// is touched, so there is a record even when generation fails to start. At
// most one generation runs per session; a second submit is rejected.
func (s *Service) SendMessage(ctx context.Context, ownerID, sessionID, content string) (*session.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	sess, err := s.authorize(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	inFlight, err := s.store.StreamingMessageID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if inFlight != "" {
		return nil, ErrStreamInFlight
	}

	agent, err := s.registry.Resolve(sess.AgentRef)
	if err != nil {
		return nil, err
	}

	userMsg := &session.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      session.RoleUser,
		Content:   content,
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}
	if err := s.store.TouchSession(ctx, sessionID); err != nil {
		s.logger.Warn("failed to touch session", "session_id", sessionID, "error", err)
	}

	turns, err := s.historyTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	agentMsgID := uuid.New().String()
	req := provider.Request{
		SessionID:    sessionID,
		MessageID:    agentMsgID,
		OwnerID:      ownerID,
		Model:        agent.Model,
		SystemPrompt: agent.SystemPrompt,
		Turns:        turns,
	}

	// Generation outlives the request; it gets its own lifetime, ended by
	// completion, cancel, session deletion, or the generation timeout. A
	// stalled upstream hits the deadline and the pump turns that into a
	// terminal error event instead of a wedged session.
	genCtx, cancel := context.WithTimeout(context.Background(), s.genTimeout)

	// Claim the in-flight slot before touching the provider or writing the
	// agent row, so a concurrent submit loses cleanly with nothing to undo.
	if !s.registerCancel(sessionID, cancel) {
		cancel()
		return nil, ErrStreamInFlight
	}

	stream, err := agent.Provider.Stream(genCtx, req)
	if err != nil {
		s.unregisterCancel(sessionID)
		cancel()
		return nil, fmt.Errorf("starting generation: %w", err)
	}

	agentMsg := &session.Message{
		ID:        agentMsgID,
		SessionID: sessionID,
		Role:      session.RoleAgent,
		Streaming: true,
	}
	if err := s.store.AppendMessage(ctx, agentMsg); err != nil {
		s.unregisterCancel(sessionID)
		cancel()
		return nil, fmt.Errorf("recording agent message: %w", err)
	}

	go s.pump(genCtx, sessionID, agentMsgID, stream)

	s.logger.Debug("generation started",
		"session_id", sessionID,
		"message_id", agentMsgID,
		"agent_ref", sess.AgentRef)
	return userMsg, nil
}

// Cancel stops the session's in-flight generation, if any. Returns whether
// something was cancelled.
func (s *Service) Cancel(ctx context.Context, ownerID, sessionID string) (bool, error) {
	if _, err := s.authorize(ctx, ownerID, sessionID); err != nil {
		return false, err
	}
	return s.cancelGeneration(sessionID), nil
}

// Close cancels all in-flight generations.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}

// pump forwards provider events to the channel while persisting progress.
// It owns the start/end envelope around the provider's event sequence.
func (s *Service) pump(ctx context.Context, sessionID, messageID string, stream <-chan *events.StreamingEvent) {
	defer s.unregisterCancel(sessionID)

	s.publish(sessionID, events.Start(sessionID, messageID))

	var content string
	terminal := false

	// Selecting on ctx.Done rather than ranging means even a provider that
	// stalls without closing its channel cannot wedge the session past the
	// generation deadline.
loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case ev, ok := <-stream:
			if !ok {
				break loop
			}

			switch ev.Kind {
			case events.KindToken:
				content += ev.Content
				s.persistContent(messageID, content)

			case events.KindToolCall, events.KindToolResult:
				if ev.ToolCall != nil {
					s.persistToolCall(messageID, ev.ToolCall)
				}

			case events.KindError:
				terminal = true
			}

			s.publish(sessionID, ev)

			if terminal {
				break loop
			}
		}
	}

	if !terminal && ctx.Err() != nil {
		reason := "generation cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "generation timed out"
		}
		s.publish(sessionID, events.Error(sessionID, messageID, reason))
		terminal = true
	}

	s.finalize(messageID, content)

	if !terminal {
		s.publish(sessionID, events.End(sessionID, messageID))
	}

	s.logger.Debug("generation finished",
		"session_id", sessionID,
		"message_id", messageID,
		"cancelled", ctx.Err() != nil)
}

func (s *Service) authorize(ctx context.Context, ownerID, sessionID string) (*session.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return sess, nil
}

func (s *Service) historyTurns(ctx context.Context, sessionID string) ([]provider.Turn, error) {
	msgs, err := s.store.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	turns := make([]provider.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		turns = append(turns, provider.Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

func (s *Service) registerCancel(sessionID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cancels[sessionID]; exists {
		return false
	}
	s.cancels[sessionID] = cancel
	return true
}

func (s *Service) unregisterCancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, sessionID)
}

func (s *Service) cancelGeneration(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[sessionID]
	if ok {
		delete(s.cancels, sessionID)
	}
	s.mu.Unlock()

	if ok {
		cancel()
		s.logger.Info("generation cancelled", "session_id", sessionID)
	}
	return ok
}

// publish delivers an event with its own timeout so a slow broker cannot
// wedge the pump.
func (s *Service) publish(sessionID string, ev *events.StreamingEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.channel.Publish(ctx, sessionID, ev); err != nil {
		s.logger.Error("failed to publish event",
			"session_id", sessionID,
			"kind", ev.Kind,
			"error", err)
	}
}

// persistContent saves accumulated streaming content with a separate timeout
// context so persistence continues even if the request context is gone.
func (s *Service) persistContent(messageID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.UpdateStreamingMessage(ctx, messageID, content); err != nil {
		s.logger.Error("failed to persist streaming content",
			"message_id", messageID,
			"error", err)
	}
}

func (s *Service) persistToolCall(messageID string, call *events.ToolCall) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	record := &session.ToolCallRecord{
		ID:         call.ID,
		MessageID:  messageID,
		Name:       call.Name,
		Parameters: call.Parameters,
		Status:     string(call.Status),
		Result:     call.Result,
	}
	if err := s.store.SaveToolCall(ctx, record); err != nil {
		s.logger.Error("failed to persist tool call",
			"message_id", messageID,
			"tool", call.Name,
			"error", err)
	}
}

func (s *Service) finalize(messageID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.FinalizeMessage(ctx, messageID, content); err != nil {
		s.logger.Error("failed to finalize message",
			"message_id", messageID,
			"error", err)
	}
}
