// ABOUTME: Store interface and data types for session persistence
// ABOUTME: Defines Session, Message, ToolCallRecord and the sentinel errors the HTTP layer maps

package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session or message does not exist.
// Expired sessions are indistinguishable from absent ones.
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when creating a session with an ID that
// already exists.
var ErrDuplicateSession = errors.New("session already exists")

// Role constants for message authorship.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Tool call lifecycle states as persisted.
const (
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
)

// Session is one conversation between an owner and a configured agent.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	AgentRef  string    `json:"agent_ref"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single turn in a session. Agent messages start with
// Streaming=true and accumulate content until finalized; user messages are
// complete at insert time.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Streaming bool              `json:"streaming"`
	ToolCalls []*ToolCallRecord `json:"tool_calls,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ToolCallRecord is a persisted tool invocation attached to an agent message.
type ToolCallRecord struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	Name       string    `json:"name"`
	Parameters string    `json:"parameters,omitempty"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store defines session and message persistence.
//
// GetSession and ListSessions treat sessions whose UpdatedAt is older than the
// store's TTL as gone; implementations return ErrNotFound (or omit them) and
// may garbage-collect lazily.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, ownerID string) ([]*Session, error)
	DeleteSession(ctx context.Context, id string) error
	TouchSession(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, sessionID string) ([]*Message, error)
	UpdateStreamingMessage(ctx context.Context, messageID, content string) error
	FinalizeMessage(ctx context.Context, messageID, content string) error
	StreamingMessageID(ctx context.Context, sessionID string) (string, error)

	// Tool calls
	SaveToolCall(ctx context.Context, call *ToolCallRecord) error

	// Maintenance
	ExpireSessions(ctx context.Context, before time.Time) (int, error)
	CountSessions(ctx context.Context) (active, total int, err error)

	Close() error
}
