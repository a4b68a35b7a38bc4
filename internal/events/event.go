// ABOUTME: StreamingEvent tagged union - the unit of transport on the event channel
// ABOUTME: Defines event kinds, the wire codec, and the per-message ordering contract

package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the variant of a StreamingEvent.
type Kind string

const (
	KindConnected  Kind = "connected"
	KindStart      Kind = "start"
	KindToken      Kind = "token"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindEnd        Kind = "end"
	KindError      Kind = "error"
	KindHeartbeat  Kind = "heartbeat"
)

// ToolCallStatus is the lifecycle state of a tool invocation.
type ToolCallStatus string

const (
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// ToolCall describes a provider-initiated tool invocation. It transitions
// exactly once from running to a terminal status.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters string         `json:"parameters,omitempty"`
	Status     ToolCallStatus `json:"status"`
	Result     string         `json:"result,omitempty"`
}

// StreamingEvent is one unit of incremental generation progress.
//
// For a given MessageID, subscribers observe exactly
// start, token*, (tool_call, tool_result)*, end — or a prefix of that
// sequence truncated by a single terminal error. connected and heartbeat
// are connection-scoped and carry no message identity.
type StreamingEvent struct {
	Kind      Kind      `json:"event"`
	SessionID string    `json:"session_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	ToolCall  *ToolCall `json:"tool_call,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Terminal reports whether the event ends a message's stream.
func (e *StreamingEvent) Terminal() bool {
	return e.Kind == KindEnd || e.Kind == KindError
}

// Encode serializes an event for the durable broker wire.
func Encode(e *StreamingEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return data, nil
}

// Decode deserializes a broker payload back into an event.
func Decode(data []byte) (*StreamingEvent, error) {
	var e StreamingEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if e.Kind == "" {
		return nil, fmt.Errorf("decoding event: missing kind")
	}
	return &e, nil
}

// Connected builds the connection-established event sent when a stream opens.
func Connected(sessionID string) *StreamingEvent {
	return &StreamingEvent{Kind: KindConnected, SessionID: sessionID, Timestamp: time.Now()}
}

// Heartbeat builds a keepalive event. Carries no session or message identity.
func Heartbeat() *StreamingEvent {
	return &StreamingEvent{Kind: KindHeartbeat, Timestamp: time.Now()}
}

// Start builds the event that opens a message's stream.
func Start(sessionID, messageID string) *StreamingEvent {
	return &StreamingEvent{Kind: KindStart, SessionID: sessionID, MessageID: messageID, Timestamp: time.Now()}
}

// Token builds an incremental content event.
func Token(sessionID, messageID, content string) *StreamingEvent {
	return &StreamingEvent{Kind: KindToken, SessionID: sessionID, MessageID: messageID, Content: content, Timestamp: time.Now()}
}

// ToolCallEvent builds the running-state event for a tool invocation.
func ToolCallEvent(sessionID, messageID string, call *ToolCall) *StreamingEvent {
	return &StreamingEvent{Kind: KindToolCall, SessionID: sessionID, MessageID: messageID, ToolCall: call, Timestamp: time.Now()}
}

// ToolResultEvent builds the terminal-state event for a tool invocation.
func ToolResultEvent(sessionID, messageID string, call *ToolCall) *StreamingEvent {
	return &StreamingEvent{Kind: KindToolResult, SessionID: sessionID, MessageID: messageID, ToolCall: call, Timestamp: time.Now()}
}

// End builds the event that closes a message's stream normally.
func End(sessionID, messageID string) *StreamingEvent {
	return &StreamingEvent{Kind: KindEnd, SessionID: sessionID, MessageID: messageID, Timestamp: time.Now()}
}

// Error builds the terminal error event for a message's stream.
func Error(sessionID, messageID, msg string) *StreamingEvent {
	return &StreamingEvent{Kind: KindError, SessionID: sessionID, MessageID: messageID, Error: msg, Timestamp: time.Now()}
}
