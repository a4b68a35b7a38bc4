// ABOUTME: Tests for the StreamingEvent wire codec and terminal classification
// ABOUTME: Exercises round-trips, tool call payloads, and malformed input rejection

package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_TokenRoundTrip(t *testing.T) {
	original := Token("sess-1", "msg-1", "partial output")

	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, KindToken, decoded.Kind)
	assert.Equal(t, "sess-1", decoded.SessionID)
	assert.Equal(t, "msg-1", decoded.MessageID)
	assert.Equal(t, "partial output", decoded.Content)
	assert.WithinDuration(t, original.Timestamp, decoded.Timestamp, time.Second)
}

func TestEncodeDecode_ToolCallCarriesFullInvocation(t *testing.T) {
	call := &ToolCall{
		ID:         "call-1",
		Name:       "get_weather",
		Parameters: `{"city":"Lisbon"}`,
		Status:     ToolCallCompleted,
		Result:     "22C, sunny",
	}

	data, err := Encode(ToolResultEvent("sess-1", "msg-1", call))
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	require.NotNil(t, decoded.ToolCall)
	assert.Equal(t, "get_weather", decoded.ToolCall.Name)
	assert.Equal(t, ToolCallCompleted, decoded.ToolCall.Status)
	assert.Equal(t, "22C, sunny", decoded.ToolCall.Result)
}

func TestDecode_RejectsMalformedPayloads(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"session_id":"sess-1"}`))
	assert.Error(t, err, "payload without a kind must be rejected")
}

func TestTerminal_ClassifiesEventKinds(t *testing.T) {
	assert.True(t, End("s", "m").Terminal())
	assert.True(t, Error("s", "m", "provider unreachable").Terminal())

	assert.False(t, Start("s", "m").Terminal())
	assert.False(t, Token("s", "m", "x").Terminal())
	assert.False(t, Connected("s").Terminal())
	assert.False(t, Heartbeat().Terminal())
}

func TestHeartbeat_CarriesNoMessageIdentity(t *testing.T) {
	hb := Heartbeat()
	assert.Empty(t, hb.SessionID)
	assert.Empty(t, hb.MessageID)
	assert.False(t, hb.Timestamp.IsZero())
}
