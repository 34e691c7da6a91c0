package agentwire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	orig := Event{
		ID:        "evt-1",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Backend:   "lineproto",
		SessionID: "s1",
		Kind:      EventToolInvocation,
		Payload: ToolInvocationPayload{
			ToolUseID: "tu-1",
			Name:      "Bash",
			ToolKind:  ToolKindExecute,
			Input:     map[string]interface{}{"command": "ls"},
		},
		Raw: json.RawMessage(`{"type":"assistant"}`),
	}

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.Kind, got.Kind)
	assert.Equal(t, orig.SessionID, got.SessionID)
	require.IsType(t, ToolInvocationPayload{}, got.Payload)
	p := got.Payload.(ToolInvocationPayload)
	assert.Equal(t, "tu-1", p.ToolUseID)
	assert.Equal(t, ToolKindExecute, p.ToolKind)
	assert.Equal(t, "ls", p.Input["command"])
	assert.JSONEq(t, string(orig.Raw), string(got.Raw))
}

func TestEventUnmarshalTurnComplete(t *testing.T) {
	raw := `{
		"id": "evt-2",
		"event": "turn_complete",
		"backend": "appserver",
		"session_id": "s1",
		"payload": {
			"success": true,
			"result": "done",
			"usage": {"inputTokens": 10, "outputTokens": 20},
			"costUsd": 0.05,
			"permissionDenials": [{"toolName": "Bash", "message": "denied"}]
		}
	}`
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(raw), &evt))

	p, ok := evt.Payload.(TurnCompletePayload)
	require.True(t, ok)
	assert.True(t, p.Success)
	assert.Equal(t, int64(10), p.Usage.InputTokens)
	assert.Equal(t, int64(20), p.Usage.OutputTokens)
	require.Len(t, p.PermissionDenials, 1)
	assert.Equal(t, "Bash", p.PermissionDenials[0].ToolName)
}

func TestEventUnmarshalUnknownKind(t *testing.T) {
	var evt Event
	err := json.Unmarshal([]byte(`{"id":"x","event":"teleport","payload":{}}`), &evt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event kind")
}

func TestEventUnmarshalUnclassified(t *testing.T) {
	raw := `{"id":"x","event":"unclassified","raw":{"weird":true}}`
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(raw), &evt))
	assert.Equal(t, UnclassifiedPayload{}, evt.Payload)
	assert.JSONEq(t, `{"weird":true}`, string(evt.Raw))
}

func TestEventUnmarshalAck(t *testing.T) {
	raw := `{"id":"x","event":"ack","payload":{"command":"set_permission_mode","noop":true}}`
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(raw), &evt))
	p, ok := evt.Payload.(AckPayload)
	require.True(t, ok)
	assert.Equal(t, CommandSetPermissionMode, p.Command)
	assert.True(t, p.Noop)
}
