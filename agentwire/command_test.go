package agentwire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandSendMessage(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"command":"send_message","sessionId":"s1","text":"hello"}`))
	require.NoError(t, err)

	sm, ok := cmd.(SendMessage)
	require.True(t, ok)
	assert.Equal(t, "s1", sm.SessionID)
	assert.Equal(t, "hello", sm.Text)
}

func TestParseCommandTypeDiscriminator(t *testing.T) {
	// "type" is accepted as an alias for "command".
	cmd, err := ParseCommand([]byte(`{"type":"interrupt","sessionId":"s1"}`))
	require.NoError(t, err)
	assert.Equal(t, CommandInterrupt, cmd.CmdType())
}

func TestParseCommandUnknown(t *testing.T) {
	_, err := ParseCommand([]byte(`{"command":"rewind_time","sessionId":"s1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestParseCommandMissingDiscriminator(t *testing.T) {
	_, err := ParseCommand([]byte(`{"sessionId":"s1","text":"hello"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing discriminator")
}

func TestParseCommandInvalidJSON(t *testing.T) {
	_, err := ParseCommand([]byte(`{not json`))
	require.Error(t, err)
}

func TestParseCommandCreateSession(t *testing.T) {
	raw := `{"command":"create_session","backend":"lineproto","cwd":"/tmp/work","prompt":"fix it","options":{"model":"fast","permissionMode":"plan"}}`
	cmd, err := ParseCommand([]byte(raw))
	require.NoError(t, err)

	cs, ok := cmd.(CreateSession)
	require.True(t, ok)
	assert.Equal(t, "lineproto", cs.Backend)
	assert.Equal(t, "/tmp/work", cs.CWD)
	require.NotNil(t, cs.Options)
	assert.Equal(t, "fast", cs.Options.Model)
	assert.Equal(t, "plan", cs.Options.PermissionMode)
}

func TestParseCommandPermissionResponseValidates(t *testing.T) {
	// Allow verdict carrying deny-only fields is rejected at parse time.
	raw := `{"command":"permission_response","requestId":"r1","allowed":true,"message":"no"}`
	_, err := ParseCommand([]byte(raw))
	require.Error(t, err)
}

func TestPermissionResponseValidate(t *testing.T) {
	tests := []struct {
		name    string
		resp    PermissionResponse
		wantErr bool
	}{
		{
			name: "allow clean",
			resp: PermissionResponse{RequestID: "r1", Allowed: true, UpdatedInput: map[string]interface{}{"command": "ls"}},
		},
		{
			name: "deny clean",
			resp: PermissionResponse{RequestID: "r1", Allowed: false, Message: "nope", Interrupt: true},
		},
		{
			name:    "missing request id",
			resp:    PermissionResponse{Allowed: true},
			wantErr: true,
		},
		{
			name:    "allow with message",
			resp:    PermissionResponse{RequestID: "r1", Allowed: true, Message: "stop"},
			wantErr: true,
		},
		{
			name:    "allow with interrupt",
			resp:    PermissionResponse{RequestID: "r1", Allowed: true, Interrupt: true},
			wantErr: true,
		},
		{
			name:    "deny with updated input",
			resp:    PermissionResponse{RequestID: "r1", Allowed: false, UpdatedInput: map[string]interface{}{}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.resp.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMarshalCommandRoundTrip(t *testing.T) {
	orig := SetModel{SessionID: "s1", Model: "big"}
	data, err := MarshalCommand(orig)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "set_model", fields["command"])

	cmd, err := ParseCommand(data)
	require.NoError(t, err)
	assert.Equal(t, orig, cmd)
}

func TestDenyByDefault(t *testing.T) {
	resp := DenyByDefault("r9", "timed out")
	assert.Equal(t, "r9", resp.RequestID)
	assert.False(t, resp.Allowed)
	assert.Equal(t, "timed out", resp.Message)
	assert.False(t, resp.Interrupt)
	assert.NoError(t, resp.Validate())
}
