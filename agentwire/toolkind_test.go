package agentwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindTableLookup(t *testing.T) {
	table := KindTable{
		"Bash":  ToolKindExecute,
		"Read":  ToolKindRead,
		"Edit":  ToolKindEdit,
		"Grep":  ToolKindSearch,
		"Fetch": ToolKindFetch,
	}

	assert.Equal(t, ToolKindExecute, table.Lookup("Bash"))
	assert.Equal(t, ToolKindRead, table.Lookup("Read"))
	assert.Equal(t, ToolKindSearch, table.Lookup("Grep"))

	// Unknown names map to other, never an error.
	assert.Equal(t, ToolKindOther, table.Lookup("UnknownTool"))
	// Lookups are case-sensitive.
	assert.Equal(t, ToolKindOther, table.Lookup("bash"))
}

func TestKindTableMCPPrefix(t *testing.T) {
	table := KindTable{"Bash": ToolKindExecute}

	// The mcp__ prefix wins over any table entry.
	assert.Equal(t, ToolKindMCP, table.Lookup("mcp__foo"))
	assert.Equal(t, ToolKindMCP, table.Lookup("mcp__server__tool"))

	// An empty table still classifies MCP tools.
	assert.Equal(t, ToolKindMCP, KindTable{}.Lookup("mcp__bar"))
}

func TestCallbackResponseToPermissionResponse(t *testing.T) {
	allow := CallbackResponsePayload{
		Behavior:     "allow",
		UpdatedInput: map[string]interface{}{"command": "ls -la"},
		// Deny-only fields present on an allow are dropped.
		Message: "ignored",
	}
	resp := allow.ToPermissionResponse("r1")
	assert.True(t, resp.Allowed)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "ls -la", resp.UpdatedInput["command"])
	assert.Empty(t, resp.Message)

	deny := CallbackResponsePayload{Behavior: "deny", Message: "not allowed", Interrupt: true}
	resp = deny.ToPermissionResponse("r2")
	assert.False(t, resp.Allowed)
	assert.Equal(t, "not allowed", resp.Message)
	assert.True(t, resp.Interrupt)
	assert.Nil(t, resp.UpdatedInput)
}
