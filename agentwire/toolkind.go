package agentwire

import "strings"

// ToolKind is the semantic category of a tool invocation, independent of
// the backend-native tool name.
type ToolKind string

const (
	ToolKindExecute ToolKind = "execute"
	ToolKindRead    ToolKind = "read"
	ToolKindEdit    ToolKind = "edit"
	ToolKindDelete  ToolKind = "delete"
	ToolKindMove    ToolKind = "move"
	ToolKindSearch  ToolKind = "search"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindBrowse  ToolKind = "browse"
	ToolKindThink   ToolKind = "think"
	ToolKindAsk     ToolKind = "ask"
	ToolKindMemory  ToolKind = "memory"
	ToolKindMCP     ToolKind = "mcp"
	ToolKindOther   ToolKind = "other"
)

// MCPToolPrefix marks MCP-served tools. Names carrying it map to
// ToolKindMCP before any table lookup.
const MCPToolPrefix = "mcp__"

// KindTable maps backend-native tool names to kinds. Lookups are
// case-sensitive; unrecognized names map to ToolKindOther.
type KindTable map[string]ToolKind

// Lookup resolves a native tool name to its kind.
func (t KindTable) Lookup(name string) ToolKind {
	if strings.HasPrefix(name, MCPToolPrefix) {
		return ToolKindMCP
	}
	if k, ok := t[name]; ok {
		return k
	}
	return ToolKindOther
}
