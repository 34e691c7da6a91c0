// Package lineproto implements the backend adapter for the custom
// newline-delimited JSON protocol: conversation messages flow as typed
// lines (system, assistant, user, result, stream_event) and everything
// requiring correlation rides a control_request/control_response
// envelope keyed by request_id.
package lineproto

import (
	"encoding/json"
	"log/slog"

	"github.com/coderelay/agentmux/agentwire"
)

// MessageType discriminates top-level wire lines.
type MessageType string

const (
	MessageTypeSystem          MessageType = "system"
	MessageTypeAssistant       MessageType = "assistant"
	MessageTypeUser            MessageType = "user"
	MessageTypeResult          MessageType = "result"
	MessageTypeStreamEvent     MessageType = "stream_event"
	MessageTypeControlRequest  MessageType = "control_request"
	MessageTypeControlResponse MessageType = "control_response"
)

// Control request subtypes, both directions.
const (
	SubtypeInitialize        = "initialize"
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeHookCallback      = "hook_callback"
	SubtypeMCPMessage        = "mcp_message"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetModel          = "set_model"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// mcpServerInfo is one MCP server entry in the init message.
type mcpServerInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// systemMessage carries session initialization and lifecycle notices.
type systemMessage struct {
	Type           MessageType     `json:"type"`
	Subtype        string          `json:"subtype"`
	SessionID      string          `json:"session_id"`
	Model          string          `json:"model,omitempty"`
	CWD            string          `json:"cwd,omitempty"`
	PermissionMode string          `json:"permissionMode,omitempty"`
	Version        string          `json:"claude_code_version,omitempty"`
	Tools          []string        `json:"tools,omitempty"`
	MCPServers     []mcpServerInfo `json:"mcp_servers,omitempty"`
	CompactReason  string          `json:"compact_reason,omitempty"`
}

// usage tracks token counts on assistant and result messages.
type usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// flexibleContent is either a plain string or an array of content blocks.
type flexibleContent struct {
	raw json.RawMessage
}

func (fc *flexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = data
	return nil
}

func (fc flexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

func (fc flexibleContent) asString() (string, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(fc.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (fc flexibleContent) asBlocks() (contentBlocks, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '[' {
		return nil, false
	}
	var blocks contentBlocks
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// contentBlock is the closed set of inner message blocks.
type contentBlock interface {
	blockType() string
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (b textBlock) blockType() string { return b.Type }

type thinkingBlock struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

func (b thinkingBlock) blockType() string { return b.Type }

type toolUseBlock struct {
	Type  string                 `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

func (b toolUseBlock) blockType() string { return b.Type }

type toolResultBlock struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   *bool           `json:"is_error,omitempty"`
}

func (b toolResultBlock) blockType() string { return b.Type }

// contentBlocks decodes an array of blocks, skipping unknown block types.
type contentBlocks []contentBlock

func (cb *contentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	for _, raw := range raws {
		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			return err
		}
		switch base.Type {
		case "text":
			var b textBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			*cb = append(*cb, b)
		case "thinking":
			var b thinkingBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			*cb = append(*cb, b)
		case "tool_use":
			var b toolUseBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			*cb = append(*cb, b)
		case "tool_result":
			var b toolResultBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			*cb = append(*cb, b)
		default:
			slog.Warn("skipping unknown content block type", "type", base.Type)
		}
	}
	return nil
}

// messageBody is the inner message of assistant/user lines.
type messageBody struct {
	Role    string          `json:"role"`
	Content flexibleContent `json:"content"`
	Usage   usage           `json:"usage,omitempty"`
}

// assistantMessage is one complete agent message.
type assistantMessage struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	Message         messageBody `json:"message"`
}

// userMessage carries tool results the backend echoes back.
type userMessage struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	Message         messageBody `json:"message"`
}

// permissionDenial is one denied tool use reported on the result line.
type permissionDenial struct {
	ToolName  string `json:"tool_name"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// resultMessage terminates a turn.
type resultMessage struct {
	Type              MessageType        `json:"type"`
	Subtype           string             `json:"subtype"`
	SessionID         string             `json:"session_id"`
	Result            string             `json:"result"`
	IsError           bool               `json:"is_error"`
	DurationMs        int64              `json:"duration_ms"`
	TotalCostUSD      float64            `json:"total_cost_usd"`
	Usage             usage              `json:"usage"`
	PermissionDenials []permissionDenial `json:"permission_denials,omitempty"`
}

// streamEvent wraps incremental streaming updates.
type streamEvent struct {
	Type            MessageType     `json:"type"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Event           json.RawMessage `json:"event"`
}

// streamInner is the event body inside a stream_event line.
type streamInner struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
}

// streamDelta is the delta body of a content_block_delta event.
type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// canUseToolRequest is the permission ask inside a control_request.
type canUseToolRequest struct {
	Subtype               string                 `json:"subtype"`
	ToolName              string                 `json:"tool_name"`
	Input                 map[string]interface{} `json:"input"`
	ToolUseID             string                 `json:"tool_use_id,omitempty"`
	BlockedPath           *string                `json:"blocked_path,omitempty"`
	PermissionSuggestions json.RawMessage        `json:"permission_suggestions,omitempty"`
}

// mcpMessageRequest tunnels a JSON-RPC message for an in-process MCP
// server through the control channel.
type mcpMessageRequest struct {
	Subtype    string          `json:"subtype"`
	ServerName string          `json:"server_name"`
	Message    json.RawMessage `json:"message"`
}

// permissionAllow is the allow verdict body. The wire requires
// updatedInput be an object, never null; callers substitute the original
// input when nothing changed.
type permissionAllow struct {
	Behavior           string                       `json:"behavior"`
	UpdatedInput       map[string]interface{}       `json:"updatedInput"`
	UpdatedPermissions []agentwire.PermissionUpdate `json:"updatedPermissions,omitempty"`
}

// mcpResponsePayload wraps a tunneled JSON-RPC response inside a
// control_response.
type mcpResponsePayload struct {
	MCPResponse interface{} `json:"mcp_response"`
}

// permissionDeny is the deny verdict body. The wire requires a non-empty
// message even when the user supplied none.
type permissionDeny struct {
	Behavior  string `json:"behavior"`
	Message   string `json:"message"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// initializeRequest is the startup handshake body.
type initializeRequest struct {
	Subtype string           `json:"subtype"`
	Hooks   *json.RawMessage `json:"hooks,omitempty"`
}

// interruptRequest aborts the in-flight turn.
type interruptRequest struct {
	Subtype string `json:"subtype"`
}

// setModelRequest switches the model mid-session.
type setModelRequest struct {
	Subtype string `json:"subtype"`
	Model   string `json:"model"`
}

// setPermissionModeRequest changes the permission mode mid-session.
type setPermissionModeRequest struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode"`
}

// userMessageToSend is an outbound user turn.
type userMessageToSend struct {
	Type    string                `json:"type"`
	Message userMessageToSendBody `json:"message"`
}

type userMessageToSendBody struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// newUserMessage builds an outbound user turn. Content is either a
// plain string or a slice of content blocks, as produced by
// buildContent.
func newUserMessage(content interface{}) userMessageToSend {
	return userMessageToSend{
		Type: "user",
		Message: userMessageToSendBody{
			Role:    "user",
			Content: content,
		},
	}
}
