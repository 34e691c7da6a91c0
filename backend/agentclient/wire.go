package agentclient

import "encoding/json"

// Wire protocol version this adapter speaks.
const protocolVersion = 1

// Methods the client calls on the agent.
const (
	MethodInitialize      = "initialize"
	MethodSessionNew      = "session/new"
	MethodSessionLoad     = "session/load"
	MethodSessionPrompt   = "session/prompt"
	MethodSetConfigOption = "session/set_config_option"

	// MethodSessionCancel is a notification; the agent acknowledges by
	// finishing the turn with stopReason "cancelled".
	MethodSessionCancel = "session/cancel"
)

// Agent-initiated traffic.
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
)

// session/update discriminator values.
const (
	UpdateAgentMessage      = "agent_message_chunk"
	UpdateAgentThought      = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan_update"
	UpdateAvailableCommands = "available_commands_update"
	UpdateCurrentMode       = "current_mode_update"
)

// Config option IDs used by session/set_config_option.
const (
	ConfigOptionModel = "model"
	ConfigOptionMode  = "mode"
)

// Prompt stop reasons.
const (
	StopReasonEndTurn   = "endTurn"
	StopReasonCancelled = "cancelled"
	StopReasonError     = "error"
)

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type clientCapabilities struct {
	Fs       *fsCapability `json:"fs,omitempty"`
	Terminal bool          `json:"terminal,omitempty"`
}

type fsCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type initializeRequest struct {
	ClientCapabilities *clientCapabilities `json:"clientCapabilities,omitempty"`
	ClientInfo         *implementation     `json:"clientInfo,omitempty"`
	ProtocolVersion    int                 `json:"protocolVersion"`
}

type agentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

type initializeResponse struct {
	AgentCapabilities *agentCapabilities `json:"agentCapabilities,omitempty"`
	AgentInfo         *implementation    `json:"agentInfo,omitempty"`
	ProtocolVersion   int                `json:"protocolVersion"`
}

type mcpServerConfig struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Command string   `json:"command,omitempty"`
	URL     string   `json:"url,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type newSessionRequest struct {
	CWD        string            `json:"cwd"`
	McpServers []mcpServerConfig `json:"mcpServers"`
}

type sessionModeState struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	IsCurrent   bool   `json:"isCurrent,omitempty"`
}

type sessionConfigOption struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Value       string `json:"value,omitempty"`
}

type newSessionResponse struct {
	SessionID     string                `json:"sessionId"`
	Modes         []sessionModeState    `json:"modes,omitempty"`
	ConfigOptions []sessionConfigOption `json:"configOptions,omitempty"`
}

type loadSessionRequest struct {
	SessionID  string            `json:"sessionId"`
	CWD        string            `json:"cwd"`
	McpServers []mcpServerConfig `json:"mcpServers"`
}

// contentBlock is typed content, discriminated by Type.
type contentBlock struct {
	Type     string `json:"type"` // "text", "image", "audio", "resource_link"
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

type promptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

type promptResponse struct {
	StopReason string `json:"stopReason"`
}

type cancelNotification struct {
	SessionID string `json:"sessionId"`
}

type setConfigOptionParams struct {
	SessionID string `json:"sessionId"`
	OptionID  string `json:"optionId"`
	Value     string `json:"value"`
}

type sessionUpdate struct {
	Type string `json:"sessionUpdate"`

	// agent_message_chunk / agent_thought_chunk
	Content *contentBlock `json:"content,omitempty"`

	// tool_call / tool_call_update
	ToolCallID string                 `json:"toolCallId,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Kind       string                 `json:"kind,omitempty"` // "execute", "edit", "read", ...
	Status     string                 `json:"status,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Result     []contentBlock         `json:"result,omitempty"`

	// plan_update
	Plan *plan `json:"plan,omitempty"`

	// current_mode_update
	CurrentModeID string `json:"currentModeId,omitempty"`

	Meta json.RawMessage `json:"_meta,omitempty"`
}

type sessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    sessionUpdate `json:"update"`
}

type plan struct {
	Entries []planEntry `json:"entries"`
}

type planEntry struct {
	Title    string `json:"title"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type toolCallInfo struct {
	ToolCallID string                 `json:"toolCallId"`
	ToolName   string                 `json:"toolName,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Kind       string                 `json:"kind,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
}

type permissionOption struct {
	ID   string `json:"optionId"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"` // "allow_once", "allow_always", "reject_once", "reject_always"
}

type requestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  toolCallInfo       `json:"toolCall"`
	Options   []permissionOption `json:"options"`
}

type permissionOutcome struct {
	Type     string `json:"type"` // "selected", "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

type requestPermissionResponse struct {
	Outcome permissionOutcome `json:"outcome"`
}
