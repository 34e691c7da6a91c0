package appserver

import "encoding/json"

// Methods the client calls on the backend. initialize must precede
// everything else.
const (
	MethodInitialize    = "initialize"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"

	// NotifyInitialized is fire-and-forget after the initialize
	// response arrives.
	NotifyInitialized = "initialized"
)

// Notifications the backend pushes. All carry threadId.
const (
	NotifyThreadStarted     = "thread/started"
	NotifyTurnStarted       = "turn/started"
	NotifyTurnCompleted     = "turn/completed"
	NotifyItemStarted       = "item/started"
	NotifyItemCompleted     = "item/completed"
	NotifyAgentMessageDelta = "item/agentMessage/delta"
	NotifyReasoningDelta    = "item/reasoning/summaryTextDelta"
	NotifyCommandBegin      = "item/commandExecution/begin"
	NotifyCommandEnd        = "item/commandExecution/end"
	NotifyTokenUsage        = "thread/tokenUsage"
	NotifyThreadError       = "thread/error"
)

// Server requests that require a decision response.
const (
	RequestCommandApproval = "item/commandExecution/requestApproval"
	RequestPatchApproval   = "item/fileChange/requestApproval"
)

// The three-way approval vocabulary.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
	DecisionCancel  = "cancel"
)

// Turn terminal statuses.
const (
	TurnStatusCompleted   = "completed"
	TurnStatusInterrupted = "interrupted"
	TurnStatusFailed      = "failed"
)

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ClientInfo      clientInfo `json:"clientInfo"`
	ProtocolVersion string     `json:"protocolVersion,omitempty"`
}

type initializeResult struct {
	UserAgent string   `json:"userAgent"`
	Models    []string `json:"models,omitempty"`
}

type threadStartParams struct {
	CWD            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
}

type threadStartResult struct {
	ThreadID string `json:"threadId"`
	Model    string `json:"model,omitempty"`
}

type threadResumeParams struct {
	ThreadID string `json:"threadId"`
}

type inputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Data carries base64 content for image items.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type turnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []inputItem `json:"input"`
	Model    string      `json:"model,omitempty"`
}

type turnInterruptParams struct {
	ThreadID string `json:"threadId"`
}

type threadStartedNotification struct {
	ThreadID      string `json:"threadId"`
	Model         string `json:"model,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	CWD           string `json:"cwd,omitempty"`
}

type turnError struct {
	Message string `json:"message"`
}

type turnInfo struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Error  *turnError `json:"error,omitempty"`
}

type turnNotification struct {
	ThreadID string   `json:"threadId"`
	Turn     turnInfo `json:"turn"`
}

type itemBody struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type itemNotification struct {
	ThreadID string   `json:"threadId"`
	Item     itemBody `json:"item"`
}

type agentMessageDeltaNotification struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	Delta    string `json:"delta"`
}

type reasoningDeltaNotification struct {
	ThreadID string `json:"threadId"`
	ItemID   string `json:"itemId,omitempty"`
	Delta    string `json:"delta"`
}

type commandBeginNotification struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
	ItemID   string `json:"itemId"`
	Command  string `json:"command"`
	CWD      string `json:"cwd,omitempty"`
}

type commandEndNotification struct {
	ThreadID   string `json:"threadId"`
	TurnID     string `json:"turnId,omitempty"`
	ItemID     string `json:"itemId"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type tokenUsage struct {
	InputTokens           int64 `json:"inputTokens"`
	CachedInputTokens     int64 `json:"cachedInputTokens"`
	OutputTokens          int64 `json:"outputTokens"`
	ReasoningOutputTokens int64 `json:"reasoningOutputTokens"`
	TotalTokens           int64 `json:"totalTokens"`
}

type tokenUsageNotification struct {
	ThreadID string     `json:"threadId"`
	Usage    tokenUsage `json:"usage"`
}

type threadErrorNotification struct {
	ThreadID string    `json:"threadId"`
	Error    turnError `json:"error"`
}

// availableAction is one structured choice the backend offers alongside
// an approval request. It is passed through verbatim as an event
// extension.
type availableAction struct {
	Decision string `json:"decision"`
	Label    string `json:"label,omitempty"`
}

type commandApprovalRequest struct {
	ThreadID         string            `json:"threadId"`
	TurnID           string            `json:"turnId,omitempty"`
	ItemID           string            `json:"itemId"`
	Reason           string            `json:"reason,omitempty"`
	Command          string            `json:"command"`
	CWD              string            `json:"cwd,omitempty"`
	AvailableActions []availableAction `json:"availableActions,omitempty"`
}

type patchApprovalRequest struct {
	ThreadID         string            `json:"threadId"`
	TurnID           string            `json:"turnId,omitempty"`
	ItemID           string            `json:"itemId"`
	Reason           string            `json:"reason,omitempty"`
	Changes          json.RawMessage   `json:"changes,omitempty"`
	AvailableActions []availableAction `json:"availableActions,omitempty"`
}

type approvalResponse struct {
	Decision string `json:"decision"`
}
