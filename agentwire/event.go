package agentwire

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind discriminates between event payload kinds.
type EventKind string

const (
	EventSessionInit       EventKind = "session_init"
	EventSessionStatus     EventKind = "session_status"
	EventText              EventKind = "text"
	EventUserInput         EventKind = "user_input"
	EventToolInvocation    EventKind = "tool_invocation"
	EventToolCompletion    EventKind = "tool_completion"
	EventSubagentSpawn     EventKind = "subagent_spawn"
	EventSubagentComplete  EventKind = "subagent_complete"
	EventTurnComplete      EventKind = "turn_complete"
	EventContextCompaction EventKind = "context_compaction"
	EventPermissionRequest EventKind = "permission_request"
	EventStreamDelta       EventKind = "stream_delta"
	EventAck               EventKind = "ack"
	EventError             EventKind = "error"
	// EventUnclassified carries a backend message no adapter could
	// represent; only the raw passthrough is meaningful.
	EventUnclassified EventKind = "unclassified"
)

// Payload is the interface for all event payloads.
type Payload interface {
	Kind() EventKind
}

// Event is the envelope every canonical event travels in. Raw preserves
// the original wire bytes and Ext holds backend-specific values with no
// canonical field, so nothing the backend said is silently dropped.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Backend   string                 `json:"backend"`
	SessionID string                 `json:"session_id,omitempty"`
	Kind      EventKind              `json:"event"`
	Payload   Payload                `json:"payload"`
	Raw       json.RawMessage        `json:"raw,omitempty"`
	Ext       map[string]interface{} `json:"ext,omitempty"`
}

// SessionInitPayload carries backend capability metadata, emitted once
// before any turn content.
type SessionInitPayload struct {
	NativeSessionID string   `json:"nativeSessionId,omitempty"`
	Model           string   `json:"model,omitempty"`
	CWD             string   `json:"cwd,omitempty"`
	PermissionMode  string   `json:"permissionMode,omitempty"`
	Tools           []string `json:"tools,omitempty"`
	Models          []string `json:"models,omitempty"`
	MCPServers      []string `json:"mcpServers,omitempty"`
	Version         string   `json:"version,omitempty"`
}

// Kind returns the event kind.
func (p SessionInitPayload) Kind() EventKind { return EventSessionInit }

// SessionStatusKind enumerates session lifecycle statuses.
type SessionStatusKind string

const (
	StatusCompacting  SessionStatusKind = "compacting"
	StatusResuming    SessionStatusKind = "resuming"
	StatusInterrupted SessionStatusKind = "interrupted"
	StatusEnded       SessionStatusKind = "ended"
	StatusError       SessionStatusKind = "error"
)

// SessionStatusPayload reports a session lifecycle transition.
type SessionStatusPayload struct {
	Status SessionStatusKind `json:"status"`
	Detail string            `json:"detail,omitempty"`
}

// Kind returns the event kind.
func (p SessionStatusPayload) Kind() EventKind { return EventSessionStatus }

// TextKind enumerates text payload flavors.
type TextKind string

const (
	TextKindText     TextKind = "text"
	TextKindThinking TextKind = "thinking"
	TextKindPlan     TextKind = "plan"
	TextKindError    TextKind = "error"
)

// TextPayload is a complete (non-streaming) text chunk.
type TextPayload struct {
	TextKind TextKind `json:"kind"`
	Text     string   `json:"text"`
}

// Kind returns the event kind.
func (p TextPayload) Kind() EventKind { return EventText }

// UserInputPayload echoes user-originated content (e.g. tool results the
// backend attributed to the user role).
type UserInputPayload struct {
	Text string `json:"text"`
}

// Kind returns the event kind.
func (p UserInputPayload) Kind() EventKind { return EventUserInput }

// ToolInvocationPayload reports a tool starting.
type ToolInvocationPayload struct {
	ToolUseID       string                 `json:"toolUseId"`
	Name            string                 `json:"name"`
	ToolKind        ToolKind               `json:"toolKind"`
	Input           map[string]interface{} `json:"input,omitempty"`
	ParentToolUseID string                 `json:"parentToolUseId,omitempty"`
}

// Kind returns the event kind.
func (p ToolInvocationPayload) Kind() EventKind { return EventToolInvocation }

// ToolStatus enumerates tool completion statuses.
type ToolStatus string

const (
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusFailed    ToolStatus = "failed"
	ToolStatusCancelled ToolStatus = "cancelled"
)

// ToolCompletionPayload reports a tool finishing. It always follows the
// matching ToolInvocationPayload in publish order.
type ToolCompletionPayload struct {
	ToolUseID string      `json:"toolUseId"`
	Name      string      `json:"name,omitempty"`
	Status    ToolStatus  `json:"status"`
	Result    interface{} `json:"result,omitempty"`
}

// Kind returns the event kind.
func (p ToolCompletionPayload) Kind() EventKind { return EventToolCompletion }

// SubagentSpawnPayload reports a subagent starting.
type SubagentSpawnPayload struct {
	AgentID     string `json:"agentId"`
	Description string `json:"description,omitempty"`
}

// Kind returns the event kind.
func (p SubagentSpawnPayload) Kind() EventKind { return EventSubagentSpawn }

// SubagentCompletePayload reports a subagent finishing.
type SubagentCompletePayload struct {
	AgentID string `json:"agentId"`
}

// Kind returns the event kind.
func (p SubagentCompletePayload) Kind() EventKind { return EventSubagentComplete }

// TurnUsage tracks token usage for one turn.
type TurnUsage struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int64 `json:"cacheCreationTokens,omitempty"`
	TotalTokens         int64 `json:"totalTokens,omitempty"`
}

// PermissionDenial records one denied tool use during a turn.
type PermissionDenial struct {
	ToolName  string `json:"toolName"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TurnCompletePayload terminates one prompt/response cycle.
type TurnCompletePayload struct {
	Success           bool               `json:"success"`
	Result            string             `json:"result,omitempty"`
	Usage             TurnUsage          `json:"usage"`
	CostUSD           float64            `json:"costUsd,omitempty"`
	DurationMs        int64              `json:"durationMs,omitempty"`
	PermissionDenials []PermissionDenial `json:"permissionDenials,omitempty"`
}

// Kind returns the event kind.
func (p TurnCompletePayload) Kind() EventKind { return EventTurnComplete }

// CompactionTrigger enumerates why a context compaction happened.
type CompactionTrigger string

const (
	CompactionAuto    CompactionTrigger = "auto"
	CompactionManual  CompactionTrigger = "manual"
	CompactionCleared CompactionTrigger = "cleared"
)

// ContextCompactionPayload reports the backend compacting its context.
type ContextCompactionPayload struct {
	Trigger CompactionTrigger `json:"trigger"`
}

// Kind returns the event kind.
func (p ContextCompactionPayload) Kind() EventKind { return EventContextCompaction }

// PermissionRequestPayload surfaces a backend approval ask to the
// consumer; the answer comes back as a permission_response command
// carrying the same RequestID.
type PermissionRequestPayload struct {
	PermissionRequest
}

// Kind returns the event kind.
func (p PermissionRequestPayload) Kind() EventKind { return EventPermissionRequest }

// DeltaKind enumerates streaming delta flavors.
type DeltaKind string

const (
	DeltaText         DeltaKind = "text"
	DeltaThinking     DeltaKind = "thinking"
	DeltaToolInput    DeltaKind = "toolInput"
	DeltaMessageStart DeltaKind = "messageStart"
	DeltaMessageStop  DeltaKind = "messageStop"
	DeltaBlockStart   DeltaKind = "blockStart"
	DeltaBlockStop    DeltaKind = "blockStop"
)

// StreamDeltaPayload is an incremental streaming update.
type StreamDeltaPayload struct {
	DeltaKind DeltaKind `json:"kind"`
	Text      string    `json:"text,omitempty"`
	ToolUseID string    `json:"toolUseId,omitempty"`
	Index     int       `json:"index,omitempty"`
}

// Kind returns the event kind.
func (p StreamDeltaPayload) Kind() EventKind { return EventStreamDelta }

// AckPayload acknowledges a command that produced no backend traffic.
// Noop marks commands the session's backend cannot express (e.g. a
// permission-mode change on a backend that manages permissions
// server-side), surfaced instead of silently swallowed.
type AckPayload struct {
	Command CommandType `json:"command"`
	Noop    bool        `json:"noop,omitempty"`
}

// Kind returns the event kind.
func (p AckPayload) Kind() EventKind { return EventAck }

// ErrorPayload is a structured, recoverable error report.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Kind returns the event kind.
func (p ErrorPayload) Kind() EventKind { return EventError }

// UnclassifiedPayload marks a raw-only diagnostic event.
type UnclassifiedPayload struct{}

// Kind returns the event kind.
func (p UnclassifiedPayload) Kind() EventKind { return EventUnclassified }

// eventAlias avoids recursion in Event.UnmarshalJSON.
type eventAlias struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Backend   string                 `json:"backend"`
	SessionID string                 `json:"session_id,omitempty"`
	Kind      EventKind              `json:"event"`
	Payload   json.RawMessage        `json:"payload"`
	Raw       json.RawMessage        `json:"raw,omitempty"`
	Ext       map[string]interface{} `json:"ext,omitempty"`
}

// UnmarshalJSON decodes the payload into its concrete type based on the
// envelope's event discriminator.
func (e *Event) UnmarshalJSON(data []byte) error {
	var alias eventAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	e.ID = alias.ID
	e.Timestamp = alias.Timestamp
	e.Backend = alias.Backend
	e.SessionID = alias.SessionID
	e.Kind = alias.Kind
	e.Raw = alias.Raw
	e.Ext = alias.Ext

	payload, err := unmarshalPayload(alias.Kind, alias.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

func decodePayload[T Payload](kind EventKind, data json.RawMessage) (Payload, error) {
	var p T
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

func unmarshalPayload(kind EventKind, data json.RawMessage) (Payload, error) {
	switch kind {
	case EventSessionInit:
		return decodePayload[SessionInitPayload](kind, data)
	case EventSessionStatus:
		return decodePayload[SessionStatusPayload](kind, data)
	case EventText:
		return decodePayload[TextPayload](kind, data)
	case EventUserInput:
		return decodePayload[UserInputPayload](kind, data)
	case EventToolInvocation:
		return decodePayload[ToolInvocationPayload](kind, data)
	case EventToolCompletion:
		return decodePayload[ToolCompletionPayload](kind, data)
	case EventSubagentSpawn:
		return decodePayload[SubagentSpawnPayload](kind, data)
	case EventSubagentComplete:
		return decodePayload[SubagentCompletePayload](kind, data)
	case EventTurnComplete:
		return decodePayload[TurnCompletePayload](kind, data)
	case EventContextCompaction:
		return decodePayload[ContextCompactionPayload](kind, data)
	case EventPermissionRequest:
		return decodePayload[PermissionRequestPayload](kind, data)
	case EventStreamDelta:
		return decodePayload[StreamDeltaPayload](kind, data)
	case EventAck:
		return decodePayload[AckPayload](kind, data)
	case EventError:
		return decodePayload[ErrorPayload](kind, data)
	case EventUnclassified:
		return UnclassifiedPayload{}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
