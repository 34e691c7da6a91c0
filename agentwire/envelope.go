package agentwire

import (
	"encoding/json"
	"fmt"
)

// Envelope types for the cross-process hop (core → client).
const (
	EnvelopeSessionCreated   = "session.created"
	EnvelopeSDKMessage       = "sdk.message"
	EnvelopeCallbackRequest  = "callback.request"
	EnvelopeCallbackResponse = "callback.response"
	EnvelopeQueryResult      = "query.result"
	EnvelopeError            = "error"
)

// Stable error codes carried by error envelopes and ErrorPayload events.
const (
	CodeParseError        = "PARSE_ERROR"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSpawnFailed       = "SPAWN_FAILED"
	CodeTransportTimeout  = "TRANSPORT_TIMEOUT"
	CodeProcessExited     = "PROCESS_EXITED"
	CodeTranslationError  = "TRANSLATION_ERROR"
	CodePermissionTimeout = "PERMISSION_TIMEOUT"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Envelope is the outer frame for every message crossing the gateway hop.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps payload under the given type.
func NewEnvelope(typ, id, sessionID string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Envelope{Type: typ, ID: id, SessionID: sessionID, Payload: data}, nil
}

// SessionCreatedPayload announces a newly created session.
type SessionCreatedPayload struct {
	Backend         string `json:"backend"`
	CWD             string `json:"cwd,omitempty"`
	NativeSessionID string `json:"native_session_id,omitempty"`
}

// CallbackRequestPayload carries a backend-initiated callback across the
// hop; the client answers with a callback.response holding the same
// envelope ID.
type CallbackRequestPayload struct {
	CallbackType string                 `json:"callback_type"` // "can_use_tool", "hook"
	ToolName     string                 `json:"tool_name"`
	ToolInput    map[string]interface{} `json:"tool_input,omitempty"`
	ToolUseID    string                 `json:"tool_use_id,omitempty"`
	Suggestions  []PermissionUpdate     `json:"suggestions,omitempty"`
	BlockedPath  *string                `json:"blocked_path,omitempty"`
	Options      []PermissionOption     `json:"options,omitempty"`
}

// CallbackResponsePayload is the client's answer to a callback.request.
type CallbackResponsePayload struct {
	Behavior           string                 `json:"behavior"` // "allow" | "deny"
	ToolUseID          string                 `json:"toolUseID,omitempty"`
	UpdatedInput       map[string]interface{} `json:"updatedInput,omitempty"`
	UpdatedPermissions []PermissionUpdate     `json:"updatedPermissions,omitempty"`
	Message            string                 `json:"message,omitempty"`
	Interrupt          bool                   `json:"interrupt,omitempty"`
}

// QueryResultPayload acknowledges a client command that has a direct
// success/failure outcome (create_session, kill, ...).
type QueryResultPayload struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ErrorEnvelopePayload is the payload of an error envelope.
type ErrorEnvelopePayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ToPermissionResponse converts a callback response payload into the
// canonical command form.
func (p CallbackResponsePayload) ToPermissionResponse(requestID string) PermissionResponse {
	resp := PermissionResponse{
		RequestID: requestID,
		Allowed:   p.Behavior == "allow",
	}
	if resp.Allowed {
		resp.UpdatedInput = p.UpdatedInput
		resp.UpdatedPermissions = p.UpdatedPermissions
	} else {
		resp.Message = p.Message
		resp.Interrupt = p.Interrupt
	}
	return resp
}
