package agentwire

// PermissionRequest is the canonical shape of a backend-initiated approval
// ask, before any backend-specific vocabulary leaks through. Fields a
// backend cannot supply stay absent rather than guessed.
type PermissionRequest struct {
	RequestID   string                 `json:"requestId"`
	ToolUseID   string                 `json:"toolUseId,omitempty"`
	ToolName    string                 `json:"toolName"`
	ToolKind    ToolKind               `json:"toolKind"`
	ToolInput   map[string]interface{} `json:"toolInput,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	BlockedPath *string                `json:"blockedPath,omitempty"`
	Suggestions []PermissionUpdate     `json:"suggestions,omitempty"`
	// Options is populated only by option-based backends; it preserves
	// the exact choices the backend offered.
	Options []PermissionOption `json:"options,omitempty"`
}

// PermissionUpdate is a backend-offered auto-approval rule a user may
// accept alongside an allow decision.
type PermissionUpdate struct {
	Type        string           `json:"type"`
	Behavior    string           `json:"behavior,omitempty"`
	Mode        string           `json:"mode,omitempty"`
	Destination string           `json:"destination,omitempty"`
	Rules       []PermissionRule `json:"rules,omitempty"`
	Directories []string         `json:"directories,omitempty"`
}

// PermissionRule is a single rule inside a PermissionUpdate.
type PermissionRule struct {
	ToolName    string `json:"tool_name"`
	RuleContent string `json:"rule_content,omitempty"`
}

// PermissionOption is one choice offered by an option-based backend.
type PermissionOption struct {
	ID   string `json:"optionId"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"` // "allow_once", "allow_always", "reject_once", "reject_always"
}

// DenyByDefault is the response synthesized when a permission request
// expires or its session dies before an answer arrives.
func DenyByDefault(requestID, message string) PermissionResponse {
	return PermissionResponse{
		RequestID: requestID,
		Allowed:   false,
		Message:   message,
		Interrupt: false,
	}
}
