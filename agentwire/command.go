package agentwire

import (
	"encoding/json"
	"fmt"
)

// CommandType discriminates between command kinds.
type CommandType string

const (
	CommandSendMessage        CommandType = "send_message"
	CommandPermissionResponse CommandType = "permission_response"
	CommandInterrupt          CommandType = "interrupt"
	CommandKill               CommandType = "kill"
	CommandSetModel           CommandType = "set_model"
	CommandSetPermissionMode  CommandType = "set_permission_mode"
	CommandCreateSession      CommandType = "create_session"
)

// Command is the interface for all client-to-core commands.
type Command interface {
	CmdType() CommandType
}

// SendMessage enqueues one user turn on a session.
type SendMessage struct {
	SessionID string         `json:"sessionId"`
	Text      string         `json:"text"`
	Content   []ContentBlock `json:"content,omitempty"`
}

// CmdType returns the command type.
func (c SendMessage) CmdType() CommandType { return CommandSendMessage }

// PermissionResponse answers an outstanding permission request.
//
// Allow-only fields: UpdatedInput, UpdatedPermissions.
// Deny-only fields: Message, Interrupt.
// Validate rejects payloads that mix the two.
type PermissionResponse struct {
	RequestID          string                 `json:"requestId"`
	Allowed            bool                   `json:"allowed"`
	Message            string                 `json:"message,omitempty"`
	UpdatedInput       map[string]interface{} `json:"updatedInput,omitempty"`
	UpdatedPermissions []PermissionUpdate     `json:"updatedPermissions,omitempty"`
	Interrupt          bool                   `json:"interrupt,omitempty"`
}

// CmdType returns the command type.
func (c PermissionResponse) CmdType() CommandType { return CommandPermissionResponse }

// Validate checks verdict/field consistency.
func (c PermissionResponse) Validate() error {
	if c.RequestID == "" {
		return fmt.Errorf("permission_response: missing requestId")
	}
	if c.Allowed && (c.Message != "" || c.Interrupt) {
		return fmt.Errorf("permission_response: allow verdict cannot carry message or interrupt")
	}
	if !c.Allowed && (c.UpdatedInput != nil || len(c.UpdatedPermissions) > 0) {
		return fmt.Errorf("permission_response: deny verdict cannot carry updated input or permissions")
	}
	return nil
}

// Interrupt signals the session's backend to abort the current turn.
type Interrupt struct {
	SessionID string `json:"sessionId"`
}

// CmdType returns the command type.
func (c Interrupt) CmdType() CommandType { return CommandInterrupt }

// Kill terminates a session and its backend process.
type Kill struct {
	SessionID string `json:"sessionId"`
}

// CmdType returns the command type.
func (c Kill) CmdType() CommandType { return CommandKill }

// SetModel switches the session's model mid-conversation.
type SetModel struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

// CmdType returns the command type.
func (c SetModel) CmdType() CommandType { return CommandSetModel }

// SetPermissionMode changes the session's permission mode.
type SetPermissionMode struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
}

// CmdType returns the command type.
func (c SetPermissionMode) CmdType() CommandType { return CommandSetPermissionMode }

// SessionOptions carries optional create_session configuration.
type SessionOptions struct {
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	SystemPrompt   string `json:"systemPrompt,omitempty"`
	// Resume is a backend-native session ID to continue instead of
	// starting fresh.
	Resume string `json:"resume,omitempty"`
}

// CreateSession starts a new session bound to one backend kind.
type CreateSession struct {
	Backend string          `json:"backend"`
	CWD     string          `json:"cwd"`
	Prompt  string          `json:"prompt"`
	Options *SessionOptions `json:"options,omitempty"`
	Content []ContentBlock  `json:"content,omitempty"`
}

// CmdType returns the command type.
func (c CreateSession) CmdType() CommandType { return CommandCreateSession }

// ContentBlock is typed content in prompts and user messages.
type ContentBlock struct {
	Type     string `json:"type"` // "text", "image"
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64-encoded
}

// NewTextContent creates a text content block.
func NewTextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// commandEnvelope is the flat wire form: the discriminator rides alongside
// the command's own fields. "command" is canonical; "type" is accepted for
// clients that reuse their event vocabulary.
type commandEnvelope struct {
	Command CommandType `json:"command,omitempty"`
	Type    CommandType `json:"type,omitempty"`
}

// ParseCommand parses one wire line into a typed Command. An unknown or
// missing discriminator is a hard error, never a silent skip.
func ParseCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	ct := env.Command
	if ct == "" {
		ct = env.Type
	}

	var (
		cmd Command
		err error
	)
	switch ct {
	case CommandSendMessage:
		var c SendMessage
		err = json.Unmarshal(data, &c)
		cmd = c
	case CommandPermissionResponse:
		var c PermissionResponse
		if err = json.Unmarshal(data, &c); err == nil {
			err = c.Validate()
		}
		cmd = c
	case CommandInterrupt:
		var c Interrupt
		err = json.Unmarshal(data, &c)
		cmd = c
	case CommandKill:
		var c Kill
		err = json.Unmarshal(data, &c)
		cmd = c
	case CommandSetModel:
		var c SetModel
		err = json.Unmarshal(data, &c)
		cmd = c
	case CommandSetPermissionMode:
		var c SetPermissionMode
		err = json.Unmarshal(data, &c)
		cmd = c
	case CommandCreateSession:
		var c CreateSession
		err = json.Unmarshal(data, &c)
		cmd = c
	case "":
		return nil, fmt.Errorf("parse command: missing discriminator")
	default:
		return nil, fmt.Errorf("parse command: unknown command %q", ct)
	}
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", ct, err)
	}
	return cmd, nil
}

// MarshalCommand serializes a Command into its flat wire form.
func MarshalCommand(cmd Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command %q: %w", cmd.CmdType(), err)
	}
	// Splice the discriminator into the object.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal command %q: %w", cmd.CmdType(), err)
	}
	fields["command"] = json.RawMessage(`"` + string(cmd.CmdType()) + `"`)
	return json.Marshal(fields)
}
