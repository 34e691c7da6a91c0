// Package backend defines the adapter contract every backend protocol
// implementation satisfies, and the registry sessions are created
// through. An adapter owns one backend subprocess and translates between
// its native protocol and the canonical command/event vocabulary.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/coderelay/agentmux/agentwire"
)

// Kind identifies a backend protocol family.
type Kind string

const (
	// KindLineProto is the custom newline-delimited JSON protocol with
	// control_request/control_response envelopes.
	KindLineProto Kind = "lineproto"
	// KindAppServer is the app-server JSON-RPC protocol (threads, turns,
	// items, accept/decline/cancel approvals).
	KindAppServer Kind = "appserver"
	// KindAgentClient is the agent-client JSON-RPC protocol (sessions,
	// prompt turns, option-list permissions).
	KindAgentClient Kind = "agentclient"
)

// Sentinel errors.
var (
	ErrUnknownBackend    = errors.New("backend: unknown backend kind")
	ErrDuplicateBackend  = errors.New("backend: kind already registered")
	ErrAdapterNotStarted = errors.New("backend: adapter not started")
	ErrAdapterStopped    = errors.New("backend: adapter stopped")
)

// Capabilities is what a backend reported about itself during startup.
// Fields a backend does not report stay zero.
type Capabilities struct {
	NativeSessionID string
	Model           string
	Models          []string
	PermissionModes []string
	Tools           []string
	MCPServers      []string
	Version         string

	// CanSetModel and CanSetPermissionMode report whether the protocol
	// can express the corresponding command mid-session. A session
	// acknowledges unsupported commands as no-ops instead of failing.
	CanSetModel          bool
	CanSetPermissionMode bool
}

// Adapter drives one backend subprocess. Implementations emit canonical
// events on Events in backend arrival order and translate canonical
// commands into native traffic. All methods except Events and Kind may
// touch the subprocess and can fail accordingly.
type Adapter interface {
	// Kind reports the protocol family.
	Kind() Kind

	// Start spawns the subprocess and completes the protocol's startup
	// handshake. It blocks until the backend is ready for a prompt.
	Start(ctx context.Context) (*Capabilities, error)

	// Send translates one canonical command into native traffic.
	// Commands the protocol cannot express return ErrUnsupportedCommand;
	// the session layer acknowledges them as no-ops.
	Send(ctx context.Context, cmd agentwire.Command) error

	// Events returns the canonical event stream. Closed after Stop or
	// when the subprocess exits.
	Events() <-chan agentwire.Event

	// Interrupt aborts the in-flight turn without ending the session.
	Interrupt(ctx context.Context) error

	// Stop tears the subprocess down. Idempotent.
	Stop() error
}

// ErrUnsupportedCommand marks a command the backend protocol has no
// native expression for.
var ErrUnsupportedCommand = errors.New("backend: command not supported by this backend")

// TranslationError reports a command that cannot be rendered into the
// backend's wire shape, typically because a required field is missing or
// references something the backend never announced.
type TranslationError struct {
	Backend Kind
	Command agentwire.CommandType
	Message string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("backend %s: cannot translate %s: %s", e.Backend, e.Command, e.Message)
}
