// Package session owns the registry of active sessions and the routing
// between canonical commands, backend adapters, and the consumer-facing
// event stream. It is the only mutator of session lifecycle state; all
// traffic goes through the Manager's entry points.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/coderelay/agentmux/agentwire"
	"github.com/coderelay/agentmux/backend"
)

// Sentinel errors.
var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrManagerClosed   = errors.New("session: manager closed")
)

// State is a session's lifecycle phase.
type State string

const (
	StateCreating     State = "creating"
	StateActive       State = "active"
	StateInterrupting State = "interrupting"
	StateKilling      State = "killing"
	StateTerminated   State = "terminated"
)

// Session is one live backend binding. All fields behind mu are mutated
// only by the Manager.
type Session struct {
	ID      string
	Backend backend.Kind
	CWD     string
	Created time.Time

	adapter backend.Adapter
	queue   *msgQueue
	caps    *backend.Capabilities

	mu    sync.Mutex
	state State
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// beginKill claims teardown of the session. It reports false when a
// kill is already underway or finished, so only one caller tears down.
func (s *Session) beginKill() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateKilling || s.state == StateTerminated {
		return false
	}
	s.state = StateKilling
	return true
}

// transition moves from one phase to another only if the session is
// currently in from; it reports whether the move happened.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Info is a read-only snapshot of a session, safe to hand to consumers.
type Info struct {
	ID              string                        `json:"id"`
	Backend         string                        `json:"backend"`
	CWD             string                        `json:"cwd,omitempty"`
	State           State                         `json:"state"`
	NativeSessionID string                        `json:"nativeSessionId,omitempty"`
	Model           string                        `json:"model,omitempty"`
	Created         time.Time                     `json:"created"`
	QueueDepth      int                           `json:"queueDepth"`
	Capabilities    *agentwire.SessionInitPayload `json:"capabilities,omitempty"`
}

// snapshot builds an Info from the live record.
func (s *Session) snapshot() Info {
	info := Info{
		ID:         s.ID,
		Backend:    string(s.Backend),
		CWD:        s.CWD,
		State:      s.State(),
		Created:    s.Created,
		QueueDepth: s.queue.depth(),
	}
	if s.caps != nil {
		info.NativeSessionID = s.caps.NativeSessionID
		info.Model = s.caps.Model
		info.Capabilities = &agentwire.SessionInitPayload{
			NativeSessionID: s.caps.NativeSessionID,
			Model:           s.caps.Model,
			Models:          s.caps.Models,
			Tools:           s.caps.Tools,
			MCPServers:      s.caps.MCPServers,
			Version:         s.caps.Version,
		}
	}
	return info
}
