package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/agentmux/agentwire"
	"github.com/coderelay/agentmux/backend"
	"github.com/coderelay/agentmux/callback"
	"github.com/coderelay/agentmux/transport"
)

// pendingPerm is what the manager remembers about an unanswered
// permission request, enough to synthesize the cancelled tool completion
// when nobody answers in time.
type pendingPerm struct {
	sessionID string
	toolUseID string
	toolName  string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithEventBuffer sets the outbound event channel depth.
func WithEventBuffer(n int) Option {
	return func(m *Manager) { m.events = make(chan agentwire.Event, n) }
}

// WithBackendOptions adds config options applied to every session of the
// given kind, e.g. an executable override from a CLI flag.
func WithBackendOptions(kind backend.Kind, opts ...backend.Option) Option {
	return func(m *Manager) {
		m.backendOpts[kind] = append(m.backendOpts[kind], opts...)
	}
}

// Manager owns the session registry and is the single entry point for
// all command traffic. Events from every session are merged onto one
// outbound stream with their session IDs stamped.
type Manager struct {
	registry   *backend.Registry
	correlator *callback.Correlator
	logger     *slog.Logger
	events     chan agentwire.Event

	backendOpts map[backend.Kind][]backend.Option

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]pendingPerm
	closed   bool

	// publishMu serializes event sends against the channel close in
	// Close; a timer-driven permission deny can publish at any moment.
	publishMu    sync.RWMutex
	eventsClosed bool

	wg sync.WaitGroup
}

// NewManager creates a Manager over the given backend registry and
// callback correlator.
func NewManager(registry *backend.Registry, correlator *callback.Correlator, opts ...Option) *Manager {
	m := &Manager{
		registry:    registry,
		correlator:  correlator,
		logger:      slog.Default(),
		events:      make(chan agentwire.Event, 256),
		backendOpts: make(map[backend.Kind][]backend.Option),
		sessions:    make(map[string]*Session),
		pending:     make(map[string]pendingPerm),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the merged canonical event stream across all sessions.
func (m *Manager) Events() <-chan agentwire.Event { return m.events }

// CreateSession spawns a backend, completes its handshake, and registers
// the session. The adapter's SessionInit event reaches the consumer
// through the event stream before any turn content.
func (m *Manager) CreateSession(ctx context.Context, cmd agentwire.CreateSession) (Info, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Info{}, ErrManagerClosed
	}
	m.mu.Unlock()

	kind := backend.Kind(cmd.Backend)
	id := uuid.NewString()
	logger := m.logger.With("session_id", id, "backend", cmd.Backend)

	opts := []backend.Option{
		backend.WithCWD(cmd.CWD),
		backend.WithConfigLogger(logger),
	}
	if cmd.Options != nil {
		opts = append(opts, backend.WithSessionOptions(*cmd.Options))
	}
	opts = append(opts, m.backendOpts[kind]...)

	adapter, err := m.registry.New(kind, backend.NewConfig(opts...))
	if err != nil {
		return Info{}, fmt.Errorf("create session: %w", err)
	}

	s := &Session{
		ID:      id,
		Backend: kind,
		CWD:     cmd.CWD,
		Created: time.Now().UTC(),
		adapter: adapter,
		queue:   newMsgQueue(),
		state:   StateCreating,
	}

	caps, err := adapter.Start(ctx)
	if err != nil {
		adapter.Stop()
		return Info{}, fmt.Errorf("spawn %s backend: %w", kind, err)
	}
	s.caps = caps
	s.setState(StateActive)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		adapter.Stop()
		return Info{}, ErrManagerClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.wg.Add(2)
	go m.pump(s)
	go m.drain(s)

	if cmd.Prompt != "" || len(cmd.Content) > 0 {
		s.queue.push(agentwire.SendMessage{SessionID: id, Text: cmd.Prompt, Content: cmd.Content})
	}

	logger.Info("session created", "native_session_id", caps.NativeSessionID, "model", caps.Model)
	return s.snapshot(), nil
}

// Dispatch routes one canonical command. Commands addressing a session
// that does not exist fail with ErrSessionNotFound.
func (m *Manager) Dispatch(ctx context.Context, cmd agentwire.Command) error {
	switch c := cmd.(type) {
	case agentwire.CreateSession:
		_, err := m.CreateSession(ctx, c)
		return err

	case agentwire.SendMessage:
		s, err := m.lookup(c.SessionID)
		if err != nil {
			return err
		}
		s.queue.push(c)
		return nil

	case agentwire.PermissionResponse:
		return m.resolvePermission(c)

	case agentwire.Interrupt:
		return m.interrupt(ctx, c.SessionID)

	case agentwire.Kill:
		return m.Kill(c.SessionID)

	case agentwire.SetModel:
		return m.forward(ctx, c.SessionID, c)

	case agentwire.SetPermissionMode:
		return m.forward(ctx, c.SessionID, c)

	default:
		return fmt.Errorf("session: unhandled command %q", cmd.CmdType())
	}
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (Info, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	return s.snapshot(), nil
}

// List snapshots every registered session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.snapshot())
	}
	return infos
}

// Kill tears a session down: every outstanding permission slot resolves
// as deny, the backend process stops, and the ID stops resolving.
func (m *Manager) Kill(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !s.beginKill() {
		return nil
	}

	// Deny pending permission slots while the session is still
	// registered, then take it out of the registry and stop the backend.
	m.correlator.CancelSession(sessionID, "session killed")
	s.queue.close()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if err := s.adapter.Stop(); err != nil {
		m.logger.Warn("backend stop failed", "session_id", sessionID, "error", err)
	}
	s.setState(StateTerminated)
	m.publish(m.statusEvent(s, agentwire.StatusEnded, "killed"))
	return nil
}

// Close kills every session and closes the event stream.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Kill(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.logger.Warn("kill on close failed", "session_id", id, "error", err)
		}
	}
	m.wg.Wait()

	m.publishMu.Lock()
	m.eventsClosed = true
	close(m.events)
	m.publishMu.Unlock()
}

// interrupt signals the backend's cancellation mechanism. The session
// returns to active once the signal is delivered; the backend confirms
// the abort with its own interrupted status event.
func (m *Manager) interrupt(ctx context.Context, sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.transition(StateActive, StateInterrupting)
	err = s.adapter.Interrupt(ctx)
	s.transition(StateInterrupting, StateActive)
	if err != nil {
		return fmt.Errorf("interrupt session %s: %w", sessionID, err)
	}
	return nil
}

// forward sends a command straight to the session's adapter. A command
// the backend cannot express is acknowledged as a no-op instead of
// failing the caller.
func (m *Manager) forward(ctx context.Context, sessionID string, cmd agentwire.Command) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	if err := s.adapter.Send(ctx, cmd); err != nil {
		if errors.Is(err, backend.ErrUnsupportedCommand) {
			m.logger.Info("command unsupported by backend, acknowledging as no-op",
				"session_id", sessionID, "command", string(cmd.CmdType()))
			m.publish(m.event(s, agentwire.AckPayload{Command: cmd.CmdType(), Noop: true}))
			return nil
		}
		return err
	}
	m.publish(m.event(s, agentwire.AckPayload{Command: cmd.CmdType()}))
	return nil
}

// resolvePermission routes a consumer verdict to the correlator slot that
// is waiting on it. Marking the request answered first keeps the timeout
// path from also emitting a cancelled completion.
func (m *Manager) resolvePermission(resp agentwire.PermissionResponse) error {
	m.mu.Lock()
	delete(m.pending, resp.RequestID)
	m.mu.Unlock()
	return m.correlator.Resolve(resp)
}

// lookup finds a live session by ID.
func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// pump republishes one adapter's events with the session ID stamped,
// registering a correlator slot for each permission request. It runs
// until the adapter closes its stream.
func (m *Manager) pump(s *Session) {
	defer m.wg.Done()
	for evt := range s.adapter.Events() {
		evt.SessionID = s.ID
		if perm, ok := evt.Payload.(agentwire.PermissionRequestPayload); ok {
			m.registerPermission(s, perm.PermissionRequest)
		}
		m.publish(evt)
	}

	// Stream closed: the process exited or the session was stopped.
	m.correlator.CancelSession(s.ID, "session ended")
	s.queue.close()

	m.mu.Lock()
	_, live := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if live {
		s.setState(StateTerminated)
	}
}

// drain delivers queued turns to the backend strictly in enqueue order.
func (m *Manager) drain(s *Session) {
	defer m.wg.Done()
	for {
		msg, ok := s.queue.pop()
		if !ok {
			return
		}
		if err := s.adapter.Send(context.Background(), msg); err != nil {
			m.logger.Error("turn delivery failed", "session_id", s.ID, "error", err)
			m.publish(m.errorEvent(s, err))
		}
	}
}

// registerPermission opens a correlator slot for a backend ask. The
// deliver path forwards the verdict to the adapter; if the slot resolved
// by timeout or session death rather than an answer, the consumer also
// sees the tool cancelled.
func (m *Manager) registerPermission(s *Session, req agentwire.PermissionRequest) {
	m.mu.Lock()
	m.pending[req.RequestID] = pendingPerm{
		sessionID: s.ID,
		toolUseID: req.ToolUseID,
		toolName:  req.ToolName,
	}
	m.mu.Unlock()

	err := m.correlator.Register(s.ID, req.RequestID, func(resp agentwire.PermissionResponse) {
		if err := s.adapter.Send(context.Background(), resp); err != nil {
			m.logger.Warn("permission verdict delivery failed",
				"session_id", s.ID, "request_id", req.RequestID, "error", err)
		}

		m.mu.Lock()
		meta, unanswered := m.pending[resp.RequestID]
		delete(m.pending, resp.RequestID)
		m.mu.Unlock()
		if unanswered && !resp.Allowed {
			// Synthesized deny: nobody answered before the slot resolved.
			m.publish(m.event(s, agentwire.ToolCompletionPayload{
				ToolUseID: meta.toolUseID,
				Name:      meta.toolName,
				Status:    agentwire.ToolStatusCancelled,
			}))
		}
	})
	if err != nil {
		m.logger.Warn("permission slot registration failed",
			"session_id", s.ID, "request_id", req.RequestID, "error", err)
	}
}

// publish pushes one event to the consumer stream. Events arriving
// after Close are dropped.
func (m *Manager) publish(evt agentwire.Event) {
	m.publishMu.RLock()
	defer m.publishMu.RUnlock()
	if m.eventsClosed {
		return
	}
	m.events <- evt
}

func (m *Manager) event(s *Session, payload agentwire.Payload) agentwire.Event {
	return agentwire.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Backend:   string(s.Backend),
		SessionID: s.ID,
		Kind:      payload.Kind(),
		Payload:   payload,
	}
}

func (m *Manager) statusEvent(s *Session, status agentwire.SessionStatusKind, detail string) agentwire.Event {
	return m.event(s, agentwire.SessionStatusPayload{Status: status, Detail: detail})
}

// errorEvent maps a command failure to a structured error event with a
// stable code.
func (m *Manager) errorEvent(s *Session, err error) agentwire.Event {
	code := agentwire.CodeInternalError
	var te *backend.TranslationError
	switch {
	case transport.IsTimeout(err):
		code = agentwire.CodeTransportTimeout
	case transport.IsProcessExited(err):
		code = agentwire.CodeProcessExited
	case errors.As(err, &te):
		code = agentwire.CodeTranslationError
	}
	return m.event(s, agentwire.ErrorPayload{Code: code, Message: err.Error()})
}
