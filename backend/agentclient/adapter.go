package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/agentmux/agentwire"
	"github.com/coderelay/agentmux/backend"
	"github.com/coderelay/agentmux/transport"
)

const (
	// EnvExecutable overrides the agent binary path.
	EnvExecutable = "AGENTMUX_AGENTCLIENT_BIN"

	defaultExecutable = "gemini"

	clientName    = "agentmux"
	clientVersion = "1.0.0"

	initTimeout = 30 * time.Second
	callTimeout = 30 * time.Second
)

// defaultArgs puts the agent into client-protocol mode on stdio.
var defaultArgs = []string{"--experimental-acp"}

// AdapterOption configures agentclient-specific behavior.
type AdapterOption func(*Adapter)

// withStream replaces the subprocess with an in-memory stream. Tests only.
func withStream(stream transport.LineStream) AdapterOption {
	return func(a *Adapter) { a.stream = stream }
}

// Factory builds a backend.Factory for agent-client adapters.
func Factory(opts ...AdapterOption) backend.Factory {
	return func(cfg backend.Config) (backend.Adapter, error) {
		return New(cfg, opts...), nil
	}
}

// Adapter drives one agent subprocess over the agent-client protocol.
// One adapter owns one native session.
type Adapter struct {
	cfg       backend.Config
	logger    *slog.Logger
	stream    transport.LineStream
	proc      *transport.Proc
	conn      *transport.Conn
	events    chan agentwire.Event
	runWg     sync.WaitGroup
	cancelRun context.CancelFunc

	mu             sync.Mutex
	nativeID       string
	pendingOptions map[string][]permissionOption
	started        bool
	stopped        bool
}

// New creates an adapter from the shared config.
func New(cfg backend.Config, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		cfg:            cfg,
		logger:         cfg.Logger.With("backend", string(backend.KindAgentClient)),
		events:         make(chan agentwire.Event, cfg.EventBufferSize),
		pendingOptions: make(map[string][]permissionOption),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind implements backend.Adapter.
func (a *Adapter) Kind() backend.Kind { return backend.KindAgentClient }

// Events implements backend.Adapter.
func (a *Adapter) Events() <-chan agentwire.Event { return a.events }

// Start implements backend.Adapter: spawn, initialize, open the native
// session, and report capabilities.
func (a *Adapter) Start(ctx context.Context) (*backend.Capabilities, error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil, transport.ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	if a.stream == nil {
		exe := backend.ResolveExecutable(a.cfg.Executable, EnvExecutable, defaultExecutable)
		args := append(append([]string{}, defaultArgs...), a.cfg.Args...)
		a.proc = transport.NewProc(exe, args,
			transport.WithProcDir(a.cfg.CWD),
			transport.WithProcEnv(a.cfg.Env),
			transport.WithProcLogger(a.logger),
		)
		if err := a.proc.Start(ctx); err != nil {
			return nil, err
		}
		a.stream = a.proc
	}

	a.conn = transport.NewConn(a.stream, transport.NewJSONRPCFramer(), transport.WithLogger(a.logger))
	if err := a.conn.Start(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancelRun = cancel
	a.runWg.Add(1)
	go a.run(runCtx)

	caps, err := a.handshake(ctx)
	if err != nil {
		a.Stop()
		return nil, err
	}
	return caps, nil
}

// handshake performs initialize, then session/new (or session/load when
// resuming and the agent advertises loadSession).
func (a *Adapter) handshake(ctx context.Context) (*backend.Capabilities, error) {
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	var initRes initializeResponse
	if err := a.call(initCtx, MethodInitialize, initializeRequest{
		ClientInfo:      &implementation{Name: clientName, Version: clientVersion},
		ProtocolVersion: protocolVersion,
	}, &initRes); err != nil {
		return nil, fmt.Errorf("initialize handshake failed: %w", err)
	}

	canLoad := initRes.AgentCapabilities != nil && initRes.AgentCapabilities.LoadSession

	var sessRes newSessionResponse
	if resume := a.cfg.Options.Resume; resume != "" && canLoad {
		if err := a.call(initCtx, MethodSessionLoad, loadSessionRequest{
			SessionID:  resume,
			CWD:        a.cfg.CWD,
			McpServers: []mcpServerConfig{},
		}, &sessRes); err != nil {
			return nil, fmt.Errorf("session load failed: %w", err)
		}
		if sessRes.SessionID == "" {
			sessRes.SessionID = resume
		}
	} else {
		if resume := a.cfg.Options.Resume; resume != "" {
			a.logger.Warn("agent does not support session loading, starting fresh", "requested", resume)
		}
		if err := a.call(initCtx, MethodSessionNew, newSessionRequest{
			CWD:        a.cfg.CWD,
			McpServers: []mcpServerConfig{},
		}, &sessRes); err != nil {
			return nil, fmt.Errorf("session new failed: %w", err)
		}
	}

	a.mu.Lock()
	a.nativeID = sessRes.SessionID
	a.mu.Unlock()

	if model := a.cfg.Options.Model; model != "" {
		if err := a.setConfigOption(initCtx, ConfigOptionModel, model); err != nil {
			a.logger.Warn("failed to set initial model", "model", model, "error", err)
		}
	}
	if mode := a.cfg.Options.PermissionMode; mode != "" {
		if err := a.setConfigOption(initCtx, ConfigOptionMode, mode); err != nil {
			a.logger.Warn("failed to set initial mode", "mode", mode, "error", err)
		}
	}

	modes := make([]string, 0, len(sessRes.Modes))
	for _, m := range sessRes.Modes {
		modes = append(modes, m.ID)
	}
	var model string
	for _, opt := range sessRes.ConfigOptions {
		if opt.ID == ConfigOptionModel {
			model = opt.Value
		}
	}
	version := ""
	if initRes.AgentInfo != nil {
		version = initRes.AgentInfo.Name + "/" + initRes.AgentInfo.Version
	}

	a.emit(a.newEvent(nil, agentwire.SessionInitPayload{
		NativeSessionID: sessRes.SessionID,
		Model:           model,
		CWD:             a.cfg.CWD,
		PermissionMode:  currentMode(sessRes.Modes),
		Version:         version,
	}))

	return &backend.Capabilities{
		NativeSessionID:      sessRes.SessionID,
		Model:                model,
		PermissionModes:      modes,
		Version:              version,
		CanSetModel:          true,
		CanSetPermissionMode: true,
	}, nil
}

func currentMode(modes []sessionModeState) string {
	for _, m := range modes {
		if m.IsCurrent {
			return m.ID
		}
	}
	return ""
}

// run consumes the connection's streams until the process exits.
func (a *Adapter) run(ctx context.Context) {
	defer a.runWg.Done()
	defer close(a.events)

	notifs := a.conn.Notifications()
	reqs := a.conn.ServerRequests()
	for notifs != nil || reqs != nil {
		select {
		case inb, ok := <-notifs:
			if !ok {
				notifs = nil
				continue
			}
			a.handleNotification(inb)
		case req, ok := <-reqs:
			if !ok {
				reqs = nil
				continue
			}
			a.handleServerRequest(req)
		}
	}

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()

	status := agentwire.StatusEnded
	detail := ""
	if !stopped {
		status = agentwire.StatusError
		detail = "backend process exited"
	}
	a.emit(a.newEvent(nil, agentwire.SessionStatusPayload{Status: status, Detail: detail}))
}

func (a *Adapter) handleNotification(inb transport.Inbound) {
	switch inb.Method {
	case MethodSessionUpdate:
		for _, evt := range a.translateUpdate(inb.Params) {
			a.emit(evt)
		}
	default:
		a.logger.Warn("skipping unknown notification", "method", inb.Method)
		a.emit(a.unclassified(inb.Raw))
	}
}

func (a *Adapter) handleServerRequest(req transport.Inbound) {
	switch req.Method {
	case MethodRequestPermission:
		var ask requestPermissionRequest
		if err := json.Unmarshal(req.Params, &ask); err != nil {
			a.logger.Warn("skipping malformed permission request", "error", err)
			_ = a.conn.SendError(req.ID, transport.ErrCodeInvalidParams, "malformed permission request")
			return
		}
		a.mu.Lock()
		a.pendingOptions[req.ID] = ask.Options
		a.mu.Unlock()
		a.emit(a.newEvent(req.Raw, agentwire.PermissionRequestPayload{
			PermissionRequest: mapPermission(req.ID, ask),
		}))

	default:
		a.logger.Warn("rejecting unknown server request", "method", req.Method)
		_ = a.conn.SendError(req.ID, transport.ErrCodeMethodNotFound, "unsupported request: "+req.Method)
		a.emit(a.unclassified(req.Raw))
	}
}

// Send implements backend.Adapter.
func (a *Adapter) Send(ctx context.Context, cmd agentwire.Command) error {
	switch c := cmd.(type) {
	case agentwire.SendMessage:
		return a.prompt(ctx, c)

	case agentwire.PermissionResponse:
		a.mu.Lock()
		options, known := a.pendingOptions[c.RequestID]
		delete(a.pendingOptions, c.RequestID)
		a.mu.Unlock()
		if !known {
			return &backend.TranslationError{
				Backend: backend.KindAgentClient,
				Command: c.CmdType(),
				Message: "no outstanding permission request " + c.RequestID,
			}
		}
		return a.conn.SendResponse(c.RequestID, mapDecision(c, options))

	case agentwire.Interrupt:
		return a.Interrupt(ctx)

	case agentwire.SetModel:
		return a.setConfigOption(ctx, ConfigOptionModel, c.Model)

	case agentwire.SetPermissionMode:
		return a.setConfigOption(ctx, ConfigOptionMode, c.Mode)

	default:
		return backend.ErrUnsupportedCommand
	}
}

// prompt runs one turn: the session/prompt response arrives only when
// the turn finishes, and its stop reason closes the turn.
func (a *Adapter) prompt(ctx context.Context, msg agentwire.SendMessage) error {
	a.mu.Lock()
	nativeID := a.nativeID
	a.mu.Unlock()

	resp, err := a.conn.SendRequest(ctx, MethodSessionPrompt, promptRequest{
		SessionID: nativeID,
		Prompt:    buildPrompt(msg.Text, msg.Content),
	})
	if err != nil {
		return err
	}

	var turn promptResponse
	if resp != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &turn); err != nil {
			return &backend.TranslationError{
				Backend: backend.KindAgentClient,
				Command: msg.CmdType(),
				Message: "malformed prompt response: " + err.Error(),
			}
		}
	}

	success := turn.StopReason == StopReasonEndTurn || turn.StopReason == "end_turn" || turn.StopReason == ""
	a.emit(a.newEvent(nil, agentwire.TurnCompletePayload{
		Success: success,
		Result:  turn.StopReason,
	}))
	if turn.StopReason == StopReasonCancelled {
		a.emit(a.newEvent(nil, agentwire.SessionStatusPayload{Status: agentwire.StatusInterrupted}))
	}
	return nil
}

// Interrupt implements backend.Adapter. Cancellation is a notification;
// the agent confirms by ending the turn with stopReason "cancelled".
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	nativeID := a.nativeID
	a.mu.Unlock()
	return a.conn.SendNotification(MethodSessionCancel, cancelNotification{SessionID: nativeID})
}

func (a *Adapter) setConfigOption(ctx context.Context, optionID, value string) error {
	a.mu.Lock()
	nativeID := a.nativeID
	a.mu.Unlock()
	return a.call(ctx, MethodSetConfigOption, setConfigOptionParams{
		SessionID: nativeID,
		OptionID:  optionID,
		Value:     value,
	}, nil)
}

// call sends one request and decodes its result into out (if non-nil).
func (a *Adapter) call(ctx context.Context, method string, params, out interface{}) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callTimeout)
		defer cancel()
	}
	resp, err := a.conn.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || resp == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Stop implements backend.Adapter. Idempotent.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	if a.conn != nil {
		a.conn.Close()
	}
	if a.cancelRun != nil {
		a.cancelRun()
	}
	a.runWg.Wait()
	return nil
}

// newEvent wraps a payload in the canonical envelope. The session ID is
// filled in by the session layer.
func (a *Adapter) newEvent(raw []byte, payload agentwire.Payload) agentwire.Event {
	return agentwire.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Backend:   string(backend.KindAgentClient),
		Kind:      payload.Kind(),
		Payload:   payload,
		Raw:       raw,
	}
}

func (a *Adapter) unclassified(raw []byte) agentwire.Event {
	return a.newEvent(raw, agentwire.UnclassifiedPayload{})
}

func (a *Adapter) emit(evt agentwire.Event) {
	a.events <- evt
}
