package lineproto

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
	"github.com/coderelay/agentmux/mcpserve"
	"github.com/coderelay/agentmux/transport"
)

const (
	// EnvExecutable overrides the backend binary path.
	EnvExecutable = "AGENTMUX_LINEPROTO_BIN"

	defaultExecutable = "claude"
	initTimeout       = 30 * time.Second
	controlTimeout    = 30 * time.Second
)

// AdapterOption configures lineproto-specific behavior on top of the
// shared backend config.
type AdapterOption func(*Adapter)

// WithMCPServer exposes an in-process MCP tool server to the backend
// under the given name.
func WithMCPServer(name string, handler mcpserve.Handler) AdapterOption {
	return func(a *Adapter) { a.mcpHandlers[name] = handler }
}

// withStream replaces the subprocess with an in-memory stream. Tests only.
func withStream(stream transport.LineStream) AdapterOption {
	return func(a *Adapter) { a.stream = stream }
}

// Factory builds a backend.Factory that creates lineproto adapters with
// the given adapter options baked in.
func Factory(opts ...AdapterOption) backend.Factory {
	return func(cfg backend.Config) (backend.Adapter, error) {
		return New(cfg, opts...), nil
	}
}

// Adapter drives one line-protocol CLI subprocess.
type Adapter struct {
	cfg         backend.Config
	logger      *slog.Logger
	mcpHandlers map[string]mcpserve.Handler
	mcp         *mcpserve.Server
	stream      transport.LineStream
	proc        *transport.Proc
	conn        *transport.Conn
	events      chan agentwire.Event
	initDone    chan struct{}
	caps        *backend.Capabilities
	runWg       sync.WaitGroup
	cancelRun   context.CancelFunc

	mu           sync.Mutex
	pendingInput map[string]map[string]interface{}
	subagents    map[string]struct{}
	started      bool
	stopped      bool
}

// New creates an adapter from the shared config.
func New(cfg backend.Config, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		cfg:          cfg,
		logger:       cfg.Logger.With("backend", string(backend.KindLineProto)),
		mcpHandlers:  make(map[string]mcpserve.Handler),
		events:       make(chan agentwire.Event, cfg.EventBufferSize),
		initDone:     make(chan struct{}),
		pendingInput: make(map[string]map[string]interface{}),
		subagents:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.mcp = mcpserve.NewServer(a.mcpHandlers, a.logger)
	return a
}

// Kind implements backend.Adapter.
func (a *Adapter) Kind() backend.Kind { return backend.KindLineProto }

// Events implements backend.Adapter.
func (a *Adapter) Events() <-chan agentwire.Event { return a.events }

// buildArgs assembles the CLI invocation from the session options.
func (a *Adapter) buildArgs() []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if a.cfg.Options.Model != "" {
		args = append(args, "--model", a.cfg.Options.Model)
	}
	if a.cfg.Options.PermissionMode != "" {
		args = append(args, "--permission-mode", a.cfg.Options.PermissionMode)
	}
	if a.cfg.Options.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", a.cfg.Options.SystemPrompt)
	}
	if a.cfg.Options.Resume != "" {
		args = append(args, "--resume", a.cfg.Options.Resume)
	}
	if len(a.mcpHandlers) > 0 {
		servers := make(map[string]interface{}, len(a.mcpHandlers))
		for name := range a.mcpHandlers {
			servers[name] = map[string]string{"type": "sdk"}
		}
		cfgJSON, _ := json.Marshal(map[string]interface{}{"mcpServers": servers})
		args = append(args, "--mcp-config", string(cfgJSON))
	}
	return append(args, a.cfg.Args...)
}

// Start implements backend.Adapter: spawn, handshake, wait for the init
// system message, and report capabilities.
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
		a.proc = transport.NewProc(exe, a.buildArgs(),
			transport.WithProcDir(a.cfg.CWD),
			transport.WithProcEnv(a.cfg.Env),
			transport.WithProcLogger(a.logger),
		)
		if err := a.proc.Start(ctx); err != nil {
			return nil, err
		}
		a.stream = a.proc
	}

	a.conn = transport.NewConn(a.stream, NewFramer(), transport.WithLogger(a.logger))
	if err := a.conn.Start(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancelRun = cancel
	a.runWg.Add(1)
	go a.run(runCtx)

	// The handshake and the init message interleave with MCP setup
	// requests, which the run loop answers concurrently.
	initCtx, cancelInit := context.WithTimeout(ctx, initTimeout)
	defer cancelInit()
	if _, err := a.conn.SendRequest(initCtx, SubtypeInitialize, initializeRequest{}); err != nil {
		a.Stop()
		return nil, fmt.Errorf("initialize handshake failed: %w", err)
	}

	select {
	case <-a.initDone:
	case <-initCtx.Done():
		a.Stop()
		return nil, fmt.Errorf("timed out waiting for init message: %w", initCtx.Err())
	}

	a.mu.Lock()
	caps := a.caps
	a.mu.Unlock()
	return caps, nil
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
			a.handleServerRequest(ctx, req)
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
	var events []agentwire.Event
	switch MessageType(inb.Method) {
	case MessageTypeSystem:
		events = a.translateSystem(inb.Params)
		a.captureInit(inb.Params)
	case MessageTypeAssistant:
		events = a.translateAssistant(inb.Params)
	case MessageTypeUser:
		events = a.translateUser(inb.Params)
	case MessageTypeResult:
		events = a.translateResult(inb.Params)
	case MessageTypeStreamEvent:
		events = a.translateStream(inb.Params)
	default:
		a.logger.Warn("skipping unknown message type", "type", inb.Method)
		events = []agentwire.Event{a.unclassified(inb.Raw)}
	}
	for _, evt := range events {
		a.emit(evt)
	}
}

// captureInit records capabilities from the init message and releases
// Start.
func (a *Adapter) captureInit(raw json.RawMessage) {
	var msg systemMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Subtype != "init" {
		return
	}

	a.mu.Lock()
	already := a.caps != nil
	if !already {
		servers := make([]string, 0, len(msg.MCPServers))
		for _, s := range msg.MCPServers {
			servers = append(servers, s.Name)
		}
		a.caps = &backend.Capabilities{
			NativeSessionID:      msg.SessionID,
			Model:                msg.Model,
			Tools:                msg.Tools,
			MCPServers:           servers,
			Version:              msg.Version,
			CanSetModel:          true,
			CanSetPermissionMode: true,
		}
	}
	a.mu.Unlock()

	if !already {
		close(a.initDone)
	}
}

func (a *Adapter) handleServerRequest(ctx context.Context, req transport.Inbound) {
	switch req.Method {
	case SubtypeCanUseTool:
		var ask canUseToolRequest
		if err := json.Unmarshal(req.Params, &ask); err != nil {
			a.logger.Warn("skipping malformed can_use_tool request", "error", err)
			_ = a.conn.SendError(req.ID, transport.ErrCodeInvalidParams, "malformed can_use_tool request")
			return
		}
		a.mu.Lock()
		a.pendingInput[req.ID] = ask.Input
		a.mu.Unlock()
		a.emit(a.newEvent(req.Raw, agentwire.PermissionRequestPayload{
			PermissionRequest: a.mapPermission(req.ID, ask),
		}))

	case SubtypeMCPMessage:
		var mcpReq mcpMessageRequest
		if err := json.Unmarshal(req.Params, &mcpReq); err != nil {
			_ = a.conn.SendError(req.ID, transport.ErrCodeInvalidParams, "malformed mcp_message request")
			return
		}
		a.mcp.Handle(ctx, mcpReq.ServerName, mcpReq.Message, func(resp mcpserve.RPCResponse) {
			if err := a.conn.SendResponse(req.ID, mcpResponsePayload{MCPResponse: resp}); err != nil {
				a.logger.Warn("failed to send mcp response", "error", err)
			}
		})

	default:
		a.logger.Warn("rejecting unknown control request", "subtype", req.Method)
		_ = a.conn.SendError(req.ID, transport.ErrCodeMethodNotFound, "unsupported control request: "+req.Method)
		a.emit(a.unclassified(req.Raw))
	}
}

// Send implements backend.Adapter.
func (a *Adapter) Send(ctx context.Context, cmd agentwire.Command) error {
	switch c := cmd.(type) {
	case agentwire.SendMessage:
		msg := newUserMessage(buildContent(c.Text, c.Content))
		return a.conn.SendNotification("user", msg)

	case agentwire.PermissionResponse:
		a.mu.Lock()
		original, known := a.pendingInput[c.RequestID]
		delete(a.pendingInput, c.RequestID)
		a.mu.Unlock()
		if !known {
			return &backend.TranslationError{
				Backend: backend.KindLineProto,
				Command: c.CmdType(),
				Message: "no outstanding permission request " + c.RequestID,
			}
		}
		return a.conn.SendResponse(c.RequestID, mapDecision(c, original))

	case agentwire.Interrupt:
		return a.control(ctx, SubtypeInterrupt, interruptRequest{})

	case agentwire.SetModel:
		return a.control(ctx, SubtypeSetModel, setModelRequest{Model: c.Model})

	case agentwire.SetPermissionMode:
		return a.control(ctx, SubtypeSetPermissionMode, setPermissionModeRequest{Mode: c.Mode})

	default:
		return backend.ErrUnsupportedCommand
	}
}

// Interrupt implements backend.Adapter.
func (a *Adapter) Interrupt(ctx context.Context) error {
	return a.control(ctx, SubtypeInterrupt, interruptRequest{})
}

// control sends one control request and waits for its acknowledgement.
func (a *Adapter) control(ctx context.Context, subtype string, body interface{}) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, controlTimeout)
		defer cancel()
	}
	_, err := a.conn.SendRequest(ctx, subtype, body)
	return err
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
func (a *Adapter) newEvent(raw json.RawMessage, payload agentwire.Payload) agentwire.Event {
	return agentwire.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Backend:   string(backend.KindLineProto),
		Kind:      payload.Kind(),
		Payload:   payload,
		Raw:       raw,
	}
}

func (a *Adapter) unclassified(raw json.RawMessage) agentwire.Event {
	return a.newEvent(raw, agentwire.UnclassifiedPayload{})
}

func (a *Adapter) emit(evt agentwire.Event) {
	a.events <- evt
}

func (a *Adapter) markSubagent(toolUseID string) {
	a.mu.Lock()
	a.subagents[toolUseID] = struct{}{}
	a.mu.Unlock()
}

func (a *Adapter) isSubagent(toolUseID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.subagents[toolUseID]
	return ok
}
