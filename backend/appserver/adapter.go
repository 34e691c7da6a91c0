package appserver

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
	// EnvExecutable overrides the backend binary path.
	EnvExecutable = "AGENTMUX_APPSERVER_BIN"

	defaultExecutable = "codex"
	serverSubcommand  = "app-server"

	clientName      = "agentmux"
	clientVersion   = "1.0.0"
	protocolVersion = "2025-06-18"

	initTimeout = 30 * time.Second
	callTimeout = 30 * time.Second
)

// AdapterOption configures appserver-specific behavior.
type AdapterOption func(*Adapter)

// withStream replaces the subprocess with an in-memory stream. Tests only.
func withStream(stream transport.LineStream) AdapterOption {
	return func(a *Adapter) { a.stream = stream }
}

// Factory builds a backend.Factory for app-server adapters.
func Factory(opts ...AdapterOption) backend.Factory {
	return func(cfg backend.Config) (backend.Adapter, error) {
		return New(cfg, opts...), nil
	}
}

// Adapter drives one app-server subprocess over JSON-RPC. One adapter
// owns one thread.
type Adapter struct {
	cfg       backend.Config
	logger    *slog.Logger
	stream    transport.LineStream
	proc      *transport.Proc
	conn      *transport.Conn
	events    chan agentwire.Event
	runWg     sync.WaitGroup
	cancelRun context.CancelFunc

	mu               sync.Mutex
	threadID         string
	model            string
	usage            tokenUsage
	pendingApprovals map[string]struct{}
	started          bool
	stopped          bool
}

// New creates an adapter from the shared config.
func New(cfg backend.Config, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		cfg:              cfg,
		logger:           cfg.Logger.With("backend", string(backend.KindAppServer)),
		events:           make(chan agentwire.Event, cfg.EventBufferSize),
		pendingApprovals: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind implements backend.Adapter.
func (a *Adapter) Kind() backend.Kind { return backend.KindAppServer }

// Events implements backend.Adapter.
func (a *Adapter) Events() <-chan agentwire.Event { return a.events }

// Start implements backend.Adapter: spawn, initialize, start (or resume)
// the thread, and report capabilities.
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
		args := append([]string{serverSubcommand}, a.cfg.Args...)
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

// handshake performs initialize, then thread/start or thread/resume.
func (a *Adapter) handshake(ctx context.Context) (*backend.Capabilities, error) {
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	var initRes initializeResult
	if err := a.call(initCtx, MethodInitialize, initializeParams{
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
		ProtocolVersion: protocolVersion,
	}, &initRes); err != nil {
		return nil, fmt.Errorf("initialize handshake failed: %w", err)
	}
	if err := a.conn.SendNotification(NotifyInitialized, struct{}{}); err != nil {
		return nil, err
	}

	var threadRes threadStartResult
	if resume := a.cfg.Options.Resume; resume != "" {
		if err := a.call(initCtx, MethodThreadResume, threadResumeParams{ThreadID: resume}, &threadRes); err != nil {
			return nil, fmt.Errorf("thread resume failed: %w", err)
		}
	} else {
		if err := a.call(initCtx, MethodThreadStart, threadStartParams{
			CWD:            a.cfg.CWD,
			Model:          a.cfg.Options.Model,
			ApprovalPolicy: a.cfg.Options.PermissionMode,
			Instructions:   a.cfg.Options.SystemPrompt,
		}, &threadRes); err != nil {
			return nil, fmt.Errorf("thread start failed: %w", err)
		}
	}

	a.mu.Lock()
	a.threadID = threadRes.ThreadID
	a.mu.Unlock()

	a.emit(a.newEvent(nil, agentwire.SessionInitPayload{
		NativeSessionID: threadRes.ThreadID,
		Model:           threadRes.Model,
		CWD:             a.cfg.CWD,
		Version:         initRes.UserAgent,
	}))

	return &backend.Capabilities{
		NativeSessionID: threadRes.ThreadID,
		Model:           threadRes.Model,
		Models:          initRes.Models,
		Version:         initRes.UserAgent,
		CanSetModel:     true,
	}, nil
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
	var events []agentwire.Event
	switch inb.Method {
	case NotifyAgentMessageDelta:
		events = a.translateAgentMessageDelta(inb.Params)
	case NotifyReasoningDelta:
		events = a.translateReasoningDelta(inb.Params)
	case NotifyItemCompleted:
		events = a.translateItemCompleted(inb.Params)
	case NotifyCommandBegin:
		events = a.translateCommandBegin(inb.Params)
	case NotifyCommandEnd:
		events = a.translateCommandEnd(inb.Params)
	case NotifyTokenUsage:
		events = a.translateTokenUsage(inb.Params)
	case NotifyTurnCompleted:
		events = a.translateTurnCompleted(inb.Params)
	case NotifyThreadError:
		events = a.translateThreadError(inb.Params)
	case NotifyThreadStarted, NotifyTurnStarted, NotifyItemStarted:
		a.logger.Debug("ignoring lifecycle notification", "method", inb.Method)
	default:
		a.logger.Warn("skipping unknown notification", "method", inb.Method)
		events = []agentwire.Event{a.unclassified(inb.Raw)}
	}
	for _, evt := range events {
		a.emit(evt)
	}
}

func (a *Adapter) handleServerRequest(req transport.Inbound) {
	var (
		perm    agentwire.PermissionRequest
		actions []availableAction
	)
	switch req.Method {
	case RequestCommandApproval:
		var ask commandApprovalRequest
		if err := json.Unmarshal(req.Params, &ask); err != nil {
			a.replyMalformed(req, err)
			return
		}
		perm = mapCommandApproval(req.ID, ask)
		actions = ask.AvailableActions

	case RequestPatchApproval:
		var ask patchApprovalRequest
		if err := json.Unmarshal(req.Params, &ask); err != nil {
			a.replyMalformed(req, err)
			return
		}
		perm = mapPatchApproval(req.ID, ask)
		actions = ask.AvailableActions

	default:
		a.logger.Warn("rejecting unknown server request", "method", req.Method)
		_ = a.conn.SendError(req.ID, transport.ErrCodeMethodNotFound, "unsupported request: "+req.Method)
		a.emit(a.unclassified(req.Raw))
		return
	}

	a.mu.Lock()
	a.pendingApprovals[req.ID] = struct{}{}
	a.mu.Unlock()

	evt := a.newEvent(req.Raw, agentwire.PermissionRequestPayload{PermissionRequest: perm})
	evt.Ext = actionsExtension(actions)
	a.emit(evt)
}

func (a *Adapter) replyMalformed(req transport.Inbound, err error) {
	a.logger.Warn("skipping malformed approval request", "method", req.Method, "error", err)
	_ = a.conn.SendError(req.ID, transport.ErrCodeInvalidParams, "malformed approval request")
}

// Send implements backend.Adapter.
func (a *Adapter) Send(ctx context.Context, cmd agentwire.Command) error {
	switch c := cmd.(type) {
	case agentwire.SendMessage:
		a.mu.Lock()
		threadID, model := a.threadID, a.model
		a.mu.Unlock()
		return a.call(ctx, MethodTurnStart, turnStartParams{
			ThreadID: threadID,
			Input:    buildInput(c.Text, c.Content),
			Model:    model,
		}, nil)

	case agentwire.PermissionResponse:
		a.mu.Lock()
		_, known := a.pendingApprovals[c.RequestID]
		delete(a.pendingApprovals, c.RequestID)
		a.mu.Unlock()
		if !known {
			return &backend.TranslationError{
				Backend: backend.KindAppServer,
				Command: c.CmdType(),
				Message: "no outstanding approval request " + c.RequestID,
			}
		}
		return a.conn.SendResponse(c.RequestID, mapDecision(c))

	case agentwire.Interrupt:
		return a.Interrupt(ctx)

	case agentwire.SetModel:
		// The app-server binds the model per turn; the override takes
		// effect on the next turn/start.
		a.mu.Lock()
		a.model = c.Model
		a.mu.Unlock()
		return nil

	default:
		return backend.ErrUnsupportedCommand
	}
}

// Interrupt implements backend.Adapter.
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	threadID := a.threadID
	a.mu.Unlock()
	return a.call(ctx, MethodTurnInterrupt, turnInterruptParams{ThreadID: threadID}, nil)
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

func buildInput(text string, blocks []agentwire.ContentBlock) []inputItem {
	if len(blocks) == 0 {
		return []inputItem{{Type: "text", Text: text}}
	}
	items := make([]inputItem, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "image":
			items = append(items, inputItem{Type: "image", Data: b.Data, MimeType: b.MimeType})
		default:
			items = append(items, inputItem{Type: "text", Text: b.Text})
		}
	}
	return items
}

// newEvent wraps a payload in the canonical envelope. The session ID is
// filled in by the session layer.
func (a *Adapter) newEvent(raw []byte, payload agentwire.Payload) agentwire.Event {
	return agentwire.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Backend:   string(backend.KindAppServer),
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
