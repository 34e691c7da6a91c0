// Package gateway exposes the canonical command/event surface over a
// WebSocket hop plus a small REST API. It is the process-boundary
// answerer for permission callbacks: backend asks travel out as
// callback.request envelopes and verdicts come back as
// callback.response envelopes carrying the same ID.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/coderelay/agentmux/agentwire"
	"github.com/coderelay/agentmux/session"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server fans the session manager's event stream out to every connected
// client and routes inbound commands back to it.
type Server struct {
	manager *session.Manager
	logger  *slog.Logger

	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	wg sync.WaitGroup
}

// NewServer creates a gateway over the given session manager and starts
// the event fan-out. Call Shutdown when done.
func NewServer(manager *session.Manager, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		logger:  slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.fanout()
	return s
}

// Router builds the HTTP surface: the WebSocket endpoint plus REST
// session routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", s.handleKillSession).Methods(http.MethodDelete)
	return r
}

// Shutdown waits for the event fan-out to drain. The session manager
// must be closed first; its closing event channel ends the fan-out.
func (s *Server) Shutdown() {
	s.wg.Wait()

	s.clientsMu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*client]struct{})
	s.clientsMu.Unlock()
}

// fanout translates manager events into wire envelopes and broadcasts
// them until the manager's stream closes.
func (s *Server) fanout() {
	defer s.wg.Done()
	for evt := range s.manager.Events() {
		envs, err := s.toEnvelopes(evt)
		if err != nil {
			s.logger.Error("event envelope failed", "event", string(evt.Kind), "error", err)
			continue
		}
		for _, env := range envs {
			s.broadcast(env)
		}
	}
}

// toEnvelopes picks the wire envelopes for one canonical event. Session
// init is the one event that crosses the hop twice: the session.created
// announcement, then the sdk.message carrying the init content itself.
func (s *Server) toEnvelopes(evt agentwire.Event) ([]*agentwire.Envelope, error) {
	switch p := evt.Payload.(type) {
	case agentwire.SessionInitPayload:
		created, err := agentwire.NewEnvelope(agentwire.EnvelopeSessionCreated, evt.ID, evt.SessionID,
			agentwire.SessionCreatedPayload{
				Backend:         evt.Backend,
				CWD:             p.CWD,
				NativeSessionID: p.NativeSessionID,
			})
		if err != nil {
			return nil, err
		}
		init, err := agentwire.NewEnvelope(agentwire.EnvelopeSDKMessage, evt.ID, evt.SessionID, evt)
		if err != nil {
			return nil, err
		}
		return []*agentwire.Envelope{created, init}, nil

	case agentwire.PermissionRequestPayload:
		env, err := agentwire.NewEnvelope(agentwire.EnvelopeCallbackRequest, p.RequestID, evt.SessionID,
			agentwire.CallbackRequestPayload{
				CallbackType: "can_use_tool",
				ToolName:     p.ToolName,
				ToolInput:    p.ToolInput,
				ToolUseID:    p.ToolUseID,
				Suggestions:  p.Suggestions,
				BlockedPath:  p.BlockedPath,
				Options:      p.Options,
			})
		if err != nil {
			return nil, err
		}
		return []*agentwire.Envelope{env}, nil

	case agentwire.ErrorPayload:
		env, err := agentwire.NewEnvelope(agentwire.EnvelopeError, evt.ID, evt.SessionID,
			agentwire.ErrorEnvelopePayload{Code: p.Code, Message: p.Message, Details: p.Details})
		if err != nil {
			return nil, err
		}
		return []*agentwire.Envelope{env}, nil

	default:
		// Everything else crosses the hop as an sdk.message wrapping the
		// canonical event, raw passthrough included.
		env, err := agentwire.NewEnvelope(agentwire.EnvelopeSDKMessage, evt.ID, evt.SessionID, evt)
		if err != nil {
			return nil, err
		}
		return []*agentwire.Envelope{env}, nil
	}
}

// broadcast queues one envelope on every client. A client whose send
// queue is full misses the message rather than stalling the stream.
func (s *Server) broadcast(env *agentwire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("envelope marshal failed", "type", env.Type, "error", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("client send queue full, dropping", "type", env.Type)
		}
	}
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if present {
		close(c.send)
	}
}

// inboundFrame sniffs the discriminators of one client message: either
// an envelope (callback.response) or a flat canonical command.
type inboundFrame struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	ID      string `json:"id"`
}

// handleMessage routes one inbound client frame.
func (s *Server) handleMessage(c *client, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendError("", agentwire.CodeParseError, "malformed message: "+err.Error())
		return
	}

	if frame.Type == agentwire.EnvelopeCallbackResponse {
		s.handleCallbackResponse(c, raw)
		return
	}

	cmd, err := agentwire.ParseCommand(raw)
	if err != nil {
		c.sendError(frame.ID, agentwire.CodeParseError, err.Error())
		return
	}
	s.dispatch(c, frame.ID, cmd)
}

// handleCallbackResponse resolves a permission verdict crossing back
// over the hop. The envelope ID is the original request ID.
func (s *Server) handleCallbackResponse(c *client, raw []byte) {
	var env agentwire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError("", agentwire.CodeParseError, "malformed callback response: "+err.Error())
		return
	}
	var payload agentwire.CallbackResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.sendError(env.ID, agentwire.CodeParseError, "malformed callback payload: "+err.Error())
		return
	}

	resp := payload.ToPermissionResponse(env.ID)
	if err := s.manager.Dispatch(c.ctx(), resp); err != nil {
		s.logger.Warn("callback resolution failed", "request_id", env.ID, "error", err)
		c.sendError(env.ID, errorCode(err), err.Error())
	}
}

// dispatch routes a parsed command and reports the direct outcome where
// one exists.
func (s *Server) dispatch(c *client, frameID string, cmd agentwire.Command) {
	switch cc := cmd.(type) {
	case agentwire.CreateSession:
		info, err := s.manager.CreateSession(c.ctx(), cc)
		if err != nil {
			c.sendQueryResult(frameID, "", agentwire.QueryResultPayload{Success: false, Error: err.Error()})
			return
		}
		result, _ := json.Marshal(info)
		c.sendQueryResult(frameID, info.ID, agentwire.QueryResultPayload{Success: true, Result: result})

	case agentwire.Kill:
		if err := s.manager.Dispatch(c.ctx(), cc); err != nil {
			c.sendQueryResult(frameID, cc.SessionID, agentwire.QueryResultPayload{Success: false, Error: err.Error()})
			return
		}
		c.sendQueryResult(frameID, cc.SessionID, agentwire.QueryResultPayload{Success: true})

	default:
		if err := s.manager.Dispatch(c.ctx(), cmd); err != nil {
			c.sendError(frameID, errorCode(err), err.Error())
		}
	}
}

// newEnvelopeID mints an ID for a server-originated envelope.
func newEnvelopeID() string { return uuid.NewString() }
