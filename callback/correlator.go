// Package callback correlates backend-initiated permission requests with
// the answers that eventually come back, across any number of in-flight
// requests and sessions. A request that is never answered resolves to a
// deny rather than blocking its backend forever.
package callback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coderelay/agentmux/agentwire"
)

// DefaultTimeout is how long an unanswered request waits before the
// default deny fires.
const DefaultTimeout = 60 * time.Second

// Sentinel errors.
var (
	ErrDuplicateRequest = errors.New("callback: request id already registered")
	ErrUnknownRequest   = errors.New("callback: no pending request with that id")
)

// slot is one outstanding permission request.
type slot struct {
	sessionID string
	deliver   func(agentwire.PermissionResponse)
	timer     *time.Timer
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout overrides the default-deny timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.timeout = d }
}

// WithLogger sets the correlator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// Correlator tracks pending permission requests by request ID. Each slot
// resolves exactly once: by an answer, by the timeout, or by its session
// dying. The deliver function runs outside the correlator's lock, on
// whichever goroutine resolves the slot.
type Correlator struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		slots:   make(map[string]*slot),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a pending request. deliver is invoked exactly once,
// with the caller's answer or with a default deny if the timeout
// elapses or the session is cancelled first.
func (c *Correlator) Register(sessionID, requestID string, deliver func(agentwire.PermissionResponse)) error {
	c.mu.Lock()
	if _, exists := c.slots[requestID]; exists {
		c.mu.Unlock()
		c.logger.Warn("duplicate permission request id", "request_id", requestID, "session_id", sessionID)
		return ErrDuplicateRequest
	}

	s := &slot{sessionID: sessionID, deliver: deliver}
	s.timer = time.AfterFunc(c.timeout, func() { c.expire(requestID) })
	c.slots[requestID] = s
	c.mu.Unlock()
	return nil
}

// Resolve answers a pending request. An unknown or already-resolved ID is
// an anomaly: logged, reported, and otherwise harmless.
func (c *Correlator) Resolve(resp agentwire.PermissionResponse) error {
	s := c.take(resp.RequestID)
	if s == nil {
		c.logger.Warn("permission response with no pending request", "request_id", resp.RequestID)
		return ErrUnknownRequest
	}
	s.deliver(resp)
	return nil
}

// CancelSession denies every pending request belonging to sessionID.
// Used when a session is killed or its process exits.
func (c *Correlator) CancelSession(sessionID, message string) {
	c.mu.Lock()
	var cancelled []*slot
	var ids []string
	for id, s := range c.slots {
		if s.sessionID == sessionID {
			s.timer.Stop()
			delete(c.slots, id)
			cancelled = append(cancelled, s)
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for i, s := range cancelled {
		s.deliver(agentwire.DenyByDefault(ids[i], message))
	}
}

// Pending reports how many requests are outstanding for sessionID.
func (c *Correlator) Pending(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.slots {
		if s.sessionID == sessionID {
			n++
		}
	}
	return n
}

// take removes and returns the slot for requestID, or nil.
func (c *Correlator) take(requestID string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[requestID]
	if !ok {
		return nil
	}
	s.timer.Stop()
	delete(c.slots, requestID)
	return s
}

// expire fires the default deny for a request nobody answered in time.
func (c *Correlator) expire(requestID string) {
	s := c.take(requestID)
	if s == nil {
		// Answered between the timer firing and this running.
		return
	}
	c.logger.Warn("permission request timed out, denying",
		"request_id", requestID, "session_id", s.sessionID, "timeout", c.timeout)
	s.deliver(agentwire.DenyByDefault(requestID, "permission request timed out"))
}
