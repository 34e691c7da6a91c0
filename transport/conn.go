package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// LineStream is the byte-level surface a Conn runs over: a Proc in
// production, an in-memory pipe in tests.
type LineStream interface {
	ReadLine() ([]byte, error)
	WriteLine(line []byte) error
}

// Response is the successful outcome of SendRequest.
type Response struct {
	Result json.RawMessage
}

// pendingResult resolves one outstanding request.
type pendingResult struct {
	resp *Response
	err  error
}

// ConnOption configures a Conn.
type ConnOption func(*connConfig)

type connConfig struct {
	logger     *slog.Logger
	bufferSize int
}

// WithLogger sets the connection's logger.
func WithLogger(logger *slog.Logger) ConnOption {
	return func(c *connConfig) { c.logger = logger }
}

// WithBufferSize sets the notification and server-request channel depth.
func WithBufferSize(n int) ConnOption {
	return func(c *connConfig) { c.bufferSize = n }
}

// Conn correlates requests with responses and fans peer-initiated traffic
// out to the Notifications and ServerRequests channels. Both channels are
// closed when the stream ends; every outstanding request fails at that
// point, and responses arriving with no waiter are logged and dropped.
type Conn struct {
	stream  LineStream
	framer  Framer
	logger  *slog.Logger
	nextID  atomic.Int64
	pending map[string]chan pendingResult
	notifs  chan Inbound
	reqs    chan Inbound
	done    chan struct{}
	readWg  sync.WaitGroup
	mu      sync.Mutex
	started bool
	closed  bool
	exitErr error
}

// NewConn creates a Conn over stream using framer. Call Start to begin
// reading.
func NewConn(stream LineStream, framer Framer, opts ...ConnOption) *Conn {
	cfg := connConfig{
		logger:     slog.Default(),
		bufferSize: 64,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Conn{
		stream:  stream,
		framer:  framer,
		logger:  cfg.logger,
		pending: make(map[string]chan pendingResult),
		notifs:  make(chan Inbound, cfg.bufferSize),
		reqs:    make(chan Inbound, cfg.bufferSize),
		done:    make(chan struct{}),
	}
}

// Start launches the read loop.
func (c *Conn) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.readWg.Add(1)
	go c.readLoop()
	return nil
}

// Notifications returns one-way traffic from the peer, in arrival order.
func (c *Conn) Notifications() <-chan Inbound { return c.notifs }

// ServerRequests returns peer-initiated requests. Each must be answered
// with SendResponse or SendError carrying the same ID.
func (c *Conn) ServerRequests() <-chan Inbound { return c.reqs }

// SendRequest sends a request and blocks until the matching response
// arrives, ctx expires, or the stream ends. A deadline expiry surfaces as
// a TransportError with ReasonTimeout; stream end as ReasonProcessExited.
func (c *Conn) SendRequest(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := fmt.Sprintf("req-%d", c.nextID.Add(1))

	ch := make(chan pendingResult, 1)
	c.mu.Lock()
	if c.closed {
		exitErr := c.exitErr
		c.mu.Unlock()
		return nil, &TransportError{Reason: ReasonProcessExited, Method: method, Cause: exitErr}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	line, err := c.framer.EncodeRequest(id, method, params)
	if err != nil {
		c.removePending(id)
		return nil, err
	}
	if err := c.stream.WriteLine(line); err != nil {
		c.removePending(id)
		return nil, &TransportError{Reason: ReasonProcessExited, Method: method, Cause: err}
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		c.removePending(id)
		reason := ReasonTimeout
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ReasonClosed
		}
		return nil, &TransportError{Reason: reason, Method: method, Cause: ctx.Err()}
	case <-c.done:
		c.mu.Lock()
		exitErr := c.exitErr
		c.mu.Unlock()
		return nil, &TransportError{Reason: ReasonProcessExited, Method: method, Cause: exitErr}
	}
}

// SendNotification sends one-way traffic to the peer.
func (c *Conn) SendNotification(method string, params interface{}) error {
	line, err := c.framer.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return c.stream.WriteLine(line)
}

// SendResponse answers a peer-initiated request.
func (c *Conn) SendResponse(id string, result interface{}) error {
	line, err := c.framer.EncodeResponse(id, result)
	if err != nil {
		return err
	}
	return c.stream.WriteLine(line)
}

// SendError answers a peer-initiated request with an error.
func (c *Conn) SendError(id string, code int, message string) error {
	line, err := c.framer.EncodeError(id, code, message)
	if err != nil {
		return err
	}
	return c.stream.WriteLine(line)
}

// Close stops the read loop and fails outstanding requests. Safe to call
// more than once.
func (c *Conn) Close() {
	c.shutdown(ErrClosed)
	// Unblock a read loop parked in ReadLine.
	if closer, ok := c.stream.(io.Closer); ok {
		closer.Close()
	}
	c.readWg.Wait()
}

func (c *Conn) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// shutdown marks the conn dead and resolves every waiter exactly once.
func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.exitErr = cause
	waiters := c.pending
	c.pending = make(map[string]chan pendingResult)
	c.mu.Unlock()

	close(c.done)
	for _, ch := range waiters {
		ch <- pendingResult{err: &TransportError{Reason: ReasonProcessExited, Cause: cause}}
	}
}

func (c *Conn) readLoop() {
	defer c.readWg.Done()
	defer close(c.notifs)
	defer close(c.reqs)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		line, err := c.stream.ReadLine()
		if err != nil {
			c.mu.Lock()
			closing := c.closed
			c.mu.Unlock()
			if err != io.EOF && !closing {
				c.logger.Warn("transport read failed", "error", err)
			}
			c.shutdown(err)
			return
		}

		inb, err := c.framer.Decode(line)
		if err != nil {
			// Malformed lines never kill the connection.
			c.logger.Warn("skipping malformed line", "error", err)
			continue
		}
		if inb == nil {
			continue
		}

		switch inb.Kind {
		case InboundResponse:
			c.resolve(inb)
		case InboundServerRequest:
			c.deliver(c.reqs, *inb)
		case InboundNotification:
			c.deliver(c.notifs, *inb)
		}
	}
}

// resolve routes a response to its waiter. Late responses to requests
// that already timed out have no waiter and are dropped.
func (c *Conn) resolve(inb *Inbound) {
	c.mu.Lock()
	ch, ok := c.pending[inb.ID]
	if ok {
		delete(c.pending, inb.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping response with no pending request", "id", inb.ID)
		return
	}

	res := pendingResult{resp: &Response{Result: inb.Result}}
	if inb.Err != nil {
		res.resp = nil
		res.err = inb.Err
	}
	ch <- res
}

func (c *Conn) deliver(ch chan Inbound, inb Inbound) {
	select {
	case ch <- inb:
	case <-c.done:
	}
}
