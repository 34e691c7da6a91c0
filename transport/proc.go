package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/coderelay/agentmux/internal/ndjson"
	"github.com/coderelay/agentmux/internal/procattr"
)

// Default kill escalation timing.
const (
	defaultStdinGrace  = 500 * time.Millisecond
	defaultSignalGrace = 2 * time.Second
)

// ProcOption configures a Proc.
type ProcOption func(*procConfig)

type procConfig struct {
	env         map[string]string
	dir         string
	logger      *slog.Logger
	stdinGrace  time.Duration
	signalGrace time.Duration
}

// WithProcEnv adds environment variables on top of the parent's.
func WithProcEnv(env map[string]string) ProcOption {
	return func(c *procConfig) { c.env = env }
}

// WithProcDir sets the child's working directory.
func WithProcDir(dir string) ProcOption {
	return func(c *procConfig) { c.dir = dir }
}

// WithProcLogger sets the logger stderr lines are republished through.
func WithProcLogger(logger *slog.Logger) ProcOption {
	return func(c *procConfig) { c.logger = logger }
}

// WithKillGrace overrides the two kill escalation waits: after closing
// stdin, then after SIGINT to the group.
func WithKillGrace(stdinGrace, signalGrace time.Duration) ProcOption {
	return func(c *procConfig) {
		c.stdinGrace = stdinGrace
		c.signalGrace = signalGrace
	}
}

// Proc supervises one backend CLI subprocess. Stdout is the protocol
// stream, read line by line; stderr is never protocol and is republished
// as structured log records. Stop escalates: close stdin, SIGINT the
// process group, SIGKILL the group.
type Proc struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	reader   *ndjson.Reader
	writer   *ndjson.Writer
	logger   *slog.Logger
	config   procConfig
	path     string
	args     []string
	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
	mu       sync.Mutex
	started  bool
	stopping bool
}

// NewProc prepares a supervisor for the given executable. Start spawns it.
func NewProc(path string, args []string, opts ...ProcOption) *Proc {
	cfg := procConfig{
		logger:      slog.Default(),
		stdinGrace:  defaultStdinGrace,
		signalGrace: defaultSignalGrace,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Proc{
		config: cfg,
		logger: cfg.logger,
		path:   path,
		args:   args,
		exited: make(chan struct{}),
	}
}

// Start spawns the subprocess with stdin/stdout/stderr pipes.
func (p *Proc) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	p.cmd = exec.CommandContext(ctx, p.path, p.args...)
	procattr.Apply(p.cmd)

	if p.config.dir != "" {
		p.cmd.Dir = p.config.dir
	}
	if len(p.config.env) > 0 {
		p.cmd.Env = os.Environ()
		for k, v := range p.config.env {
			p.cmd.Env = append(p.cmd.Env, k+"="+v)
		}
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return &ProcessError{Message: "failed to get stdin pipe", Cause: err}
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return &ProcessError{Message: "failed to get stdout pipe", Cause: err}
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return &ProcessError{Message: "failed to get stderr pipe", Cause: err}
	}

	if err := p.cmd.Start(); err != nil {
		return &ProcessError{Message: "failed to start backend process", Cause: err}
	}

	p.stdin = stdin
	p.reader = ndjson.NewReader(stdout)
	p.writer = ndjson.NewWriter(stdin)
	p.started = true

	go p.drainStderr(stderr)
	go func() {
		err := p.cmd.Wait()
		p.waitOnce.Do(func() { p.waitErr = err })
		close(p.exited)
	}()

	return nil
}

// drainStderr republishes each stderr line as a log record so diagnostics
// survive without ever touching the protocol stream.
func (p *Proc) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("backend stderr", "line", scanner.Text())
	}
}

// ReadLine returns the next protocol line from stdout, without the
// trailing newline. Returns io.EOF when the process closes stdout.
func (p *Proc) ReadLine() ([]byte, error) {
	p.mu.Lock()
	reader := p.reader
	p.mu.Unlock()
	if reader == nil {
		return nil, io.EOF
	}
	return reader.ReadLine()
}

// WriteLine writes one protocol line to stdin.
func (p *Proc) WriteLine(line []byte) error {
	p.mu.Lock()
	writer := p.writer
	stopping := p.stopping
	p.mu.Unlock()
	if writer == nil {
		return ErrNotStarted
	}
	if stopping {
		return ErrClosed
	}
	return writer.WriteRaw(line)
}

// Done is closed when the subprocess exits for any reason.
func (p *Proc) Done() <-chan struct{} { return p.exited }

// Wait blocks until exit and returns the process's exit error.
func (p *Proc) Wait() error {
	<-p.exited
	return p.waitErr
}

// Close implements io.Closer for Conn teardown; it is Stop.
func (p *Proc) Close() error { return p.Stop() }

// Stop tears the subprocess down, escalating from a closed stdin through
// SIGINT to SIGKILL, each delivered to the whole process group.
func (p *Proc) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	if p.stdin != nil {
		p.stdin.Close()
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(p.config.stdinGrace):
	}

	if err := procattr.SignalGroup(p.cmd.Process, syscall.SIGINT); err != nil {
		p.logger.Warn("failed to signal backend process group", "error", err)
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(p.config.signalGrace):
	}

	p.logger.Warn("backend process ignored SIGINT, killing group")
	if err := procattr.KillGroup(p.cmd.Process); err != nil {
		return &ProcessError{Message: "failed to kill backend process group", Cause: err}
	}
	<-p.exited
	return nil
}
