package backend

import (
	"log/slog"
	"os"

	"github.com/coderelay/agentmux/agentwire"
)

// Config carries everything an adapter needs before Start. Built through
// functional options so adapters pick sensible defaults.
type Config struct {
	Executable      string
	Args            []string
	CWD             string
	Env             map[string]string
	Options         agentwire.SessionOptions
	Logger          *slog.Logger
	EventBufferSize int
}

// Option mutates a Config.
type Option func(*Config)

// NewConfig builds a Config from options.
func NewConfig(opts ...Option) Config {
	cfg := Config{
		Logger:          slog.Default(),
		EventBufferSize: 256,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExecutable overrides the backend CLI path.
func WithExecutable(path string) Option {
	return func(c *Config) { c.Executable = path }
}

// WithArgs appends extra CLI arguments.
func WithArgs(args ...string) Option {
	return func(c *Config) { c.Args = append(c.Args, args...) }
}

// WithCWD sets the backend's working directory.
func WithCWD(dir string) Option {
	return func(c *Config) { c.CWD = dir }
}

// WithEnv adds environment variables for the subprocess.
func WithEnv(env map[string]string) Option {
	return func(c *Config) { c.Env = env }
}

// WithSessionOptions sets model, permission mode, system prompt, and
// resume target.
func WithSessionOptions(opts agentwire.SessionOptions) Option {
	return func(c *Config) { c.Options = opts }
}

// WithConfigLogger sets the adapter's logger.
func WithConfigLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithEventBufferSize sets the event channel depth.
func WithEventBufferSize(n int) Option {
	return func(c *Config) { c.EventBufferSize = n }
}

// ResolveExecutable picks the backend binary: explicit config first, then
// the environment override, then the built-in default.
func ResolveExecutable(configured, envVar, fallback string) string {
	if configured != "" {
		return configured
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}
