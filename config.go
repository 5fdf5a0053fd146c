package analyzer

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the complete controller configuration.
type Config struct {
	// Process describes the server executable.
	Process ProcessConfig

	// StartupTimeout bounds the handshake after spawning. Default: 10s.
	StartupTimeout time.Duration

	// ShutdownGrace is how long a graceful stop waits for the process to
	// exit before killing it. Default: 5s.
	ShutdownGrace time.Duration

	// ShutdownCommand is sent before terminating the process, giving the
	// server a chance to exit on its own. Empty disables it. Default: "exit".
	ShutdownCommand string

	// HandshakeCommand is sent after spawning to confirm the server is
	// ready before the state becomes running. Empty skips the handshake.
	// Default: "status".
	HandshakeCommand string

	// RequestTimeout is the default per-request deadline. Default: 30s.
	RequestTimeout time.Duration

	// AutoRestart enables crash recovery. Default: true.
	AutoRestart bool

	// MaxRestartAttempts bounds consecutive automatic restarts. Default: 5.
	MaxRestartAttempts int

	// RestartBackoff is the delay before the first automatic restart;
	// it doubles per consecutive attempt up to MaxRestartBackoff.
	// Defaults: 500ms and 30s.
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration

	// RestartResetWindow is how long the server must stay up for the
	// restart counter to reset. Default: 60s.
	RestartResetWindow time.Duration

	// Tracker configures request correlation.
	Tracker TrackerConfig

	// Dispatcher configures event fan-out.
	Dispatcher DispatcherConfig

	// Breaker configures the send circuit breaker.
	Breaker BreakerConfig

	// Retry configures per-send retry.
	Retry RetryPolicy
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		StartupTimeout:     10 * time.Second,
		ShutdownGrace:      5 * time.Second,
		ShutdownCommand:    "exit",
		HandshakeCommand:   "status",
		RequestTimeout:     30 * time.Second,
		AutoRestart:        true,
		MaxRestartAttempts: 5,
		RestartBackoff:     500 * time.Millisecond,
		MaxRestartBackoff:  30 * time.Second,
		RestartResetWindow: 60 * time.Second,
		Tracker:            DefaultTrackerConfig(),
		Dispatcher:         DefaultDispatcherConfig(),
		Breaker:            DefaultBreakerConfig(),
		Retry:              DefaultRetryPolicy(),
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Process.Command == "" {
		return fmt.Errorf("process command is required")
	}
	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("max restart attempts must be >= 0, got %d", c.MaxRestartAttempts)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry multiplier must be >= 1.0, got %v", c.Retry.Multiplier)
	}
	return nil
}

// ParseError wraps a configuration file parsing failure with its path.
type ParseError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// fileConfig is the TOML-facing shape. Durations are strings in the file
// ("30s", "500ms") and parsed into the runtime Config.
type fileConfig struct {
	Server struct {
		Command     string   `toml:"command"`
		Args        []string `toml:"args"`
		WorkDir     string   `toml:"workdir"`
		Env         []string `toml:"env"`
		StderrLines int      `toml:"stderr_lines"`
	} `toml:"server"`

	Lifecycle struct {
		StartupTimeout     string  `toml:"startup_timeout"`
		ShutdownGrace      string  `toml:"shutdown_grace"`
		ShutdownCommand    *string `toml:"shutdown_command"`
		HandshakeCommand   *string `toml:"handshake_command"`
		RequestTimeout     string  `toml:"request_timeout"`
		AutoRestart        *bool   `toml:"auto_restart"`
		MaxRestartAttempts *int    `toml:"max_restart_attempts"`
		RestartBackoff     string  `toml:"restart_backoff"`
		MaxRestartBackoff  string  `toml:"max_restart_backoff"`
		RestartResetWindow string  `toml:"restart_reset_window"`
	} `toml:"lifecycle"`

	Requests struct {
		MaxPending    int    `toml:"max_pending"`
		SweepInterval string `toml:"sweep_interval"`
	} `toml:"requests"`

	Events struct {
		QueueSize   int `toml:"queue_size"`
		WorkerCount int `toml:"worker_count"`
	} `toml:"events"`

	Breaker struct {
		FailureThreshold int    `toml:"failure_threshold"`
		ResetTimeout     string `toml:"reset_timeout"`
	} `toml:"breaker"`

	Retry struct {
		MaxAttempts  int     `toml:"max_attempts"`
		InitialDelay string  `toml:"initial_delay"`
		MaxDelay     string  `toml:"max_delay"`
		Multiplier   float64 `toml:"multiplier"`
	} `toml:"retry"`
}

// LoadConfig reads a TOML configuration file and overlays it on the
// defaults. Unset fields keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, &ParseError{Path: path, Err: err}
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return cfg, &ParseError{Path: path, Err: err}
	}

	cfg.Process.Command = fc.Server.Command
	cfg.Process.Args = fc.Server.Args
	cfg.Process.WorkDir = fc.Server.WorkDir
	cfg.Process.Env = fc.Server.Env
	if fc.Server.StderrLines > 0 {
		cfg.Process.StderrLines = fc.Server.StderrLines
	}

	if err := overlayDuration(&cfg.StartupTimeout, fc.Lifecycle.StartupTimeout); err != nil {
		return cfg, &ParseError{Path: path, Err: fmt.Errorf("startup_timeout: %w", err)}
	}
	if err := overlayDuration(&cfg.ShutdownGrace, fc.Lifecycle.ShutdownGrace); err != nil {
		return cfg, &ParseError{Path: path, Err: fmt.Errorf("shutdown_grace: %w", err)}
	}
	if fc.Lifecycle.ShutdownCommand != nil {
		cfg.ShutdownCommand = *fc.Lifecycle.ShutdownCommand
	}
	if fc.Lifecycle.HandshakeCommand != nil {
		cfg.HandshakeCommand = *fc.Lifecycle.HandshakeCommand
	}
	if err := overlayDuration(&cfg.RequestTimeout, fc.Lifecycle.RequestTimeout); err != nil {
		return cfg, &ParseError{Path: path, Err: fmt.Errorf("request_timeout: %w", err)}
	}
	if fc.Lifecycle.AutoRestart != nil {
		cfg.AutoRestart = *fc.Lifecycle.AutoRestart
	}
	if fc.Lifecycle.MaxRestartAttempts != nil {
		cfg.MaxRestartAttempts = *fc.Lifecycle.MaxRestartAttempts
	}
	if err := overlayDuration(&cfg.RestartBackoff, fc.Lifecycle.RestartBackoff); err != nil {
		return cfg, &ParseError{Path: path, Err: fmt.Errorf("restart_backoff: %w", err)}
	}
	if err := overlayDuration(&cfg.MaxRestartBackoff, fc.Lifecycle.MaxRestartBackoff); err != nil {
		return cfg, &ParseError{Path: path, Err: fmt.Errorf("max_restart_backoff: %w", err)}
	}
	if err := overlayDuration(&cfg.RestartResetWindow, fc.Lifecycle.RestartResetWindow); err != nil {
		return cfg, &ParseError{Path: path, Err: fmt.Errorf("restart_reset_window: %w", err)}
	}

	if fc.Requests.MaxPending > 0 {
		cfg.Tracker.MaxPending = fc.Requests.MaxPending
	}
	if err := overlayDuration(&cfg.Tracker.SweepInterval, fc.Requests.SweepInterval); err != nil {
		return cfg, &ParseError{Path: path, Err: fmt.Errorf("sweep_interval: %w", err)}
	}
	cfg.Tracker.DefaultTimeout = cfg.RequestTimeout

	if fc.Events.QueueSize > 0 {
		cfg.Dispatcher.QueueSize = fc.Events.QueueSize
	}
	if fc.Events.WorkerCount > 0 {
		cfg.Dispatcher.WorkerCount = fc.Events.WorkerCount
	}

	if fc.Breaker.FailureThreshold > 0 {
		cfg.Breaker.FailureThreshold = fc.Breaker.FailureThreshold
	}
	if err := overlayDuration(&cfg.Breaker.ResetTimeout, fc.Breaker.ResetTimeout); err != nil {
		return cfg, &ParseError{Path: path, Err: fmt.Errorf("reset_timeout: %w", err)}
	}

	if fc.Retry.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = fc.Retry.MaxAttempts
	}
	if err := overlayDuration(&cfg.Retry.InitialDelay, fc.Retry.InitialDelay); err != nil {
		return cfg, &ParseError{Path: path, Err: fmt.Errorf("initial_delay: %w", err)}
	}
	if err := overlayDuration(&cfg.Retry.MaxDelay, fc.Retry.MaxDelay); err != nil {
		return cfg, &ParseError{Path: path, Err: fmt.Errorf("max_delay: %w", err)}
	}
	if fc.Retry.Multiplier > 0 {
		cfg.Retry.Multiplier = fc.Retry.Multiplier
	}

	return cfg, nil
}

// overlayDuration parses a duration string into dst when non-empty.
func overlayDuration(dst *time.Duration, s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
