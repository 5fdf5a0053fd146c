package analyzer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ProcessState represents the lifecycle state of a child process.
type ProcessState int32

const (
	// ProcessStateIdle means the process has not been started.
	ProcessStateIdle ProcessState = iota

	// ProcessStateRunning means the process is alive.
	ProcessStateRunning

	// ProcessStateExited means the process has terminated.
	ProcessStateExited
)

// String returns the string representation of the state.
func (s ProcessState) String() string {
	switch s {
	case ProcessStateIdle:
		return "idle"
	case ProcessStateRunning:
		return "running"
	case ProcessStateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ProcessConfig describes how to launch the server executable.
type ProcessConfig struct {
	// Command is the path to the server executable.
	Command string

	// Args are passed to the executable.
	Args []string

	// WorkDir is the working directory. Empty means inherit.
	WorkDir string

	// Env is appended to the parent environment.
	Env []string

	// StderrLines bounds the retained tail of the child's stderr,
	// kept for crash diagnostics. Default: 100.
	StderrLines int
}

// Process wraps a single run of the server executable. It owns the stdio
// pipes, drains stderr into a bounded tail, and records the exit code when
// the child terminates. A Process is single-use: once exited it cannot be
// restarted, a new Process is launched instead.
type Process struct {
	// ID uniquely identifies this run.
	ID string

	config ProcessConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	state    atomic.Int32
	exitCode atomic.Int32
	exitErr  error
	started  time.Time

	stderrMu   sync.Mutex
	stderrTail []string

	done      chan struct{}
	closeOnce sync.Once
}

// StartProcess validates the configuration, spawns the executable, and
// begins draining its stderr. The returned process is in the running state.
func StartProcess(config ProcessConfig, logger *slog.Logger) (*Process, error) {
	if config.Command == "" {
		return nil, &StartupError{Command: config.Command, Err: errors.New("command is required")}
	}
	if config.StderrLines <= 0 {
		config.StderrLines = 100
	}
	if config.WorkDir != "" {
		info, err := os.Stat(config.WorkDir)
		if err != nil {
			return nil, &StartupError{Command: config.Command, Err: fmt.Errorf("working directory: %w", err)}
		}
		if !info.IsDir() {
			return nil, &StartupError{Command: config.Command, Err: fmt.Errorf("working directory %s is not a directory", config.WorkDir)}
		}
	}
	if logger == nil {
		logger = NopLogger()
	}

	cmd := exec.Command(config.Command, config.Args...)
	cmd.Dir = config.WorkDir
	if len(config.Env) > 0 {
		cmd.Env = append(os.Environ(), config.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &StartupError{Command: config.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartupError{Command: config.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &StartupError{Command: config.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &StartupError{Command: config.Command, Err: err}
	}

	p := &Process{
		ID:      uuid.New().String(),
		config:  config,
		logger:  logger,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	p.state.Store(int32(ProcessStateRunning))
	p.exitCode.Store(-1)

	go p.drainStderr(stderr)
	go p.waitLoop()

	p.logger.Debug("process started",
		"id", p.ID, "command", config.Command, "pid", cmd.Process.Pid)

	return p, nil
}

// Stdin returns the child's stdin pipe.
func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

// Stdout returns the child's stdout pipe.
func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// PID returns the process ID, or 0 if never started.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// State returns the current process state.
func (p *Process) State() ProcessState {
	return ProcessState(p.state.Load())
}

// IsRunning returns true while the child is alive.
func (p *Process) IsRunning() bool {
	return p.State() == ProcessStateRunning
}

// Done returns a channel closed when the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the child's exit code. It is -1 before exit and for
// signal-terminated children where no code is available.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error recorded by Wait, nil for a clean exit.
// Valid only after Done is closed.
func (p *Process) ExitError() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Uptime returns how long the process has been (or was) alive.
func (p *Process) Uptime() time.Duration {
	return time.Since(p.started)
}

// StderrTail returns the retained tail of the child's stderr output.
func (p *Process) StderrTail() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	out := make([]string, len(p.stderrTail))
	copy(out, p.stderrTail)
	return out
}

// Signal sends a signal to the child.
func (p *Process) Signal(sig os.Signal) error {
	if !p.IsRunning() {
		return ErrNotRunning
	}
	return p.cmd.Process.Signal(sig)
}

// Stop terminates the child: SIGTERM first, then SIGKILL if the child has
// not exited within grace. Returns nil if the child is already gone.
func (p *Process) Stop(grace time.Duration) error {
	if !p.IsRunning() {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already reaped between the state check and the signal.
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return p.Kill()
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		p.logger.Warn("process did not exit in time, killing",
			"id", p.ID, "pid", p.PID(), "grace", grace)
		return p.Kill()
	}
}

// Kill forcibly terminates the child with SIGKILL.
func (p *Process) Kill() error {
	if !p.IsRunning() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}

// waitLoop reaps the child and records its exit status.
func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if status.Exited() {
					code = status.ExitStatus()
				}
			} else {
				code = exitErr.ExitCode()
			}
		}
	}

	p.exitErr = err
	p.exitCode.Store(int32(code))
	p.state.Store(int32(ProcessStateExited))
	p.closeOnce.Do(func() {
		close(p.done)
	})

	p.logger.Debug("process exited", "id", p.ID, "pid", p.PID(), "code", code)
}

// drainStderr keeps the last StderrLines lines of stderr for diagnostics.
func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("server stderr", "id", p.ID, "line", line)

		p.stderrMu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > p.config.StderrLines {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-p.config.StderrLines:]
		}
		p.stderrMu.Unlock()
	}
}
