package analyzer

import (
	"errors"
	"fmt"
)

// Standard errors returned by the analyzer client.
var (
	// ErrNotRunning indicates the server is not in the running state.
	ErrNotRunning = errors.New("analysis server not running")

	// ErrAlreadyStarted indicates the server is already started.
	ErrAlreadyStarted = errors.New("analysis server already started")

	// ErrShutdown indicates the controller has been shut down.
	ErrShutdown = errors.New("analysis server shut down")

	// ErrRequestTimeout indicates no response arrived within the deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRequestCancelled indicates a pending request was cancelled.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyPending indicates the pending-request limit was reached.
	ErrTooManyPending = errors.New("too many pending requests")

	// ErrChannelClosed indicates the communication channel has been closed.
	ErrChannelClosed = errors.New("channel closed")

	// ErrServerCrashed indicates the server process terminated unexpectedly.
	ErrServerCrashed = errors.New("server crashed")

	// ErrInvalidState indicates an operation not allowed in the current
	// server state.
	ErrInvalidState = errors.New("invalid server state")
)

// StartupError indicates the server could not be started: a bad executable
// path, a missing working directory, a spawn failure, or a handshake timeout.
type StartupError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *StartupError) Unwrap() error {
	return e.Err
}

// CommunicationError indicates a failure on the wire: a write error, a
// malformed frame, or a rejected send. Per-request communication errors are
// local to the affected request; channel-level ones terminate the channel.
type CommunicationError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *CommunicationError) Error() string {
	return fmt.Sprintf("communication failure during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// DecodeError indicates a message could not be decoded, or a response body
// did not match the shape expected at the call site.
type DecodeError struct {
	What string
	Err  error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ProcessExitError reports an unexpected process exit and its exit code.
type ProcessExitError struct {
	Code int
	Err  error
}

// Error implements the error interface.
func (e *ProcessExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process exited with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// Unwrap returns the underlying error.
func (e *ProcessExitError) Unwrap() error {
	return e.Err
}

// StateTransitionError reports a rejected server state transition.
type StateTransitionError struct {
	From ServerState
	To   ServerState
}

// Error implements the error interface.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %v -> %v", e.From, e.To)
}

// Unwrap returns ErrInvalidState so callers can match with errors.Is.
func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidState
}

// RemoteError represents a failure reported by the analysis server in a
// response with success=false.
type RemoteError struct {
	Command string
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("command %s failed", e.Command)
	}
	return fmt.Sprintf("command %s failed: %s", e.Command, e.Message)
}
