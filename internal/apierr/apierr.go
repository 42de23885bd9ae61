// Package apierr maps the daemon's internal error types to the structured
// wire error kinds spec'd in §7 (NotFound, InvalidCommand,
// HumanControlActive, SessionNotAttached, PersistenceError, Timeout,
// WouldBlock, Cancelled, ReplayUnavailable, SpawnFailed). Grounded on the
// teacher's pattern of small sentinel/typed errors answering a Code()
// method the transport layer switches on, generalized from the teacher's
// one-dimensional task-error codes to the full §7 taxonomy.
package apierr

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/fanout"
	"github.com/loomterm/loom/internal/pane"
	"github.com/loomterm/loom/internal/ptyactor"
	"github.com/loomterm/loom/internal/workspace"
)

// Coded is implemented by any error that knows its own wire code.
type Coded interface {
	error
	Code() string
}

// NotFound wraps a lookup miss (session/window/pane/worker id) not already
// carrying a more specific code.
type NotFound struct{ What string }

func (e *NotFound) Error() string { return "not found: " + e.What }
func (e *NotFound) Code() string  { return "NotFound" }

// SessionNotAttached is returned when a tool call that requires session
// attachment arrives on an unattached connection.
type SessionNotAttached struct{}

func (e *SessionNotAttached) Error() string { return "no session attached to this connection" }
func (e *SessionNotAttached) Code() string  { return "SessionNotAttached" }

// Timeout is returned when expect/run_* polling exceeds its deadline.
type Timeout struct{ Op string }

func (e *Timeout) Error() string { return "timeout: " + e.Op }
func (e *Timeout) Code() string  { return "Timeout" }

// Cancelled is returned when a caller's context is cancelled mid-poll
// (disconnect, or an explicit cancellation signal).
type Cancelled struct{ Op string }

func (e *Cancelled) Error() string { return "cancelled: " + e.Op }
func (e *Cancelled) Code() string  { return "Cancelled" }

// Code returns the wire error code for err, defaulting to "Internal" for
// anything not in the §7 taxonomy.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}

	var humanControl *command.ErrHumanControlActive
	if errors.As(err, &humanControl) {
		return "HumanControlActive"
	}
	var invalid *command.ErrInvalidCommand
	if errors.As(err, &invalid) {
		return "InvalidCommand"
	}
	var persistence *command.ErrPersistence
	if errors.As(err, &persistence) {
		return "PersistenceError"
	}
	var spawnFailed *ptyactor.SpawnFailed
	if errors.As(err, &spawnFailed) {
		return "SpawnFailed"
	}

	switch {
	case errors.Is(err, ptyactor.ErrWouldBlock):
		return "WouldBlock"
	case errors.Is(err, fanout.ErrReplayUnavailable):
		return "ReplayUnavailable"
	case errors.Is(err, workspace.ErrPaneNotFound), errors.Is(err, workspace.ErrWindowNotFound):
		return "NotFound"
	case errors.Is(err, pane.ErrNotWritable):
		return "InvalidCommand"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	default:
		return "Internal"
	}
}

// RetryAfterMs extracts the retry hint carried by ErrHumanControlActive, if
// any.
func RetryAfterMs(err error) int64 {
	var humanControl *command.ErrHumanControlActive
	if errors.As(err, &humanControl) {
		return humanControl.RetryAfterMs
	}
	return 0
}

// Message renders a human-readable message for the wire ErrorPayload.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}
