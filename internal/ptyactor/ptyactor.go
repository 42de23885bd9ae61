// Package ptyactor owns a single inferior process and its PTY master pair.
// One Actor exists per pane; it is grounded on the PTY lifecycle the teacher
// wraps per-session in internal/egg/server.go (pty.StartWithSize, readPTY,
// done-channel exit reporting) generalized into a reusable, testable type
// with an explicit bounded write queue instead of a direct blocking Write.
package ptyactor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Size is a terminal dimension pair.
type Size struct {
	Cols uint16
	Rows uint16
}

// SpawnFailed is returned when the inferior cannot be forked or the PTY
// cannot be allocated.
type SpawnFailed struct {
	Reason string
}

func (e *SpawnFailed) Error() string { return fmt.Sprintf("spawn failed: %s", e.Reason) }

// Code is the structured wire error code for a spawn failure.
func (e *SpawnFailed) Code() string { return "SpawnFailed" }

// ErrWouldBlock signals write backpressure: the send buffer is full and the
// caller should retry rather than have the actor queue unboundedly.
var ErrWouldBlock = fmt.Errorf("ptyactor: would block")

// Config describes how to spawn the inferior.
type Config struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	Size    Size
}

// ExitResult is delivered exactly once on Done() when the inferior exits.
type ExitResult struct {
	Code int
	Err  error // non-nil for a transient I/O error rather than a clean exit
}

// Actor owns one PTY master and the exec.Cmd reading/writing it.
type Actor struct {
	cmd  *exec.Cmd
	ptmx *os.File

	writeCh chan []byte
	wake    chan struct{}

	mu       sync.Mutex
	size     Size
	closed   bool
	exitOnce sync.Once
	exitCh   chan ExitResult

	output chan []byte // lazy output sequence, closed after final send
}

const writeQueueDepth = 64

// Spawn starts the inferior attached to a new PTY of the given size.
func Spawn(ctx context.Context, cfg Config) (*Actor, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	size := &pty.Winsize{Cols: cfg.Size.Cols, Rows: cfg.Size.Rows}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, &SpawnFailed{Reason: err.Error()}
	}

	a := &Actor{
		cmd:     cmd,
		ptmx:    ptmx,
		writeCh: make(chan []byte, writeQueueDepth),
		wake:    make(chan struct{}, 1),
		size:    cfg.Size,
		exitCh:  make(chan ExitResult, 1),
		output:  make(chan []byte, 256),
	}

	go a.runWriter()
	go a.runReader()
	go a.runWaiter()

	return a, nil
}

// Write enqueues bytes for the inferior. Returns ErrWouldBlock if the bounded
// send buffer is full rather than blocking the caller indefinitely.
func (a *Actor) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case a.writeCh <- cp:
		return nil
	default:
		return ErrWouldBlock
	}
}

func (a *Actor) runWriter() {
	for p := range a.writeCh {
		if _, err := a.ptmx.Write(p); err != nil {
			return
		}
	}
}

// Output returns the lazy sequence of byte chunks produced by the inferior,
// in exact PTY order, terminated when the process exits.
func (a *Actor) Output() <-chan []byte {
	return a.output
}

func (a *Actor) runReader() {
	defer close(a.output)
	buf := make([]byte, 4096)
	for {
		n, err := a.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			a.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (a *Actor) runWaiter() {
	exitCode := 0
	var ioErr error
	waitErr := a.cmd.Wait()
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			ioErr = waitErr
		}
	}
	a.ptmx.Close()
	close(a.writeCh)
	a.exitOnce.Do(func() {
		a.exitCh <- ExitResult{Code: exitCode, Err: ioErr}
		close(a.exitCh)
	})
}

// Done reports the inferior's exit exactly once.
func (a *Actor) Done() <-chan ExitResult {
	return a.exitCh
}

// Resize changes the terminal dimensions. A kernel rejection leaves the
// prior size in place and is returned as an error naming the retained
// size; no warning event is emitted here.
func (a *Actor) Resize(size Size) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := pty.Setsize(a.ptmx, &pty.Winsize{Cols: size.Cols, Rows: size.Rows}); err != nil {
		return fmt.Errorf("resize rejected, retaining %dx%d: %w", a.size.Cols, a.size.Rows, err)
	}
	a.size = size
	return nil
}

// Size returns the last successfully applied dimensions.
func (a *Actor) Size() Size {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Kill sends signal sig to the inferior.
func (a *Actor) Kill(sig syscall.Signal) error {
	if a.cmd.Process == nil {
		return nil
	}
	return a.cmd.Process.Signal(sig)
}

// PID returns the inferior's process id.
func (a *Actor) PID() int {
	if a.cmd.Process == nil {
		return 0
	}
	return a.cmd.Process.Pid
}
