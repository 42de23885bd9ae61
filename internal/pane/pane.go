// Package pane pairs a PTY actor with a grid, owning the per-pane
// scrollback ring, isolation directory, and agent metadata map. Grounded on
// the teacher's internal/egg/server.go Session type (one PTY + one grid per
// unit, agentPreamble-style per-agent env injection), generalized into the
// pane/mirror/exited state machine the daemon's hierarchy needs.
package pane

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/loomterm/loom/internal/grid"
	"github.com/loomterm/loom/internal/ids"
	"github.com/loomterm/loom/internal/ptyactor"
)

// Kind distinguishes a real terminal pane from a mirror or an exited one.
type Kind int

const (
	KindTerminal Kind = iota
	KindMirror
	KindExited
)

// Spec describes how to create a pane.
type Spec struct {
	ID          ids.PaneID
	WindowID    ids.WindowID
	Command     []string
	Cwd         string
	EnvOverlay  map[string]string
	Cols, Rows  int
	Scrollback  int
	StateDir    string // parent of isolation/pane-<id>
	MirrorOf    ids.PaneID
}

// Pane is a terminal surface bound to one inferior process and one grid, or
// a mirror of another pane's grid, or an exited husk retaining scrollback.
type Pane struct {
	ID       ids.PaneID
	WindowID ids.WindowID

	mu        sync.RWMutex
	kind      Kind
	mirrorOf  ids.PaneID
	exitCode  int
	restored  bool // came back from a checkpoint; eligible for lazy respawn

	actor *ptyactor.Actor
	grid  *grid.Grid

	cols, rows int
	cwd        string
	command    []string
	envOverlay map[string]string
	isolation  string

	metadata map[string]string

	subMu sync.Mutex
	subs  map[int]chan []byte
	nextSub int

	done chan struct{}
}

// Create spawns a pane's inferior and wires it to a grid. Mirrors never
// spawn a PTY of their own.
func Create(ctx context.Context, spec Spec) (*Pane, error) {
	p := &Pane{
		ID:         spec.ID,
		WindowID:   spec.WindowID,
		cols:       spec.Cols,
		rows:       spec.Rows,
		cwd:        spec.Cwd,
		command:    spec.Command,
		envOverlay: spec.EnvOverlay,
		metadata:   make(map[string]string),
		done:       make(chan struct{}),
	}

	if !spec.MirrorOf.Empty() {
		p.kind = KindMirror
		p.mirrorOf = spec.MirrorOf
		close(p.done)
		return p, nil
	}

	isolationDir := filepath.Join(spec.StateDir, "isolation", "pane-"+spec.ID.String())
	if err := os.MkdirAll(isolationDir, 0755); err != nil {
		return nil, fmt.Errorf("create isolation dir: %w", err)
	}
	p.isolation = isolationDir

	env := buildEnv(isolationDir, spec.EnvOverlay)

	scrollback := spec.Scrollback
	g := grid.New(spec.Cols, spec.Rows, scrollback)

	if len(spec.Command) == 0 {
		return nil, &ptyactor.SpawnFailed{Reason: "no command specified"}
	}

	a, err := ptyactor.Spawn(ctx, ptyactor.Config{
		Command: spec.Command[0],
		Args:    spec.Command[1:],
		Env:     env,
		Dir:     spec.Cwd,
		Size:    ptyactor.Size{Cols: uint16(spec.Cols), Rows: uint16(spec.Rows)},
	})
	if err != nil {
		return nil, err
	}

	p.kind = KindTerminal
	p.actor = a
	p.grid = g

	go p.pump(a, p.done)

	return p, nil
}

// Restore rebuilds a checkpointed pane as an exited husk: its inferior is
// gone after a daemon restart, but its scrollback tail is replayed into a
// fresh grid so reads and `expect` against history still work until the
// pane is respawned or closed. Used only by the engine's recovery paths,
// never by the normal create/split/mirror paths.
func Restore(spec Spec, tail []string, exitCode int) *Pane {
	p := &Pane{
		ID:         spec.ID,
		WindowID:   spec.WindowID,
		cols:       spec.Cols,
		rows:       spec.Rows,
		cwd:        spec.Cwd,
		command:    spec.Command,
		envOverlay: spec.EnvOverlay,
		metadata:   make(map[string]string),
		done:       make(chan struct{}),
		kind:       KindExited,
		exitCode:   exitCode,
		restored:   true,
	}
	close(p.done)
	if !spec.MirrorOf.Empty() {
		// Mirrors hold no process or grid; they come back as mirrors, not
		// husks, and reads keep resolving their source pane.
		p.kind = KindMirror
		p.mirrorOf = spec.MirrorOf
		p.restored = false
		return p
	}
	g := grid.New(spec.Cols, spec.Rows, spec.Scrollback)
	for _, line := range tail {
		g.Write([]byte(line + "\r\n"))
	}
	p.grid = g
	return p
}

// buildEnv layers process env, then the given overlay, then the
// isolation-dir variable — later entries win. It takes a single overlay
// map: separate session and pane overlays are not merged here.
func buildEnv(isolationDir string, overlay map[string]string) []string {
	env := os.Environ()
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	env = append(env, "LOOM_CONFIG_DIR="+isolationDir)
	return env
}

func (p *Pane) pump(actor *ptyactor.Actor, done chan struct{}) {
	for chunk := range actor.Output() {
		p.grid.Write(chunk)
		p.fanoutChunk(chunk)
	}
	res := <-actor.Done()
	p.mu.Lock()
	p.kind = KindExited
	p.exitCode = res.Code
	p.mu.Unlock()
	close(done)
}

// fanoutChunk delivers a raw output chunk to every subscriber,
// best-effort: a subscriber whose channel is full loses the chunk rather
// than stalling the read pump (the grid remains authoritative, so a lagging
// reader converges by re-reading it).
func (p *Pane) fanoutChunk(chunk []byte) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- chunk:
		default:
		}
	}
}

// Subscribe returns a channel of raw output chunks and a cancel function.
// Delivery is best-effort; chunks are dropped for slow subscribers.
func (p *Pane) Subscribe() (<-chan []byte, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if p.subs == nil {
		p.subs = make(map[int]chan []byte)
	}
	id := p.nextSub
	p.nextSub++
	ch := make(chan []byte, 64)
	p.subs[id] = ch
	return ch, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

// Respawn restarts the inferior of a checkpoint-restored pane with its
// original command, cwd and environment, keeping the existing grid so the
// ghost image stays on screen until the fresh process paints over it. Only
// panes that came back from a checkpoint are eligible: an inferior that
// exited while the daemon was live stays exited. No-op otherwise.
func (p *Pane) Respawn(ctx context.Context, stateDir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kind != KindExited || !p.restored || len(p.command) == 0 {
		return nil
	}

	if p.isolation == "" {
		p.isolation = filepath.Join(stateDir, "isolation", "pane-"+p.ID.String())
		if err := os.MkdirAll(p.isolation, 0755); err != nil {
			return fmt.Errorf("create isolation dir: %w", err)
		}
	}
	env := buildEnv(p.isolation, p.envOverlay)
	// Cooperating inferiors resume from their persisted token.
	if token := p.metadata["resume_token"]; token != "" {
		env = append(env, "LOOM_RESUME_TOKEN="+token)
	}
	a, err := ptyactor.Spawn(ctx, ptyactor.Config{
		Command: p.command[0],
		Args:    p.command[1:],
		Env:     env,
		Dir:     p.cwd,
		Size:    ptyactor.Size{Cols: uint16(p.cols), Rows: uint16(p.rows)},
	})
	if err != nil {
		return err
	}
	p.actor = a
	p.kind = KindTerminal
	p.restored = false
	p.done = make(chan struct{})
	go p.pump(a, p.done)
	return nil
}

// Kind reports the pane's current lifecycle state.
func (p *Pane) Kind() Kind {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.kind
}

// ExitCode is only meaningful once Kind() == KindExited.
func (p *Pane) ExitCode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode
}

// MirrorSource returns the source pane id for a mirror pane.
func (p *Pane) MirrorSource() ids.PaneID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mirrorOf
}

// Write sends input bytes to the inferior. Mirrors and exited panes reject
// writes with ErrNotWritable.
func (p *Pane) Write(b []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.kind != KindTerminal {
		return ErrNotWritable
	}
	return p.actor.Write(b)
}

// ErrNotWritable is returned when Write is called on a mirror or exited pane.
var ErrNotWritable = fmt.Errorf("pane: not writable")

// Resize changes the pane's terminal dimensions; a no-op on mirrors and
// exited panes.
func (p *Pane) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kind != KindTerminal {
		return nil
	}
	if err := p.actor.Resize(ptyactor.Size{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return err
	}
	p.grid.Resize(cols, rows)
	p.cols, p.rows = cols, rows
	return nil
}

// Kill terminates the pane's inferior with the given signal. A no-op for
// mirrors and already-exited panes.
func (p *Pane) Kill(sig syscall.Signal) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.kind != KindTerminal {
		return nil
	}
	return p.actor.Kill(sig)
}

// Grid exposes the underlying grid for snapshot/diff/read operations. Nil
// for mirror panes — callers must resolve the mirror source first.
func (p *Pane) Grid() *grid.Grid {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.grid
}

// Done reports exit of the pane's current inferior. Respawn replaces the
// channel, so callers should re-fetch it after a restart.
func (p *Pane) Done() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.done
}

// SetMetadata sets an opaque metadata key.
func (p *Pane) SetMetadata(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadata[key] = value
}

// Metadata returns a copy of the metadata map.
func (p *Pane) Metadata() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.metadata))
	for k, v := range p.metadata {
		out[k] = v
	}
	return out
}

// IsolationDir returns the pane's per-pane config directory, empty for
// mirrors.
func (p *Pane) IsolationDir() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isolation
}

// EnvOverlay returns a copy of the pane's environment overlay.
func (p *Pane) EnvOverlay() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.envOverlay))
	for k, v := range p.envOverlay {
		out[k] = v
	}
	return out
}

// Size returns the pane's current terminal dimensions.
func (p *Pane) Size() (cols, rows int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cols, p.rows
}

// Cwd returns the working directory the pane's inferior was spawned with.
func (p *Pane) Cwd() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cwd
}

// Command returns the argv the pane's inferior was spawned with.
func (p *Pane) Command() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.command...)
}
