// Package engine is the daemon's single authoritative state machine: it
// owns the session/window/pane hierarchy and the orchestration mailbox, and
// implements command.Validator and command.Applier so the sequencer can
// drive every mutation through it. Grounded on the teacher's Session-as-
// shared-owning-object pattern in internal/egg/server.go (one struct that
// both tool calls and the transport layer reach into, guarded by a single
// mutex), generalized from one PTY session to the full pane/window/session
// hierarchy plus mailbox routing.
package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/loomterm/loom/internal/checkpoint"
	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/config"
	"github.com/loomterm/loom/internal/ids"
	"github.com/loomterm/loom/internal/mailbox"
	"github.com/loomterm/loom/internal/pane"
	"github.com/loomterm/loom/internal/workspace"
)

const killSignal = unix.SIGTERM

// Engine is the combined Validator + Applier. Apply is only ever invoked by
// the sequencer's single critical section, so it performs no locking of its
// own beyond what's needed to stay safe against concurrent Validate/read
// calls made by the tool bridge against a live snapshot.
type Engine struct {
	ctx context.Context
	cfg *config.Config

	mu       sync.RWMutex
	sessions *workspace.Registry
	panes    map[ids.PaneID]*pane.Pane
	mailbox  *mailbox.Registry

	// staged holds panes spawned during Validate, keyed by command id, so a
	// spawn failure surfaces before the command is WAL-appended and Apply
	// stays total. The sequencer discards an entry if the append fails.
	stagedMu sync.Mutex
	staged   map[ids.CommandID]*pane.Pane
}

// New creates an empty engine (no sessions, no panes).
func New(ctx context.Context, cfg *config.Config) *Engine {
	return &Engine{
		ctx:      ctx,
		cfg:      cfg,
		sessions: workspace.NewRegistry(),
		panes:    make(map[ids.PaneID]*pane.Pane),
		mailbox:  mailbox.NewRegistry(cfg.MailboxCapacity),
		staged:   make(map[ids.CommandID]*pane.Pane),
	}
}

// Sessions exposes the read-only session registry for snapshot encoding and
// read-only tool calls, which bypass the sequencer entirely per spec.
func (e *Engine) Sessions() *workspace.Registry {
	return e.sessions
}

// Pane looks up a live pane by id for read-only access (tool bridge
// read/get_status calls).
func (e *Engine) Pane(id ids.PaneID) (*pane.Pane, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.panes[id]
	return p, ok
}

// Mailbox exposes the mailbox registry for poll-by-worker-id tool calls.
func (e *Engine) Mailbox() *mailbox.Registry {
	return e.mailbox
}

// Validate checks structural preconditions before a command is sequenced:
// referenced ids must currently exist. It takes the read lock only, so it
// never blocks concurrent reads, and it leaves the session and pane
// registries unchanged; for a create/split command it does spawn the new
// pane and record it as staged (see stageSpawn).
func (e *Engine) Validate(cmd command.Command) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch cmd.Kind {
	case command.KindCreateSession:
		p, ok := cmd.Payload.(command.CreateSessionPayload)
		if !ok {
			return fmt.Errorf("create_session: bad payload type")
		}
		if p.Name == "" {
			return fmt.Errorf("create_session: name required")
		}
		if _, ok := e.sessions.GetByName(p.Name); ok {
			return workspace.ErrNameTaken
		}
	case command.KindDestroySession, command.KindCreateWindow:
		sid := sessionIDOf(cmd)
		if _, ok := e.sessions.Get(sid); !ok {
			return fmt.Errorf("session not found: %s", sid)
		}
	case command.KindRenameSession:
		p := cmd.Payload.(command.RenameSessionPayload)
		if _, ok := e.sessions.Get(p.SessionID); !ok {
			return fmt.Errorf("session not found: %s", p.SessionID)
		}
		if p.Name == "" {
			return fmt.Errorf("rename_session: name required")
		}
		if existing, ok := e.sessions.GetByName(p.Name); ok && existing.ID != p.SessionID {
			return workspace.ErrNameTaken
		}
	case command.KindCloseWindow, command.KindSelectWindow:
		sid := sessionIDOf(cmd)
		s, ok := e.sessions.Get(sid)
		if !ok {
			return fmt.Errorf("session not found: %s", sid)
		}
		wid := windowIDOf(cmd)
		if _, err := s.Window(wid); err != nil {
			return err
		}
	case command.KindRenameWindow, command.KindCreatePane, command.KindClosePane,
		command.KindFocusPane, command.KindSplitPane, command.KindResizePane, command.KindMirrorPane:
		wid := windowIDOf(cmd)
		if _, _, ok := e.findWindow(wid); !ok {
			return fmt.Errorf("window not found: %s", wid)
		}
	case command.KindSendInput:
		p := cmd.Payload.(command.SendInputPayload)
		if _, ok := e.panes[p.PaneID]; !ok {
			return fmt.Errorf("pane not found: %s", p.PaneID)
		}
	}
	return e.stageSpawn(cmd)
}

// stageSpawn pre-spawns the pane a create/split command introduces, keyed
// by command id, so the spawn happens before the command is durably
// recorded. Skipped when the payload carries no pane id (direct Apply
// callers and replay mint none here; Apply falls back to spawnOrHusk).
func (e *Engine) stageSpawn(cmd command.Command) error {
	var (
		paneID  ids.PaneID
		argv    []string
		cwd     string
		overlay map[string]string
	)
	switch p := cmd.Payload.(type) {
	case command.CreateSessionPayload:
		paneID, argv, cwd, overlay = p.FirstPane, p.Command, p.Cwd, p.Env
	case command.CreateWindowPayload:
		paneID, argv, cwd = p.FirstPane, p.Command, p.Cwd
		if s, ok := e.sessions.Get(p.SessionID); ok {
			overlay = s.EnvOverlay()
		}
	case command.CreatePanePayload:
		paneID, argv, cwd = p.NewPane, p.Command, p.Cwd
	case command.SplitPanePayload:
		paneID = p.NewPane
		argv, cwd = e.splitSpec(p)
	default:
		return nil
	}
	if paneID.Empty() || cmd.ID.Empty() {
		return nil
	}

	spawned, err := e.spawnPane(paneID, argv, cwd, overlay)
	if err != nil {
		return err
	}
	e.stagedMu.Lock()
	e.staged[cmd.ID] = spawned
	e.stagedMu.Unlock()
	return nil
}

// splitSpec resolves a split's command/cwd, inheriting from the target pane
// when the payload leaves them unset.
func (e *Engine) splitSpec(p command.SplitPanePayload) (argv []string, cwd string) {
	argv, cwd = p.Command, p.Cwd
	if target, ok := e.panes[p.TargetPane]; ok {
		if len(argv) == 0 {
			argv = target.Command()
		}
		if cwd == "" {
			cwd = target.Cwd()
		}
	}
	return argv, cwd
}

// Discard implements command.Discarder: it kills a pane staged for a
// command the sequencer aborted after validation (WAL append failure).
func (e *Engine) Discard(cmd command.Command) {
	e.stagedMu.Lock()
	spawned, ok := e.staged[cmd.ID]
	delete(e.staged, cmd.ID)
	e.stagedMu.Unlock()
	if ok {
		spawned.Kill(killSignal)
	}
}

// takeStaged claims the pane staged for cmd, if any.
func (e *Engine) takeStaged(id ids.CommandID) *pane.Pane {
	e.stagedMu.Lock()
	defer e.stagedMu.Unlock()
	p, ok := e.staged[id]
	if ok {
		delete(e.staged, id)
	}
	return p
}

// Apply performs the state transition for a validated, sequenced command.
// It is total over state: a validated id that has vanished is a bug and
// panics. A returned error is a per-command outcome (write backpressure,
// pane not writable) delivered back to the origin by the sequencer.
func (e *Engine) Apply(seq command.CommitSeq, cmd command.Command) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch cmd.Kind {
	case command.KindCreateSession:
		return e.applyCreateSession(cmd.ID, cmd.Payload.(command.CreateSessionPayload))
	case command.KindRenameSession:
		p := cmd.Payload.(command.RenameSessionPayload)
		return nil, e.sessions.Rename(p.SessionID, p.Name)
	case command.KindDestroySession:
		return e.applyDestroySession(cmd.Payload.(command.DestroySessionPayload))
	case command.KindCreateWindow:
		return e.applyCreateWindow(cmd.ID, cmd.Payload.(command.CreateWindowPayload))
	case command.KindCloseWindow:
		return nil, e.applyCloseWindow(cmd.Payload.(command.CloseWindowPayload))
	case command.KindSelectWindow:
		return nil, e.applySelectWindow(cmd.Payload.(command.SelectWindowPayload))
	case command.KindRenameWindow:
		return nil, e.applyRenameWindow(cmd.Payload.(command.RenameWindowPayload))
	case command.KindCreatePane:
		return e.applyCreatePane(cmd.ID, cmd.Payload.(command.CreatePanePayload))
	case command.KindClosePane:
		return nil, e.applyClosePane(cmd.Payload.(command.ClosePanePayload))
	case command.KindFocusPane:
		return nil, e.applyFocusPane(cmd.Payload.(command.FocusPanePayload))
	case command.KindSplitPane:
		return e.applySplitPane(cmd.ID, cmd.Payload.(command.SplitPanePayload))
	case command.KindResizePane:
		return nil, e.applyResizePane(cmd.Payload.(command.ResizePanePayload))
	case command.KindMirrorPane:
		return e.applyMirrorPane(cmd.Payload.(command.MirrorPanePayload))
	case command.KindSendInput:
		return nil, e.applySendInput(cmd.Payload.(command.SendInputPayload))
	case command.KindSetMetadata:
		return nil, e.applySetMetadata(cmd.Payload.(command.SetMetadataPayload))
	case command.KindSetTags:
		return nil, e.applySetTags(cmd.Payload.(command.SetTagsPayload))
	case command.KindSendOrchestration:
		return e.applySendOrchestration(cmd.Payload.(command.SendOrchestrationPayload))
	case command.KindWatchdogState:
		return nil, e.applyWatchdogState(cmd.Payload.(command.WatchdogStatePayload))
	default:
		return nil, fmt.Errorf("engine: unknown command kind %q", cmd.Kind)
	}
}

// applyCreateSession registers the session together with its first window
// and pane, so a fresh session is immediately usable (and a snapshot of it
// always satisfies the at-least-one-pane window invariant).
func (e *Engine) applyCreateSession(cmdID ids.CommandID, p command.CreateSessionPayload) (interface{}, error) {
	if p.SessionID.Empty() {
		p.SessionID = ids.New()
	}
	if p.WindowID.Empty() {
		p.WindowID = ids.New()
	}
	if p.FirstPane.Empty() {
		p.FirstPane = ids.New()
	}

	s := workspace.NewSession(p.SessionID, p.Name, p.Cwd)
	s.SetTags(p.Tags)
	s.SetEnvOverlay(p.Env)

	first := e.takeStaged(cmdID)
	if first == nil {
		first = e.spawnOrHusk(p.FirstPane, p.Command, p.Cwd, p.Env)
	}
	first.WindowID = p.WindowID

	w := workspace.NewWindow(p.WindowID, p.SessionID, p.FirstPane)
	s.AddWindow(w)

	if err := e.sessions.Add(s); err != nil {
		panic(fmt.Sprintf("engine: create_session validated but Add failed: %v", err))
	}
	e.panes[p.FirstPane] = first
	return p.SessionID, nil
}

func (e *Engine) applyDestroySession(p command.DestroySessionPayload) (interface{}, error) {
	s, ok := e.sessions.Get(p.SessionID)
	if !ok {
		panic("engine: destroy_session validated but session vanished")
	}
	for _, w := range s.Windows() {
		for _, pid := range w.Panes() {
			e.killPane(pid)
		}
	}
	e.mailbox.Remove(p.SessionID)
	e.sessions.Remove(p.SessionID)
	return nil, nil
}

func (e *Engine) applyCreateWindow(cmdID ids.CommandID, p command.CreateWindowPayload) (interface{}, error) {
	s, ok := e.sessions.Get(p.SessionID)
	if !ok {
		panic("engine: create_window validated but session vanished")
	}
	if p.WindowID.Empty() {
		p.WindowID = ids.New()
	}
	if p.FirstPane.Empty() {
		p.FirstPane = ids.New()
	}
	newPane := e.takeStaged(cmdID)
	if newPane == nil {
		newPane = e.spawnOrHusk(p.FirstPane, p.Command, p.Cwd, s.EnvOverlay())
	}
	newPane.WindowID = p.WindowID

	w := workspace.NewWindow(p.WindowID, p.SessionID, p.FirstPane)
	if p.Name != "" {
		w.Name = p.Name
	}
	s.AddWindow(w)
	e.panes[p.FirstPane] = newPane
	return p.WindowID, nil
}

func (e *Engine) applyCloseWindow(p command.CloseWindowPayload) error {
	s, ok := e.sessions.Get(p.SessionID)
	if !ok {
		panic("engine: close_window validated but session vanished")
	}
	w, err := s.Window(p.WindowID)
	if err != nil {
		panic("engine: close_window validated but window vanished")
	}
	for _, pid := range w.Panes() {
		e.killPane(pid)
	}
	return s.RemoveWindow(p.WindowID)
}

func (e *Engine) applySelectWindow(p command.SelectWindowPayload) error {
	// Window selection is per-client view state in the full protocol; the
	// engine records it as the session's last-focused window for snapshot
	// hinting only.
	s, ok := e.sessions.Get(p.SessionID)
	if !ok {
		panic("engine: select_window validated but session vanished")
	}
	if _, err := s.Window(p.WindowID); err != nil {
		panic("engine: select_window validated but window vanished")
	}
	s.SetMetadata("last_focused_window", p.WindowID.String())
	return nil
}

func (e *Engine) applyRenameWindow(p command.RenameWindowPayload) error {
	_, w, ok := e.findWindow(p.WindowID)
	if !ok {
		panic("engine: rename_window validated but window vanished")
	}
	w.Name = p.Name
	return nil
}

func (e *Engine) applyCreatePane(cmdID ids.CommandID, p command.CreatePanePayload) (interface{}, error) {
	_, w, ok := e.findWindow(p.WindowID)
	if !ok {
		panic("engine: create_pane validated but window vanished")
	}
	if p.NewPane.Empty() {
		p.NewPane = ids.New()
	}
	newPane := e.takeStaged(cmdID)
	if newPane == nil {
		newPane = e.spawnOrHusk(p.NewPane, p.Command, p.Cwd, nil)
	}
	newPane.WindowID = p.WindowID
	if err := w.Split(w.FocusedPane, p.NewPane, workspace.Horizontal, 0.5); err != nil {
		newPane.Kill(killSignal)
		return nil, fmt.Errorf("attach new pane to layout: %w", err)
	}
	e.panes[p.NewPane] = newPane
	w.FocusedPane = p.NewPane
	return p.NewPane, nil
}

func (e *Engine) applyClosePane(p command.ClosePanePayload) error {
	_, w, ok := e.findWindow(p.WindowID)
	if !ok {
		panic("engine: close_pane validated but window vanished")
	}
	e.killPane(p.PaneID)
	return w.ClosePane(p.PaneID)
}

func (e *Engine) applyFocusPane(p command.FocusPanePayload) error {
	_, w, ok := e.findWindow(p.WindowID)
	if !ok {
		panic("engine: focus_pane validated but window vanished")
	}
	return w.SetFocus(p.PaneID)
}

func (e *Engine) applySplitPane(cmdID ids.CommandID, p command.SplitPanePayload) (interface{}, error) {
	_, w, ok := e.findWindow(p.WindowID)
	if !ok {
		panic("engine: split_pane validated but window vanished")
	}
	if _, ok := e.panes[p.TargetPane]; !ok {
		return nil, fmt.Errorf("split target pane not found: %s", p.TargetPane)
	}
	if p.NewPane.Empty() {
		p.NewPane = ids.New()
	}
	dir := workspace.Horizontal
	if p.Direction == command.Vertical {
		dir = workspace.Vertical
	}
	ratio := p.Ratio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	newPane := e.takeStaged(cmdID)
	if newPane == nil {
		argv, cwd := e.splitSpec(p)
		newPane = e.spawnOrHusk(p.NewPane, argv, cwd, nil)
	}
	newPane.WindowID = p.WindowID
	if err := w.Split(p.TargetPane, p.NewPane, dir, ratio); err != nil {
		newPane.Kill(killSignal)
		return nil, err
	}
	e.panes[p.NewPane] = newPane
	w.FocusedPane = p.NewPane
	return p.NewPane, nil
}

func (e *Engine) applyResizePane(p command.ResizePanePayload) error {
	_, w, ok := e.findWindow(p.WindowID)
	if !ok {
		panic("engine: resize_pane validated but window vanished")
	}
	return w.Layout.Resize(p.PaneA, p.PaneB, p.Delta)
}

func (e *Engine) applyMirrorPane(p command.MirrorPanePayload) (interface{}, error) {
	_, w, ok := e.findWindow(p.WindowID)
	if !ok {
		panic("engine: mirror_pane validated but window vanished")
	}
	if _, ok := e.panes[p.SourcePane]; !ok {
		return nil, fmt.Errorf("mirror source pane not found: %s", p.SourcePane)
	}
	paneID := p.NewPane
	if paneID.Empty() {
		paneID = ids.New()
	}
	mirror, err := pane.Create(e.ctx, pane.Spec{ID: paneID, WindowID: p.WindowID, MirrorOf: p.SourcePane})
	if err != nil {
		return nil, err
	}
	if err := w.Split(w.FocusedPane, paneID, workspace.Vertical, 0.5); err != nil {
		return nil, err
	}
	e.panes[paneID] = mirror
	return paneID, nil
}

func (e *Engine) applySendInput(p command.SendInputPayload) error {
	target, ok := e.panes[p.PaneID]
	if !ok {
		panic("engine: send_input validated but pane vanished")
	}
	// First interaction with a pane restored from checkpoint restarts its
	// inferior; the ghost image stays until the fresh process draws.
	if target.Kind() == pane.KindExited {
		if err := target.Respawn(e.ctx, e.cfg.StateDir); err != nil {
			return err
		}
	}
	b := p.Bytes
	if p.SubmitEnter {
		b = append(append([]byte(nil), b...), '\r')
	}
	return target.Write(b)
}

func (e *Engine) applySetMetadata(p command.SetMetadataPayload) error {
	switch p.TargetKind {
	case command.MetadataTargetSession:
		s, ok := e.sessions.Get(ids.SessionID(p.TargetID))
		if !ok {
			return fmt.Errorf("session not found: %s", p.TargetID)
		}
		s.SetMetadata(p.Key, p.Value)
	case command.MetadataTargetPane:
		pn, ok := e.panes[ids.PaneID(p.TargetID)]
		if !ok {
			return fmt.Errorf("pane not found: %s", p.TargetID)
		}
		pn.SetMetadata(p.Key, p.Value)
	}
	return nil
}

func (e *Engine) applySetTags(p command.SetTagsPayload) error {
	s, ok := e.sessions.Get(p.SessionID)
	if !ok {
		return fmt.Errorf("session not found: %s", p.SessionID)
	}
	s.SetTags(p.Tags)
	return nil
}

func (e *Engine) applySendOrchestration(p command.SendOrchestrationPayload) (interface{}, error) {
	live := make([]mailbox.SessionInfo, 0)
	for _, s := range e.sessions.All() {
		tags := s.Tags()
		tagList := make([]string, 0, len(tags))
		for t := range tags {
			tagList = append(tagList, t)
		}
		live = append(live, mailbox.SessionInfo{ID: s.ID, Tags: tagList, Worktree: s.Cwd()})
	}

	msg := mailbox.Message{
		ID:        p.MessageID,
		From:      p.FromSession,
		MsgType:   p.MsgType,
		Payload:   p.Payload,
		Timestamp: p.SentAt,
	}
	if msg.ID.Empty() {
		msg.ID = ids.New()
	}
	switch p.TargetKind {
	case command.OrchestrationBroadcast:
		msg.To = mailbox.Target{Kind: mailbox.TargetBroadcast}
	case command.OrchestrationTag:
		msg.To = mailbox.Target{Kind: mailbox.TargetTag, Tags: p.Tags}
	case command.OrchestrationSession:
		msg.To = mailbox.Target{Kind: mailbox.TargetSession, Session: p.ToSession}
	case command.OrchestrationWorktree:
		msg.To = mailbox.Target{Kind: mailbox.TargetWorktree, Worktree: p.Worktree}
	}
	delivered := e.mailbox.Deliver(msg, live)
	return delivered, nil
}

func (e *Engine) applyWatchdogState(p command.WatchdogStatePayload) error {
	pn, ok := e.panes[p.PaneID]
	if !ok {
		panic("engine: watchdog_state validated but pane vanished")
	}
	switch p.Action {
	case command.WatchdogStart:
		pn.SetMetadata("watchdog_interval_secs", fmt.Sprint(p.IntervalSecs))
		pn.SetMetadata("watchdog_message", p.Message)
		pn.SetMetadata("watchdog_active", "true")
	case command.WatchdogStop:
		pn.SetMetadata("watchdog_active", "false")
	}
	return nil
}

// spawnPane creates a new terminal pane under the state directory's
// isolation root.
func (e *Engine) spawnPane(id ids.PaneID, cmdArgv []string, cwd string, envOverlay map[string]string) (*pane.Pane, error) {
	if len(cmdArgv) == 0 {
		cmdArgv = []string{defaultShell()}
	}
	return pane.Create(e.ctx, pane.Spec{
		ID:         id,
		Command:    cmdArgv,
		Cwd:        cwd,
		EnvOverlay: envOverlay,
		Cols:       80,
		Rows:       24,
		Scrollback: e.cfg.ScrollbackLines,
		StateDir:   e.cfg.StateDir,
	})
}

// spawnOrHusk is the replay-side counterpart of stageSpawn: Apply must be
// total, so a spawn failure here yields an exited husk carrying the error
// in its metadata instead of failing the command. Live submissions never
// reach this path for a failing spawn — staging surfaced the error before
// the WAL append.
func (e *Engine) spawnOrHusk(id ids.PaneID, cmdArgv []string, cwd string, envOverlay map[string]string) *pane.Pane {
	if len(cmdArgv) == 0 {
		cmdArgv = []string{defaultShell()}
	}
	p, err := e.spawnPane(id, cmdArgv, cwd, envOverlay)
	if err != nil {
		husk := pane.Restore(pane.Spec{
			ID:         id,
			Command:    cmdArgv,
			Cwd:        cwd,
			EnvOverlay: envOverlay,
			Cols:       80,
			Rows:       24,
			Scrollback: e.cfg.ScrollbackLines,
		}, nil, -1)
		husk.SetMetadata("spawn_error", err.Error())
		return husk
	}
	return p
}

func (e *Engine) killPane(id ids.PaneID) {
	if p, ok := e.panes[id]; ok {
		p.Kill(killSignal)
		delete(e.panes, id)
	}
}

func (e *Engine) findWindow(windowID ids.WindowID) (*workspace.Session, *workspace.Window, bool) {
	for _, s := range e.sessions.All() {
		if w, err := s.Window(windowID); err == nil {
			return s, w, true
		}
	}
	return nil, nil, false
}

func sessionIDOf(cmd command.Command) ids.SessionID {
	switch p := cmd.Payload.(type) {
	case command.DestroySessionPayload:
		return p.SessionID
	case command.CreateWindowPayload:
		return p.SessionID
	case command.CloseWindowPayload:
		return p.SessionID
	case command.SelectWindowPayload:
		return p.SessionID
	}
	return ""
}

func windowIDOf(cmd command.Command) ids.WindowID {
	switch p := cmd.Payload.(type) {
	case command.CloseWindowPayload:
		return p.WindowID
	case command.SelectWindowPayload:
		return p.WindowID
	case command.RenameWindowPayload:
		return p.WindowID
	case command.CreatePanePayload:
		return p.WindowID
	case command.ClosePanePayload:
		return p.WindowID
	case command.FocusPanePayload:
		return p.WindowID
	case command.SplitPanePayload:
		return p.WindowID
	case command.ResizePanePayload:
		return p.WindowID
	case command.MirrorPanePayload:
		return p.WindowID
	}
	return ""
}

func defaultShell() string {
	return "/bin/sh"
}

// Restore repopulates the engine from a loaded checkpoint. Panes come back
// as exited husks (see pane.Restore): their inferiors died with the daemon
// process, but their scrollback tail survives so reads and replay against
// history keep working until a client explicitly closes or respawns them.
// Called once at startup, before the transport listener accepts any
// connection, so no locking is needed beyond what Apply would otherwise take.
func (e *Engine) Restore(state checkpoint.State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tails := make(map[ids.PaneID][]string, len(state.Panes))
	for _, pr := range state.Panes {
		tails[pr.ID] = pr.ScrollbackTail
		cols, rows := pr.Cols, pr.Rows
		if cols == 0 {
			cols = 80
		}
		if rows == 0 {
			rows = 24
		}
		restored := pane.Restore(pane.Spec{
			ID:         pr.ID,
			WindowID:   pr.WindowID,
			Command:    pr.Command,
			Cwd:        pr.Cwd,
			EnvOverlay: pr.EnvOverlay,
			Cols:       cols,
			Rows:       rows,
			Scrollback: e.cfg.ScrollbackLines,
			MirrorOf:   pr.MirrorOf,
		}, pr.ScrollbackTail, 0)
		for k, v := range pr.Metadata {
			restored.SetMetadata(k, v)
		}
		if pr.ResumeToken != "" {
			restored.SetMetadata("resume_token", pr.ResumeToken)
		}
		e.panes[pr.ID] = restored
	}

	for _, sr := range state.Sessions {
		s := workspace.NewSession(sr.ID, sr.Name, sr.Cwd)
		s.SetTags(sr.Tags)
		s.SetEnvOverlay(sr.EnvOverlay)
		for k, v := range sr.Metadata {
			s.SetMetadata(k, v)
		}
		for _, wr := range sr.Windows {
			w := &workspace.Window{ID: wr.ID, SessionID: sr.ID, Name: wr.Name, FocusedPane: wr.FocusedPane}
			if wr.Layout != nil {
				w.Layout = layoutFromRecord(wr.Layout)
			}
			s.AddWindow(w)
		}
		if err := e.sessions.Add(s); err != nil {
			panic(fmt.Sprintf("engine: restore duplicate session name %q", sr.Name))
		}
	}
}

// Checkpoint captures the engine's full state for persistence: every live
// session/window/layout plus every pane's metadata and scrollback tail.
// Called by the daemon's periodic checkpoint writer, which runs on its own
// goroutine separate from the sequencer's submit path, and on graceful
// shutdown. It holds the engine's read lock for the whole capture.
func (e *Engine) Checkpoint(seq command.CommitSeq, tailLines int) checkpoint.State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state := checkpoint.State{CommitSeq: seq}
	for _, s := range e.sessions.All() {
		tags := s.Tags()
		tagList := make([]string, 0, len(tags))
		for t := range tags {
			tagList = append(tagList, t)
		}
		var windows []checkpoint.WindowRecord
		for _, w := range s.Windows() {
			windows = append(windows, checkpoint.WindowRecord{
				ID: w.ID, Name: w.Name, Layout: layoutToRecord(w.Layout), FocusedPane: w.FocusedPane,
			})
		}
		state.Sessions = append(state.Sessions, checkpoint.SessionRecord{
			ID: s.ID, Name: s.Name, Cwd: s.Cwd(), Tags: tagList,
			Metadata: s.Metadata(), EnvOverlay: s.EnvOverlay(), Windows: windows,
		})
	}
	for id, p := range e.panes {
		var tail []string
		if g := p.Grid(); g != nil {
			tail = g.Tail(tailLines)
		}
		meta := p.Metadata()
		cols, rows := p.Size()
		state.Panes = append(state.Panes, checkpoint.PaneRecord{
			ID: id, WindowID: p.WindowID, Kind: int(p.Kind()), MirrorOf: p.MirrorSource(),
			Command: p.Command(), Cwd: p.Cwd(), EnvOverlay: p.EnvOverlay(), IsolationDir: p.IsolationDir(),
			Metadata: meta, Cols: cols, Rows: rows, ScrollbackTail: tail,
			ResumeToken: meta["resume_token"],
		})
	}
	return state
}

func layoutToRecord(l *workspace.Layout) *checkpoint.LayoutRecord {
	if l == nil {
		return nil
	}
	return &checkpoint.LayoutRecord{
		PaneID: l.PaneID, Direction: int(l.Direction), Ratio: l.Ratio,
		Left: layoutToRecord(l.Left), Right: layoutToRecord(l.Right),
	}
}

func layoutFromRecord(r *checkpoint.LayoutRecord) *workspace.Layout {
	if r == nil {
		return nil
	}
	l := &workspace.Layout{PaneID: r.PaneID, Direction: workspace.Direction(r.Direction), Ratio: r.Ratio}
	if r.Left != nil {
		l.Left = layoutFromRecord(r.Left)
	}
	if r.Right != nil {
		l.Right = layoutFromRecord(r.Right)
	}
	return l
}
