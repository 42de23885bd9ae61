// Package toolbridge presents the named tool surface external automation
// clients call and translates each call into a command.Command submitted
// through the sequencer, or (for read-only calls) answers directly against
// a read-locked engine snapshot. Grounded on the teacher's task-submission
// handler shape in internal/transport/server.go (one exported entrypoint
// per verb, structured request/response types), generalized from an HTTP
// task API into a tool-call dispatcher sitting in front of the sequencer.
package toolbridge

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/loomterm/loom/internal/apierr"
	"github.com/loomterm/loom/internal/arbitration"
	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/engine"
	"github.com/loomterm/loom/internal/ids"
	"github.com/loomterm/loom/internal/store"
)

// Bridge dispatches named tool calls for one connection. Each connection
// owns a Bridge with its own attached-session state.
type Bridge struct {
	seq     *command.Sequencer
	engine  *engine.Engine
	arbiter *arbitration.Manager
	index   *store.Store // optional; persists idempotency across restarts

	attached ids.SessionID // empty if unattached
}

// New creates a Bridge bound to the daemon's single sequencer/engine/arbiter.
// index may be nil, in which case idempotency relies solely on the
// sequencer's in-memory ack cache.
func New(seq *command.Sequencer, eng *engine.Engine, arb *arbitration.Manager, index *store.Store) *Bridge {
	return &Bridge{seq: seq, engine: eng, arbiter: arb, index: index}
}

// AttachSession binds this bridge connection to a session, as required by
// tool calls that act on "the current session" (send-input to pane,
// orchestration, metadata).
func (b *Bridge) AttachSession(id ids.SessionID) error {
	if _, ok := b.engine.Sessions().Get(id); !ok {
		return &apierr.NotFound{What: "session " + id.String()}
	}
	b.attached = id
	return nil
}

// DetachSession clears the bridge's current session.
func (b *Bridge) DetachSession() { b.attached = "" }

func (b *Bridge) requireAttached() (ids.SessionID, error) {
	if b.attached.Empty() {
		return "", &apierr.SessionNotAttached{}
	}
	return b.attached, nil
}

// submit wraps sequencer.Submit with the Tool origin and the caller's
// command_id for idempotent retries.
func (b *Bridge) submit(commandID ids.CommandID, kind command.Kind, payload interface{}) (interface{}, error) {
	if commandID.Empty() {
		commandID = ids.New()
	}
	if b.index != nil {
		if seq, data, ok, err := b.index.LookupCommand(commandID.String()); err == nil && ok {
			var cached interface{}
			wireDecodeCBOR(data, &cached)
			_ = seq
			return cached, nil
		}
	}
	result, err := b.seq.Submit(command.Command{
		ID:      commandID,
		Origin:  command.Origin{Kind: command.OriginTool},
		Kind:    kind,
		Payload: payload,
		Arrived: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	if b.index != nil {
		b.index.RecordCommand(commandID.String(), uint64(b.seq.LastAppliedSeq()), result)
	}
	return result, nil
}

// warningIfAny reports the standing human-control warning under the "warn"
// arbitration policy, attached to a successful mutating call's result.
func (b *Bridge) warningIfAny() string {
	if warn, retryMs := b.arbiter.PendingWarning(); warn {
		return fmt.Sprintf("proceeded under active human-control lock (retry hint %dms)", retryMs)
	}
	return ""
}

// Call dispatches one named tool call. args is the decoded tool-call
// argument map from the wire ToolCallPayload.
func (b *Bridge) Call(ctx context.Context, commandID ids.CommandID, tool string, args map[string]interface{}) (interface{}, string, error) {
	switch tool {
	// Session
	case "session.create":
		res, err := b.submit(commandID, command.KindCreateSession, command.CreateSessionPayload{
			Name: str(args, "name"), Cwd: str(args, "cwd"), Tags: strSlice(args, "tags"),
			Command: strSlice(args, "command"),
		})
		return res, b.warningIfAny(), err
	case "session.select", "session.attach":
		id := ids.SessionID(str(args, "session"))
		return nil, "", b.AttachSession(id)
	case "session.rename":
		sid, err := b.sessionArgOrAttached(args)
		if err != nil {
			return nil, "", err
		}
		res, err := b.submit(commandID, command.KindRenameSession, command.RenameSessionPayload{SessionID: sid, Name: str(args, "name")})
		return res, "", err
	case "session.kill":
		res, err := b.submit(commandID, command.KindDestroySession, command.DestroySessionPayload{SessionID: ids.SessionID(str(args, "session"))})
		return res, "", err
	case "session.list":
		return b.listSessions(), "", nil

	// Window
	case "window.create":
		sid, err := b.sessionArgOrAttached(args)
		if err != nil {
			return nil, "", err
		}
		res, err := b.submit(commandID, command.KindCreateWindow, command.CreateWindowPayload{SessionID: sid, Name: str(args, "name"), Command: strSlice(args, "command"), Cwd: str(args, "cwd")})
		return res, b.warningIfAny(), err
	case "window.select":
		sid, err := b.sessionArgOrAttached(args)
		if err != nil {
			return nil, "", err
		}
		res, err := b.submit(commandID, command.KindSelectWindow, command.SelectWindowPayload{SessionID: sid, WindowID: ids.WindowID(str(args, "window"))})
		return res, "", err
	case "window.rename":
		res, err := b.submit(commandID, command.KindRenameWindow, command.RenameWindowPayload{WindowID: ids.WindowID(str(args, "window")), Name: str(args, "name")})
		return res, "", err
	case "window.list":
		sid, err := b.sessionArgOrAttached(args)
		if err != nil {
			return nil, "", err
		}
		return b.listWindows(sid), "", nil

	// Pane
	case "pane.create":
		res, err := b.submit(commandID, command.KindCreatePane, command.CreatePanePayload{WindowID: ids.WindowID(str(args, "parent")), Command: strSlice(args, "command"), Cwd: str(args, "cwd")})
		return res, b.warningIfAny(), err
	case "pane.close":
		res, err := b.submit(commandID, command.KindClosePane, command.ClosePanePayload{WindowID: ids.WindowID(str(args, "window")), PaneID: ids.PaneID(str(args, "pane"))})
		return res, "", err
	case "pane.focus":
		res, err := b.submit(commandID, command.KindFocusPane, command.FocusPanePayload{WindowID: ids.WindowID(str(args, "window")), PaneID: ids.PaneID(str(args, "pane"))})
		return res, "", err
	case "pane.split":
		dir := command.Horizontal
		if str(args, "direction") == "vertical" {
			dir = command.Vertical
		}
		res, err := b.submit(commandID, command.KindSplitPane, command.SplitPanePayload{
			WindowID: ids.WindowID(str(args, "window")), TargetPane: ids.PaneID(str(args, "pane")),
			Direction: dir, Ratio: floatArg(args, "ratio", 0.5), Command: strSlice(args, "command"), Cwd: str(args, "cwd"),
		})
		return res, b.warningIfAny(), err
	case "pane.resize":
		res, err := b.submit(commandID, command.KindResizePane, command.ResizePanePayload{WindowID: ids.WindowID(str(args, "window")), PaneA: ids.PaneID(str(args, "pane_a")), PaneB: ids.PaneID(str(args, "pane_b")), Delta: floatArg(args, "delta", 0)})
		return res, "", err
	case "pane.mirror":
		res, err := b.submit(commandID, command.KindMirrorPane, command.MirrorPanePayload{WindowID: ids.WindowID(str(args, "window")), SourcePane: ids.PaneID(str(args, "source"))})
		return res, "", err
	case "pane.list":
		return b.listPanes(ids.WindowID(str(args, "window"))), "", nil
	case "pane.rename":
		res, err := b.submit(commandID, command.KindSetMetadata, command.SetMetadataPayload{
			TargetKind: command.MetadataTargetPane, TargetID: ids.ID(str(args, "pane")),
			Key: "name", Value: str(args, "name"),
		})
		return res, "", err

	// I/O
	case "io.read":
		return b.readPane(str(args, "pane"), intArg(args, "lines", 200)), "", nil
	case "io.send_input":
		res, err := b.submit(commandID, command.KindSendInput, command.SendInputPayload{PaneID: ids.PaneID(str(args, "pane")), Bytes: []byte(str(args, "bytes")), SubmitEnter: boolArg(args, "submit_enter")})
		return res, "", err
	case "io.get_status":
		return b.paneStatus(str(args, "pane")), "", nil

	// Metadata / tags
	case "metadata.set":
		res, err := b.submit(commandID, command.KindSetMetadata, command.SetMetadataPayload{TargetKind: metadataTargetKind(args), TargetID: ids.ID(str(args, "target")), Key: str(args, "key"), Value: str(args, "value")})
		return res, "", err
	case "metadata.get":
		return b.getMetadata(args), "", nil
	case "tags.set":
		res, err := b.submit(commandID, command.KindSetTags, command.SetTagsPayload{SessionID: ids.SessionID(str(args, "session")), Tags: strSlice(args, "tags")})
		return res, "", err
	case "tags.get":
		s, ok := b.engine.Sessions().Get(ids.SessionID(str(args, "session")))
		if !ok {
			return nil, "", &apierr.NotFound{What: "session"}
		}
		tags := s.Tags()
		out := make([]string, 0, len(tags))
		for t := range tags {
			out = append(out, t)
		}
		return out, "", nil

	// Orchestration
	case "orchestration.send":
		return b.orchestrationSend(commandID, args)
	case "orchestration.report_status":
		args["target_kind"] = "tag"
		args["tags"] = []interface{}{"orchestrator"}
		args["msg_type"] = "status"
		args["payload"] = map[string]interface{}{"status": str(args, "status"), "message": str(args, "message")}
		return b.orchestrationSend(commandID, args)
	case "orchestration.request_help":
		args["target_kind"] = "tag"
		args["tags"] = []interface{}{"orchestrator"}
		args["msg_type"] = "request_help"
		return b.orchestrationSend(commandID, args)
	case "orchestration.broadcast":
		args["target_kind"] = "broadcast"
		return b.orchestrationSend(commandID, args)
	case "orchestration.poll_messages":
		return b.pollMessages(args), "", nil
	case "orchestration.status":
		sid := ids.SessionID(str(args, "worker_id"))
		if sid.Empty() {
			var err error
			if sid, err = b.requireAttached(); err != nil {
				return nil, "", err
			}
		}
		mb := b.engine.Mailbox()
		return map[string]interface{}{"pending": mb.Pending(sid), "overflow": mb.Overflow(sid)}, "", nil

	// Higher-level primitives
	case "expect":
		res, err := b.expect(ctx, args)
		return res, "", err
	case "run_parallel":
		res, err := b.runParallel(ctx, commandID, args)
		return res, "", err
	case "run_pipeline":
		res, err := b.runPipeline(ctx, commandID, args)
		return res, "", err
	case "watchdog":
		return b.watchdog(commandID, args)

	default:
		return nil, "", &apierr.NotFound{What: "tool " + tool}
	}
}

func (b *Bridge) sessionArgOrAttached(args map[string]interface{}) (ids.SessionID, error) {
	if v := str(args, "session"); v != "" {
		return ids.SessionID(v), nil
	}
	return b.requireAttached()
}

func (b *Bridge) listSessions() []string {
	var out []string
	for _, s := range b.engine.Sessions().All() {
		out = append(out, s.ID.String())
	}
	return out
}

func (b *Bridge) listWindows(sid ids.SessionID) []map[string]interface{} {
	s, ok := b.engine.Sessions().Get(sid)
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, w := range s.Windows() {
		out = append(out, map[string]interface{}{
			"id": w.ID.String(), "name": w.Name, "focused_pane": w.FocusedPane.String(), "panes": len(w.Panes()),
		})
	}
	return out
}

func (b *Bridge) listPanes(wid ids.WindowID) []map[string]interface{} {
	for _, s := range b.engine.Sessions().All() {
		w, err := s.Window(wid)
		if err != nil {
			continue
		}
		var out []map[string]interface{}
		for _, paneID := range w.Panes() {
			entry := map[string]interface{}{"id": paneID.String()}
			if p, ok := b.engine.Pane(paneID); ok {
				entry["kind"] = int(p.Kind())
				entry["name"] = p.Metadata()["name"]
			}
			out = append(out, entry)
		}
		return out
	}
	return nil
}

func (b *Bridge) readPane(paneID string, lines int) interface{} {
	p, ok := b.engine.Pane(ids.PaneID(paneID))
	if !ok {
		return nil
	}
	// Mirrors hold no grid of their own; reads resolve the source pane.
	if p.Grid() == nil && !p.MirrorSource().Empty() {
		if src, ok := b.engine.Pane(p.MirrorSource()); ok && src.Grid() != nil {
			return src.Grid().Tail(lines)
		}
		return nil
	}
	if p.Grid() == nil {
		return nil
	}
	return p.Grid().Tail(lines)
}

func (b *Bridge) paneStatus(paneID string) interface{} {
	p, ok := b.engine.Pane(ids.PaneID(paneID))
	if !ok {
		return nil
	}
	return map[string]interface{}{"kind": p.Kind(), "exit_code": p.ExitCode()}
}

func (b *Bridge) getMetadata(args map[string]interface{}) interface{} {
	if id := str(args, "session"); id != "" {
		if s, ok := b.engine.Sessions().Get(ids.SessionID(id)); ok {
			return s.Metadata()
		}
		return nil
	}
	if id := str(args, "pane"); id != "" {
		if p, ok := b.engine.Pane(ids.PaneID(id)); ok {
			return p.Metadata()
		}
	}
	return nil
}

func metadataTargetKind(args map[string]interface{}) command.MetadataTargetKind {
	if str(args, "pane") != "" {
		return command.MetadataTargetPane
	}
	return command.MetadataTargetSession
}

func (b *Bridge) orchestrationSend(commandID ids.CommandID, args map[string]interface{}) (interface{}, string, error) {
	from, err := b.sessionArgOrAttached(args)
	if err != nil {
		return nil, "", err
	}
	p := command.SendOrchestrationPayload{FromSession: from, MsgType: str(args, "msg_type"), Payload: args["payload"]}
	switch str(args, "target_kind") {
	case "tag":
		p.TargetKind = command.OrchestrationTag
		p.Tags = strSlice(args, "tags")
	case "session":
		p.TargetKind = command.OrchestrationSession
		p.ToSession = ids.SessionID(str(args, "target"))
	case "worktree":
		p.TargetKind = command.OrchestrationWorktree
		p.Worktree = str(args, "worktree")
	default:
		p.TargetKind = command.OrchestrationBroadcast
	}
	res, err := b.submit(commandID, command.KindSendOrchestration, p)
	return res, b.warningIfAny(), err
}

func (b *Bridge) pollMessages(args map[string]interface{}) interface{} {
	sid := ids.SessionID(str(args, "worker_id"))
	if sid.Empty() {
		sid = b.attached
	}
	if sid.Empty() {
		return nil
	}
	return b.engine.Mailbox().Poll(sid, intArg(args, "limit", 0))
}

// expect polls io.read against a compiled pattern with exponential backoff
// (start 50ms, cap 500ms) until match or timeout, per spec §4.7.
func (b *Bridge) expect(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	pattern := str(args, "regex")
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &command.ErrInvalidCommand{Reason: "bad regex: " + err.Error()}
	}
	timeout := time.Duration(intArg(args, "timeout_ms", 5000)) * time.Millisecond
	deadline := time.Now().Add(timeout)
	backoff := 50 * time.Millisecond
	const cap = 500 * time.Millisecond

	for {
		lines := b.readPane(str(args, "pane"), 10000)
		if lines != nil {
			for _, line := range lines.([]string) {
				if loc := re.FindStringIndex(line); loc != nil {
					return map[string]interface{}{"match": line[loc[0]:loc[1]], "start": loc[0], "end": loc[1]}, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return nil, &apierr.Timeout{Op: "expect"}
		}
		select {
		case <-ctx.Done():
			return nil, &apierr.Cancelled{Op: "expect"}
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cap {
			backoff = cap
		}
	}
}

const maxParallelPanes = 10

// runParallel creates up to maxParallelPanes ephemeral panes, writes each
// command followed by a completion sentinel, then polls every pane
// concurrently for its sentinel, aggregating {exit_code, output} once all
// panes resolve or the shared timeout expires, per spec §4.7. The commands
// share a single timeout window; a hung command costs only its own result.
func (b *Bridge) runParallel(ctx context.Context, commandID ids.CommandID, args map[string]interface{}) (interface{}, error) {
	cmds := stringListArg(args, "commands")
	if len(cmds) > maxParallelPanes {
		cmds = cmds[:maxParallelPanes]
	}
	sid, err := b.sessionArgOrAttached(args)
	if err != nil {
		return nil, err
	}
	s, ok := b.engine.Sessions().Get(sid)
	if !ok {
		return nil, &apierr.NotFound{What: "session"}
	}
	windows := s.Windows()
	if len(windows) == 0 {
		return nil, &apierr.NotFound{What: "window"}
	}
	windowID := windows[0].ID
	timeout := time.Duration(intArg(args, "timeout_ms", 30000)) * time.Millisecond

	// Launch phase: every pane is created and every command submitted
	// before the first sentinel poll starts.
	type job struct {
		paneID   ids.PaneID
		sentinel string
	}
	jobs := make([]*job, len(cmds))
	out := make([]map[string]interface{}, len(cmds))
	for i, c := range cmds {
		paneRes, err := b.submit(ids.New(), command.KindCreatePane, command.CreatePanePayload{WindowID: windowID, Command: []string{"/bin/sh"}})
		if err != nil {
			out[i] = map[string]interface{}{"exit_code": -1, "output": "", "error": err.Error()}
			continue
		}
		paneID, ok := paneRes.(ids.PaneID)
		if !ok {
			out[i] = map[string]interface{}{"exit_code": -1, "output": ""}
			continue
		}
		sentinel := fmt.Sprintf("marker-%s", ids.New())
		script := fmt.Sprintf("%s; printf \"%s-$?\"\n", c, sentinel)
		b.submit(ids.New(), command.KindSendInput, command.SendInputPayload{PaneID: paneID, Bytes: []byte(script)})
		jobs[i] = &job{paneID: paneID, sentinel: sentinel}
	}

	// Poll phase: one goroutine per pane, all bounded by the same deadline.
	var wg sync.WaitGroup
	for i, j := range jobs {
		if j == nil {
			continue
		}
		wg.Add(1)
		go func(i int, j *job) {
			defer wg.Done()
			exitCode := -1
			r, matchErr := b.expect(ctx, map[string]interface{}{
				"pane": string(j.paneID), "regex": j.sentinel + "-[0-9]+", "timeout_ms": int(timeout.Milliseconds()),
			})
			if matchErr == nil {
				if m, ok := r.(map[string]interface{}); ok {
					fmt.Sscanf(m["match"].(string), j.sentinel+"-%d", &exitCode)
				}
			}
			output := ""
			if lines := b.readPane(string(j.paneID), 10000); lines != nil {
				for _, l := range lines.([]string) {
					output += l + "\n"
				}
			}
			out[i] = map[string]interface{}{"exit_code": exitCode, "output": output}
		}(i, j)
	}
	wg.Wait()

	if boolArg(args, "cleanup") {
		for _, j := range jobs {
			if j != nil {
				b.submit(ids.New(), command.KindClosePane, command.ClosePanePayload{WindowID: windowID, PaneID: j.paneID})
			}
		}
	}
	return out, nil
}

// runPipeline executes commands sequentially in a single pane, stopping on
// the first non-zero exit code, per spec §4.7.
func (b *Bridge) runPipeline(ctx context.Context, commandID ids.CommandID, args map[string]interface{}) (interface{}, error) {
	cmds := stringListArg(args, "commands")
	paneID := ids.PaneID(str(args, "pane"))
	var windowID ids.WindowID
	if paneID.Empty() {
		sid, err := b.sessionArgOrAttached(args)
		if err != nil {
			return nil, err
		}
		s, ok := b.engine.Sessions().Get(sid)
		if !ok || len(s.Windows()) == 0 {
			return nil, &apierr.NotFound{What: "window"}
		}
		windowID = s.Windows()[0].ID
		paneRes, err := b.submit(ids.New(), command.KindCreatePane, command.CreatePanePayload{WindowID: windowID, Command: []string{"/bin/sh"}})
		if err != nil {
			return nil, err
		}
		paneID = paneRes.(ids.PaneID)
	}

	timeout := time.Duration(intArg(args, "timeout_ms", 30000)) * time.Millisecond
	var steps []map[string]interface{}
	for _, c := range cmds {
		sentinel := fmt.Sprintf("marker-%s", ids.New())
		script := fmt.Sprintf("%s; printf \"%s-$?\"\n", c, sentinel)
		b.submit(ids.New(), command.KindSendInput, command.SendInputPayload{PaneID: paneID, Bytes: []byte(script)})
		r, err := b.expect(ctx, map[string]interface{}{"pane": string(paneID), "regex": sentinel + "-[0-9]+", "timeout_ms": int(timeout.Milliseconds())})
		exitCode := -1
		if err == nil {
			if m, ok := r.(map[string]interface{}); ok {
				fmt.Sscanf(m["match"].(string), sentinel+"-%d", &exitCode)
			}
		}
		steps = append(steps, map[string]interface{}{"command": c, "exit_code": exitCode})
		if exitCode != 0 {
			break
		}
	}
	return steps, nil
}

// watchdog starts/stops/reports a periodic-message task, recorded as a
// Command so it survives restart (spec §4.7).
func (b *Bridge) watchdog(commandID ids.CommandID, args map[string]interface{}) (interface{}, string, error) {
	action := command.WatchdogAction(str(args, "action"))
	if action == "" {
		action = command.WatchdogStart
	}
	if action == command.WatchdogStatus {
		p, ok := b.engine.Pane(ids.PaneID(str(args, "pane")))
		if !ok {
			return nil, "", &apierr.NotFound{What: "pane"}
		}
		meta := p.Metadata()
		return map[string]interface{}{
			"active":        meta["watchdog_active"] == "true",
			"interval_secs": meta["watchdog_interval_secs"],
			"message":       meta["watchdog_message"],
		}, "", nil
	}
	res, err := b.submit(commandID, command.KindWatchdogState, command.WatchdogStatePayload{
		PaneID: ids.PaneID(str(args, "pane")), Action: action,
		IntervalSecs: intArg(args, "interval_secs", 60), Message: str(args, "message"),
	})
	return res, b.warningIfAny(), err
}
