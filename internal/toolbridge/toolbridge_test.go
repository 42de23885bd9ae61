package toolbridge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loomterm/loom/internal/arbitration"
	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/config"
	"github.com/loomterm/loom/internal/engine"
	"github.com/loomterm/loom/internal/fanout"
	"github.com/loomterm/loom/internal/ids"
	"github.com/loomterm/loom/internal/walog"
	"github.com/loomterm/loom/internal/workspace"
)

// newTestBridge wires a real engine + sequencer + WAL, the same stack the
// daemon runs, minus the socket.
func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	cfg := &config.Config{StateDir: t.TempDir(), ScrollbackLines: 500, MailboxCapacity: 16}
	eng := engine.New(context.Background(), cfg)
	wal, err := walog.Open(cfg.WALDir(), 0, walog.DurabilityBatch)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { wal.Close() })
	arb := arbitration.New(config.ArbitrationReject)
	seq := command.NewSequencer(arb, eng, wal, eng, fanout.NewRegistry(100), 0)
	return New(seq, eng, arb, nil)
}

// createSession makes a session with a live /bin/sh first pane and returns
// its ids.
func createSession(t *testing.T, b *Bridge, name string) (*workspace.Session, *workspace.Window) {
	t.Helper()
	res, _, err := b.Call(context.Background(), ids.New(), "session.create", map[string]interface{}{
		"name": name, "command": []string{"/bin/sh"},
	})
	if err != nil {
		t.Fatalf("session.create: %v", err)
	}
	s, ok := b.engine.Sessions().Get(res.(ids.SessionID))
	if !ok {
		t.Fatal("created session not found")
	}
	return s, s.Windows()[0]
}

func TestExpectMatchesConcurrentOutput(t *testing.T) {
	b := newTestBridge(t)
	_, w := createSession(t, b, "expect")
	paneID := w.FocusedPane

	go func() {
		time.Sleep(100 * time.Millisecond)
		b.Call(context.Background(), ids.New(), "io.send_input", map[string]interface{}{
			"pane": paneID.String(), "bytes": "printf READY\n",
		})
	}()

	res, _, err := b.Call(context.Background(), ids.New(), "expect", map[string]interface{}{
		"pane": paneID.String(), "regex": "READY", "timeout_ms": 3000,
	})
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	m := res.(map[string]interface{})
	if !strings.Contains(m["match"].(string), "READY") {
		t.Fatalf("expected matched text READY, got %v", m)
	}
}

func TestExpectTimesOutWithoutMatch(t *testing.T) {
	b := newTestBridge(t)
	_, w := createSession(t, b, "expect-timeout")

	_, _, err := b.Call(context.Background(), ids.New(), "expect", map[string]interface{}{
		"pane": w.FocusedPane.String(), "regex": "NEVER-PRINTED", "timeout_ms": 300,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRunParallelAggregatesExitCodes(t *testing.T) {
	b := newTestBridge(t)
	s, w := createSession(t, b, "par")

	res, _, err := b.Call(context.Background(), ids.New(), "run_parallel", map[string]interface{}{
		"session":    s.ID.String(),
		"commands":   []string{"echo a", "echo b", "false"},
		"timeout_ms": 10000,
		"cleanup":    true,
	})
	if err != nil {
		t.Fatalf("run_parallel: %v", err)
	}
	results := res.([]map[string]interface{})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, want := range []int{0, 0, 1} {
		if got := results[i]["exit_code"].(int); got != want {
			t.Fatalf("command %d: expected exit code %d, got %d", i, want, got)
		}
	}
	if !strings.Contains(results[0]["output"].(string), "a") {
		t.Fatalf("expected first output to contain a, got %q", results[0]["output"])
	}
	if !strings.Contains(results[1]["output"].(string), "b") {
		t.Fatalf("expected second output to contain b, got %q", results[1]["output"])
	}
	// cleanup closed every ephemeral pane; only the session's first pane
	// remains.
	if got := len(w.Panes()); got != 1 {
		t.Fatalf("expected ephemeral panes cleaned up, %d panes remain", got)
	}
}

func TestRunParallelSharesOneTimeoutWindow(t *testing.T) {
	b := newTestBridge(t)
	s, _ := createSession(t, b, "par-clock")

	start := time.Now()
	res, _, err := b.Call(context.Background(), ids.New(), "run_parallel", map[string]interface{}{
		"session":    s.ID.String(),
		"commands":   []string{"sleep 2", "sleep 2", "sleep 2"},
		"timeout_ms": 15000,
		"cleanup":    true,
	})
	if err != nil {
		t.Fatalf("run_parallel: %v", err)
	}
	elapsed := time.Since(start)

	results := res.([]map[string]interface{})
	for i, r := range results {
		if r["exit_code"].(int) != 0 {
			t.Fatalf("command %d: expected exit 0, got %v", i, r["exit_code"])
		}
	}
	// Three 2s sleeps run concurrently; sequential execution would need at
	// least 6s.
	if elapsed >= 5*time.Second {
		t.Fatalf("run_parallel took %v, commands did not overlap", elapsed)
	}
}

func TestRunPipelineStopsOnFirstFailure(t *testing.T) {
	b := newTestBridge(t)
	s, _ := createSession(t, b, "pipe")

	res, _, err := b.Call(context.Background(), ids.New(), "run_pipeline", map[string]interface{}{
		"session":    s.ID.String(),
		"commands":   []string{"true", "false", "echo never"},
		"timeout_ms": 10000,
	})
	if err != nil {
		t.Fatalf("run_pipeline: %v", err)
	}
	steps := res.([]map[string]interface{})
	if len(steps) != 2 {
		t.Fatalf("expected pipeline to stop after the failing step, got %d steps", len(steps))
	}
	if steps[0]["exit_code"].(int) != 0 || steps[1]["exit_code"].(int) != 1 {
		t.Fatalf("unexpected step exit codes: %v", steps)
	}
}

func TestWatchdogLifecycle(t *testing.T) {
	b := newTestBridge(t)
	_, w := createSession(t, b, "wd")
	paneID := w.FocusedPane.String()

	if _, _, err := b.Call(context.Background(), ids.New(), "watchdog", map[string]interface{}{
		"action": "start", "pane": paneID, "interval_secs": 30, "message": "ping",
	}); err != nil {
		t.Fatalf("watchdog start: %v", err)
	}

	res, _, err := b.Call(context.Background(), ids.New(), "watchdog", map[string]interface{}{
		"action": "status", "pane": paneID,
	})
	if err != nil {
		t.Fatalf("watchdog status: %v", err)
	}
	status := res.(map[string]interface{})
	if status["active"] != true || status["message"] != "ping" {
		t.Fatalf("unexpected watchdog status: %v", status)
	}

	if _, _, err := b.Call(context.Background(), ids.New(), "watchdog", map[string]interface{}{
		"action": "stop", "pane": paneID,
	}); err != nil {
		t.Fatalf("watchdog stop: %v", err)
	}
	res, _, _ = b.Call(context.Background(), ids.New(), "watchdog", map[string]interface{}{
		"action": "status", "pane": paneID,
	})
	if res.(map[string]interface{})["active"] != false {
		t.Fatal("expected watchdog inactive after stop")
	}
}

func TestCallUnknownTool(t *testing.T) {
	b := newTestBridge(t)
	if _, _, err := b.Call(context.Background(), ids.New(), "no.such.tool", nil); err == nil {
		t.Fatal("expected NotFound for unknown tool")
	}
}

func TestSendInputRequiresExistingPane(t *testing.T) {
	b := newTestBridge(t)
	createSession(t, b, "input")
	_, _, err := b.Call(context.Background(), ids.New(), "io.send_input", map[string]interface{}{
		"pane": ids.New().String(), "bytes": "x",
	})
	if err == nil {
		t.Fatal("expected error for unknown pane")
	}
}
