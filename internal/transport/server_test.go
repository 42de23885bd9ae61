package transport

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomterm/loom/internal/arbitration"
	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/config"
	"github.com/loomterm/loom/internal/engine"
	"github.com/loomterm/loom/internal/fanout"
	"github.com/loomterm/loom/internal/walog"
	"github.com/loomterm/loom/internal/wire"
)

// setup builds the daemon's real in-process stack (engine + WAL + sequencer
// + fanout + arbitration) behind a temp unix socket, then dials it.
func setup(t *testing.T, policy config.ArbitrationPolicy) *Client {
	t.Helper()

	cfg := &config.Config{StateDir: t.TempDir(), ScrollbackLines: 200, MailboxCapacity: 16}
	eng := engine.New(context.Background(), cfg)
	wal, err := walog.Open(cfg.WALDir(), 0, walog.DurabilityBatch)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	arb := arbitration.New(policy)
	fan := fanout.NewRegistry(100)
	seq := command.NewSequencer(arb, eng, wal, eng, fan, 0)

	sock := filepath.Join(t.TempDir(), "loom.sock")
	srv := NewServer(sock, seq, eng, fan, arb, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)

	// Wait for the socket to exist before dialing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c, clientID, err := Dial(sock, "test")
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	if clientID.Empty() {
		t.Fatal("expected a client id from the handshake")
	}
	t.Cleanup(func() {
		c.Close()
		cancel()
		wal.Close()
	})
	return c
}

func TestToolCallOverSocket(t *testing.T) {
	c := setup(t, config.ArbitrationReject)

	res, err := c.ToolCall("session.create", map[string]interface{}{
		"name": "s1", "command": []interface{}{"/bin/sh"},
	})
	if err != nil {
		t.Fatalf("session.create: %v", err)
	}
	if id, ok := res.(string); !ok || id == "" {
		t.Fatalf("expected a session id string, got %T %v", res, res)
	}

	list, err := c.ToolCall("session.list", nil)
	if err != nil {
		t.Fatalf("session.list: %v", err)
	}
	sessions, ok := list.([]interface{})
	if !ok || len(sessions) != 1 {
		t.Fatalf("expected one listed session, got %T %v", list, list)
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	c := setup(t, config.ArbitrationReject)

	if _, err := c.ToolCall("session.create", map[string]interface{}{
		"name": "snap", "command": []interface{}{"/bin/sh"},
	}); err != nil {
		t.Fatalf("session.create: %v", err)
	}

	snap, err := c.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.CommitSeq < 1 {
		t.Fatalf("expected commit_seq >= 1, got %d", snap.CommitSeq)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].Name != "snap" {
		t.Fatalf("unexpected snapshot sessions: %+v", snap.Sessions)
	}
	if len(snap.Sessions[0].Windows) != 1 {
		t.Fatalf("expected the session's initial window in the snapshot, got %+v", snap.Sessions[0].Windows)
	}
}

func TestUnknownToolReturnsWireError(t *testing.T) {
	c := setup(t, config.ArbitrationReject)
	if _, err := c.ToolCall("no.such.tool", nil); err == nil {
		t.Fatal("expected a wire error for an unknown tool")
	}
}

func TestHumanControlModeGatesToolMutations(t *testing.T) {
	c := setup(t, config.ArbitrationReject)

	if err := c.EnterCommandMode(400); err != nil {
		t.Fatalf("EnterCommandMode: %v", err)
	}
	// Same connection, FIFO: the mode change is applied before the call.
	_, err := c.ToolCall("session.create", map[string]interface{}{
		"name": "gated", "command": []interface{}{"/bin/sh"},
	})
	if err == nil {
		t.Fatal("expected HumanControlActive while the lock is held")
	}

	time.Sleep(500 * time.Millisecond)
	if _, err := c.ToolCall("session.create", map[string]interface{}{
		"name": "gated", "command": []interface{}{"/bin/sh"},
	}); err != nil {
		t.Fatalf("expected success after lock expiry, got %v", err)
	}
}

func TestGetEventsSinceReplaysFromRing(t *testing.T) {
	c := setup(t, config.ArbitrationReject)

	for _, name := range []string{"e1", "e2"} {
		if _, err := c.ToolCall("session.create", map[string]interface{}{
			"name": name, "command": []interface{}{"/bin/sh"},
		}); err != nil {
			t.Fatalf("session.create %s: %v", name, err)
		}
	}
	if _, err := c.GetSnapshot(); err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if err := c.GetEventsSince(0); err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}

	events := recvEvents(t, c, 2)
	if events[0].CommitSeq != 1 || events[1].CommitSeq != 2 {
		t.Fatalf("expected replayed seqs 1,2, got %d,%d", events[0].CommitSeq, events[1].CommitSeq)
	}
}

// recvEvents reads frames until n events arrive, skipping other server
// frames, with a hard deadline so a missing frame fails instead of hanging.
func recvEvents(t *testing.T, c *Client, n int) []wire.EventPayload {
	t.Helper()
	got := make(chan wire.EventPayload, n)
	go func() {
		for {
			msg, err := c.Recv()
			if err != nil {
				return
			}
			if msg.Type != wire.MsgEvent {
				continue
			}
			var ev wire.EventPayload
			wire.Decode(msg.Payload, &ev)
			got <- ev
		}
	}()

	var events []wire.EventPayload
	deadline := time.After(3 * time.Second)
	for len(events) < n {
		select {
		case ev := <-got:
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out after %d/%d events", len(events), n)
		}
	}
	return events
}

func TestDialBadSocketFails(t *testing.T) {
	if _, _, err := Dial(filepath.Join(t.TempDir(), "absent.sock"), "test"); err == nil {
		t.Fatal("expected dial to a missing socket to fail")
	}
}
