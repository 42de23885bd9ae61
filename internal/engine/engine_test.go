package engine

import (
	"context"
	"testing"

	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/config"
	"github.com/loomterm/loom/internal/ids"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{ScrollbackLines: 100, StateDir: t.TempDir(), MailboxCapacity: 16}
	return New(context.Background(), cfg)
}

func TestCreateSessionThenWindowThenPane(t *testing.T) {
	e := newTestEngine(t)

	sid, err := e.Apply(1, command.Command{
		Kind:    command.KindCreateSession,
		Payload: command.CreateSessionPayload{Name: "dev"},
	})
	if err != nil {
		t.Fatalf("create_session: %v", err)
	}
	sessionID := sid.(ids.SessionID)

	wid, err := e.Apply(2, command.Command{
		Kind:    command.KindCreateWindow,
		Payload: command.CreateWindowPayload{SessionID: sessionID, Command: []string{"/bin/sh"}},
	})
	if err != nil {
		t.Fatalf("create_window: %v", err)
	}
	windowID := wid.(ids.WindowID)

	s, ok := e.Sessions().Get(sessionID)
	if !ok {
		t.Fatal("expected session to exist")
	}
	w, err := s.Window(windowID)
	if err != nil {
		t.Fatalf("expected window to exist: %v", err)
	}
	if len(w.Panes()) != 1 {
		t.Fatalf("expected window to start with one pane, got %d", len(w.Panes()))
	}
}

func TestCreateSessionCreatesInitialWindowAndPane(t *testing.T) {
	e := newTestEngine(t)

	sid, err := e.Apply(1, command.Command{
		Kind:    command.KindCreateSession,
		Payload: command.CreateSessionPayload{Name: "dev", Command: []string{"/bin/sh"}},
	})
	if err != nil {
		t.Fatalf("create_session: %v", err)
	}

	s, ok := e.Sessions().Get(sid.(ids.SessionID))
	if !ok {
		t.Fatal("expected session to exist")
	}
	windows := s.Windows()
	if len(windows) != 1 {
		t.Fatalf("expected a fresh session to have one window, got %d", len(windows))
	}
	panes := windows[0].Panes()
	if len(panes) != 1 {
		t.Fatalf("expected the initial window to have one pane, got %d", len(panes))
	}
	if _, ok := e.Pane(panes[0]); !ok {
		t.Fatal("expected the initial pane to be registered")
	}
	if windows[0].FocusedPane != panes[0] {
		t.Fatal("expected the initial pane to be focused")
	}
}

func TestCreateSessionDuplicateNameRejectedByValidate(t *testing.T) {
	e := newTestEngine(t)
	cmd := command.Command{Kind: command.KindCreateSession, Payload: command.CreateSessionPayload{Name: "dev"}}

	if _, err := e.Apply(1, cmd); err != nil {
		t.Fatalf("first create_session: %v", err)
	}
	if err := e.Validate(cmd); err == nil {
		t.Fatal("expected duplicate session name to fail validation")
	}
}

func TestSplitPaneAddsSecondPaneToWindow(t *testing.T) {
	e := newTestEngine(t)
	sid, _ := e.Apply(1, command.Command{Kind: command.KindCreateSession, Payload: command.CreateSessionPayload{Name: "dev"}})
	wid, _ := e.Apply(2, command.Command{Kind: command.KindCreateWindow, Payload: command.CreateWindowPayload{SessionID: sid.(ids.SessionID), Command: []string{"/bin/sh"}}})
	windowID := wid.(ids.WindowID)

	s, _ := e.Sessions().Get(sid.(ids.SessionID))
	w, _ := s.Window(windowID)
	original := w.Panes()[0]

	_, err := e.Apply(3, command.Command{
		Kind: command.KindSplitPane,
		Payload: command.SplitPanePayload{
			WindowID:   windowID,
			TargetPane: original,
			Direction:  command.Vertical,
			Ratio:      0.5,
			Command:    []string{"/bin/sh"},
		},
	})
	if err != nil {
		t.Fatalf("split_pane: %v", err)
	}
	if len(w.Panes()) != 2 {
		t.Fatalf("expected 2 panes after split, got %d", len(w.Panes()))
	}
}

func TestValidateRejectsUnknownWindow(t *testing.T) {
	e := newTestEngine(t)
	err := e.Validate(command.Command{
		Kind:    command.KindFocusPane,
		Payload: command.FocusPanePayload{WindowID: ids.New(), PaneID: ids.New()},
	})
	if err == nil {
		t.Fatal("expected validate to reject a focus_pane on an unknown window")
	}
}

func TestSendOrchestrationBroadcastDeliversToOtherSessions(t *testing.T) {
	e := newTestEngine(t)
	s1, _ := e.Apply(1, command.Command{Kind: command.KindCreateSession, Payload: command.CreateSessionPayload{Name: "a"}})
	s2, _ := e.Apply(2, command.Command{Kind: command.KindCreateSession, Payload: command.CreateSessionPayload{Name: "b"}})

	delivered, err := e.Apply(3, command.Command{
		Kind: command.KindSendOrchestration,
		Payload: command.SendOrchestrationPayload{
			FromSession: s1.(ids.SessionID),
			TargetKind:  command.OrchestrationBroadcast,
			MsgType:     "status",
		},
	})
	if err != nil {
		t.Fatalf("send_orchestration: %v", err)
	}
	if delivered.(int) != 1 {
		t.Fatalf("expected 1 delivery, got %v", delivered)
	}
	msgs := e.Mailbox().Poll(s2.(ids.SessionID), 0)
	if len(msgs) != 1 {
		t.Fatalf("expected recipient inbox to have 1 message, got %d", len(msgs))
	}
}
