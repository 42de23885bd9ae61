package workspace

import (
	"testing"

	"github.com/loomterm/loom/internal/ids"
)

func TestRegistryAddDuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	s1 := NewSession(ids.New(), "work", "/tmp")
	if err := r.Add(s1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s2 := NewSession(ids.New(), "work", "/tmp")
	if err := r.Add(s2); err != ErrNameTaken {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestRegistryRename(t *testing.T) {
	r := NewRegistry()
	s1 := NewSession(ids.New(), "work", "/tmp")
	s2 := NewSession(ids.New(), "play", "/tmp")
	r.Add(s1)
	r.Add(s2)

	if err := r.Rename(s1.ID, "play"); err != ErrNameTaken {
		t.Fatalf("expected ErrNameTaken renaming onto a live name, got %v", err)
	}
	if err := r.Rename(s1.ID, "deep-work"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, ok := r.GetByName("work"); ok {
		t.Fatal("expected old name to be released")
	}
	got, ok := r.GetByName("deep-work")
	if !ok || got.ID != s1.ID {
		t.Fatal("expected lookup by new name to find the session")
	}
	if err := r.Rename(ids.New(), "x"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionHasAnyTag(t *testing.T) {
	s := NewSession(ids.New(), "orchestrator-session", "/tmp")
	s.SetTags([]string{"orchestrator", "ci"})

	target := map[string]struct{}{"orchestrator": {}}
	if !s.HasAnyTag(target) {
		t.Fatal("expected tag intersection to match")
	}

	disjoint := map[string]struct{}{"nope": {}}
	if s.HasAnyTag(disjoint) {
		t.Fatal("expected no match for disjoint tag set")
	}
}

func TestWindowFocusMustBeInLayout(t *testing.T) {
	pane := ids.New()
	w := NewWindow(ids.New(), ids.New(), pane)
	if err := w.SetFocus(ids.New()); err != ErrPaneNotFound {
		t.Fatalf("expected ErrPaneNotFound for focus outside layout, got %v", err)
	}
	if err := w.SetFocus(pane); err != nil {
		t.Fatalf("SetFocus: %v", err)
	}
}

func TestWindowClosePaneMovesFocus(t *testing.T) {
	p1, p2 := ids.New(), ids.New()
	w := NewWindow(ids.New(), ids.New(), p1)
	if err := w.Split(p1, p2, Horizontal, 0.5); err != nil {
		t.Fatalf("Split: %v", err)
	}
	w.FocusedPane = p1
	if err := w.ClosePane(p1); err != nil {
		t.Fatalf("ClosePane: %v", err)
	}
	if w.FocusedPane != p2 {
		t.Fatalf("expected focus to move to %v, got %v", p2, w.FocusedPane)
	}
}
