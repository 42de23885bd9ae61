package workspace

import (
	"testing"

	"github.com/loomterm/loom/internal/ids"
)

func TestSplitAndLeaves(t *testing.T) {
	p1, p2 := ids.New(), ids.New()
	l := NewLeaf(p1)

	if err := l.Split(p1, p2, Horizontal, 0.5); err != nil {
		t.Fatalf("Split: %v", err)
	}

	leaves := l.Leaves()
	if len(leaves) != 2 || leaves[0] != p1 || leaves[1] != p2 {
		t.Fatalf("unexpected leaves: %v", leaves)
	}
}

func TestSplitUnknownPaneErrors(t *testing.T) {
	l := NewLeaf(ids.New())
	if err := l.Split(ids.New(), ids.New(), Horizontal, 0.5); err != ErrPaneNotFound {
		t.Fatalf("expected ErrPaneNotFound, got %v", err)
	}
}

func TestSplitInvalidRatio(t *testing.T) {
	p1 := ids.New()
	l := NewLeaf(p1)
	if err := l.Split(p1, ids.New(), Horizontal, 1.5); err == nil {
		t.Fatal("expected error for out-of-range ratio")
	}
}

func TestResizeClampsRatio(t *testing.T) {
	p1, p2 := ids.New(), ids.New()
	l := NewLeaf(p1)
	if err := l.Split(p1, p2, Vertical, 0.5); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := l.Resize(p1, p2, 10); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if l.Ratio > 0.95 {
		t.Fatalf("expected ratio clamped to 0.95, got %f", l.Ratio)
	}
}

func TestResizeUndoRestoresRatio(t *testing.T) {
	p1, p2 := ids.New(), ids.New()
	l := NewLeaf(p1)
	if err := l.Split(p1, p2, Horizontal, 0.3); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := l.Resize(p1, p2, 0.2); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := l.Resize(p1, p2, -0.2); err != nil {
		t.Fatalf("Resize undo: %v", err)
	}
	if diff := l.Ratio - 0.3; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected ratio restored to 0.3, got %f", l.Ratio)
	}
}

func TestRemovePaneCollapsesSibling(t *testing.T) {
	p1, p2 := ids.New(), ids.New()
	var root *Layout = NewLeaf(p1)
	if err := root.Split(p1, p2, Horizontal, 0.5); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := RemovePane(&root, p1); err != nil {
		t.Fatalf("RemovePane: %v", err)
	}
	leaves := root.Leaves()
	if len(leaves) != 1 || leaves[0] != p2 {
		t.Fatalf("expected only %v left, got %v", p2, leaves)
	}
}

func TestRemoveLastPaneErrors(t *testing.T) {
	p1 := ids.New()
	root := NewLeaf(p1)
	if err := RemovePane(&root, p1); err != ErrLastPane {
		t.Fatalf("expected ErrLastPane, got %v", err)
	}
}
