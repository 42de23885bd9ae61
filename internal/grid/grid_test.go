package grid

import (
	"strings"
	"testing"
)

func TestWriteAndSnapshotContainsText(t *testing.T) {
	g := New(20, 5, 0)
	defer g.Close()

	if _, err := g.Write([]byte("hello\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	snap := g.Snapshot()
	if !strings.Contains(string(snap), "hello") {
		t.Fatalf("expected snapshot to contain %q, got %q", "hello", snap)
	}
}

func TestDiffAgainstDetectsChangedLine(t *testing.T) {
	g := New(20, 5, 0)
	defer g.Close()

	before := g.CurrentFrame()

	if _, err := g.Write([]byte("changed")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	d := g.DiffAgainst(before)
	if len(d.ChangedLines) == 0 {
		t.Fatal("expected at least one changed line after write")
	}
	if line, ok := d.ChangedLines[0]; !ok || !strings.Contains(line, "changed") {
		t.Fatalf("expected changed line 0 to contain %q, got %q (ok=%v)", "changed", line, ok)
	}
}

func TestDiffAgainstMismatchedLineCountDoesNotPanic(t *testing.T) {
	g := New(20, 5, 0)
	defer g.Close()

	d := g.DiffAgainst(nil)
	if d.CursorX != 0 || d.CursorY != 0 {
		t.Fatalf("expected fresh grid cursor at origin, got (%d,%d)", d.CursorX, d.CursorY)
	}
}

func TestScrollbackBoundedByCapacity(t *testing.T) {
	g := New(10, 2, 3)
	defer g.Close()

	for i := 0; i < 20; i++ {
		g.Write([]byte("line\r\n"))
	}

	if got := g.ScrollbackLen(); got > 3 {
		t.Fatalf("expected scrollback len bounded at 3, got %d", got)
	}
}

func TestResizeChangesDimensions(t *testing.T) {
	g := New(10, 2, 0)
	defer g.Close()

	g.Resize(40, 10)
	if g.cols != 40 || g.rows != 10 {
		t.Fatalf("expected resized dims 40x10, got %dx%d", g.cols, g.rows)
	}
}
