package checkpoint

import (
	"testing"

	"github.com/loomterm/loom/internal/ids"
)

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	state := State{
		CommitSeq:  42,
		ConfigHash: "abc123",
		Sessions: []SessionRecord{
			{ID: ids.New(), Name: "s1", Tags: []string{"orchestrator"}},
		},
		Panes: []PaneRecord{
			{ID: ids.New(), Cols: 80, Rows: 24, ScrollbackTail: []string{"hello"}},
		},
	}

	if err := Write(dir, state); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected checkpoint to be found")
	}
	if got.CommitSeq != 42 || got.ConfigHash != "abc123" {
		t.Fatalf("unexpected checkpoint contents: %+v", got)
	}
	if len(got.Sessions) != 1 || got.Sessions[0].Name != "s1" {
		t.Fatalf("unexpected sessions: %+v", got.Sessions)
	}
}

func TestLoadMissingCheckpointReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing checkpoint")
	}
}

func TestCleanShutdownMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if WasCleanShutdown(dir) {
		t.Fatal("expected no marker initially")
	}
	if err := MarkCleanShutdown(dir); err != nil {
		t.Fatalf("MarkCleanShutdown: %v", err)
	}
	if !WasCleanShutdown(dir) {
		t.Fatal("expected marker present after MarkCleanShutdown")
	}
	if err := ClearCleanShutdownMarker(dir); err != nil {
		t.Fatalf("ClearCleanShutdownMarker: %v", err)
	}
	if WasCleanShutdown(dir) {
		t.Fatal("expected marker cleared")
	}
}
