package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndLookupCommand(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordCommand("cmd-1", 7, map[string]string{"pane": "p1"}); err != nil {
		t.Fatalf("RecordCommand: %v", err)
	}

	seq, result, ok, err := s.LookupCommand("cmd-1")
	if err != nil {
		t.Fatalf("LookupCommand: %v", err)
	}
	if !ok {
		t.Fatal("expected command to be found")
	}
	if seq != 7 {
		t.Fatalf("expected seq 7, got %d", seq)
	}
	if len(result) == 0 {
		t.Fatal("expected a stored result blob")
	}
}

func TestLookupMissingCommand(t *testing.T) {
	s := openTestStore(t)

	_, _, ok, err := s.LookupCommand("never-recorded")
	if err != nil {
		t.Fatalf("LookupCommand: %v", err)
	}
	if ok {
		t.Fatal("expected miss for unrecorded command id")
	}
}

func TestRecordCommandUpsertsOnConflict(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordCommand("cmd-1", 1, "first"); err != nil {
		t.Fatalf("RecordCommand: %v", err)
	}
	if err := s.RecordCommand("cmd-1", 2, "second"); err != nil {
		t.Fatalf("RecordCommand upsert: %v", err)
	}

	seq, _, ok, err := s.LookupCommand("cmd-1")
	if err != nil || !ok {
		t.Fatalf("LookupCommand: ok=%v err=%v", ok, err)
	}
	if seq != 2 {
		t.Fatalf("expected upserted seq 2, got %d", seq)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "index.db")
	s1, err := Open(dsn)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s1.Close()

	s2, err := Open(dsn)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	s2.Close()
}
