// Package checkpoint writes and loads the full serialized daemon state:
// the session/window/pane hierarchy, per-pane metadata and scrollback tail,
// the current commit_seq, and a config hash. Grounded on the teacher's
// store.Open/migrate atomic-transaction discipline (internal/store/store.go)
// generalized to a single-file checkpoint instead of a SQL schema, using
// the same cbor encoding as internal/walog for a single consistent wire
// format across persistence.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/ids"
)

// PaneRecord is the persisted shape of one pane.
type PaneRecord struct {
	ID           ids.PaneID
	WindowID     ids.WindowID
	Kind         int
	MirrorOf     ids.PaneID
	Command      []string
	Cwd          string
	EnvOverlay   map[string]string
	IsolationDir string
	Metadata     map[string]string
	Cols, Rows   int
	ScrollbackTail []string // last T lines, text+attribute tail per spec
	ResumeToken  string
}

// LayoutRecord mirrors workspace.Layout in a serialization-friendly shape.
type LayoutRecord struct {
	PaneID      ids.PaneID
	Direction   int
	Ratio       float64
	Left, Right *LayoutRecord
}

// WindowRecord is the persisted shape of one window.
type WindowRecord struct {
	ID          ids.WindowID
	Name        string
	Layout      *LayoutRecord
	FocusedPane ids.PaneID
}

// SessionRecord is the persisted shape of one session.
type SessionRecord struct {
	ID         ids.SessionID
	Name       string
	Cwd        string
	Tags       []string
	Metadata   map[string]string
	EnvOverlay map[string]string
	Windows    []WindowRecord
}

// State is the full checkpoint payload.
type State struct {
	CommitSeq  command.CommitSeq
	ConfigHash string
	Sessions   []SessionRecord
	Panes      []PaneRecord
}

// Write serializes state to a temp file in dir, fsyncs it, atomically
// renames it to "checkpoint.bin", then fsyncs the parent directory (a
// no-op where the platform doesn't require it, but harmless).
func Write(dir string, state State) error {
	data, err := cbor.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	tmp := filepath.Join(dir, ".checkpoint.bin.tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("checkpoint: open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}

	final := filepath.Join(dir, "checkpoint.bin")
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}

	if parent, err := os.Open(dir); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// Load reads and decodes the checkpoint at dir/checkpoint.bin. Returns
// (State{}, false, nil) if no checkpoint has ever been written.
func Load(dir string) (State, bool, error) {
	path := filepath.Join(dir, "checkpoint.bin")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	var state State
	if err := cbor.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return state, true, nil
}

// CleanShutdownMarkerPath returns the path to the marker file recovery
// checks on startup.
func CleanShutdownMarkerPath(dir string) string {
	return filepath.Join(dir, "clean_shutdown")
}

// MarkCleanShutdown writes the marker. Called only after the daemon has
// finished its last checkpoint write on a graceful stop.
func MarkCleanShutdown(dir string) error {
	return os.WriteFile(CleanShutdownMarkerPath(dir), []byte{}, 0644)
}

// ClearCleanShutdownMarker removes the marker at startup, before any new
// mutation is accepted — if the daemon now crashes, the next restart
// correctly concludes the prior shutdown was not clean.
func ClearCleanShutdownMarker(dir string) error {
	err := os.Remove(CleanShutdownMarkerPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WasCleanShutdown reports whether the marker was present.
func WasCleanShutdown(dir string) bool {
	_, err := os.Stat(CleanShutdownMarkerPath(dir))
	return err == nil
}
