// Package grid wraps the external terminal-emulation library
// (charmbracelet/x/vt, backed by charmbracelet/ultraviolet) that spec.md
// treats as a library dependency: a byte-stream consumer that maintains a
// cell grid plus bounded scrollback and exposes a diff method. Grounded on
// the teacher's internal/egg/vterm.go (ScrollOut/AltScreen/CursorVisibility
// callbacks, ring-buffered scrollback, ANSI Snapshot), generalized with an
// explicit Diff primitive and a configurable scrollback bound instead of the
// teacher's fixed 50k-line constant.
package grid

import (
	"fmt"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// DefaultScrollback is the default bound on retained scrollback lines.
const DefaultScrollback = 1000

// Grid consumes PTY output into a cell grid with bounded scrollback. All
// methods are safe for concurrent use; callbacks registered with the
// emulator fire while the write lock is already held.
type Grid struct {
	emu *vt.Emulator

	mu           sync.Mutex
	scrollback   []string // ring of lines scrolled off the top
	sbHead       int
	sbLen        int
	scrollbackCap int

	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

// New creates a Grid with the given dimensions and scrollback bound. A
// bound of 0 uses DefaultScrollback.
func New(cols, rows, scrollbackLines int) *Grid {
	if scrollbackLines <= 0 {
		scrollbackLines = DefaultScrollback
	}
	g := &Grid{
		emu:           vt.NewEmulator(cols, rows),
		scrollback:    make([]string, scrollbackLines),
		scrollbackCap: scrollbackLines,
		cols:          cols,
		rows:          rows,
	}
	g.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if g.altScreen {
				return
			}
			for _, line := range lines {
				g.pushScrollback(line.Render())
			}
		},
		ScrollbackClear: func() {
			for i := range g.scrollback {
				g.scrollback[i] = ""
			}
			g.sbLen = 0
			g.sbHead = 0
		},
		AltScreen: func(on bool) {
			g.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			g.cursorHidden = !visible
		},
	})
	return g
}

// pushScrollback must be called with mu held (callback path).
func (g *Grid) pushScrollback(rendered string) {
	if g.sbLen == g.scrollbackCap {
		g.scrollback[g.sbHead] = ""
	}
	g.scrollback[g.sbHead] = rendered
	g.sbHead = (g.sbHead + 1) % g.scrollbackCap
	if g.sbLen < g.scrollbackCap {
		g.sbLen++
	}
}

// Write feeds PTY output bytes to the emulator. Malformed escape sequences
// never panic: the underlying emulator drops unrecognized sequences.
func (g *Grid) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emu.Write(p)
}

// Resize changes the terminal dimensions.
func (g *Grid) Resize(cols, rows int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emu.Resize(cols, rows)
	g.cols, g.rows = cols, rows
}

// ScrollbackLen reports the number of retained scrollback lines.
func (g *Grid) ScrollbackLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sbLen
}

// scrollbackLines returns all scrollback lines oldest-first. Caller must
// hold mu.
func (g *Grid) scrollbackLines() []string {
	if g.sbLen == 0 {
		return nil
	}
	lines := make([]string, g.sbLen)
	start := (g.sbHead - g.sbLen + len(g.scrollback)) % len(g.scrollback)
	for i := 0; i < g.sbLen; i++ {
		lines[i] = g.scrollback[(start+i)%len(g.scrollback)]
	}
	return lines
}

// Tail returns the last n lines of scrollback + current visible frame,
// oldest-first — used to build the "ghost image" persisted at checkpoint
// time (spec §4.2, §4.4).
func (g *Grid) Tail(n int) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	sb := g.scrollbackLines()
	visible := strings.Split(g.emu.Render(), "\n")
	all := append(sb, visible...)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Snapshot renders a full reconnect payload: scrollback, a screen flush, the
// current grid, and cursor position/visibility restore. Valid ANSI any
// terminal emulator can consume directly.
func (g *Grid) Snapshot() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	var buf strings.Builder
	lines := g.scrollbackLines()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if len(lines) > 0 {
		for i := 0; i < g.rows-1; i++ {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(g.emu.Render())
	pos := g.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)
	if g.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
	return []byte(buf.String())
}

// Diff describes the change between two rendered frames: which visible line
// indices differ, the new cursor position, and the current alt-screen and
// cursor-visibility state.
type Diff struct {
	ChangedLines map[int]string
	CursorX      int
	CursorY      int
	CursorHidden bool
	AltScreen    bool
}

// CurrentFrame captures the grid's current rendered lines, for use as the
// "previous snapshot" argument to a later Diff call.
func (g *Grid) CurrentFrame() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return strings.Split(g.emu.Render(), "\n")
}

// DiffAgainst compares the grid's current frame against a previously captured one
// (from CurrentFrame) and returns the sparse set of changed lines plus
// cursor/mode state. Never panics on a mismatched line count; it treats any
// out-of-range previous line as empty.
func (g *Grid) DiffAgainst(previous []string) Diff {
	g.mu.Lock()
	defer g.mu.Unlock()

	current := strings.Split(g.emu.Render(), "\n")
	changed := make(map[int]string)
	for i, line := range current {
		var prev string
		if i < len(previous) {
			prev = previous[i]
		}
		if line != prev {
			changed[i] = line
		}
	}
	pos := g.emu.CursorPosition()
	return Diff{
		ChangedLines: changed,
		CursorX:      pos.X,
		CursorY:      pos.Y,
		CursorHidden: g.cursorHidden,
		AltScreen:    g.altScreen,
	}
}

// Close releases the emulator's resources.
func (g *Grid) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emu.Close()
}
