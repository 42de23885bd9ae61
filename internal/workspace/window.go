package workspace

import "github.com/loomterm/loom/internal/ids"

// Window is a named container of panes arranged by a layout tree.
type Window struct {
	ID          ids.WindowID
	SessionID   ids.SessionID
	Name        string
	Layout      *Layout
	FocusedPane ids.PaneID
}

// NewWindow creates a window with a single pane as its entire layout.
func NewWindow(id ids.WindowID, sessionID ids.SessionID, firstPane ids.PaneID) *Window {
	return &Window{
		ID:          id,
		SessionID:   sessionID,
		Layout:      NewLeaf(firstPane),
		FocusedPane: firstPane,
	}
}

// Panes returns every pane id in the window's layout.
func (w *Window) Panes() []ids.PaneID {
	return w.Layout.Leaves()
}

// SetFocus moves focus to a pane that must already be in the layout.
func (w *Window) SetFocus(pane ids.PaneID) error {
	if !w.Layout.contains(pane) {
		return ErrPaneNotFound
	}
	w.FocusedPane = pane
	return nil
}

// Split splits the pane currently at `target`, introducing `newPane`.
func (w *Window) Split(target, newPane ids.PaneID, dir Direction, ratio float64) error {
	return w.Layout.Split(target, newPane, dir, ratio)
}

// ClosePane removes a pane from the layout. Returns ErrLastPane if it is
// the window's only remaining pane — the caller should close the window.
func (w *Window) ClosePane(target ids.PaneID) error {
	if err := RemovePane(&w.Layout, target); err != nil {
		return err
	}
	if w.FocusedPane == target {
		leaves := w.Layout.Leaves()
		if len(leaves) > 0 {
			w.FocusedPane = leaves[0]
		}
	}
	return nil
}
