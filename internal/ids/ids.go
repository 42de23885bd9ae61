// Package ids mints the opaque, collision-resistant identifiers spec.md
// requires for panes, windows, sessions, clients, and commands.
package ids

import "github.com/google/uuid"

// ID is a 128-bit opaque identifier. Stable across reattach, never reused.
type ID string

// New mints a fresh random ID.
func New() ID {
	return ID(uuid.New().String())
}

// Empty reports whether the ID is the zero value.
func (id ID) Empty() bool {
	return id == ""
}

func (id ID) String() string {
	return string(id)
}

type (
	PaneID    = ID
	WindowID  = ID
	SessionID = ID
	ClientID  = ID
	CommandID = ID
)
