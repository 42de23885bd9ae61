// Package command defines the mutation envelope that flows through the
// sequencer: an opaque id, an origin, a kind-tagged payload, and the
// monotonic commit sequence assigned once it is durably recorded.
package command

import (
	"time"

	"github.com/loomterm/loom/internal/ids"
)

// CommitSeq is the monotonic global order of all applied mutations.
type CommitSeq uint64

// OriginKind distinguishes who submitted a command.
type OriginKind int

const (
	OriginInternal OriginKind = iota
	OriginHuman
	OriginTool
)

// Origin identifies the submitter of a Command.
type Origin struct {
	Kind     OriginKind
	ClientID ids.ClientID // empty for OriginInternal
}

// Kind enumerates the mutation kinds the sequencer understands. Read-only
// tool calls (list, read, get_status, poll_messages, ...) never become a
// Command; they are answered directly by the tool bridge against a
// read-locked state snapshot.
type Kind string

const (
	KindCreateSession Kind = "create_session"
	KindRenameSession Kind = "rename_session"
	KindDestroySession Kind = "destroy_session"
	KindCreateWindow  Kind = "create_window"
	KindCloseWindow   Kind = "close_window"
	KindSelectWindow  Kind = "select_window"
	KindRenameWindow  Kind = "rename_window"
	KindCreatePane    Kind = "create_pane"
	KindClosePane     Kind = "close_pane"
	KindFocusPane     Kind = "focus_pane"
	KindSplitPane     Kind = "split_pane"
	KindResizePane    Kind = "resize_pane"
	KindMirrorPane    Kind = "mirror_pane"
	KindSendInput     Kind = "send_input"
	KindSetMetadata   Kind = "set_metadata"
	KindSetTags       Kind = "set_tags"
	KindSendOrchestration Kind = "send_orchestration"
	KindWatchdogState Kind = "watchdog_state"
)

// MutatingKinds is exactly the set gated by human-control-mode arbitration
// (§4.3/§4.6): create/close/split/focus/resize/send-input on the
// focus-owning pane. Metadata/tag/orchestration mutations are "trivial" per
// spec and are not gated.
var MutatingKinds = map[Kind]struct{}{
	KindCreateSession:  {},
	KindDestroySession: {},
	KindCreateWindow:   {},
	KindCloseWindow:    {},
	KindSelectWindow:   {},
	KindCreatePane:     {},
	KindClosePane:      {},
	KindFocusPane:      {},
	KindSplitPane:      {},
	KindResizePane:     {},
	KindSendInput:      {},
}

// IsMutating reports whether k is gated by human-control-mode arbitration.
func IsMutating(k Kind) bool {
	_, ok := MutatingKinds[k]
	return ok
}

// Command is one state-mutating request flowing through the sequencer.
type Command struct {
	ID        ids.CommandID
	Origin    Origin
	Kind      Kind
	Payload   interface{}
	Arrived   time.Time
}

// Event is the advisory notification published after a Command is applied.
type Event struct {
	CommitSeq CommitSeq
	Kind      Kind
	Payload   interface{}
}
