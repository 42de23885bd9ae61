package wire

import (
	"github.com/loomterm/loom/internal/checkpoint"
	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/ids"
)

// ConnectPayload negotiates the protocol version on a new connection.
type ConnectPayload struct {
	ProtocolVersion int
	ClientKind      string // "tui" or "tool_bridge"
}

// ConnectedPayload acknowledges Connect with the server's own version and a
// freshly minted client id.
type ConnectedPayload struct {
	ProtocolVersion int
	ClientID        ids.ClientID
}

type AttachSessionPayload struct {
	SessionID ids.SessionID
}

type DetachSessionPayload struct{}

type GetSnapshotPayload struct{}

// StateSnapshotPayload mirrors checkpoint.State plus a focus hint, matching
// spec §4.5's "StateSnapshot{commit_seq, sessions[], scrollback_tails[],
// focus_hint}".
type StateSnapshotPayload struct {
	CommitSeq      command.CommitSeq
	Sessions       []checkpoint.SessionRecord
	ScrollbackTail map[string][]string // pane id -> tail lines
	FocusHint      ids.PaneID
}

type GetEventsSincePayload struct {
	AfterSeq command.CommitSeq
}

type EventPayload struct {
	CommitSeq command.CommitSeq
	Kind      command.Kind
	Payload   interface{}
}

type ReplayUnavailablePayload struct{}

type UserCommandModeEnteredPayload struct {
	TimeoutMs int64
}

type UserCommandModeExitedPayload struct{}

type InputPayload struct {
	PaneID      ids.PaneID
	Bytes       []byte
	SubmitEnter bool
}

type ResizePayload struct {
	PaneID ids.PaneID
	Cols   int
	Rows   int
}

// ToolCallPayload wraps a named tool call, dispatched by internal/toolbridge.
type ToolCallPayload struct {
	CommandID ids.CommandID
	Tool      string
	Args      map[string]interface{}
}

type ToolResultPayload struct {
	CommandID ids.CommandID
	Result    interface{}
	Warning   string `cbor:",omitempty"`
}

type DisconnectPayload struct{}

// PaneOutputPayload streams raw inferior output to an attached client.
// Delivery is best-effort and rate-limited per client; the grid remains
// authoritative, so dropped chunks are recovered by re-reading it.
type PaneOutputPayload struct {
	PaneID ids.PaneID
	Bytes  []byte
}

// ConfigNotificationPayload is an out-of-band daemon condition (read-only
// transition after persistent WAL failures, config reload).
type ConfigNotificationPayload struct {
	Kind    string
	Message string
}
