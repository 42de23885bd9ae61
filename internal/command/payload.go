package command

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/loomterm/loom/internal/ids"
)

// Payload shapes for each mutating Kind. These are the contract shared by
// the tool bridge (which constructs them) and the engine (which type-
// asserts Command.Payload against them in Validate/Apply); keeping them
// here, next to Kind, avoids the tool bridge and engine packages needing to
// import one another just to agree on wire shapes.

type CreateSessionPayload struct {
	// SessionID, WindowID and FirstPane are minted by AssignIDs before the
	// command reaches the WAL, so replay registers the same identifiers the
	// live run did.
	SessionID ids.SessionID
	WindowID  ids.WindowID
	FirstPane ids.PaneID

	Name    string
	Cwd     string
	Tags    []string
	Env     map[string]string
	Command []string
}

type RenameSessionPayload struct {
	SessionID ids.SessionID
	Name      string
}

type DestroySessionPayload struct {
	SessionID ids.SessionID
}

type CreateWindowPayload struct {
	SessionID ids.SessionID
	WindowID  ids.WindowID // minted by AssignIDs
	FirstPane ids.PaneID   // minted by AssignIDs
	Name      string
	Command   []string
	Cwd       string
}

type CloseWindowPayload struct {
	SessionID ids.SessionID
	WindowID  ids.WindowID
}

type SelectWindowPayload struct {
	SessionID ids.SessionID
	WindowID  ids.WindowID
}

type RenameWindowPayload struct {
	WindowID ids.WindowID
	Name     string
}

type CreatePanePayload struct {
	WindowID ids.WindowID
	NewPane  ids.PaneID // minted by AssignIDs
	Command  []string
	Cwd      string
}

type ClosePanePayload struct {
	WindowID ids.WindowID
	PaneID   ids.PaneID
}

type FocusPanePayload struct {
	WindowID ids.WindowID
	PaneID   ids.PaneID
}

// Direction mirrors workspace.Direction without importing it, so the
// payload type stays free of a dependency on the hierarchy package.
type Direction int

const (
	Horizontal Direction = iota
	Vertical
)

type SplitPanePayload struct {
	WindowID    ids.WindowID
	TargetPane  ids.PaneID
	NewPane     ids.PaneID
	Direction   Direction
	Ratio       float64
	Command     []string
	Cwd         string
}

type ResizePanePayload struct {
	WindowID ids.WindowID
	PaneA    ids.PaneID
	PaneB    ids.PaneID
	Delta    float64
}

type MirrorPanePayload struct {
	WindowID   ids.WindowID
	SourcePane ids.PaneID
	NewPane    ids.PaneID
}

type SendInputPayload struct {
	PaneID      ids.PaneID
	Bytes       []byte
	SubmitEnter bool
}

// MetadataTargetKind distinguishes what SetMetadataPayload.TargetID names.
type MetadataTargetKind int

const (
	MetadataTargetSession MetadataTargetKind = iota
	MetadataTargetPane
)

type SetMetadataPayload struct {
	TargetKind MetadataTargetKind
	TargetID   ids.ID
	Key        string
	Value      string
}

type SetTagsPayload struct {
	SessionID ids.SessionID
	Tags      []string
}

// OrchestrationTargetKind mirrors mailbox.TargetKind without importing it.
type OrchestrationTargetKind int

const (
	OrchestrationBroadcast OrchestrationTargetKind = iota
	OrchestrationTag
	OrchestrationSession
	OrchestrationWorktree
)

type SendOrchestrationPayload struct {
	MessageID   ids.CommandID // minted by AssignIDs
	SentAt      time.Time     // stamped by AssignIDs
	FromSession ids.SessionID
	TargetKind  OrchestrationTargetKind
	Tags        []string
	ToSession   ids.SessionID
	Worktree    string
	MsgType     string
	Payload     interface{}
}

type WatchdogAction string

const (
	WatchdogStart  WatchdogAction = "start"
	WatchdogStop   WatchdogAction = "stop"
	WatchdogStatus WatchdogAction = "status"
)

type WatchdogStatePayload struct {
	PaneID       ids.PaneID
	Action       WatchdogAction
	IntervalSecs int
	Message      string
}

// AssignIDs fills any empty identifier fields in cmd's payload before the
// command is validated and WAL-appended. Minting identifiers here, rather
// than inside Apply, is what makes recovery replay register the same ids
// the live run did: the WAL record carries the concrete ids, so the shared
// apply function never has to invent one.
func AssignIDs(cmd Command) Command {
	switch p := cmd.Payload.(type) {
	case CreateSessionPayload:
		if p.SessionID.Empty() {
			p.SessionID = ids.New()
		}
		if p.WindowID.Empty() {
			p.WindowID = ids.New()
		}
		if p.FirstPane.Empty() {
			p.FirstPane = ids.New()
		}
		cmd.Payload = p
	case CreateWindowPayload:
		if p.WindowID.Empty() {
			p.WindowID = ids.New()
		}
		if p.FirstPane.Empty() {
			p.FirstPane = ids.New()
		}
		cmd.Payload = p
	case CreatePanePayload:
		if p.NewPane.Empty() {
			p.NewPane = ids.New()
		}
		cmd.Payload = p
	case SplitPanePayload:
		if p.NewPane.Empty() {
			p.NewPane = ids.New()
		}
		cmd.Payload = p
	case MirrorPanePayload:
		if p.NewPane.Empty() {
			p.NewPane = ids.New()
		}
		cmd.Payload = p
	case SendOrchestrationPayload:
		if p.MessageID.Empty() {
			p.MessageID = ids.New()
		}
		if p.SentAt.IsZero() {
			p.SentAt = time.Now()
		}
		cmd.Payload = p
	}
	return cmd
}

// DecodePayload rebuilds a typed payload from a WAL record's raw cbor bytes
// during recovery replay, where the command has already crossed the wire
// once and lost its concrete Go type. Mirrors the Kind switch in
// internal/engine's Validate/Apply.
func DecodePayload(kind Kind, raw cbor.RawMessage) (interface{}, error) {
	var dst interface{}
	switch kind {
	case KindCreateSession:
		dst = &CreateSessionPayload{}
	case KindRenameSession:
		dst = &RenameSessionPayload{}
	case KindDestroySession:
		dst = &DestroySessionPayload{}
	case KindCreateWindow:
		dst = &CreateWindowPayload{}
	case KindCloseWindow:
		dst = &CloseWindowPayload{}
	case KindSelectWindow:
		dst = &SelectWindowPayload{}
	case KindRenameWindow:
		dst = &RenameWindowPayload{}
	case KindCreatePane:
		dst = &CreatePanePayload{}
	case KindClosePane:
		dst = &ClosePanePayload{}
	case KindFocusPane:
		dst = &FocusPanePayload{}
	case KindSplitPane:
		dst = &SplitPanePayload{}
	case KindResizePane:
		dst = &ResizePanePayload{}
	case KindMirrorPane:
		dst = &MirrorPanePayload{}
	case KindSendInput:
		dst = &SendInputPayload{}
	case KindSetMetadata:
		dst = &SetMetadataPayload{}
	case KindSetTags:
		dst = &SetTagsPayload{}
	case KindSendOrchestration:
		dst = &SendOrchestrationPayload{}
	case KindWatchdogState:
		dst = &WatchdogStatePayload{}
	default:
		return nil, fmt.Errorf("command: unknown kind %q during replay", kind)
	}
	if err := cbor.Unmarshal(raw, dst); err != nil {
		return nil, fmt.Errorf("command: decode %s payload: %w", kind, err)
	}
	return derefPayload(dst), nil
}

// derefPayload unwraps the pointer DecodePayload used as an unmarshal target
// back to the plain value type engine.Apply's type switch expects.
func derefPayload(v interface{}) interface{} {
	switch p := v.(type) {
	case *CreateSessionPayload:
		return *p
	case *RenameSessionPayload:
		return *p
	case *DestroySessionPayload:
		return *p
	case *CreateWindowPayload:
		return *p
	case *CloseWindowPayload:
		return *p
	case *SelectWindowPayload:
		return *p
	case *RenameWindowPayload:
		return *p
	case *CreatePanePayload:
		return *p
	case *ClosePanePayload:
		return *p
	case *FocusPanePayload:
		return *p
	case *SplitPanePayload:
		return *p
	case *ResizePanePayload:
		return *p
	case *MirrorPanePayload:
		return *p
	case *SendInputPayload:
		return *p
	case *SetMetadataPayload:
		return *p
	case *SetTagsPayload:
		return *p
	case *SendOrchestrationPayload:
		return *p
	case *WatchdogStatePayload:
		return *p
	default:
		return v
	}
}
