package command

import (
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/loomterm/loom/internal/ids"
)

func TestAssignIDsMintsAllCreateSessionIDs(t *testing.T) {
	cmd := AssignIDs(Command{Kind: KindCreateSession, Payload: CreateSessionPayload{Name: "dev"}})
	p := cmd.Payload.(CreateSessionPayload)
	if p.SessionID.Empty() || p.WindowID.Empty() || p.FirstPane.Empty() {
		t.Fatalf("expected all ids minted, got %+v", p)
	}
}

func TestAssignIDsPreservesCallerProvidedIDs(t *testing.T) {
	want := ids.New()
	cmd := AssignIDs(Command{Kind: KindCreatePane, Payload: CreatePanePayload{WindowID: ids.New(), NewPane: want}})
	if got := cmd.Payload.(CreatePanePayload).NewPane; got != want {
		t.Fatalf("expected caller id %s preserved, got %s", want, got)
	}
}

func TestAssignIDsStampsOrchestrationMessage(t *testing.T) {
	cmd := AssignIDs(Command{Kind: KindSendOrchestration, Payload: SendOrchestrationPayload{MsgType: "status"}})
	p := cmd.Payload.(SendOrchestrationPayload)
	if p.MessageID.Empty() {
		t.Fatal("expected message id minted")
	}
	if p.SentAt.IsZero() {
		t.Fatal("expected send timestamp stamped")
	}
}

func TestDecodePayloadMatchesOriginal(t *testing.T) {
	original := SplitPanePayload{
		WindowID:   ids.New(),
		TargetPane: ids.New(),
		NewPane:    ids.New(),
		Direction:  Vertical,
		Ratio:      0.3,
		Command:    []string{"/bin/sh"},
	}
	raw, err := cbor.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := DecodePayload(KindSplitPane, raw)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	got, ok := decoded.(SplitPanePayload)
	if !ok {
		t.Fatalf("expected SplitPanePayload value, got %T", decoded)
	}
	if got.NewPane != original.NewPane || got.Ratio != original.Ratio || got.Direction != original.Direction {
		t.Fatalf("decoded payload differs: %+v vs %+v", got, original)
	}
}

func TestDecodePayloadUnknownKind(t *testing.T) {
	if _, err := DecodePayload(Kind("no_such_kind"), nil); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
