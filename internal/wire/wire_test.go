package wire

import (
	"bufio"
	"bytes"
	"reflect"
	"testing"

	"github.com/loomterm/loom/internal/checkpoint"
	"github.com/loomterm/loom/internal/ids"
)

func TestClientMessageFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sent := ClientMessage{
		Type:    MsgToolCall,
		Payload: NewPayload(ToolCallPayload{CommandID: ids.New(), Tool: "session.create", Args: map[string]interface{}{"name": "dev"}}),
	}
	if err := EncodeClient(&buf, sent); err != nil {
		t.Fatalf("EncodeClient: %v", err)
	}

	got, err := DecodeClient(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("DecodeClient: %v", err)
	}
	if got.Type != sent.Type {
		t.Fatalf("expected type %q, got %q", sent.Type, got.Type)
	}
	var p ToolCallPayload
	if err := Decode(got.Payload, &p); err != nil {
		t.Fatalf("Decode payload: %v", err)
	}
	if p.Tool != "session.create" {
		t.Fatalf("expected tool session.create, got %q", p.Tool)
	}
}

func TestStateSnapshotRoundTripIsIdentity(t *testing.T) {
	paneID := ids.New()
	sent := StateSnapshotPayload{
		CommitSeq: 42,
		Sessions: []checkpoint.SessionRecord{{
			ID:   ids.New(),
			Name: "s1",
			Cwd:  "/work",
			Tags: []string{"orchestrator"},
			Windows: []checkpoint.WindowRecord{{
				ID:          ids.New(),
				Name:        "main",
				FocusedPane: paneID,
			}},
		}},
		ScrollbackTail: map[string][]string{paneID.String(): {"hello"}},
		FocusHint:      paneID,
	}

	var buf bytes.Buffer
	if err := EncodeServer(&buf, ServerMessage{Type: MsgStateSnapshot, Payload: NewPayload(sent)}); err != nil {
		t.Fatalf("EncodeServer: %v", err)
	}
	msg, err := DecodeServer(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("DecodeServer: %v", err)
	}

	var got StateSnapshotPayload
	if err := Decode(msg.Payload, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(sent, got) {
		t.Fatalf("snapshot round trip not identity:\nsent %#v\ngot  %#v", sent, got)
	}
}

func TestDecodeMultipleFramesFromOneStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := EncodeServer(&buf, ServerMessage{Type: MsgEvent, Payload: NewPayload(EventPayload{CommitSeq: 1})}); err != nil {
			t.Fatalf("EncodeServer: %v", err)
		}
	}
	r := bufio.NewReader(&buf)
	for i := 0; i < 3; i++ {
		msg, err := DecodeServer(r)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if msg.Type != MsgEvent {
			t.Fatalf("frame %d: expected event, got %q", i, msg.Type)
		}
	}
}
