package mailbox

import (
	"testing"

	"github.com/loomterm/loom/internal/ids"
)

func TestBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(10)
	a, b := ids.New(), ids.New()
	live := []SessionInfo{{ID: a}, {ID: b}}

	n := r.Deliver(Message{From: a, To: Target{Kind: TargetBroadcast}}, live)
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(r.Poll(a, 0)) != 0 {
		t.Fatal("sender should not receive its own broadcast")
	}
	if len(r.Poll(b, 0)) != 1 {
		t.Fatal("expected recipient to receive broadcast")
	}
}

func TestTagRoutingMatchesIntersection(t *testing.T) {
	r := NewRegistry(10)
	worker := ids.New()
	other := ids.New()
	live := []SessionInfo{
		{ID: worker, Tags: []string{"orchestrator", "worker"}},
		{ID: other, Tags: []string{"ui"}},
	}

	n := r.Deliver(Message{To: Target{Kind: TargetTag, Tags: []string{"orchestrator"}}}, live)
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(r.Poll(worker, 0)) != 1 {
		t.Fatal("expected tagged session to receive message")
	}
}

func TestSessionRoutingDirect(t *testing.T) {
	r := NewRegistry(10)
	target := ids.New()
	live := []SessionInfo{{ID: target}, {ID: ids.New()}}

	r.Deliver(Message{To: Target{Kind: TargetSession, Session: target}}, live)
	if len(r.Poll(target, 0)) != 1 {
		t.Fatal("expected direct session delivery")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	r := NewRegistry(2)
	s := ids.New()
	live := []SessionInfo{{ID: s}}

	for i := 0; i < 5; i++ {
		r.Deliver(Message{To: Target{Kind: TargetSession, Session: s}, MsgType: "m"}, live)
	}

	msgs := r.Poll(s, 0)
	if len(msgs) != 2 {
		t.Fatalf("expected capacity-bounded inbox of 2, got %d", len(msgs))
	}
	if r.Overflow(s) != 3 {
		t.Fatalf("expected overflow count 3, got %d", r.Overflow(s))
	}
}

func TestPollRemovesMessages(t *testing.T) {
	r := NewRegistry(10)
	s := ids.New()
	live := []SessionInfo{{ID: s}}
	r.Deliver(Message{To: Target{Kind: TargetSession, Session: s}}, live)

	if len(r.Poll(s, 0)) != 1 {
		t.Fatal("expected one message")
	}
	if len(r.Poll(s, 0)) != 0 {
		t.Fatal("expected inbox drained after poll")
	}
}
