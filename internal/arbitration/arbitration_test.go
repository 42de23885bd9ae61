package arbitration

import (
	"testing"
	"time"

	"github.com/loomterm/loom/internal/config"
	"github.com/loomterm/loom/internal/ids"
)

func TestRejectPolicyBlocksWhileLockHeld(t *testing.T) {
	m := New(config.ArbitrationReject)
	m.Enter(ids.New(), 1000)

	active, retryMs := m.HumanControlActive()
	if !active {
		t.Fatal("expected active lock to block")
	}
	if retryMs <= 0 {
		t.Fatalf("expected positive retry hint, got %d", retryMs)
	}
}

func TestRejectPolicyClearsAfterExpiry(t *testing.T) {
	m := New(config.ArbitrationReject)
	m.Enter(ids.New(), 1)
	time.Sleep(10 * time.Millisecond)

	active, _ := m.HumanControlActive()
	if active {
		t.Fatal("expected expired lock to be inactive")
	}
}

func TestExitReleasesLock(t *testing.T) {
	m := New(config.ArbitrationReject)
	client := ids.New()
	m.Enter(client, 1000)
	m.Exit(client)

	active, _ := m.HumanControlActive()
	if active {
		t.Fatal("expected Exit to release the lock")
	}
}

func TestWarnPolicyNeverBlocksButReportsWarning(t *testing.T) {
	m := New(config.ArbitrationWarn)
	m.Enter(ids.New(), 1000)

	active, _ := m.HumanControlActive()
	if active {
		t.Fatal("warn policy must never report active")
	}
	warn, retryMs := m.PendingWarning()
	if !warn || retryMs <= 0 {
		t.Fatalf("expected pending warning with positive retry, got warn=%v retryMs=%d", warn, retryMs)
	}
}

func TestWaitPolicyBlocksUntilLockExpires(t *testing.T) {
	m := New(config.ArbitrationWait)
	m.waitPoll = time.Millisecond
	m.Enter(ids.New(), 30)

	start := time.Now()
	active, _ := m.HumanControlActive()
	if active {
		t.Fatal("wait policy should report inactive once the lock clears")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("expected HumanControlActive to block until lock expiry")
	}
}
