// Package arbitration is the human-control-mode lock: a short-lived
// {client_id, expires_at} token that a client acquires when the user starts
// typing a prefix command, gating the mutating command set from automated
// tool callers while it is held. Grounded on the teacher's short-TTL
// in-memory lock pattern (the same expiry-timestamp-over-timer-goroutine
// idiom the teacher uses for its session leases), generalized to the three
// policies spec'd for what happens to a gated command: reject, wait, warn.
package arbitration

import (
	"sync"
	"time"

	"github.com/loomterm/loom/internal/config"
	"github.com/loomterm/loom/internal/ids"
)

// lock is the active human-control token, or nil if no client holds it.
type lock struct {
	clientID  ids.ClientID
	expiresAt time.Time
}

// Manager tracks at most one active human-control lock and implements
// command.Arbiter. Policy determines what HumanControlActive reports to a
// gated Tool-originated mutating command while the lock is held.
type Manager struct {
	mu     sync.Mutex
	active *lock
	policy config.ArbitrationPolicy

	// waitPoll is the interval Manager sleeps between checks while honoring
	// the "wait" policy; overridable only by tests.
	waitPoll time.Duration
}

// New creates a Manager under the given default policy.
func New(policy config.ArbitrationPolicy) *Manager {
	if policy == "" {
		policy = config.ArbitrationWarn
	}
	return &Manager{policy: policy, waitPoll: 20 * time.Millisecond}
}

// Enter acquires the human-control lock for clientID, expiring after
// timeoutMs. A later Enter from a different client simply replaces the
// lock; the daemon does not queue contenders (the spec allows no more than
// one client to be in command-prefix mode at a time in practice, and an
// expired lock from a crashed client must not block the next).
func (m *Manager) Enter(clientID ids.ClientID, timeoutMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = &lock{clientID: clientID, expiresAt: time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)}
}

// Exit releases the lock if held by clientID.
func (m *Manager) Exit(clientID ids.ClientID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.clientID == clientID {
		m.active = nil
	}
}

// ReleaseClient is called on client disconnect: it releases the lock
// unconditionally if held by clientID, matching the cancellation rule that
// a disconnect releases any human-control lock the client held.
func (m *Manager) ReleaseClient(clientID ids.ClientID) {
	m.Exit(clientID)
}

// snapshot returns the current lock state, clearing it first if expired.
func (m *Manager) snapshot() *lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && time.Now().After(m.active.expiresAt) {
		m.active = nil
	}
	return m.active
}

// HumanControlActive implements command.Arbiter under the "reject" policy:
// while the lock is held, gated commands are refused outright. Under "wait"
// it blocks the caller (bounded by the lock's remaining TTL) until the lock
// clears, then reports inactive. Under "warn" it never blocks or rejects;
// callers should consult PendingWarning after a successful Submit instead.
func (m *Manager) HumanControlActive() (bool, int64) {
	switch m.policy {
	case config.ArbitrationWait:
		return m.waitOut()
	case config.ArbitrationWarn:
		return false, 0
	default: // ArbitrationReject
		l := m.snapshot()
		if l == nil {
			return false, 0
		}
		return true, retryMs(l.expiresAt)
	}
}

func (m *Manager) waitOut() (bool, int64) {
	for {
		l := m.snapshot()
		if l == nil {
			return false, 0
		}
		remaining := time.Until(l.expiresAt)
		if remaining <= 0 {
			return false, 0
		}
		time.Sleep(m.waitPoll)
	}
}

// PendingWarning reports whether a mutating Tool command is proceeding
// under an active human-control lock despite the "warn" policy, so the
// caller (the tool bridge) can attach a warning to its result.
func (m *Manager) PendingWarning() (warn bool, retryAfterMs int64) {
	if m.policy != config.ArbitrationWarn {
		return false, 0
	}
	l := m.snapshot()
	if l == nil {
		return false, 0
	}
	return true, retryMs(l.expiresAt)
}

func retryMs(expiresAt time.Time) int64 {
	d := time.Until(expiresAt)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
