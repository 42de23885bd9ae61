package command

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

// ErrHumanControlActive is returned when a Tool-originated mutating command
// arrives while any client holds the human-control-mode lock.
type ErrHumanControlActive struct {
	RetryAfterMs int64
}

func (e *ErrHumanControlActive) Error() string {
	return fmt.Sprintf("human control active, retry after %dms", e.RetryAfterMs)
}

// ErrInvalidCommand wraps a validation failure.
type ErrInvalidCommand struct {
	Reason string
}

func (e *ErrInvalidCommand) Error() string { return "invalid command: " + e.Reason }

// ErrPersistence is returned when the WAL append in step 5 fails; no
// commit_seq is consumed and no event is emitted.
type ErrPersistence struct {
	Cause error
}

func (e *ErrPersistence) Error() string { return fmt.Sprintf("persistence error: %v", e.Cause) }
func (e *ErrPersistence) Unwrap() error { return e.Cause }

// Arbiter reports whether human-control mode currently blocks mutating Tool
// commands, and the remaining lock duration in milliseconds.
type Arbiter interface {
	HumanControlActive() (active bool, retryAfterMs int64)
}

// Validator checks a command against current state before it is sequenced.
// Returning a non-nil error aborts the command with ErrInvalidCommand. A
// validator may stage side resources (a spawned PTY for a create command)
// keyed by the command id; if it does, it should also implement Discarder.
type Validator interface {
	Validate(cmd Command) error
}

// Discarder releases resources a Validator staged for a command that was
// subsequently aborted by a WAL append failure.
type Discarder interface {
	Discard(cmd Command)
}

// WAL durably appends a sequenced command before it is applied.
type WAL interface {
	Append(seq CommitSeq, cmd Command) error
}

// Applier performs the in-memory state transition for a validated,
// sequenced command. It must be total over state: an impossible transition
// (validated id vanished) is a bug and the applier panics. A returned
// error is a per-command outcome (write backpressure, pane not writable)
// delivered to the origin; the commit sequence is still consumed and the
// event still published, so clients never observe a gap.
type Applier interface {
	Apply(seq CommitSeq, cmd Command) (result interface{}, err error)
}

// Publisher delivers the resulting event to the fanout ring.
type Publisher interface {
	Publish(ev Event)
}

// ackEntry is the cached result of a command already processed, keyed by
// command_id for tool-call idempotency.
type ackEntry struct {
	result interface{}
	err    error
}

// Sequencer is the single logical mutation point: deduplicate, arbitrate,
// validate, assign commit_seq, append to WAL, apply, publish, acknowledge.
// Dedup, arbitration and validation run before the lock is taken; steps
// 4-7 (assign commit_seq, WAL append, apply, publish) run under one short
// critical section (mu). The WAL append is the only I/O performed while it
// is held, matching the "at most one WAL append per turn before yielding"
// concurrency rule.
type Sequencer struct {
	mu       sync.Mutex
	lastSeq  CommitSeq
	arbiter  Arbiter
	validate Validator
	wal      WAL
	apply    Applier
	publish  Publisher

	ackMu    sync.Mutex
	ackList  *list.List
	ackIndex map[string]*list.Element
	ackCap   int

	persistFailures int
	readOnly        bool
	onReadOnly      func()
}

// readOnlyAfter is how many consecutive WAL append failures flip the daemon
// into read-only mode.
const readOnlyAfter = 3

// NewSequencer wires the sequencer's collaborators. ackCap bounds the
// idempotency cache (a command_id older than ackCap acknowledged commands
// is no longer deduplicated).
func NewSequencer(arbiter Arbiter, validator Validator, wal WAL, applier Applier, publisher Publisher, ackCap int) *Sequencer {
	if ackCap <= 0 {
		ackCap = 4096
	}
	return &Sequencer{
		arbiter:  arbiter,
		validate: validator,
		wal:      wal,
		apply:    applier,
		publish:  publisher,
		ackList:  list.New(),
		ackIndex: make(map[string]*list.Element),
		ackCap:   ackCap,
	}
}

// LastAppliedSeq returns the most recently assigned commit sequence.
func (s *Sequencer) LastAppliedSeq() CommitSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// SetLastAppliedSeq is used during recovery to resume numbering after the
// last checkpoint/WAL-replayed commit_seq, rather than restarting at zero.
func (s *Sequencer) SetLastAppliedSeq(seq CommitSeq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq = seq
}

// ReadOnly reports whether persistent WAL failures have flipped the daemon
// into read-only mode; all further mutations are refused until restart.
func (s *Sequencer) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// OnReadOnly registers a one-shot callback fired when the sequencer enters
// read-only mode, so the daemon can notify connected clients.
func (s *Sequencer) OnReadOnly(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReadOnly = fn
}

// Submit runs a Command through the full eight-step algorithm and returns
// its result (or the cached result, for a deduplicated Tool command).
func (s *Sequencer) Submit(cmd Command) (interface{}, error) {
	// Step 1: dedup by command_id for Tool origin.
	if cmd.Origin.Kind == OriginTool {
		if entry, ok := s.ackLookup(string(cmd.ID)); ok {
			return entry.result, entry.err
		}
	}

	// Step 2: arbitrate.
	if cmd.Origin.Kind == OriginTool && IsMutating(cmd.Kind) && s.arbiter != nil {
		if active, retryMs := s.arbiter.HumanControlActive(); active {
			err := &ErrHumanControlActive{RetryAfterMs: retryMs}
			return nil, err
		}
	}

	// Identifiers are minted before validation and WAL append so the durable
	// record carries them; recovery replay then registers the same ids.
	cmd = AssignIDs(cmd)

	// Step 3: validate. The engine stages spawned PTYs here, so a spawn
	// failure surfaces now, before any commit_seq or WAL record exists.
	if s.validate != nil {
		if err := s.validate.Validate(cmd); err != nil {
			if isSpawnError(err) {
				return nil, err
			}
			return nil, &ErrInvalidCommand{Reason: err.Error()}
		}
	}

	if s.ReadOnly() {
		err := &ErrPersistence{Cause: fmt.Errorf("daemon is read-only after repeated WAL failures")}
		s.discard(cmd)
		return nil, err
	}

	s.mu.Lock()
	// Steps 4-7 run inside the single short critical section.
	seq := s.lastSeq + 1

	if err := s.wal.Append(seq, cmd); err != nil {
		s.persistFailures++
		if s.persistFailures >= readOnlyAfter && !s.readOnly {
			s.readOnly = true
			if s.onReadOnly != nil {
				go s.onReadOnly()
			}
		}
		s.mu.Unlock()
		s.discard(cmd)
		// Step 5 failure: no commit_seq consumed, no event emitted.
		return nil, &ErrPersistence{Cause: err}
	}
	s.persistFailures = 0

	result, applyErr := s.apply.Apply(seq, cmd)
	s.lastSeq = seq

	// The event is published even when Apply reported a per-command error:
	// the record is durable and the sequence must stay gapless for clients.
	ev := Event{CommitSeq: seq, Kind: cmd.Kind, Payload: result}
	if s.publish != nil {
		s.publish.Publish(ev)
	}
	s.mu.Unlock()

	// Step 8: acknowledge / cache for idempotency. Errors are cached too, so
	// a retried command id cannot mutate state a second time.
	if cmd.Origin.Kind == OriginTool {
		s.ackStore(string(cmd.ID), ackEntry{result: result, err: applyErr})
	}

	return result, applyErr
}

func (s *Sequencer) discard(cmd Command) {
	if d, ok := s.validate.(Discarder); ok {
		d.Discard(cmd)
	}
}

// isSpawnError reports whether err is a spawn failure staged validation
// surfaced, which must keep its own error code rather than be wrapped as
// InvalidCommand.
func isSpawnError(err error) bool {
	type coded interface{ Code() string }
	var c coded
	return errors.As(err, &c) && c.Code() == "SpawnFailed"
}

func (s *Sequencer) ackLookup(id string) (ackEntry, bool) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	el, ok := s.ackIndex[id]
	if !ok {
		return ackEntry{}, false
	}
	s.ackList.MoveToFront(el)
	return el.Value.(*ackRecord).entry, true
}

type ackRecord struct {
	id    string
	entry ackEntry
}

func (s *Sequencer) ackStore(id string, entry ackEntry) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	if el, ok := s.ackIndex[id]; ok {
		el.Value.(*ackRecord).entry = entry
		s.ackList.MoveToFront(el)
		return
	}
	el := s.ackList.PushFront(&ackRecord{id: id, entry: entry})
	s.ackIndex[id] = el
	for s.ackList.Len() > s.ackCap {
		oldest := s.ackList.Back()
		if oldest == nil {
			break
		}
		s.ackList.Remove(oldest)
		delete(s.ackIndex, oldest.Value.(*ackRecord).id)
	}
}
