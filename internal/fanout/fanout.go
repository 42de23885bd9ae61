// Package fanout is the client registry and event broadcast ring: a bounded
// in-memory buffer of the most recent events plus per-client cursors, so a
// reconnecting or lagging client can either replay from the ring or fall
// back to a full snapshot. Grounded on the teacher's replayBuffer /
// readerCursor design in internal/egg/server.go (append-only buffer with
// per-reader offsets and backpressure), generalized from a raw-byte replay
// log to a ring of typed command.Event values with a bounded (not
// unbounded) capacity and drop-oldest-on-overflow instead of the teacher's
// blocking-writer backpressure, since event fanout here is explicitly
// best-effort per spec §4.5.
package fanout

import (
	"errors"
	"sync"

	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/ids"
)

// ErrReplayUnavailable is returned when a client's requested range has
// already been evicted from the ring; the client must request a snapshot.
var ErrReplayUnavailable = errors.New("fanout: replay unavailable, snapshot required")

// DefaultRingSize is the default K from spec §4.5/§9.
const DefaultRingSize = 10000

// Ring is a bounded, append-only buffer of the most recent events.
type Ring struct {
	mu       sync.RWMutex
	buf      []command.Event
	cap      int
	head     int // index of buf[0]'s logical position: oldest event's commit_seq
}

// NewRing creates a ring with the given capacity (DefaultRingSize if <= 0).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Ring{cap: capacity}
}

// Push appends an event, evicting the oldest if the ring is full.
func (r *Ring) Push(ev command.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, ev)
	if len(r.buf) > r.cap {
		r.buf = r.buf[1:]
	}
}

// Since returns every event with commit_seq > afterSeq, or (nil, false) if
// afterSeq is older than the ring's oldest retained event (the caller must
// fall back to a snapshot).
func (r *Ring) Since(afterSeq command.CommitSeq) ([]command.Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.buf) == 0 {
		return nil, true
	}
	oldest := r.buf[0].CommitSeq
	if afterSeq < oldest-1 {
		return nil, false
	}
	var out []command.Event
	for _, ev := range r.buf {
		if ev.CommitSeq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, true
}

// Notification is an out-of-band daemon condition (read-only transition,
// config reload) pushed to every connected client alongside the event
// stream. It carries no commit_seq; it is not part of the state order.
type Notification struct {
	Kind    string
	Message string
}

// Client is a registered, connected client's fanout state: its last
// delivered commit_seq and a bounded, drop-oldest delivery channel.
type Client struct {
	ID          ids.ClientID
	LastApplied command.CommitSeq

	ch    chan command.Event
	notes chan Notification
}

const clientChannelDepth = 256
const noteChannelDepth = 8

// Events returns the client's delivery channel. A lagging client whose
// channel is full has the oldest buffered event dropped in favor of the
// newest, per the "drop-oldest" per-client channel policy.
func (c *Client) Events() <-chan command.Event {
	return c.ch
}

// Notifications returns the client's out-of-band notification channel.
func (c *Client) Notifications() <-chan Notification {
	return c.notes
}

func (c *Client) deliver(ev command.Event) {
	select {
	case c.ch <- ev:
		return
	default:
	}
	// Channel full: drop the oldest buffered event to make room.
	select {
	case <-c.ch:
	default:
	}
	select {
	case c.ch <- ev:
	default:
	}
}

// Registry tracks connected clients and broadcasts events to all of them,
// while retaining a replay ring for gap recovery.
type Registry struct {
	mu      sync.RWMutex
	clients map[ids.ClientID]*Client
	ring    *Ring
}

// NewRegistry creates a client registry backed by a ring of the given
// capacity.
func NewRegistry(ringCapacity int) *Registry {
	return &Registry{
		clients: make(map[ids.ClientID]*Client),
		ring:    NewRing(ringCapacity),
	}
}

// Connect registers a new client starting at lastApplied (typically the
// commit_seq of the snapshot just sent to it).
func (r *Registry) Connect(id ids.ClientID, lastApplied command.CommitSeq) *Client {
	c := &Client{
		ID:          id,
		LastApplied: lastApplied,
		ch:          make(chan command.Event, clientChannelDepth),
		notes:       make(chan Notification, noteChannelDepth),
	}
	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()
	return c
}

// Disconnect removes a client and closes its channel.
func (r *Registry) Disconnect(id ids.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		close(c.ch)
		close(c.notes)
		delete(r.clients, id)
	}
}

// NotifyAll pushes an out-of-band notification to every connected client,
// best-effort.
func (r *Registry) NotifyAll(kind, message string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		select {
		case c.notes <- Notification{Kind: kind, Message: message}:
		default:
		}
	}
}

// Publish implements command.Publisher: push to the ring, then best-effort
// deliver to every connected client.
func (r *Registry) Publish(ev command.Event) {
	r.ring.Push(ev)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		c.deliver(ev)
		c.LastApplied = ev.CommitSeq
	}
}

// Since serves a replay request from the ring.
func (r *Registry) Since(afterSeq command.CommitSeq) ([]command.Event, bool) {
	return r.ring.Since(afterSeq)
}
