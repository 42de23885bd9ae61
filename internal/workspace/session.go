package workspace

import (
	"fmt"
	"sync"

	"github.com/loomterm/loom/internal/ids"
)

// ErrNameTaken is returned when creating a session whose name collides with
// a live session.
var ErrNameTaken = fmt.Errorf("workspace: session name already in use")

// ErrWindowNotFound mirrors ErrPaneNotFound for window-scoped lookups.
var ErrWindowNotFound = fmt.Errorf("workspace: window not found in session")

// ErrSessionNotFound mirrors the above for session-scoped lookups.
var ErrSessionNotFound = fmt.Errorf("workspace: session not found")

// Session is a top-level workspace: an ordered list of windows, a tag set
// used for orchestration routing, and a bounded mailbox (see
// internal/mailbox for the queue itself — Session only carries the id/tags
// the router matches against).
type Session struct {
	ID   ids.SessionID
	Name string

	mu           sync.RWMutex
	windows      []*Window
	currentIndex int
	tags         map[string]struct{}
	metadata     map[string]string
	envOverlay   map[string]string
	cwd          string
}

// NewSession creates an empty session (no windows yet; the caller creates
// the first window via AddWindow immediately after — the engine's
// CreateSession command does both, together with the first pane).
func NewSession(id ids.SessionID, name, cwd string) *Session {
	return &Session{
		ID:         id,
		Name:       name,
		cwd:        cwd,
		tags:       make(map[string]struct{}),
		metadata:   make(map[string]string),
		envOverlay: make(map[string]string),
	}
}

// AddWindow appends a window and makes it current if it is the first.
func (s *Session) AddWindow(w *Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, w)
	if len(s.windows) == 1 {
		s.currentIndex = 0
	}
}

// Windows returns a snapshot of the session's windows.
func (s *Session) Windows() []*Window {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Window, len(s.windows))
	copy(out, s.windows)
	return out
}

// Window looks up a window by id.
func (s *Session) Window(id ids.WindowID) (*Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.windows {
		if w.ID == id {
			return w, nil
		}
	}
	return nil, ErrWindowNotFound
}

// RemoveWindow removes a window by id, adjusting the current index.
func (s *Session) RemoveWindow(id ids.WindowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.windows {
		if w.ID == id {
			s.windows = append(s.windows[:i], s.windows[i+1:]...)
			if s.currentIndex >= len(s.windows) && s.currentIndex > 0 {
				s.currentIndex = len(s.windows) - 1
			}
			return nil
		}
	}
	return ErrWindowNotFound
}

// Tags returns a copy of the session's tag set.
func (s *Session) Tags() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.tags))
	for t := range s.tags {
		out[t] = struct{}{}
	}
	return out
}

// SetTags replaces the session's tag set.
func (s *Session) SetTags(tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = make(map[string]struct{}, len(tags))
	for _, t := range tags {
		s.tags[t] = struct{}{}
	}
}

// HasAnyTag reports whether the session's tags intersect the given set.
func (s *Session) HasAnyTag(tags map[string]struct{}) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for t := range tags {
		if _, ok := s.tags[t]; ok {
			return true
		}
	}
	return false
}

// Cwd returns the session's working directory, used for worktree-targeted
// orchestration routing.
func (s *Session) Cwd() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cwd
}

// SetMetadata sets an opaque metadata key.
func (s *Session) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Metadata returns a copy of the session's metadata map.
func (s *Session) Metadata() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// SetEnvOverlay replaces the session's environment overlay.
func (s *Session) SetEnvOverlay(env map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envOverlay = make(map[string]string, len(env))
	for k, v := range env {
		s.envOverlay[k] = v
	}
}

// EnvOverlay returns a copy of the session's environment overlay.
func (s *Session) EnvOverlay() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.envOverlay))
	for k, v := range s.envOverlay {
		out[k] = v
	}
	return out
}

// Registry is the authoritative in-memory map of all live sessions. The
// sequencer is its only mutator; readers take the read lock for snapshot
// encoding and tool queries, matching the single-owning-state-object shared
// resource policy.
type Registry struct {
	mu       sync.RWMutex
	sessions map[ids.SessionID]*Session
	byName   map[string]ids.SessionID
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[ids.SessionID]*Session),
		byName:   make(map[string]ids.SessionID),
	}
}

// Add registers a new session. Returns ErrNameTaken if the name collides
// with a live session.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[s.Name]; taken {
		return ErrNameTaken
	}
	r.sessions[s.ID] = s
	r.byName[s.Name] = s.ID
	return nil
}

// Get looks up a session by id.
func (r *Registry) Get(id ids.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetByName looks up a session by its unique name.
func (r *Registry) GetByName(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.sessions[id], true
}

// Rename changes a session's unique name. Returns ErrNameTaken if another
// live session already holds the new name.
func (r *Registry) Rename(id ids.SessionID, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if existing, taken := r.byName[newName]; taken && existing != id {
		return ErrNameTaken
	}
	delete(r.byName, s.Name)
	s.Name = newName
	r.byName[newName] = id
	return nil
}

// Remove deletes a session from the registry.
func (r *Registry) Remove(id ids.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		delete(r.byName, s.Name)
		delete(r.sessions, id)
	}
}

// All returns a snapshot slice of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
