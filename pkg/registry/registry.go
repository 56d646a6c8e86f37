// Package registry holds the latest state of every live session known to this process.
package registry

import (
	"sync"
	"time"

	"github.com/astromechza/presence/pkg/presence"
)

// Session is the last accepted state of one identity.
type Session struct {
	Identity   presence.Identity
	State      presence.State
	LastSeenAt time.Time
}

// Registry is safe for concurrent use. The last Apply observed for an identity
// wins; no timestamp comparison is made.
type Registry struct {
	mu       sync.RWMutex
	sessions map[presence.Identity]Session
}

func New() *Registry {
	return &Registry{sessions: make(map[presence.Identity]Session)}
}

// Apply inserts or fully replaces the session for identity. It reports whether
// the identity was previously absent.
func (r *Registry) Apply(identity presence.Identity, state presence.State, at time.Time) bool {
	s := Session{Identity: identity, State: append(presence.State(nil), state...), LastSeenAt: at}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.sessions[identity]
	r.sessions[identity] = s
	return !existed
}

// Remove deletes the session and reports whether it was present.
func (r *Registry) Remove(identity presence.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[identity]; !ok {
		return false
	}
	delete(r.sessions, identity)
	return true
}

func (r *Registry) Get(identity presence.Identity) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Snapshot copies the identity to state mapping at one point in time.
func (r *Registry) Snapshot() map[presence.Identity]presence.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[presence.Identity]presence.State, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = s.State
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
