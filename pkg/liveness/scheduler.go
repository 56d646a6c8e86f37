// Package liveness evicts sessions that stop sending updates.
//
// Every identity owns an entry with its own mutex. Touch, Cancel and the
// expiry callback all run while holding that mutex, so a renewal racing with
// a firing timer is resolved as one step: either the timer fired first and the
// renewal re-arms a fresh session, or the renewal bumped the generation and the
// stale timer does nothing.
package liveness

import (
	"sync"
	"time"

	"github.com/astromechza/presence/pkg/presence"
)

// DefaultTimeout is the inactivity window before a session is evicted.
const DefaultTimeout = 5 * time.Second

type entry struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	alive   bool
	evicted bool
}

// Scheduler arms one timer per identity.
type Scheduler struct {
	timeout  time.Duration
	onExpire func(presence.Identity)

	mu      sync.Mutex
	entries map[presence.Identity]*entry
	closed  bool
}

// New returns a scheduler calling onExpire once per arming that is not renewed
// within timeout. onExpire must not call Touch or Cancel for the same identity.
func New(timeout time.Duration, onExpire func(presence.Identity)) *Scheduler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Scheduler{timeout: timeout, onExpire: onExpire, entries: make(map[presence.Identity]*entry)}
}

func (s *Scheduler) Timeout() time.Duration {
	return s.timeout
}

// lock returns the locked live entry for identity, creating it when create is set.
func (s *Scheduler) lock(identity presence.Identity, create bool) *entry {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		e, ok := s.entries[identity]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			e = &entry{}
			s.entries[identity] = e
		}
		s.mu.Unlock()

		e.mu.Lock()
		if !e.evicted {
			return e
		}
		// dropped from the map between lookup and lock
		e.mu.Unlock()
	}
}

// drop removes e from the map. The caller holds e.mu.
func (s *Scheduler) drop(identity presence.Identity, e *entry) {
	e.evicted = true
	s.mu.Lock()
	if s.entries[identity] == e {
		delete(s.entries, identity)
	}
	s.mu.Unlock()
}

// Touch runs fn and re-arms the timer for identity as a single step. fn may be nil.
// It reports whether the identity was absent before.
func (s *Scheduler) Touch(identity presence.Identity, fn func()) bool {
	e := s.lock(identity, true)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	wasAlive := e.alive
	if e.timer != nil {
		e.timer.Stop()
	}
	if fn != nil {
		fn()
	}
	e.gen++
	gen := e.gen
	e.alive = true
	e.timer = time.AfterFunc(s.timeout, func() { s.fire(identity, e, gen) })
	return !wasAlive
}

// Cancel stops the timer for identity when it is alive and confirm agrees.
// confirm runs under the identity's lock before anything changes; nil confirms.
// The result reports whether the timer was cancelled.
func (s *Scheduler) Cancel(identity presence.Identity, confirm func() bool) bool {
	e := s.lock(identity, false)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	if !e.alive {
		return false
	}
	if confirm != nil && !confirm() {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	e.alive = false
	s.drop(identity, e)
	return true
}

func (s *Scheduler) fire(identity presence.Identity, e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || !e.alive || e.gen != gen {
		return
	}
	e.alive = false
	s.drop(identity, e)
	if s.onExpire != nil {
		s.onExpire(identity)
	}
}

// Alive reports whether identity currently has an armed timer.
func (s *Scheduler) Alive(identity presence.Identity) bool {
	e := s.lock(identity, false)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	return e.alive
}

// Len is the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops every timer. Touch and Cancel become no-ops afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	entries := s.entries
	s.entries = make(map[presence.Identity]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++
		e.alive = false
		e.evicted = true
		e.mu.Unlock()
	}
}
