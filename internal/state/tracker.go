package state

import (
	"sync"
	"time"
)

// Tracker owns the live SystemState. Every mutation funnels through Update
// under a short critical section; readers receive deep copies and never
// block a writer for long.
type Tracker struct {
	mu sync.Mutex
	s  *SystemState
}

func NewTracker(s *SystemState) *Tracker {
	if s == nil {
		s = Default()
	}
	return &Tracker{s: s}
}

// Snapshot returns an immutable copy of the current state.
func (t *Tracker) Snapshot() SystemState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Clone()
}

// Update applies fn under the lock, stamps UpdatedAt, and returns the
// resulting snapshot so the caller can persist exactly what it changed.
func (t *Tracker) Update(fn func(*SystemState)) SystemState {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.s)
	t.s.UpdatedAt = time.Now().UTC()
	return t.s.Clone()
}
