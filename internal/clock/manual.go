package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	changed chan struct{}
}

type waiter struct {
	deadline time.Time
	fire     chan time.Time
}

// NewManual returns a manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC(), changed: make(chan struct{})}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After registers a waiter released once the clock reaches now+d. A
// non-positive d fires immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	fire := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		fire <- m.now
		return fire
	}
	m.waiters = append(m.waiters, waiter{deadline: m.now.Add(d), fire: fire})
	m.notifyLocked()
	return fire
}

func (m *Manual) Sleep(d time.Duration) { <-m.After(d) }

// Advance moves the clock forward and releases every waiter whose deadline
// has been reached, earliest first.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	sort.SliceStable(m.waiters, func(i, j int) bool {
		return m.waiters[i].deadline.Before(m.waiters[j].deadline)
	})
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.deadline.After(m.now) {
			kept = append(kept, w)
			continue
		}
		w.fire <- m.now
	}
	m.waiters = kept
	return m.now
}

// Pending reports how many waiters are parked on the clock.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// BlockUntil waits until at least n waiters are parked or timeout elapses in
// real time. It reports whether the condition was met.
func (m *Manual) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if len(m.waiters) >= n {
			m.mu.Unlock()
			return true
		}
		changed := m.changed
		m.mu.Unlock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-changed:
		case <-time.After(remaining):
			return false
		}
	}
}

func (m *Manual) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
