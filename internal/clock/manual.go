package clock

import (
	"sync"
	"time"
)

// Manual is a hand-advanced clock for deterministic tests.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*manualWaiter
}

type manualWaiter struct {
	due time.Time
	ch  chan time.Time
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires once the clock has been advanced past d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	if d <= 0 {
		now := m.now
		m.mu.Unlock()
		ch <- now
		return ch
	}
	m.waiters = append(m.waiters, &manualWaiter{due: m.now.Add(d), ch: ch})
	m.mu.Unlock()
	return ch
}

// Sleep blocks until the clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d, firing every waiter that has come due,
// and returns the new current time.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	if len(m.waiters) > 0 {
		keep := m.waiters[:0]
		for _, w := range m.waiters {
			if w.due.After(now) {
				keep = append(keep, w)
				continue
			}
			w.ch <- now
		}
		m.waiters = keep
	}
	m.mu.Unlock()
	return now
}

// AdvanceTo moves the clock to t when t is in the future.
func (m *Manual) AdvanceTo(t time.Time) time.Time {
	m.mu.Lock()
	now := m.now
	m.mu.Unlock()
	if !t.After(now) {
		return now
	}
	return m.Advance(t.Sub(now))
}

// Pending reports how many timers are still scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
