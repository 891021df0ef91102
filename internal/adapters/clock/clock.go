// Package clock provides the wall clock and a manually advanced clock for tests.
package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/crafter-station/cadence-sub000/internal/ports"
)

var (
	_ ports.Clock = System{}
	_ ports.Clock = (*Manual)(nil)
)

// System is the real wall clock
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) NewTimer(d time.Duration) ports.Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) C() <-chan time.Time { return s.t.C }
func (s *systemTimer) Stop() bool          { return s.t.Stop() }

// Manual only moves when Advance is called. Timers fire synchronously
// during Advance, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NewTimer(d time.Duration) ports.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{clock: m, deadline: m.now.Add(d), c: make(chan time.Time, 1), active: true}
	if d <= 0 {
		t.fire(m.now)
		return t
	}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer that came due
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = m.now.Add(d)
	sort.Slice(m.timers, func(i, j int) bool { return m.timers[i].deadline.Before(m.timers[j].deadline) })

	remaining := m.timers[:0]
	for _, t := range m.timers {
		if !t.active {
			continue
		}
		if !t.deadline.After(m.now) {
			t.fire(t.deadline)
			continue
		}
		remaining = append(remaining, t)
	}
	m.timers = remaining
}

// Pending returns how many timers are armed
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if t.active {
			n++
		}
	}
	return n
}

type manualTimer struct {
	clock    *Manual
	deadline time.Time
	c        chan time.Time
	active   bool
}

// fire is called with the clock lock held
func (t *manualTimer) fire(at time.Time) {
	t.active = false
	select {
	case t.c <- at:
	default:
	}
}

func (t *manualTimer) C() <-chan time.Time { return t.c }

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}
