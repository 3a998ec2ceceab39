package lifecycle

import (
	"sync"
	"time"
)

// Manual is an AfterFunc whose timers only fire when told to. Useful for tests and replays.
type Manual struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	m    *Manual
	d    time.Duration
	f    func()
	done bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{m: m, d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Pending returns the durations of timers that have neither fired nor been stopped.
func (m *Manual) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, t := range m.timers {
		if !t.done {
			out = append(out, t.d)
		}
	}
	return out
}

// FireAll runs every pending timer on the calling goroutine, in arm order, and returns how many ran.
func (m *Manual) FireAll() int {
	m.mu.Lock()
	var due []*manualTimer
	for _, t := range m.timers {
		if !t.done {
			t.done = true
			due = append(due, t)
		}
	}
	m.timers = nil
	m.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}
