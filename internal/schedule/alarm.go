package schedule

import (
	"sync"
	"time"
)

// Alarm registers one-shot wake-ups keyed by item id.
type Alarm interface {
	// Set arms fire to run at at, superseding any wake-up already set for id.
	Set(id string, at time.Time, fire func())
	// Cancel disarms the wake-up for id. It reports whether one was armed.
	Cancel(id string) bool
}

// Timer is the part of *time.Timer a TimerAlarm uses.
type Timer interface {
	Stop() bool
}

// AfterFunc starts a timer that calls f after d.
type AfterFunc func(d time.Duration, f func()) Timer

type wakeup struct {
	timer Timer
	gen   uint64
}

// TimerAlarm keeps at most one armed timer per id.
type TimerAlarm struct {
	after AfterFunc
	now   func() time.Time

	mu      sync.Mutex
	gen     uint64
	pending map[string]wakeup
}

// NewTimerAlarm creates an Alarm backed by time.AfterFunc.
func NewTimerAlarm() *TimerAlarm {
	return NewTimerAlarmWithClock(func(d time.Duration, f func()) Timer {
		return time.AfterFunc(d, f)
	}, time.Now)
}

// NewTimerAlarmWithClock creates a TimerAlarm with custom timers, used for testing.
func NewTimerAlarmWithClock(after AfterFunc, now func() time.Time) *TimerAlarm {
	return &TimerAlarm{after: after, now: now, pending: make(map[string]wakeup)}
}

// Set implements Alarm. A wake-up whose time has passed fires immediately.
func (a *TimerAlarm) Set(id string, at time.Time, fire func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if w, ok := a.pending[id]; ok {
		w.timer.Stop()
	}

	a.gen++
	gen := a.gen
	d := at.Sub(a.now())
	if d < 0 {
		d = 0
	}
	t := a.after(d, func() {
		// A superseded timer that already started must not fire.
		a.mu.Lock()
		w, ok := a.pending[id]
		if !ok || w.gen != gen {
			a.mu.Unlock()
			return
		}
		delete(a.pending, id)
		a.mu.Unlock()
		fire()
	})
	a.pending[id] = wakeup{timer: t, gen: gen}
}

// Cancel implements Alarm.
func (a *TimerAlarm) Cancel(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.pending[id]
	if !ok {
		return false
	}
	w.timer.Stop()
	delete(a.pending, id)
	return true
}

// Armed reports whether a wake-up is set for id.
func (a *TimerAlarm) Armed(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[id]
	return ok
}

// Len returns the number of armed wake-ups.
func (a *TimerAlarm) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
