// Package schedule provides the cancellable timers used by the session loop.
//
// Timer callbacks never touch session state directly. They only report the
// generation they were armed with, and the loop asks the owning Slot whether
// that generation is still live before acting on it. A Slot re-armed or
// stopped after its timer already fired therefore can never run a stale
// callback against a newer dialog.
package schedule

import (
	"time"
)

// Timer is the subset of *time.Timer the scheduler relies on.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time so timer-driven behaviour can be tested.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Slot owns at most one pending timer. It is not safe for concurrent use; the
// session loop is its only caller.
type Slot struct {
	name     string
	clock    Clock
	timer    Timer
	gen      uint64
	armed    bool
	deadline time.Time
}

func NewSlot(clock Clock, name string) *Slot {
	if clock == nil {
		clock = RealClock{}
	}
	return &Slot{name: name, clock: clock}
}

// Name identifies the slot in logs and metrics.
func (s *Slot) Name() string { return s.name }

// Arm cancels any pending timer and schedules fire after d. fire runs on the
// clock's goroutine and receives the generation it was armed with.
func (s *Slot) Arm(d time.Duration, fire func(gen uint64)) uint64 {
	s.Stop()
	if d < 0 {
		d = 0
	}
	gen := s.gen
	s.armed = true
	s.deadline = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() { fire(gen) })
	return gen
}

// Stop cancels the pending timer, if any. Callbacks already queued for the
// previous generation become stale.
func (s *Slot) Stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armed = false
	s.deadline = time.Time{}
	s.gen++
}

// Claim reports whether gen is the live generation and, if so, disarms the
// slot so the same firing cannot be handled twice.
func (s *Slot) Claim(gen uint64) bool {
	if !s.armed || gen != s.gen {
		return false
	}
	s.timer = nil
	s.armed = false
	s.deadline = time.Time{}
	s.gen++
	return true
}

func (s *Slot) Armed() bool { return s.armed }

// Deadline is the zero time when the slot is idle.
func (s *Slot) Deadline() time.Time { return s.deadline }

// Group stops a set of slots together.
type Group []*Slot

func (g Group) StopAll() {
	for _, s := range g {
		if s != nil {
			s.Stop()
		}
	}
}

// ArmedCount returns how many slots in the group hold a pending timer.
func (g Group) ArmedCount() int {
	n := 0
	for _, s := range g {
		if s != nil && s.armed {
			n++
		}
	}
	return n
}
