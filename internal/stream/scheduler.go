// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"sync"
	"time"
)

// =============================================================================
// SCHEDULER CONSTANTS
// =============================================================================

const (
	// DefaultRenderFPS caps visible answer updates at 30 per second.
	DefaultRenderFPS = 30

	// MaxRenderFPS is the highest accepted refresh rate.
	MaxRenderFPS = 120
)

// =============================================================================
// TIMER ABSTRACTION
// =============================================================================

// Timer is the part of time.Timer the scheduler needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// TimerFunc starts a one-shot timer that fires after d.
type TimerFunc func(d time.Duration) Timer

type realTimer struct {
	t *time.Timer
}

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// NewRealTimer is the default TimerFunc, backed by time.NewTimer.
func NewRealTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

// =============================================================================
// COALESCING SCHEDULER
// =============================================================================

// Scheduler coalesces answer updates to at most one per refresh interval.
//
// ScheduleAnswerUpdate stores the latest update and arms a timer if none is
// armed. The owner selects on C() and calls Fire when it delivers, so every
// update runs on the owner's goroutine. While nothing is pending C returns
// nil, which blocks forever in a select.
type Scheduler struct {
	mu       sync.Mutex
	interval time.Duration
	newTimer TimerFunc

	pending func()
	timer   Timer
	fired   int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTimer replaces the timer source, typically with a manual timer in
// tests.
func WithTimer(fn TimerFunc) SchedulerOption {
	return func(s *Scheduler) {
		s.newTimer = fn
	}
}

// NewScheduler creates a scheduler that refreshes at most fps times per
// second. Out-of-range values fall back to DefaultRenderFPS.
func NewScheduler(fps int, opts ...SchedulerOption) *Scheduler {
	if fps <= 0 || fps > MaxRenderFPS {
		fps = DefaultRenderFPS
	}
	s := &Scheduler{
		interval: time.Second / time.Duration(fps),
		newTimer: NewRealTimer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the refresh interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// ScheduleAnswerUpdate queues fn as the pending update, replacing any
// update that has not run yet.
func (s *Scheduler) ScheduleAnswerUpdate(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = fn
	if s.timer == nil {
		s.timer = s.newTimer(s.interval)
	}
}

// C returns the channel that delivers when the pending update is due, or
// nil when nothing is pending.
func (s *Scheduler) C() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return nil
	}
	return s.timer.C()
}

// Fire runs the pending update. The owner calls it after C delivers.
func (s *Scheduler) Fire() {
	fn := s.take(false, true)
	if fn != nil {
		fn()
	}
}

// FlushNow stops the timer and runs the pending update immediately.
func (s *Scheduler) FlushNow() {
	fn := s.take(true, true)
	if fn != nil {
		fn()
	}
}

// CancelPending stops the timer and discards the pending update.
func (s *Scheduler) CancelPending() {
	s.take(true, false)
}

// Pending reports whether an update is waiting to run.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Fired returns how many coalesced updates have been applied.
func (s *Scheduler) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// take clears the pending update and the timer and returns the update.
func (s *Scheduler) take(stop, apply bool) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop && s.timer != nil {
		s.timer.Stop()
	}
	s.timer = nil
	fn := s.pending
	s.pending = nil
	if fn != nil && apply {
		s.fired++
	}
	return fn
}
