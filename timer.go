package fibra

import (
	"sync"

	"github.com/fibra-project/fibra/internal/timerwheel"
)

// Timer is the thin facade over internal/timerwheel the rest of fibra and
// fibrahook use, matching spec §4.4's public handle API rather than
// exposing the wheel's Handle type directly -- this is what the hook
// layer's sleep pattern and deadline timers are built on.
type Timer struct {
	io *IoManager

	mu        sync.Mutex
	handle    *timerwheel.Handle
	scheduled bool
}

// NewTimer creates a Timer bound to io's wheel. It does nothing until
// ScheduleOnce/ScheduleRepeating is called.
func NewTimer(io *IoManager) *Timer {
	return &Timer{io: io}
}

// Scheduled reports whether the timer currently has a pending fire.
func (t *Timer) Scheduled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduled
}

// ScheduleOnce arms a one-shot timer delayMs from now.
func (t *Timer) ScheduleOnce(delayMs int64, cb func()) {
	t.arm(delayMs, cb, false)
}

// ScheduleRepeating arms a recurring timer firing every periodMs.
func (t *Timer) ScheduleRepeating(periodMs int64, cb func()) {
	t.arm(periodMs, cb, true)
}

func (t *Timer) arm(delayMs int64, cb func(), recurring bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduled = true
	t.handle = t.io.AddTimer(delayMs, func() {
		if !recurring {
			t.mu.Lock()
			t.scheduled = false
			t.mu.Unlock()
		}
		cb()
	}, recurring)
}

// Cancel cancels any pending fire. Idempotent.
func (t *Timer) Cancel() {
	t.mu.Lock()
	h := t.handle
	t.scheduled = false
	t.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Refresh re-arms the timer from now using its last delay/period.
func (t *Timer) Refresh() {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h != nil {
		h.Refresh()
	}
}

// Reset changes the timer's delay/period -- see timerwheel.Handle.Reset.
func (t *Timer) Reset(newDelayMs int64, fromNow bool) {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h != nil {
		h.Reset(newDelayMs, fromNow)
	}
}
