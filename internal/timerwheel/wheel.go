// Package timerwheel implements the ordered, deadline-keyed timer set
// described in spec §3/§4.4: one-shot and recurring timers, conditional
// timers gated on a weak witness, and the clock-rollover drain escape
// hatch. It is deliberately a standalone container (no fd, no epoll) so
// it can be driven by any event loop's idle task the way IoManager drives
// it: ask NextDelayMs for how long to block, then DrainExpired after each
// wake.
//
// Grounded on the shape of joeycumines-go-utilpkg/eventloop's own
// private container/heap-based timer set (its loop.go) -- that code is
// not an importable library, only a design precedent, which is why this
// package is built directly on container/heap rather than wrapping a
// pack dependency (see the stdlib justification in SPEC_FULL.md).
package timerwheel

import (
	"container/heap"
	"sync"
	"time"
)

// Clock returns milliseconds since some fixed epoch, strictly
// non-decreasing absent a clock rollover. The spec's monotonic_now_ms.
type Clock func() int64

// monoEpoch anchors MonotonicNowMs; time.Since uses Go's monotonic clock
// reading, so wall-clock adjustments do not move the result.
var monoEpoch = time.Now()

func MonotonicNowMs() int64 {
	return time.Since(monoEpoch).Milliseconds()
}

// Witness is the "weak" handle a conditional timer checks before firing.
// Upgrade reports whether the thing the timer cares about is still
// alive; the timer's callback only runs if Upgrade returns true.
type Witness interface {
	Upgrade() bool
}

// WitnessFunc adapts a plain func() bool into a Witness.
type WitnessFunc func() bool

func (f WitnessFunc) Upgrade() bool { return f() }

type entry struct {
	deadline  int64
	seq       uint64
	periodMs  int64
	recurring bool
	cb        func()
	index     int // heap index, -1 once removed
	cancelled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Handle references a single add() call. Cancel/Refresh/Reset operate on
// the entry it was created from, even after it has fired and (for
// recurring timers) been reinserted.
type Handle struct {
	w *Wheel
	e *entry
}

// Wheel is the ordered set of pending timers. Safe for concurrent use;
// reads (NextDelayMs) dominate writes (Add/DrainExpired/Cancel) per
// spec §5, hence the RWMutex.
type Wheel struct {
	now Clock

	mu      sync.RWMutex
	heap    entryHeap
	seq     uint64
	prevNow int64

	// onEarlierDeadline is invoked (outside the lock) whenever Add/Refresh/
	// Reset causes the wheel's earliest deadline to move earlier, so the
	// owning reactor can shorten its next epoll_wait -- spec §4.4's "wake
	// reactor" hook.
	onEarlierDeadline func()
}

const rolloverGraceMs = int64(time.Hour / time.Millisecond)

func New(now Clock, onEarlierDeadline func()) *Wheel {
	if now == nil {
		now = MonotonicNowMs
	}
	if onEarlierDeadline == nil {
		onEarlierDeadline = func() {}
	}
	w := &Wheel{now: now, onEarlierDeadline: onEarlierDeadline}
	w.prevNow = now()
	return w
}

// Add arms a one-shot (recurring=false) or periodic (recurring=true)
// timer that fires cb delayMs from now.
func (w *Wheel) Add(delayMs int64, cb func(), recurring bool) *Handle {
	return w.add(delayMs, cb, recurring)
}

// AddConditional wraps cb so that, at fire time, it only runs if
// witness.Upgrade() succeeds; otherwise the firing is silently skipped
// (spec §4.4).
func (w *Wheel) AddConditional(delayMs int64, cb func(), witness Witness, recurring bool) *Handle {
	wrapped := func() {
		if witness.Upgrade() {
			cb()
		}
	}
	return w.add(delayMs, wrapped, recurring)
}

func (w *Wheel) add(delayMs int64, cb func(), recurring bool) *Handle {
	w.mu.Lock()
	now := w.now()
	e := &entry{
		deadline:  now + delayMs,
		seq:       w.nextSeq(),
		periodMs:  delayMs,
		recurring: recurring,
		cb:        cb,
	}
	becameEarliest := len(w.heap) == 0 || e.deadline < w.heap[0].deadline
	heap.Push(&w.heap, e)
	w.mu.Unlock()

	if becameEarliest {
		w.onEarlierDeadline()
	}

	return &Handle{w: w, e: e}
}

func (w *Wheel) nextSeq() uint64 {
	w.seq++
	return w.seq
}

// Cancel removes the timer. Idempotent: cancelling an already-fired
// one-shot, an already-cancelled timer, or a nil-callback entry is a
// no-op.
func (h *Handle) Cancel() {
	w := h.w
	w.mu.Lock()
	defer w.mu.Unlock()
	h.e.cancelled = true
	h.e.cb = nil
	if h.e.index >= 0 {
		heap.Remove(&w.heap, h.e.index)
	}
}

// Refresh recomputes the deadline from now using the timer's original
// delay and reinserts it at the new position.
func (h *Handle) Refresh() {
	w := h.w
	w.mu.Lock()
	if h.e.cancelled {
		w.mu.Unlock()
		return
	}
	if h.e.index >= 0 {
		heap.Remove(&w.heap, h.e.index)
	}
	h.e.deadline = w.now() + h.e.periodMs
	becameEarliest := len(w.heap) == 0 || h.e.deadline < w.heap[0].deadline
	heap.Push(&w.heap, h.e)
	w.mu.Unlock()

	if becameEarliest {
		w.onEarlierDeadline()
	}
}

// Reset changes the timer's period. If fromNow, the new deadline is
// now + newDelayMs; otherwise it is (old deadline - old period) +
// newDelayMs, i.e. the timer's last scheduled fire time shifted by the
// new period (spec §4.4).
func (h *Handle) Reset(newDelayMs int64, fromNow bool) {
	w := h.w
	w.mu.Lock()
	if h.e.cancelled {
		w.mu.Unlock()
		return
	}
	if h.e.index >= 0 {
		heap.Remove(&w.heap, h.e.index)
	}

	if fromNow {
		h.e.deadline = w.now() + newDelayMs
	} else {
		h.e.deadline = (h.e.deadline - h.e.periodMs) + newDelayMs
	}
	h.e.periodMs = newDelayMs

	becameEarliest := len(w.heap) == 0 || h.e.deadline < w.heap[0].deadline
	heap.Push(&w.heap, h.e)
	w.mu.Unlock()

	if becameEarliest {
		w.onEarlierDeadline()
	}
}

// NextDelayMs returns 0 if a timer at the front has already expired,
// -1 if the wheel is empty, or the milliseconds until the earliest
// deadline otherwise.
func (w *Wheel) NextDelayMs() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.heap) == 0 {
		return -1 // caller interprets negative as "no deadline" / infinite
	}

	delay := w.heap[0].deadline - w.now()
	if delay < 0 {
		return 0
	}
	return delay
}

// Len reports the number of armed timers.
func (w *Wheel) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.heap)
}

// Expired is one fired timer's callback plus the deadline it fired
// against, so a caller can compute fire drift (actual-now minus
// deadline) without the wheel needing to know anything about metrics.
type Expired struct {
	Cb       func()
	Deadline int64
}

// DrainExpired pops every timer whose deadline has elapsed and returns
// their callbacks in non-decreasing deadline order (spec §8's timer law).
// Recurring timers are reinserted with deadline = now + period, which is
// drift-absorbing rather than catch-up: a timer that fires late the first
// time does not fire extra times to "catch up".
//
// If the clock appears to have rolled back by more than an hour since the
// last call, every timer in the wheel is treated as expired regardless of
// its deadline (spec §4.4's rollover escape hatch).
func (w *Wheel) DrainExpired() []func() {
	detailed := w.DrainExpiredDetailed()
	cbs := make([]func(), len(detailed))
	for i, d := range detailed {
		cbs[i] = d.Cb
	}
	return cbs
}

// DrainExpiredDetailed is DrainExpired's richer form, carrying each fired
// timer's deadline alongside its callback -- used by fibrametrics to
// record fire drift (spec §2's IoManager "drives timer expiry").
func (w *Wheel) DrainExpiredDetailed() []Expired {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	rolledOver := now < w.prevNow-rolloverGraceMs
	w.prevNow = now

	var fired []Expired
	var toReinsert []*entry

	for len(w.heap) > 0 {
		top := w.heap[0]
		if !rolledOver && top.deadline > now {
			break
		}
		heap.Pop(&w.heap)
		if top.cancelled || top.cb == nil {
			continue
		}
		fired = append(fired, Expired{Cb: top.cb, Deadline: top.deadline})
		if top.recurring {
			top.deadline = now + top.periodMs
			top.seq = w.nextSeq()
			toReinsert = append(toReinsert, top)
		}
	}

	for _, e := range toReinsert {
		heap.Push(&w.heap, e)
	}

	return fired
}
