package fibra

import (
	"fmt"
	"sync"

	"github.com/fibra-project/fibra/fibraerrors"
	"github.com/fibra-project/fibra/fibralog"
	"github.com/fibra-project/fibra/internal"
	"github.com/fibra-project/fibra/internal/timerwheel"
)

const maxWaitMs = 3000

// eventWaiter is the spec's {handler, pin} pair armed on one direction of
// one fd's FdEventSlot.
type eventWaiter struct {
	handler func(error)
	pin     int
}

// FdEventSlot is the per-fd armed-direction bookkeeping (spec §3). At most
// one waiter per direction: a second AddEvent on an already-armed
// direction is a programming fault, matching the teacher's PollData model
// of one handler per direction.
type FdEventSlot struct {
	mu    sync.Mutex
	fd    int
	read  *eventWaiter
	write *eventWaiter
	pd    internal.PollData
}

func (s *FdEventSlot) armed(et internal.EventType) bool {
	switch et {
	case internal.ReadEvent:
		return s.read != nil
	case internal.WriteEvent:
		return s.write != nil
	default:
		return false
	}
}

func (s *FdEventSlot) waiterPtr(et internal.EventType) **eventWaiter {
	if et == internal.ReadEvent {
		return &s.read
	}
	return &s.write
}

// IoManager extends Scheduler with an epoll-backed reactor and an embedded
// TimerWheel -- spec §4.3. Its idle task (reactorIdle) replaces the base
// Scheduler's "wait for drain" idle with the epoll_wait-then-drain-timers
// loop.
type IoManager struct {
	*Scheduler

	poller *internal.Poller
	wheel  *timerwheel.Wheel

	fdRegistry *FdRegistry

	slotsMu sync.RWMutex
	slots   map[int]*FdEventSlot
}

// NewIoManager builds an IoManager with its own Poller and TimerWheel,
// wiring the scheduler's tickle to the poller's waker and the wheel's
// wake-reactor hook to the same waker -- so either a newly-scheduled task
// or a newly-earliest timer interrupts an in-flight epoll_wait.
func NewIoManager(workers int, useCaller bool) (*IoManager, error) {
	poller, err := internal.NewPoller()
	if err != nil {
		return nil, err
	}

	sched := NewScheduler(workers, useCaller, "iomanager")
	io := &IoManager{
		Scheduler:  sched,
		poller:     poller,
		fdRegistry: newFdRegistry(),
		slots:      make(map[int]*FdEventSlot),
	}

	wake := func() { _ = poller.Dispatch(func() {}) }
	io.wheel = timerwheel.New(timerwheel.MonotonicNowMs, wake)
	sched.SetTickle(wake)
	sched.SetIdleFactory(io.reactorIdle)

	return io, nil
}

func (io *IoManager) FdRegistry() *FdRegistry { return io.fdRegistry }

func (io *IoManager) getOrCreateSlot(fd int) *FdEventSlot {
	io.slotsMu.RLock()
	s, ok := io.slots[fd]
	io.slotsMu.RUnlock()
	if ok {
		return s
	}

	io.slotsMu.Lock()
	defer io.slotsMu.Unlock()
	if s, ok := io.slots[fd]; ok {
		return s
	}
	s = &FdEventSlot{fd: fd}
	s.pd.Fd = fd
	io.slots[fd] = s
	return s
}

func (io *IoManager) dropSlot(fd int) {
	io.slotsMu.Lock()
	delete(io.slots, fd)
	io.slotsMu.Unlock()
}

// AddEvent arms direction et on fd. If handler is nil, the caller must be
// running inside a fiber; the default handler resumes that fiber (spec
// §4.3's "registering implicitly means wake me when this fires"). Double-
// arming an already-armed direction is a programming fault and panics
// (spec §7).
func (io *IoManager) AddEvent(fd int, et internal.EventType, handler func(error), pin int) error {
	if io.Stopping() {
		return fibraerrors.ErrClosed
	}

	slot := io.getOrCreateSlot(fd)

	slot.mu.Lock()
	if slot.armed(et) {
		slot.mu.Unlock()
		panic(fmt.Errorf("fibra: fd %d: %w", fd, fibraerrors.ErrAlreadyArmed))
	}

	h := handler
	if h == nil {
		f := Current()
		if f == nil {
			slot.mu.Unlock()
			panic("fibra: AddEvent with nil handler requires a current fiber")
		}
		h = func(error) { io.ScheduleFiber(f, pin) }
	}
	*slot.waiterPtr(et) = &eventWaiter{handler: h, pin: pin}
	slot.pd.Set(et, func(err error) { io.fireSlot(slot, et, err) })
	slot.mu.Unlock()

	switch et {
	case internal.ReadEvent:
		return io.poller.SetRead(fd, &slot.pd)
	case internal.WriteEvent:
		return io.poller.SetWrite(fd, &slot.pd)
	default:
		return nil
	}
}

// fireSlot is invoked by the Poller on the reactor's own goroutine when a
// direction actually becomes ready. The Poller has already cleared the
// slot's armed bit; fireSlot takes the stored waiter and schedules its
// handler onto the owning scheduler (spec §4.3 step 2).
func (io *IoManager) fireSlot(slot *FdEventSlot, et internal.EventType, err error) {
	slot.mu.Lock()
	ptr := slot.waiterPtr(et)
	w := *ptr
	*ptr = nil
	slot.mu.Unlock()

	if w == nil {
		return
	}
	io.ScheduleClosure(func() { w.handler(err) }, w.pin)
}

// RemoveEvent clears the armed direction and discards its handler without
// firing it (spec §4.3).
func (io *IoManager) RemoveEvent(fd int, et internal.EventType) error {
	slot := io.getOrCreateSlot(fd)

	slot.mu.Lock()
	*slot.waiterPtr(et) = nil
	slot.mu.Unlock()

	switch et {
	case internal.ReadEvent:
		return io.poller.DelRead(fd, &slot.pd)
	case internal.WriteEvent:
		return io.poller.DelWrite(fd, &slot.pd)
	default:
		return nil
	}
}

// CancelEvent clears the armed direction like RemoveEvent, but fires the
// handler once with err -- used for timeouts and by Close to shake loose
// waiters with ETIMEDOUT/EBADF (spec §4.3, §7).
func (io *IoManager) CancelEvent(fd int, et internal.EventType, err error) error {
	slot := io.getOrCreateSlot(fd)

	slot.mu.Lock()
	ptr := slot.waiterPtr(et)
	w := *ptr
	*ptr = nil
	slot.mu.Unlock()

	derr := io.clearDirection(slot, et)
	if w != nil {
		io.ScheduleClosure(func() { w.handler(err) }, w.pin)
	}
	return derr
}

func (io *IoManager) clearDirection(slot *FdEventSlot, et internal.EventType) error {
	switch et {
	case internal.ReadEvent:
		return io.poller.DelRead(slot.fd, &slot.pd)
	case internal.WriteEvent:
		return io.poller.DelWrite(slot.fd, &slot.pd)
	default:
		return nil
	}
}

// CancelAll fully DELs fd from epoll and drops its slot, then fires every
// handler that was armed on it with err (spec §4.3, used by hooked Close).
func (io *IoManager) CancelAll(fd int, err error) error {
	slot := io.getOrCreateSlot(fd)

	slot.mu.Lock()
	r, w := slot.read, slot.write
	slot.read, slot.write = nil, nil
	slot.mu.Unlock()

	derr := io.poller.Del(fd, &slot.pd)
	io.dropSlot(fd)

	if r != nil {
		io.ScheduleClosure(func() { r.handler(err) }, r.pin)
	}
	if w != nil {
		io.ScheduleClosure(func() { w.handler(err) }, w.pin)
	}
	return derr
}

// AddTimer arms a one-shot or recurring timer (spec §4.4), exposed at the
// IoManager level since the wheel is what the reactor idle task drains.
func (io *IoManager) AddTimer(delayMs int64, cb func(), recurring bool) *timerwheel.Handle {
	return io.wheel.Add(delayMs, cb, recurring)
}

// AddConditionalTimer arms a timer whose callback only runs if witness
// upgrades successfully at fire time (spec §4.4).
func (io *IoManager) AddConditionalTimer(delayMs int64, cb func(), witness timerwheel.Witness, recurring bool) *timerwheel.Handle {
	return io.wheel.AddConditional(delayMs, cb, witness, recurring)
}

func (io *IoManager) nextPollTimeoutMs() int {
	delay := io.wheel.NextDelayMs()
	if delay < 0 || delay > maxWaitMs {
		return maxWaitMs
	}
	return int(delay)
}

// reactorIdle is the idle fiber body installed on every worker (spec
// §4.3's numbered idle-task steps): epoll_wait bounded by the nearest
// timer deadline (capped at maxWaitMs so the waker is drained
// periodically even with no timers armed), dispatch ready fds inline via
// the Poller, drain expired timers onto the ready queue, then yield back
// to the worker loop.
func (io *IoManager) reactorIdle(w *worker) func() {
	return func() {
		f := Current()
		for {
			if io.readyToStop() {
				return
			}

			if err := io.poller.Poll(io.nextPollTimeoutMs()); err != nil && err != internal.ErrTimeout {
				io.logSink.Log(fibralog.LevelWarn, fmt.Sprintf("epoll_wait: %v", err))
			}

			expired := io.wheel.DrainExpiredDetailed()
			if io.metrics != nil {
				now := timerwheel.MonotonicNowMs()
				for _, e := range expired {
					io.metrics.RecordTimerDrift(now - e.Deadline)
				}
			}
			for _, e := range expired {
				cb := e.Cb
				io.ScheduleClosure(cb, AnyWorker)
			}

			f.Yield()
		}
	}
}

// readyToStop is IoManager's override of the base scheduler's termination
// predicate: stopping, plus no work queued or in flight, plus no pending
// timers or armed fd events (spec §4.3's termination condition).
func (io *IoManager) readyToStop() bool {
	if !io.Stopping() {
		return false
	}
	if io.ActiveWorkers() != 0 {
		return false
	}
	if io.queueNonEmpty() {
		return false
	}
	if io.wheel.Len() != 0 {
		return false
	}
	if io.poller.Pending() != 0 {
		return false
	}
	return true
}

// Close tears down the poller. It is a programming fault (spec §5) to
// Close an IoManager whose Stop() has not completed. Any fd still
// registered at this point is a caller bug -- CancelAll should have
// already shaken loose its waiters -- but Close defensively fires the
// remaining ones with fibraerrors.ErrCancelled rather than leaking a
// blocked fiber.
func (io *IoManager) Close() error {
	if !io.Stopping() {
		panic("fibra: Close called on an IoManager that has not Stopped")
	}

	io.slotsMu.RLock()
	leftover := make([]int, 0, len(io.slots))
	for fd := range io.slots {
		leftover = append(leftover, fd)
	}
	io.slotsMu.RUnlock()
	for _, fd := range leftover {
		_ = io.CancelAll(fd, fibraerrors.ErrCancelled)
	}

	return io.poller.Close()
}
