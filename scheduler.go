package fibra

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fibra-project/fibra/fibralog"
	"github.com/fibra-project/fibra/fibrametrics"
)

// ScheduleTask is the unit the scheduler's ready queue holds: either a
// fiber to resume or a closure to run on a reusable carrier fiber, plus an
// optional worker pin (spec §3, §4.2). pin == -1 means any worker.
type ScheduleTask struct {
	fiber       *Fiber
	closure     func()
	pin         int
	enqueuedAtMs int64
}

const AnyWorker = -1

func fiberTask(f *Fiber, pin int) ScheduleTask      { return ScheduleTask{fiber: f, pin: pin} }
func closureTask(c func(), pin int) ScheduleTask    { return ScheduleTask{closure: c, pin: pin} }

// worker is one OS-thread-backed loop. Its tid tracks whatever ThreadID()
// reports the calling goroutine holds after its most recent dispatch (see
// runWorker), used to evaluate pins.
type worker struct {
	tid int
	idx int
}

// Scheduler is the base M:N runtime: worker_count OS threads draining a
// shared FIFO of ScheduleTasks, each thread's idle time filled by running
// an idle fiber that subclasses (IoManager) override -- spec §4.2.
type Scheduler struct {
	name      string
	workers   int
	useCaller bool

	mu    sync.Mutex
	queue []ScheduleTask

	activeWorkers atomic.Int64
	idleWorkers   atomic.Int64
	stopping      atomic.Bool

	wg          sync.WaitGroup
	workerList  []*worker

	tickle func()

	logSink fibralog.Sink
	metrics *fibrametrics.Metrics

	// idleFactory builds the per-worker idle fiber body. The base
	// scheduler's idle yields until stopping && queue empty && no active
	// workers; IoManager overrides this with its reactor loop.
	idleFactory func(w *worker) func()

	started atomic.Bool
}

// NewScheduler constructs a Scheduler. workers must be >= 1. useCaller only
// changes Stop()'s extra wake-up tickle -- see SPEC_FULL.md Open Question 2
// for why this differs from the spec's (and the original implementation's)
// literal "caller IS worker #0, only joining in at Stop()" semantics.
func NewScheduler(workers int, useCaller bool, name string) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		name:      name,
		workers:   workers,
		useCaller: useCaller,
		logSink:   fibralog.Noop,
	}
	s.tickle = func() {}
	s.idleFactory = func(w *worker) func() {
		return func() {
			f := Current()
			for {
				if s.stopping.Load() && s.queueEmpty() && s.activeWorkers.Load() == 0 {
					return
				}
				f.Yield()
			}
		}
	}
	return s
}

func (s *Scheduler) queueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// SetTickle overrides the function used to wake an idle worker when the
// queue transitions from empty to non-empty. IoManager wires this to write
// to its waker eventfd.
func (s *Scheduler) SetTickle(fn func()) { s.tickle = fn }

// SetIdleFactory overrides the idle task body built for each worker.
// IoManager uses this to install its reactor loop in place of the base
// "wait for drain" idle.
func (s *Scheduler) SetIdleFactory(fn func(w *worker) func()) { s.idleFactory = fn }

// SetLogSink wires the Sink (spec §6's log(level, message)) the
// scheduler reports uncaught fiber panics to. Defaults to fibralog.Noop.
func (s *Scheduler) SetLogSink(sink fibralog.Sink) {
	if sink == nil {
		sink = fibralog.Noop
	}
	s.logSink = sink
}

// SetMetrics wires a fibrametrics.Metrics recorder that Schedule/dispatch
// reports ready-queue wait time into. Nil (the default) disables
// recording entirely rather than recording into a throwaway histogram.
func (s *Scheduler) SetMetrics(m *fibrametrics.Metrics) { s.metrics = m }

// Schedule pushes task onto the ready queue. If the queue was previously
// empty, it tickles an idle worker (spec §4.2's schedule()).
func (s *Scheduler) Schedule(task ScheduleTask, pin int) {
	task.pin = pin
	task.enqueuedAtMs = time.Now().UnixMilli()
	s.mu.Lock()
	wasEmpty := len(s.queue) == 0
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	if wasEmpty {
		s.tickle()
	}
}

// ScheduleFiber is the common-case convenience for resuming f from outside
// its own body (e.g. an I/O readiness handler).
func (s *Scheduler) ScheduleFiber(f *Fiber, pin int) { s.Schedule(fiberTask(f, pin), pin) }

// ScheduleClosure runs fn on a reusable carrier fiber.
func (s *Scheduler) ScheduleClosure(fn func(), pin int) { s.Schedule(closureTask(fn, pin), pin) }

// ActiveWorkers and IdleWorkers expose the atomic counters spec §4.2
// describes.
func (s *Scheduler) ActiveWorkers() int64 { return s.activeWorkers.Load() }
func (s *Scheduler) IdleWorkers() int64   { return s.idleWorkers.Load() }
func (s *Scheduler) Stopping() bool       { return s.stopping.Load() }
func (s *Scheduler) Name() string         { return s.name }

// Start spawns exactly `workers` worker goroutines (see SPEC_FULL.md's
// Open Question 2 resolution -- useCaller changes Stop()'s behavior, not
// how many real workers Start() spawns). Start is idempotent: calling it
// more than once is a no-op.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.workerList = make([]*worker, s.workers)
	for i := 0; i < s.workers; i++ {
		w := &worker{idx: i}
		s.workerList[i] = w
		s.wg.Add(1)
		go s.runWorker(w)
	}
}

func (s *Scheduler) runWorker(w *worker) {
	defer s.wg.Done()

	// LockOSThread here establishes this loop's initial claim on an M, so
	// w.tid has a stable value to seed dequeueFor's pin filter with before
	// any task has run. Every Resume() below hands that lock off to the
	// dispatched fiber/closure body for the turn's duration and reclaims it
	// afterward (see fiber.go's Resume/run/Yield) -- w.tid is refreshed
	// after each relock since the M reclaimed is not guaranteed to be
	// bit-for-bit the one given up, only very likely to be (nothing else
	// contends for it during the handoff window).
	runtime.LockOSThread()
	w.tid = ThreadID()
	root := newRootFiber(s)
	bindFiber(root, s)
	defer unbindFiber()

	idleBody := s.idleFactory(w)
	idleFiber := NewFiber(s, idleBody)
	carrier := NewFiber(s, func() {})

	for {
		task, foundPinnedElsewhere := s.dequeueFor(w)
		if task == nil {
			if foundPinnedElsewhere {
				s.tickle()
			}
			s.idleWorkers.Add(1)
			idleFiber.Resume()
			w.tid = ThreadID()
			s.idleWorkers.Add(-1)
			switch idleFiber.State() {
			case FiberTerm:
				return
			default:
				// idleFiber.Yield()ed rather than returning -- it is still
				// FiberReady (see Fiber.Resume) and gets resumed again next
				// iteration. Reset only applies to a FiberTerm fiber; calling
				// it here (the ordinary, non-stopping case, hit on every idle
				// pass) would panic.
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordDispatchLatency(time.Now().UnixMilli() - task.enqueuedAtMs)
		}

		s.activeWorkers.Add(1)
		if task.fiber != nil {
			task.fiber.Resume()
		} else {
			if carrier.State() == FiberTerm {
				carrier.Reset(task.closure)
			} else {
				carrier = NewFiber(s, task.closure)
			}
			carrier.Resume()
		}
		w.tid = ThreadID()
		s.activeWorkers.Add(-1)

		if s.queueNonEmpty() {
			s.tickle()
		}
	}
}

func (s *Scheduler) queueNonEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// dequeueFor scans the queue from the head for the first task pinned to w
// (or unpinned). It skips -- without removing -- tasks pinned to a
// different worker, and tasks whose fiber is currently RUNNING or YIELDING
// (the fiber-in-RUNNING-on-wake race spec §9 names: the fiber was
// rescheduled before its previous Resume has flipped it back to READY, and
// Resume would panic on it).
func (s *Scheduler) dequeueFor(w *worker) (*ScheduleTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skippedPinnedElsewhere := false
	for i, t := range s.queue {
		if t.pin != AnyWorker && t.pin != w.tid {
			skippedPinnedElsewhere = true
			continue
		}
		if t.fiber != nil {
			if st := t.fiber.State(); st == FiberRunning || st == FiberYielding {
				continue
			}
		}
		s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
		task := t
		return &task, skippedPinnedElsewhere
	}
	return nil, skippedPinnedElsewhere
}

// Stop sets the stopping flag, tickles every worker so its idle loop can
// observe the drained condition, and blocks until all spawned workers have
// exited. Since Start() always spawns `workers` real goroutines regardless
// of useCaller (SPEC_FULL.md's Open Question 2 resolution), this wg.Wait()
// is itself what lets the calling goroutine directly observe drain
// completion -- there is no separate inline drain pass to run. useCaller
// only changes the extra tickle below, matching the teacher's
// belt-and-suspenders style of waking every possible waiter before a join.
func (s *Scheduler) Stop() {
	s.stopping.Store(true)
	for range s.workerList {
		s.tickle()
	}

	if s.useCaller {
		s.tickle()
	}

	s.wg.Wait()
}
