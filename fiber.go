package fibra

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/fibra-project/fibra/fibralog"
)

// FiberState is the Fiber lifecycle state machine from spec §3/§9. The
// explicit YIELDING state is the stricter of the two REDESIGN FLAG options
// for the fiber-in-RUNNING-on-wake race (see SPEC_FULL.md §9): a fiber
// marks itself YIELDING immediately before handing control back, so any
// observer sees a state that is never ambiguous with "still RUNNING and
// about to resume" or "freshly READY and resumable".
type FiberState int32

const (
	FiberReady FiberState = iota
	FiberRunning
	FiberYielding
	FiberTerm
)

func (s FiberState) String() string {
	switch s {
	case FiberReady:
		return "ready"
	case FiberRunning:
		return "running"
	case FiberYielding:
		return "yielding"
	case FiberTerm:
		return "term"
	default:
		return "unknown"
	}
}

var fiberIDs uint64

// Fiber is a cooperatively-scheduled unit of execution. Its body runs on a
// dedicated goroutine; Resume/Yield hand control back and forth across a
// pair of unbuffered channels so that at most one of {caller, fiber body}
// is ever runnable at a time -- see SPEC_FULL.md §9's "stackful coroutines"
// design note for why this, and not hand-rolled assembly or an
// async/await source transform, is the Go-idiomatic answer.
type Fiber struct {
	id    uint64
	state atomic.Int32

	bound     bool
	stackSize int

	entry func()

	resumeCh chan struct{}
	yieldCh  chan struct{}

	started bool
	root    bool

	sched *Scheduler
}

// FiberOption configures a Fiber at construction time.
type FiberOption interface {
	applyFiber(*Fiber)
}

type stackSizeOption int

func (o stackSizeOption) applyFiber(f *Fiber) { f.stackSize = int(o) }

// WithStackSize records the fiber's documented stack-size metadata (spec
// §3, §6's fiber.stack_size). It does not back a real fixed-size
// allocation -- goroutine stacks are grown by the Go runtime -- see Open
// Question 1 in SPEC_FULL.md.
func WithStackSize(n int) FiberOption { return stackSizeOption(n) }

const defaultStackSize = 131072

// NewFiber creates a fiber bound to sched, ready to run entry the first
// time it is Resumed. It does not start its goroutine until the first
// Resume().
func NewFiber(sched *Scheduler, entry func(), opts ...FiberOption) *Fiber {
	f := &Fiber{
		id:        atomic.AddUint64(&fiberIDs, 1),
		stackSize: defaultStackSize,
		entry:     entry,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
		sched:     sched,
	}
	f.state.Store(int32(FiberReady))
	for _, o := range opts {
		o.applyFiber(f)
	}
	return f
}

// newRootFiber builds the contextless handle a worker goroutine binds to
// before entering its loop, so Current() has something non-nil to return
// even when no user fiber is running. It is never Resumed or Yielded.
func newRootFiber(sched *Scheduler) *Fiber {
	f := &Fiber{
		sched: sched,
		root:  true,
	}
	f.state.Store(int32(FiberRunning))
	return f
}

func (f *Fiber) ID() uint64          { return f.id }
func (f *Fiber) State() FiberState   { return FiberState(f.state.Load()) }
func (f *Fiber) StackSize() int      { return f.stackSize }
func (f *Fiber) IsRoot() bool        { return f.root }
func (f *Fiber) Scheduler() *Scheduler { return f.sched }

// Current returns the Fiber running on the calling goroutine, or nil if
// the calling goroutine is not executing inside a fiber body.
func Current() *Fiber {
	return currentFiber()
}

// Resume runs the fiber until it Yields or returns (terminates). It must
// be called with the fiber in FiberReady state; calling it on a fiber in
// any other state is a programming fault (spec §7) and panics.
//
// A fiber's entry and the goroutine that calls Resume are never the same
// goroutine (run() always executes on its own, separately spawned
// goroutine, since it must be able to suspend mid-stack at an arbitrary
// Yield and be resumed later by a different caller entirely). That means
// a worker loop's own runtime.LockOSThread from runWorker does nothing to
// pin the fiber body it dispatches -- once the calling goroutine blocks on
// <-f.yieldCh below, its locked M sits idle and the fiber body runs on
// whatever M the Go runtime hands its goroutine, never the caller's own
// thread. ThreadID()-based pinning (spec §6) is only meaningful if the
// fiber body actually executes on the thread its dispatcher owns, so
// Resume and run()/Yield hand the lock off explicitly: the caller
// unlocks its own thread immediately before the rendezvous that wakes the
// fiber, and the fiber goroutine locks itself immediately after waking --
// claiming the now-idle M -- then unlocks before handing control back, at
// which point the caller relocks. Only one of {caller, fiber} is ever
// runnable at a time (spec §9), so there is no contention for the M
// during the handoff window.
func (f *Fiber) Resume() {
	if f.root {
		panic("fibra: cannot Resume the root fiber")
	}
	if !f.state.CompareAndSwap(int32(FiberReady), int32(FiberRunning)) {
		panic(fmt.Sprintf("fibra: Resume called on fiber %d in state %s, want ready", f.id, f.State()))
	}

	if !f.started {
		f.started = true
		go f.run()
	}

	runtime.UnlockOSThread()
	f.resumeCh <- struct{}{}
	<-f.yieldCh
	runtime.LockOSThread()

	if f.State() == FiberYielding {
		f.state.Store(int32(FiberReady))
	}
}

// run is the fiber's own goroutine body. It blocks on resumeCh between
// turns and reports back on yieldCh exactly once per turn, claiming the
// dispatching goroutine's just-freed OS thread for the duration of each
// turn (see Resume's comment).
func (f *Fiber) run() {
	<-f.resumeCh
	runtime.LockOSThread()
	bindFiber(f, f.sched)

	defer func() {
		unbindFiber()
		r := recover()
		f.state.Store(int32(FiberTerm))
		if r != nil && f.sched != nil && f.sched.logSink != nil {
			// An uncaught fault in a fiber's entry closure terminates only
			// this fiber (spec §7); it must not propagate past this
			// goroutine, which runs on its own and would otherwise crash
			// the whole process.
			f.sched.logSink.Log(fibralog.LevelError, fmt.Sprintf("fiber %d panicked: %v", f.id, r))
		}
		runtime.UnlockOSThread()
		f.yieldCh <- struct{}{}
	}()

	f.entry()
}

// Yield suspends the calling fiber, returning control to whoever last
// called Resume. It must be called from inside the fiber's own body (i.e.
// Current() must be this fiber); calling it from anywhere else, or on the
// root fiber, is a programming fault and panics (spec §7).
func (f *Fiber) Yield() {
	if f.root {
		panic("fibra: cannot Yield the root fiber")
	}
	if Current() != f {
		panic("fibra: Yield called from outside the fiber's own goroutine")
	}

	f.state.Store(int32(FiberYielding))
	runtime.UnlockOSThread()
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	runtime.LockOSThread()
	f.state.Store(int32(FiberRunning))
}

// Reset rearms a terminated fiber with a new entry point so its Fiber
// struct (and id) can be reused. It is a programming fault to Reset a
// fiber that has not reached FiberTerm.
func (f *Fiber) Reset(entry func()) {
	if f.State() != FiberTerm {
		panic(fmt.Sprintf("fibra: Reset called on fiber %d in state %s, want term", f.id, f.State()))
	}
	f.entry = entry
	f.started = false
	f.resumeCh = make(chan struct{})
	f.yieldCh = make(chan struct{})
	f.state.Store(int32(FiberReady))
}
