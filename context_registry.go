package fibra

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID parses the numeric goroutine id out of runtime.Stack's header
// line ("goroutine 123 [running]:"). Grounded on the same trick
// joeycumines-go-utilpkg/eventloop/loop.go uses for its IsLoopGoroutine
// check -- that package inlines this rather than exporting it, which is why
// it is reproduced here instead of imported (see SPEC_FULL.md's stdlib
// justifications).
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}

	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		// Should be unreachable: runtime.Stack's format is stable across
		// supported Go versions. Treat it as goroutine 0 rather than panic.
		return 0
	}
	return id
}

// runtimeCtx is the per-goroutine state fibra needs to answer Current() and
// to decide whether a hooked syscall should redirect through the reactor.
// Spec §9's "global/process state" design note calls for this to live in
// one explicit, initialize-once object rather than scattered package vars;
// runtimeContext is that object.
type runtimeCtx struct {
	fiber       *Fiber
	sched       *Scheduler
	hookEnabled bool
}

type runtimeRegistry struct {
	mu sync.RWMutex
	m  map[int64]*runtimeCtx
}

var runtimeContext = &runtimeRegistry{m: make(map[int64]*runtimeCtx)}

func (r *runtimeRegistry) get(gid int64) (*runtimeCtx, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.m[gid]
	return c, ok
}

func (r *runtimeRegistry) getOrCreate(gid int64) *runtimeCtx {
	r.mu.RLock()
	c, ok := r.m[gid]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.m[gid]; ok {
		return c
	}
	c = &runtimeCtx{}
	r.m[gid] = c
	return c
}

func (r *runtimeRegistry) delete(gid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, gid)
}

// bindFiber associates fiber with the calling goroutine -- called once from
// inside a fiber's own goroutine, before its entry func ever runs.
func bindFiber(f *Fiber, sched *Scheduler) {
	gid := goroutineID()
	ctx := runtimeContext.getOrCreate(gid)
	ctx.fiber = f
	ctx.sched = sched
	ctx.hookEnabled = true
}

func unbindFiber() {
	runtimeContext.delete(goroutineID())
}

// currentFiber returns the Fiber bound to the calling goroutine, or nil if
// none is bound (e.g. an arbitrary caller goroutine). A scheduler worker
// loop goroutine is bound to its root fiber, so it gets that handle back.
func currentFiber() *Fiber {
	ctx, ok := runtimeContext.get(goroutineID())
	if !ok {
		return nil
	}
	return ctx.fiber
}

// currentScheduler returns the Scheduler the calling goroutine's fiber is
// bound to, or nil.
func currentScheduler() *Scheduler {
	ctx, ok := runtimeContext.get(goroutineID())
	if !ok {
		return nil
	}
	return ctx.sched
}

// hooksEnabled reports whether the calling goroutine is running inside a
// fiber body, i.e. whether fibrahook should redirect blocking-looking calls
// through the reactor instead of making them directly.
func hooksEnabled() bool {
	ctx, ok := runtimeContext.get(goroutineID())
	return ok && ctx.hookEnabled
}

// HooksEnabled is the exported form hooksEnabled, used by fibrahook to
// decide whether the calling goroutine should go through the reactor
// (spec §4.5's per-thread hook_enabled gate).
func HooksEnabled() bool { return hooksEnabled() }
