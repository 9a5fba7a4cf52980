// Package fibrahook redirects blocking-looking syscalls through an
// IoManager's reactor when invoked from a fiber, per spec §4.5. It mirrors
// the signatures of golang.org/x/sys/unix's blocking calls the same way
// the teacher's internal/socket_unix.go and socket_linux.go wrap raw
// syscalls, but adds the retry-on-EAGAIN/yield loop that turns a blocking
// call into a cooperative suspension point instead of blocking the OS
// thread.
package fibrahook

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fibra-project/fibra"
	"github.com/fibra-project/fibra/internal"
)

const defaultConnectTimeoutMs = 5000

// Hooks binds the redirected syscalls to one IoManager and its fd
// bookkeeping. A process normally has exactly one Hooks wired to its one
// IoManager.
type Hooks struct {
	io *fibra.IoManager

	connectTimeoutMs atomic.Int64
}

// New builds a Hooks bound to io, with the default 5s connect timeout
// (spec §4.5, §6 -- tcp.connect.timeout).
func New(io *fibra.IoManager) *Hooks {
	h := &Hooks{io: io}
	h.connectTimeoutMs.Store(defaultConnectTimeoutMs)
	return h
}

// SetConnectTimeoutMs updates the process-wide connect timeout. Intended
// to be wired as a fibraconfig.OnChange("tcp.connect.timeout", ...)
// listener.
func (h *Hooks) SetConnectTimeoutMs(ms int64) {
	h.connectTimeoutMs.Store(ms)
}

// cancelState is the "shared cancelled flag" spec §4.5's I/O pattern step
// 4a describes: the conditional deadline timer sets it before cancelling
// the fd event; the resumed fiber checks it instead of trusting the event
// handler's argument, since the default "resume me" handler the I/O
// pattern installs ignores its error argument by design (see AddEvent's
// nil-handler default in iomanager.go).
type cancelState struct {
	mu  sync.Mutex
	set bool
	err error
}

func (c *cancelState) markTimedOut(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		c.set = true
		c.err = err
	}
}

func (c *cancelState) get() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set, c.err
}

// sleepMs implements the sleep pattern (spec §4.5): if hooks are disabled
// or there is no current fiber, fall through to a real time.Sleep;
// otherwise register a one-shot timer that reschedules the fiber, then
// yield.
func (h *Hooks) sleepMs(ms int64) {
	if ms <= 0 {
		return
	}
	if !fibra.HooksEnabled() {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	f := fibra.Current()
	if f == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}

	timer := fibra.NewTimer(h.io)
	timer.ScheduleOnce(ms, func() {
		h.io.ScheduleFiber(f, fibra.AnyWorker)
	})
	f.Yield()
}

// Sleep redirects unix.Sleep-shaped calls through the sleep pattern.
// Returns 0, matching the raw syscall's success contract (this hook never
// fails).
func (h *Hooks) Sleep(seconds int) int {
	h.sleepMs(int64(seconds) * 1000)
	return 0
}

// Usleep takes microseconds.
func (h *Hooks) Usleep(usec int64) int {
	h.sleepMs(usec / 1000)
	return 0
}

// Nanosleep takes nanoseconds.
func (h *Hooks) Nanosleep(nsec int64) int {
	h.sleepMs(nsec / int64(time.Millisecond))
	return 0
}

// retryEINTR re-issues raw until it stops returning EINTR.
func retryEINTR(raw func() (int, error)) (int, error) {
	for {
		n, err := raw()
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func isEAGAIN(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// doIO is the I/O pattern from spec §4.5: delegate unchanged when hooks
// are off or the fd isn't a hook-managed socket; otherwise retry-then-
// suspend-then-retry until the call succeeds, fails for a reason other
// than EAGAIN, or the configured deadline for direction fires first.
func (h *Hooks) doIO(fd int, et internal.EventType, raw func() (int, error)) (int, error) {
	entry, ok := h.io.FdRegistry().Get(fd)
	if !fibra.HooksEnabled() || !ok || !entry.IsSocket || entry.UserNonblock {
		return raw()
	}

	deadline := entry.RecvTimeoutMs
	if et == internal.WriteEvent {
		deadline = entry.SendTimeoutMs
	}

	for {
		n, err := retryEINTR(raw)
		if !isEAGAIN(err) {
			return n, err
		}

		f := fibra.Current()
		if f == nil {
			// Hooks are enabled but there's no fiber to suspend (should not
			// happen given the HooksEnabled check above, which is keyed to
			// the same binding Current() reads); fall back to reporting
			// EAGAIN rather than risking a nil dereference on Yield.
			return -1, err
		}

		cs := &cancelState{}
		var timer *fibra.Timer
		if deadline >= 0 {
			timer = fibra.NewTimer(h.io)
			timer.ScheduleOnce(deadline, func() {
				cs.markTimedOut(unix.ETIMEDOUT)
				_ = h.io.CancelEvent(fd, et, unix.ETIMEDOUT)
			})
		}

		if werr := h.io.AddEvent(fd, et, nil, fibra.AnyWorker); werr != nil {
			if timer != nil {
				timer.Cancel()
			}
			return -1, werr
		}

		f.Yield()

		if timer != nil {
			timer.Cancel()
		}

		if timedOut, terr := cs.get(); timedOut {
			return -1, terr
		}
	}
}
