// Package fibraerrors collects the sentinel errors the runtime and hook
// layer surface to callers, mirroring the teacher's sonicerrors package.
package fibraerrors

import "errors"

var (
	// ErrWouldBlock reports an operation that would block. The hook
	// layer's retry loop does not return it: it checks unix.EAGAIN/
	// EWOULDBLOCK directly and turns them into a retry or, on timeout,
	// syscall.ETIMEDOUT.
	ErrWouldBlock = errors.New("operation would block")

	// ErrCancelled marks an event registration that was torn down via
	// CancelEvent/CancelAll rather than having actually fired.
	ErrCancelled = errors.New("operation cancelled")

	// ErrClosed is returned by operations attempted on a Scheduler or
	// IoManager that is stopping or has stopped.
	ErrClosed = errors.New("scheduler is stopped")

	// ErrAlreadyArmed is the programming fault for double-arming a slot
	// direction (spec §3's FdEventSlot invariant, §7's fail-fast faults).
	ErrAlreadyArmed = errors.New("fd event slot already armed for this direction")
)
