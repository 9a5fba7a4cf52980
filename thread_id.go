//go:build linux

package fibra

import "syscall"

// ThreadID returns the OS thread id of the calling goroutine, used to
// evaluate ScheduleTask pins against the worker that is actually running
// (spec §4.2, §6). Callers must be locked to their OS thread for this
// value to mean anything durable -- every Scheduler worker goroutine
// locks itself on entry and re-locks after every dispatch, and every
// dispatched fiber/closure body locks itself for the duration of its
// turn via the handoff in fiber.go's Resume/run/Yield, so ThreadID()
// called from inside a running task reports the same tid its dispatching
// worker is tracked under.
func ThreadID() int {
	return syscall.Gettid()
}
