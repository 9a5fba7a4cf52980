package fibra

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFiberLifecycleReadyRunningYieldingTerm(t *testing.T) {
	sched := NewScheduler(1, false, "test")

	var sawRunningBeforeYield FiberState
	f := NewFiber(sched, func() {
		sawRunningBeforeYield = Current().State()
		Current().Yield()
	})

	require.Equal(t, FiberReady, f.State())

	f.Resume()
	require.Equal(t, FiberRunning, sawRunningBeforeYield)
	require.Equal(t, FiberReady, f.State(), "Resume should observe YIELDING then flip back to READY")

	f.Resume()
	require.Equal(t, FiberTerm, f.State())
}

func TestFiberResumeNonReadyPanics(t *testing.T) {
	sched := NewScheduler(1, false, "test")
	f := NewFiber(sched, func() {})
	f.Resume()
	require.Equal(t, FiberTerm, f.State())

	require.Panics(t, func() { f.Resume() })
}

func TestFiberYieldFromOutsidePanics(t *testing.T) {
	sched := NewScheduler(1, false, "test")
	f := NewFiber(sched, func() {})

	require.Panics(t, func() { f.Yield() })
}

func TestFiberResetReusesHandle(t *testing.T) {
	sched := NewScheduler(1, false, "test")
	f := NewFiber(sched, func() {})
	id := f.ID()

	f.Resume()
	require.Equal(t, FiberTerm, f.State())

	ran := false
	f.Reset(func() { ran = true })
	require.Equal(t, FiberReady, f.State())
	require.Equal(t, id, f.ID(), "Reset reuses the fiber handle and id")

	f.Resume()
	require.True(t, ran)
	require.Equal(t, FiberTerm, f.State())
}

func TestFiberResetBeforeTermPanics(t *testing.T) {
	sched := NewScheduler(1, false, "test")
	f := NewFiber(sched, func() {})
	require.Panics(t, func() { f.Reset(func() {}) })
}

func TestCurrentNilOutsideFiber(t *testing.T) {
	require.Nil(t, Current())
}

func TestCurrentInsideFiberBody(t *testing.T) {
	sched := NewScheduler(1, false, "test")
	var seen *Fiber
	f := NewFiber(sched, func() {
		seen = Current()
	})
	f.Resume()
	require.Same(t, f, seen)
}

func TestFiberUncaughtPanicTerminatesOnlyThatFiber(t *testing.T) {
	sched := NewScheduler(1, false, "test")
	f := NewFiber(sched, func() {
		panic("boom")
	})

	require.NotPanics(t, func() { f.Resume() }, "an uncaught fiber panic must not escape Resume")
	require.Equal(t, FiberTerm, f.State())

	other := NewFiber(sched, func() {})
	other.Resume()
	require.Equal(t, FiberTerm, other.State())
}

func TestWithStackSizeIsMetadataOnly(t *testing.T) {
	sched := NewScheduler(1, false, "test")
	f := NewFiber(sched, func() {}, WithStackSize(4096))
	require.Equal(t, 4096, f.StackSize())
}
