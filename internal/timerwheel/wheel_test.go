package timerwheel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeClock(t *int64) Clock {
	return func() int64 { return *t }
}

func TestAddFiresOnce(t *testing.T) {
	now := int64(0)
	w := New(fakeClock(&now), nil)

	fired := 0
	w.Add(10, func() { fired++ }, false)

	require.Equal(t, int64(10), w.NextDelayMs())

	now = 10
	out := w.DrainExpired()
	require.Len(t, out, 1)
	out[0]()
	require.Equal(t, 1, fired)
	require.Equal(t, 0, w.Len())
}

func TestRecurringReinsertsWithDrift(t *testing.T) {
	now := int64(0)
	w := New(fakeClock(&now), nil)

	var fired []int64
	w.Add(100, func() { fired = append(fired, now) }, true)

	now = 250 // fires late; should not catch up multiple times
	out := w.DrainExpired()
	require.Len(t, out, 1)
	out[0]()
	require.Equal(t, 1, len(fired))
	require.Equal(t, int64(350), w.heap[0].deadline) // now + period, not catch-up
}

func TestCancelIsIdempotent(t *testing.T) {
	now := int64(0)
	w := New(fakeClock(&now), nil)

	fired := false
	h := w.Add(10, func() { fired = true }, false)
	h.Cancel()
	h.Cancel() // must not panic

	now = 10
	out := w.DrainExpired()
	require.Empty(t, out)
	require.False(t, fired)
}

func TestRefreshMovesDeadline(t *testing.T) {
	now := int64(0)
	w := New(fakeClock(&now), nil)

	h := w.Add(10, func() {}, false)
	now = 5
	h.Refresh()
	require.Equal(t, int64(15), w.heap[0].deadline)
}

func TestResetFromNowAndFromDeadline(t *testing.T) {
	now := int64(0)
	w := New(fakeClock(&now), nil)

	h := w.Add(1000, func() {}, true)
	now = 300
	h.Reset(500, true)
	require.Equal(t, int64(800), w.heap[0].deadline)

	now = 0
	w2 := New(fakeClock(&now), nil)
	h2 := w2.Add(1000, func() {}, true) // deadline=1000, period=1000
	h2.Reset(500, false)                // deadline = (1000-1000)+500 = 500
	require.Equal(t, int64(500), w2.heap[0].deadline)
}

func TestConditionalTimerSkipsWhenWitnessDead(t *testing.T) {
	now := int64(0)
	w := New(fakeClock(&now), nil)

	alive := false
	fired := false
	w.AddConditional(10, func() { fired = true }, WitnessFunc(func() bool { return alive }), false)

	now = 10
	out := w.DrainExpired()
	require.Len(t, out, 1)
	out[0]()
	require.False(t, fired)
}

func TestNextDelayMsEmptyIsNegative(t *testing.T) {
	now := int64(0)
	w := New(fakeClock(&now), nil)
	require.Less(t, w.NextDelayMs(), int64(0))
}

func TestClockRolloverDrainsEverything(t *testing.T) {
	now := int64(10_000_000)
	w := New(fakeClock(&now), nil)

	fired := 0
	w.Add(1_000_000, func() { fired++ }, false)

	now = 0 // rolled back by more than an hour
	out := w.DrainExpired()
	require.Len(t, out, 1)
	out[0]()
	require.Equal(t, 1, fired)
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	now := int64(0)
	w := New(fakeClock(&now), nil)

	var order []int
	w.Add(30, func() { order = append(order, 3) }, false)
	w.Add(10, func() { order = append(order, 1) }, false)
	w.Add(20, func() { order = append(order, 2) }, false)

	now = 1000
	out := w.DrainExpired()
	require.Len(t, out, 3)
	for _, cb := range out {
		cb()
	}
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestOnEarlierDeadlineHookFires(t *testing.T) {
	now := int64(0)
	calls := 0
	w := New(fakeClock(&now), func() { calls++ })

	w.Add(100, func() {}, false)
	require.Equal(t, 1, calls)

	w.Add(200, func() {}, false) // later, should not call hook again
	require.Equal(t, 1, calls)

	w.Add(50, func() {}, false) // earlier, should call hook
	require.Equal(t, 2, calls)
}
