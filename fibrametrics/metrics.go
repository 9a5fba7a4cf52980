// Package fibrametrics records the two latency distributions a running
// fibra process cares about for diagnostics: how long a ScheduleTask
// sits in the ready queue before a worker dispatches it, and how much a
// timer's actual fire time drifts past its deadline. Grounded on the
// teacher's own util.TtyHist (util/tty_histogram.go), which wraps
// github.com/HdrHistogram/hdrhistogram-go the same way -- recording
// samples into an hdrhistogram.Histogram and reporting percentiles --
// though fibrametrics exposes the histograms read-only rather than
// periodically resetting and printing them to a terminal.
package fibrametrics

import (
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Snapshot is a read-only view of a histogram's summary statistics,
// taken under the recorder's lock so it reflects a single consistent
// point in time.
type Snapshot struct {
	Count      int64
	Min        int64
	Max        int64
	Mean       float64
	StdDev     float64
	P50        int64
	P90        int64
	P99        int64
}

func snapshot(h *hdrhistogram.Histogram) Snapshot {
	return Snapshot{
		Count:  h.TotalCount(),
		Min:    h.Min(),
		Max:    h.Max(),
		Mean:   h.Mean(),
		StdDev: h.StdDev(),
		P50:    h.ValueAtPercentile(50),
		P90:    h.ValueAtPercentile(90),
		P99:    h.ValueAtPercentile(99),
	}
}

// recorder guards one hdrhistogram.Histogram with a mutex -- recording
// happens from worker goroutines (many writers), snapshotting from
// whatever diagnostic/reporting goroutine a host wires up (one reader at
// a time, but concurrent with writers).
type recorder struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newRecorder(maxMs int64) *recorder {
	return &recorder{hist: hdrhistogram.New(0, maxMs, 3)}
}

func (r *recorder) record(ms int64) {
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	_ = r.hist.RecordValue(ms)
	r.mu.Unlock()
}

func (r *recorder) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.hist)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.hist.Reset()
	r.mu.Unlock()
}

const (
	maxDispatchLatencyMs = 60_000
	maxTimerDriftMs      = 60_000
)

// Metrics is the diagnostics recorder an IoManager/Scheduler is wired to
// via Scheduler.SetMetrics. Both histograms are in milliseconds.
type Metrics struct {
	dispatch *recorder
	drift    *recorder
}

// New builds an empty Metrics recorder.
func New() *Metrics {
	return &Metrics{
		dispatch: newRecorder(maxDispatchLatencyMs),
		drift:    newRecorder(maxTimerDriftMs),
	}
}

// RecordDispatchLatency records how long a ScheduleTask waited in the
// ready queue before a worker picked it up.
func (m *Metrics) RecordDispatchLatency(ms int64) { m.dispatch.record(ms) }

// RecordTimerDrift records how far past its deadline a timer actually
// fired.
func (m *Metrics) RecordTimerDrift(ms int64) { m.drift.record(ms) }

// DispatchLatency returns a read-only snapshot of the dispatch-latency
// histogram.
func (m *Metrics) DispatchLatency() Snapshot { return m.dispatch.snapshot() }

// TimerDrift returns a read-only snapshot of the timer-drift histogram.
func (m *Metrics) TimerDrift() Snapshot { return m.drift.snapshot() }

// Reset clears both histograms, e.g. between periodic reporting windows
// the way the teacher's TtyHist.Add resets once its sample count target
// is reached.
func (m *Metrics) Reset() {
	m.dispatch.reset()
	m.drift.reset()
}
