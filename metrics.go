package tracemem

import (
	"sync/atomic"
	"time"
)

// Metrics tracks performance and operational statistics for a running
// Tracker: counts of allocations and frees observed, bytes the writer has
// serialized, and the error conditions spec 7 says must be absorbed in the
// capture path rather than surfaced to the host process.
type Metrics struct {
	AllocationsObserved atomic.Uint64
	FreesObserved       atomic.Uint64
	BytesTraced         atomic.Uint64

	// RecordsDropped counts allocations the tracer chose not to emit
	// because the writer's sink reported an error (absorbed, per spec 7's
	// "the host process never observes a tracer-induced failure").
	RecordsDropped atomic.Uint64

	// ReentrantCalls counts allocations that happened while the tracer was
	// already inside a hook on the same thread (e.g. the writer's own
	// bookkeeping allocating) and so were passed through untraced.
	ReentrantCalls atomic.Uint64

	// ImagesPatched / ImagesSkipped count outcomes of the patcher's image
	// discovery walk.
	ImagesPatched atomic.Uint64
	ImagesSkipped atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAllocation records one traced allocation.
func (m *Metrics) RecordAllocation(size uint64) {
	m.AllocationsObserved.Add(1)
	m.BytesTraced.Add(size)
}

// RecordFree records one traced free.
func (m *Metrics) RecordFree() {
	m.FreesObserved.Add(1)
}

// RecordDropped records one allocation that could not be written.
func (m *Metrics) RecordDropped() {
	m.RecordsDropped.Add(1)
}

// RecordReentrant records one hook invocation that bypassed tracing due to
// the re-entrancy guard.
func (m *Metrics) RecordReentrant() {
	m.ReentrantCalls.Add(1)
}

// RecordImagePatched records one successfully patched loaded image.
func (m *Metrics) RecordImagePatched() {
	m.ImagesPatched.Add(1)
}

// RecordImageSkipped records one image the patcher chose not to touch.
func (m *Metrics) RecordImageSkipped() {
	m.ImagesSkipped.Add(1)
}

// Stop marks StopTime as now.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics suitable
// for logging or JSON encoding.
type MetricsSnapshot struct {
	AllocationsObserved uint64        `json:"allocations_observed"`
	FreesObserved       uint64        `json:"frees_observed"`
	BytesTraced         uint64        `json:"bytes_traced"`
	RecordsDropped      uint64        `json:"records_dropped"`
	ReentrantCalls      uint64        `json:"reentrant_calls"`
	ImagesPatched       uint64        `json:"images_patched"`
	ImagesSkipped       uint64        `json:"images_skipped"`
	Uptime              time.Duration `json:"uptime"`
}

// Snapshot returns a point-in-time copy of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	var uptime time.Duration
	if start != 0 {
		end := time.Now().UnixNano()
		if stop != 0 {
			end = stop
		}
		uptime = time.Duration(end - start)
	}
	return MetricsSnapshot{
		AllocationsObserved: m.AllocationsObserved.Load(),
		FreesObserved:       m.FreesObserved.Load(),
		BytesTraced:         m.BytesTraced.Load(),
		RecordsDropped:      m.RecordsDropped.Load(),
		ReentrantCalls:      m.ReentrantCalls.Load(),
		ImagesPatched:       m.ImagesPatched.Load(),
		ImagesSkipped:       m.ImagesSkipped.Load(),
		Uptime:              uptime,
	}
}

// Observer allows pluggable collection of tracer events, mirroring the
// capture path's "absorb, count, continue" error policy (spec 7).
type Observer interface {
	ObserveAllocation(size uint64)
	ObserveFree()
	ObserveDropped()
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAllocation(uint64) {}
func (NoOpObserver) ObserveFree()             {}
func (NoOpObserver) ObserveDropped()          {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveAllocation(size uint64) { o.metrics.RecordAllocation(size) }
func (o *MetricsObserver) ObserveFree()                  { o.metrics.RecordFree() }
func (o *MetricsObserver) ObserveDropped()               { o.metrics.RecordDropped() }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
