package fabcq

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for completion queues
type Metrics struct {
	// Read path counters
	ReadCalls     atomic.Uint64 // Total read calls (blocking and non-blocking)
	BlockingReads atomic.Uint64 // Read calls that used the backoff poller
	Entries       atomic.Uint64 // Total completion entries delivered

	// Error counters
	CompletionErrors atomic.Uint64 // Completions that carried a nonzero status
	ErrorReads       atomic.Uint64 // Error entries consumed through ReadErr

	// Soft-mode counters
	RingDrops      atomic.Uint64 // Entries dropped on ring overflow
	Promotions     atomic.Uint64 // Hard-to-soft mode switches
	ProgressSweeps atomic.Uint64 // Domain progress invocations

	// Lifecycle
	StartTime atomic.Int64 // Creation timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records one read call delivering n entries
func (m *Metrics) RecordRead(n int, blocking bool) {
	m.ReadCalls.Add(1)
	if blocking {
		m.BlockingReads.Add(1)
	}
	if n > 0 {
		m.Entries.Add(uint64(n))
	}
}

// RecordCompletionError records a completion with a nonzero status
func (m *Metrics) RecordCompletionError() {
	m.CompletionErrors.Add(1)
}

// RecordErrorRead records one error entry consumed via ReadErr
func (m *Metrics) RecordErrorRead() {
	m.ErrorReads.Add(1)
}

// RecordRingDrop records one entry lost to ring overflow
func (m *Metrics) RecordRingDrop() {
	m.RingDrops.Add(1)
}

// RecordPromotion records a hard-to-soft mode switch
func (m *Metrics) RecordPromotion() {
	m.Promotions.Add(1)
}

// RecordProgress records one domain progress sweep
func (m *Metrics) RecordProgress() {
	m.ProgressSweeps.Add(1)
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	ReadCalls     uint64
	BlockingReads uint64
	Entries       uint64

	CompletionErrors uint64
	ErrorReads       uint64

	RingDrops      uint64
	Promotions     uint64
	ProgressSweeps uint64

	UptimeNs uint64

	// Computed statistics
	AvgBatch  float64 // Entries per read call that delivered data
	ReadRate  float64 // Read calls per second
	ErrorRate float64 // Percentage of delivered completions that failed
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadCalls:        m.ReadCalls.Load(),
		BlockingReads:    m.BlockingReads.Load(),
		Entries:          m.Entries.Load(),
		CompletionErrors: m.CompletionErrors.Load(),
		ErrorReads:       m.ErrorReads.Load(),
		RingDrops:        m.RingDrops.Load(),
		Promotions:       m.Promotions.Load(),
		ProgressSweeps:   m.ProgressSweeps.Load(),
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())

	if snap.ReadCalls > 0 {
		snap.AvgBatch = float64(snap.Entries) / float64(snap.ReadCalls)
	}
	if snap.UptimeNs > 0 {
		snap.ReadRate = float64(snap.ReadCalls) / (float64(snap.UptimeNs) / 1e9)
	}
	total := snap.Entries + snap.CompletionErrors
	if total > 0 {
		snap.ErrorRate = float64(snap.CompletionErrors) / float64(total) * 100.0
	}

	return snap
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.ReadCalls.Store(0)
	m.BlockingReads.Store(0)
	m.Entries.Store(0)
	m.CompletionErrors.Store(0)
	m.ErrorReads.Store(0)
	m.RingDrops.Store(0)
	m.Promotions.Store(0)
	m.ProgressSweeps.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveRead is called once per read call with the entry count delivered
	ObserveRead(entries int, blocking bool)

	// ObserveCompletionError is called for each completion carrying a
	// nonzero status
	ObserveCompletionError(status Status)

	// ObserveErrorRead is called for each error entry consumed via ReadErr
	ObserveErrorRead()

	// ObserveRingDrop is called for each entry lost to ring overflow
	ObserveRingDrop()

	// ObservePromotion is called when a CQ switches to soft mode
	ObservePromotion()

	// ObserveProgress is called once per domain progress sweep
	ObserveProgress()
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(int, bool)           {}
func (NoOpObserver) ObserveCompletionError(Status)   {}
func (NoOpObserver) ObserveErrorRead()               {}
func (NoOpObserver) ObserveRingDrop()                {}
func (NoOpObserver) ObservePromotion()               {}
func (NoOpObserver) ObserveProgress()                {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(entries int, blocking bool) {
	o.metrics.RecordRead(entries, blocking)
}

func (o *MetricsObserver) ObserveCompletionError(Status) {
	o.metrics.RecordCompletionError()
}

func (o *MetricsObserver) ObserveErrorRead() {
	o.metrics.RecordErrorRead()
}

func (o *MetricsObserver) ObserveRingDrop() {
	o.metrics.RecordRingDrop()
}

func (o *MetricsObserver) ObservePromotion() {
	o.metrics.RecordPromotion()
}

func (o *MetricsObserver) ObserveProgress() {
	o.metrics.RecordProgress()
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
