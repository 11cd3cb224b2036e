package mainmemory

import (
	"sync/atomic"
	"time"
)

// Metrics tracks runtime-level operational counters: not per-device I/O
// statistics (this isn't a storage system) but the scheduling, queueing,
// and allocator behavior §5's concurrency model describes.
type Metrics struct {
	// Fiber scheduling.
	ContextSwitches atomic.Uint64 // sum of every strand's Scheduler.Tick count
	FibersSpawned   atomic.Uint64
	FibersCanceled  atomic.Uint64

	// Async queues (§4.3/§4.4).
	AsyncSubmitted  atomic.Uint64
	AsyncQueueFull  atomic.Uint64
	WakesIssued     atomic.Uint64 // backend.Notify syscalls actually made
	WakesAvoided    atomic.Uint64 // wake-skip rule found a listener already positioned

	// Sockets (§4.7).
	SocketsRegistered atomic.Uint64
	SocketReadErrors  atomic.Uint64
	SocketWriteErrors atomic.Uint64

	// Allocator (§4.1), sampled from internal/alloc.Cache.Stats per strand.
	AllocatorSpans      atomic.Int64
	AllocatorHugeSpans  atomic.Int64
	AllocatorBytes      atomic.Int64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAsyncSubmit tallies one Submit/SubmitTo call, and whether it found
// the queue full.
func (m *Metrics) RecordAsyncSubmit(queueFull bool) {
	m.AsyncSubmitted.Add(1)
	if queueFull {
		m.AsyncQueueFull.Add(1)
	}
}

// RecordFiberSpawn tallies one FiberSpawn call.
func (m *Metrics) RecordFiberSpawn() { m.FibersSpawned.Add(1) }

// RecordFiberCanceled tallies one fiber terminating via cancellation.
func (m *Metrics) RecordFiberCanceled() { m.FibersCanceled.Add(1) }

// RecordSocketRegistered tallies one successful sock_register.
func (m *Metrics) RecordSocketRegistered() { m.SocketsRegistered.Add(1) }

// RecordSocketReadError tallies one sock_read call that returned an I/O
// error (not WouldBlock/TimedOut, which are expected control flow).
func (m *Metrics) RecordSocketReadError() { m.SocketReadErrors.Add(1) }

// RecordSocketWriteError tallies one sock_write call that returned an I/O error.
func (m *Metrics) RecordSocketWriteError() { m.SocketWriteErrors.Add(1) }

// setWakeStats overwrites the wake counters from a dispatcher's current
// WakeStats() snapshot; called each time Snapshot is taken rather than
// incrementally, since the dispatcher is the source of truth for these.
func (m *Metrics) setWakeStats(issued, avoided uint64) {
	m.WakesIssued.Store(issued)
	m.WakesAvoided.Store(avoided)
}

// setAllocatorStats overwrites the allocator gauges from a fresh sample.
func (m *Metrics) setAllocatorStats(spans, hugeSpans int, bytes int64) {
	m.AllocatorSpans.Store(int64(spans))
	m.AllocatorHugeSpans.Store(int64(hugeSpans))
	m.AllocatorBytes.Store(bytes)
}

// Stop marks the runtime as stopped for uptime accounting.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time copy of Metrics, safe to read without
// further synchronization.
type MetricsSnapshot struct {
	ContextSwitches uint64
	FibersSpawned   uint64
	FibersCanceled  uint64

	AsyncSubmitted uint64
	AsyncQueueFull uint64
	WakesIssued    uint64
	WakesAvoided   uint64

	SocketsRegistered uint64
	SocketReadErrors  uint64
	SocketWriteErrors uint64

	AllocatorSpans     int64
	AllocatorHugeSpans int64
	AllocatorBytes     int64

	UptimeNs uint64
}

// Snapshot copies every counter's current value.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ContextSwitches:    m.ContextSwitches.Load(),
		FibersSpawned:      m.FibersSpawned.Load(),
		FibersCanceled:     m.FibersCanceled.Load(),
		AsyncSubmitted:     m.AsyncSubmitted.Load(),
		AsyncQueueFull:     m.AsyncQueueFull.Load(),
		WakesIssued:        m.WakesIssued.Load(),
		WakesAvoided:       m.WakesAvoided.Load(),
		SocketsRegistered:  m.SocketsRegistered.Load(),
		SocketReadErrors:   m.SocketReadErrors.Load(),
		SocketWriteErrors:  m.SocketWriteErrors.Load(),
		AllocatorSpans:     m.AllocatorSpans.Load(),
		AllocatorHugeSpans: m.AllocatorHugeSpans.Load(),
		AllocatorBytes:     m.AllocatorBytes.Load(),
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	return snap
}

// Observer allows pluggable collection of runtime events, mirroring the
// teacher's pattern of a default Metrics-backed implementation plus a
// no-op for callers that don't want the bookkeeping.
type Observer interface {
	ObserveAsyncSubmit(queueFull bool)
	ObserveFiberSpawn()
	ObserveFiberCanceled()
	ObserveSocketRegistered()
	ObserveSocketReadError()
	ObserveSocketWriteError()
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAsyncSubmit(bool) {}
func (NoOpObserver) ObserveFiberSpawn()       {}
func (NoOpObserver) ObserveFiberCanceled()    {}
func (NoOpObserver) ObserveSocketRegistered() {}
func (NoOpObserver) ObserveSocketReadError()  {}
func (NoOpObserver) ObserveSocketWriteError() {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{metrics: m} }

func (o *MetricsObserver) ObserveAsyncSubmit(queueFull bool) { o.metrics.RecordAsyncSubmit(queueFull) }
func (o *MetricsObserver) ObserveFiberSpawn()                { o.metrics.RecordFiberSpawn() }
func (o *MetricsObserver) ObserveFiberCanceled()              { o.metrics.RecordFiberCanceled() }
func (o *MetricsObserver) ObserveSocketRegistered()           { o.metrics.RecordSocketRegistered() }
func (o *MetricsObserver) ObserveSocketReadError()            { o.metrics.RecordSocketReadError() }
func (o *MetricsObserver) ObserveSocketWriteError()           { o.metrics.RecordSocketWriteError() }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
