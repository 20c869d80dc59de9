package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JacobJanuary/TradingBot-sub002/pkg/exchanges/common"
)

// Metrics tracks lifecycle counters and latency distributions.
type Metrics struct {
	mu sync.RWMutex

	OpenLatency       *LatencyHistogram
	ProtectionLatency *LatencyHistogram
	// UnprotectedWindow measures first cancel to confirmed create on
	// cancel-then-recreate venues.
	UnprotectedWindow *LatencyHistogram

	opensOK            atomic.Uint64
	opensRejected      atomic.Uint64
	rollbacks          atomic.Uint64
	closes             atomic.Uint64
	protectionUpdates  atomic.Uint64
	protectionFailures atomic.Uint64
	orphans            atomic.Uint64
	mismatches         atomic.Uint64
	alerts             atomic.Uint64

	executors map[string]func() common.ExecutorStats
	start     time.Time
}

// LatencyHistogram tracks latency samples with a sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		OpenLatency:       NewLatencyHistogram(1000),
		ProtectionLatency: NewLatencyHistogram(1000),
		UnprotectedWindow: NewLatencyHistogram(1000),
		executors:         make(map[string]func() common.ExecutorStats),
		start:             time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// TrackExecutor registers a venue executor whose stats appear in snapshots.
func (m *Metrics) TrackExecutor(exchange string, stats func() common.ExecutorStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[exchange] = stats
}

func (m *Metrics) OpenSucceeded(d time.Duration) {
	m.opensOK.Add(1)
	m.OpenLatency.RecordDuration(d)
}

func (m *Metrics) OpenRejected()  { m.opensRejected.Add(1) }
func (m *Metrics) RolledBack()    { m.rollbacks.Add(1) }
func (m *Metrics) Closed()        { m.closes.Add(1) }
func (m *Metrics) Orphan()        { m.orphans.Add(1) }
func (m *Metrics) Mismatch()      { m.mismatches.Add(1) }
func (m *Metrics) AlertRaised()   { m.alerts.Add(1) }
func (m *Metrics) ProtectionErr() { m.protectionFailures.Add(1) }

// ProtectionUpdated records one completed protection update.
func (m *Metrics) ProtectionUpdated(took, unprotected time.Duration) {
	m.protectionUpdates.Add(1)
	m.ProtectionLatency.RecordDuration(took)
	if unprotected > 0 {
		m.UnprotectedWindow.RecordDuration(unprotected)
	}
}

// MetricsSnapshot is a point-in-time view for the API.
type MetricsSnapshot struct {
	OpenLatency        LatencyStats                    `json:"open_latency"`
	ProtectionLatency  LatencyStats                    `json:"protection_latency"`
	UnprotectedWindow  LatencyStats                    `json:"unprotected_window"`
	OpensSucceeded     uint64                          `json:"opens_succeeded"`
	OpensRejected      uint64                          `json:"opens_rejected"`
	Rollbacks          uint64                          `json:"rollbacks"`
	Closes             uint64                          `json:"closes"`
	ProtectionUpdates  uint64                          `json:"protection_updates"`
	ProtectionFailures uint64                          `json:"protection_failures"`
	Orphans            uint64                          `json:"orphans"`
	Mismatches         uint64                          `json:"mismatches"`
	Alerts             uint64                          `json:"alerts"`
	Executors          map[string]common.ExecutorStats `json:"executors"`
	GoroutineCount     int                             `json:"goroutine_count"`
	HeapAlloc          uint64                          `json:"heap_alloc_bytes"`
	Uptime             string                          `json:"uptime"`
	Timestamp          time.Time                       `json:"timestamp"`
}

// Snapshot returns a point-in-time metrics snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	execs := make(map[string]common.ExecutorStats, len(m.executors))
	for name, fn := range m.executors {
		execs[name] = fn()
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		OpenLatency:        m.OpenLatency.Stats(),
		ProtectionLatency:  m.ProtectionLatency.Stats(),
		UnprotectedWindow:  m.UnprotectedWindow.Stats(),
		OpensSucceeded:     m.opensOK.Load(),
		OpensRejected:      m.opensRejected.Load(),
		Rollbacks:          m.rollbacks.Load(),
		Closes:             m.closes.Load(),
		ProtectionUpdates:  m.protectionUpdates.Load(),
		ProtectionFailures: m.protectionFailures.Load(),
		Orphans:            m.orphans.Load(),
		Mismatches:         m.mismatches.Load(),
		Alerts:             m.alerts.Load(),
		Executors:          execs,
		GoroutineCount:     runtime.NumGoroutine(),
		HeapAlloc:          memStats.HeapAlloc,
		Uptime:             time.Since(m.start).Round(time.Second).String(),
		Timestamp:          time.Now(),
	}
}
