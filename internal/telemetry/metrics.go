// Package telemetry tracks engine performance: API request counters and
// latency, fan-out wave latency and per-child outcome counters.
package telemetry

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks overall engine performance.
type Metrics struct {
	// Latency histograms
	APILatency  *LatencyHistogram
	WaveLatency *LatencyHistogram

	// Counters
	apiRequests       uint64
	apiErrors         uint64
	wavesProcessed    uint64
	childrenPlaced    uint64
	childrenFailed    uint64
	settlementsPosted uint64
}

// LatencyHistogram tracks latency samples with a sliding window. Stats are
// computed lazily and cached until the next sample arrives.
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
		APILatency:  NewLatencyHistogram(1000),
		WaveLatency: NewLatencyHistogram(1000),
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
		// Shift window: remove oldest
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
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementAPI increments the API request counter.
func (m *Metrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the API error counter.
func (m *Metrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// IncrementWaves increments the processed fan-out wave counter.
func (m *Metrics) IncrementWaves() {
	atomic.AddUint64(&m.wavesProcessed, 1)
}

// AddChildOutcomes records one wave's per-child results.
func (m *Metrics) AddChildOutcomes(placed, failed int) {
	atomic.AddUint64(&m.childrenPlaced, uint64(placed))
	atomic.AddUint64(&m.childrenFailed, uint64(failed))
}

// IncrementSettlements increments the posted settlement counter.
func (m *Metrics) IncrementSettlements() {
	atomic.AddUint64(&m.settlementsPosted, 1)
}

// Snapshot is a point-in-time metrics view.
type Snapshot struct {
	APILatency        LatencyStats `json:"api_latency"`
	WaveLatency       LatencyStats `json:"wave_latency"`
	APIRequests       uint64       `json:"api_requests"`
	APIErrors         uint64       `json:"api_errors"`
	WavesProcessed    uint64       `json:"waves_processed"`
	ChildrenPlaced    uint64       `json:"children_placed"`
	ChildrenFailed    uint64       `json:"children_failed"`
	SettlementsPosted uint64       `json:"settlements_posted"`
	GoroutineCount    int          `json:"goroutine_count"`
	HeapAlloc         uint64       `json:"heap_alloc_bytes"`
	HeapSys           uint64       `json:"heap_sys_bytes"`
	Timestamp         time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		APILatency:        m.APILatency.Stats(),
		WaveLatency:       m.WaveLatency.Stats(),
		APIRequests:       atomic.LoadUint64(&m.apiRequests),
		APIErrors:         atomic.LoadUint64(&m.apiErrors),
		WavesProcessed:    atomic.LoadUint64(&m.wavesProcessed),
		ChildrenPlaced:    atomic.LoadUint64(&m.childrenPlaced),
		ChildrenFailed:    atomic.LoadUint64(&m.childrenFailed),
		SettlementsPosted: atomic.LoadUint64(&m.settlementsPosted),
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		HeapSys:           memStats.HeapSys,
		Timestamp:         time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
