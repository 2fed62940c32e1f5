package epwr

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks pool-wide counters and latency samples, grounded on the
// teacher's pkg/pyproc/pool_metrics.go shape.
type Metrics struct {
	Checkouts         atomic.Uint64
	RequestsSucceeded atomic.Uint64
	RequestsFailed    atomic.Uint64
	RequestsTimeout   atomic.Uint64

	latencyMu    sync.RWMutex
	latencies    []time.Duration
	maxLatencies int
}

// NewMetrics builds a Metrics tracker with a bounded latency ring buffer.
func NewMetrics() *Metrics {
	return &Metrics{maxLatencies: 10000, latencies: make([]time.Duration, 0, 10000)}
}

// RecordLatency appends one request's latency, evicting the oldest
// sample once the buffer is full.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	if len(m.latencies) >= m.maxLatencies {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, d)
}

// Percentile returns an approximate latency percentile (0-100) over the
// current sample window.
func (m *Metrics) Percentile(p float64) time.Duration {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()
	if len(m.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(float64(len(sorted)-1) * p / 100.0)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// MetricsSnapshot is a point-in-time read of Metrics, returned by
// Status().
type MetricsSnapshot struct {
	Checkouts         uint64
	RequestsSucceeded uint64
	RequestsFailed    uint64
	RequestsTimeout   uint64
	LatencyP50        time.Duration
	LatencyP95        time.Duration
	LatencyP99        time.Duration
}

// Snapshot reads the current counters and latency percentiles.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Checkouts:         m.Checkouts.Load(),
		RequestsSucceeded: m.RequestsSucceeded.Load(),
		RequestsFailed:    m.RequestsFailed.Load(),
		RequestsTimeout:   m.RequestsTimeout.Load(),
		LatencyP50:        m.Percentile(50),
		LatencyP95:        m.Percentile(95),
		LatencyP99:        m.Percentile(99),
	}
}
