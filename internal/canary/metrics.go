// Copyright 2025 James Ross
package canary

import (
	"math/rand/v2"
	"sort"
)

// MaxLatencySamples bounds the per-version latency reservoir.
const MaxLatencySamples = 10000

// VersionMetrics accumulates per-version observations. Latencies keep a
// uniformly-random fixed-size sample (Algorithm R) so memory stays bounded
// under long observation windows; the running sum stays exact.
type VersionMetrics struct {
	Requests   int64   `json:"requests"`
	Successes  int64   `json:"successes"`
	Failures   int64   `json:"failures"`
	LatencySum float64 `json:"latencySum"`

	samples []float64
	seen    int64
}

// Observe records one result.
func (m *VersionMetrics) Observe(success bool, latencyMs float64) {
	m.Requests++
	if success {
		m.Successes++
	} else {
		m.Failures++
	}
	m.LatencySum += latencyMs

	m.seen++
	if len(m.samples) < MaxLatencySamples {
		m.samples = append(m.samples, latencyMs)
		return
	}
	// Algorithm R: replace a random slot with probability k/seen.
	if j := rand.Int64N(m.seen); j < int64(len(m.samples)) {
		m.samples[j] = latencyMs
	}
}

// ErrorRate is failures/requests, 0 before any traffic.
func (m *VersionMetrics) ErrorRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.Requests)
}

// AvgLatencyMs uses the exact running sum over all observations.
func (m *VersionMetrics) AvgLatencyMs() float64 {
	if m.Requests == 0 {
		return 0
	}
	return m.LatencySum / float64(m.Requests)
}

// P99LatencyMs is computed over the reservoir sample.
func (m *VersionMetrics) P99LatencyMs() float64 {
	return m.percentile(0.99)
}

func (m *VersionMetrics) percentile(p float64) float64 {
	if len(m.samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(m.samples))
	copy(sorted, m.samples)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// SampleCount reports the current reservoir occupancy.
func (m *VersionMetrics) SampleCount() int { return len(m.samples) }

// MetricsSnapshot is the JSON view with derived figures materialized.
type MetricsSnapshot struct {
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	ErrorRate    float64 `json:"errorRate"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	P99LatencyMs float64 `json:"p99LatencyMs"`
}

// Snapshot materializes the derived metrics.
func (m *VersionMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:     m.Requests,
		Successes:    m.Successes,
		Failures:     m.Failures,
		ErrorRate:    m.ErrorRate(),
		AvgLatencyMs: m.AvgLatencyMs(),
		P99LatencyMs: m.P99LatencyMs(),
	}
}
