// Copyright 2025 James Ross
package canary

import (
	"testing"
	"time"

	"github.com/flyingrobots/constellation/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		InitialWeight:     0.1,
		PromotionSteps:    []float64{0.5, 1.0},
		ObservationWindow: time.Minute,
		ErrorThreshold:    0.2,
		MinRequests:       10,
		AutoPromote:       true,
	}
}

type harness struct {
	router   *Router
	versions *pipeline.VersionStore
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		versions: pipeline.NewVersionStore(0),
		now:      time.Now(),
	}
	h.router = NewRouter(h.versions, 10*time.Minute, zap.NewNop())
	h.router.now = func() time.Time { return h.now }
	return h
}

func (h *harness) startCanary(t *testing.T) {
	t.Helper()
	h.versions.RecordVersion("p", "old-hash", "")
	_, err := h.router.StartCanary("p", "", "new-hash", testConfig())
	require.NoError(t, err)
}

func TestStartCanaryRequiresBaseline(t *testing.T) {
	h := newHarness(t)
	_, err := h.router.StartCanary("p", "", "new-hash", testConfig())
	assert.ErrorIs(t, err, ErrNoActiveVersion)

	// An explicit oldHash works without version history.
	_, err = h.router.StartCanary("p", "old-hash", "new-hash", testConfig())
	assert.NoError(t, err)
}

func TestStartCanaryRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.PromotionSteps = []float64{0.5, 0.3, 1.0}
	_, err := h.router.StartCanary("p", "old", "new", cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.PromotionSteps = []float64{0.5}
	_, err = h.router.StartCanary("p", "old", "new", cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.InitialWeight = 1.5
	_, err = h.router.StartCanary("p", "old", "new", cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStartCanaryRejectsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.startCanary(t)
	_, err := h.router.StartCanary("p", "old-hash", "other", testConfig())
	assert.ErrorIs(t, err, ErrCanaryExists)
}

func TestSelectVersionNoCanary(t *testing.T) {
	h := newHarness(t)
	_, ok := h.router.SelectVersion("p")
	assert.False(t, ok)
}

func TestSelectVersionWeightedSplit(t *testing.T) {
	h := newHarness(t)
	h.versions.RecordVersion("p", "old-hash", "")
	cfg := testConfig()
	cfg.InitialWeight = 0.5
	_, err := h.router.StartCanary("p", "", "new-hash", cfg)
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		hash, ok := h.router.SelectVersion("p")
		require.True(t, ok)
		counts[hash]++
	}
	// Both lanes see traffic; at weight 0.5 the split is roughly even.
	assert.Greater(t, counts["new-hash"], 700)
	assert.Greater(t, counts["old-hash"], 700)
}

func TestRollbackOnErrorRate(t *testing.T) {
	// Scenario: minRequests=10, errorThreshold=0.2; 10 results with 3
	// failures crosses 0.3 > 0.2 and rolls back.
	h := newHarness(t)
	h.startCanary(t)

	for i := 0; i < 7; i++ {
		require.NoError(t, h.router.RecordResult("p", "new-hash", true, 10))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, h.router.RecordResult("p", "new-hash", false, 10))
	}

	view, ok := h.router.Get("p")
	require.True(t, ok)
	assert.Equal(t, StatusRolledBack, view.Status)
	assert.Equal(t, 0.0, view.CurrentWeight)

	// All traffic returns to the old version.
	for i := 0; i < 20; i++ {
		hash, ok := h.router.SelectVersion("p")
		require.True(t, ok)
		assert.Equal(t, "old-hash", hash)
	}
}

func TestNoTransitionBelowMinRequests(t *testing.T) {
	h := newHarness(t)
	h.startCanary(t)

	// 9 failures out of 9: error rate 1.0, but below minRequests.
	for i := 0; i < 9; i++ {
		require.NoError(t, h.router.RecordResult("p", "new-hash", false, 10))
	}
	view, _ := h.router.Get("p")
	assert.Equal(t, StatusObserving, view.Status)

	// With the window elapsed, the 10th result reaches minRequests; the
	// breached error threshold rolls back instead of promoting.
	h.now = h.now.Add(2 * time.Minute)
	require.NoError(t, h.router.RecordResult("p", "new-hash", false, 10))
	view, _ = h.router.Get("p")
	assert.Equal(t, StatusRolledBack, view.Status) // 10th result tips over minRequests with 100% errors
}

func TestAutoPromoteThroughStepsToComplete(t *testing.T) {
	h := newHarness(t)
	h.startCanary(t)

	// Healthy traffic past minRequests.
	for i := 0; i < 12; i++ {
		require.NoError(t, h.router.RecordResult("p", "new-hash", true, 10))
	}
	view, _ := h.router.Get("p")
	require.Equal(t, StatusObserving, view.Status)
	assert.Equal(t, 0.1, view.CurrentWeight)

	// First window elapses: advance to step 0 (weight 0.5).
	h.now = h.now.Add(2 * time.Minute)
	require.NoError(t, h.router.RecordResult("p", "new-hash", true, 10))
	view, _ = h.router.Get("p")
	assert.Equal(t, 0.5, view.CurrentWeight)
	assert.Equal(t, 0, view.CurrentStep)

	// Second window: step 1 (weight 1.0).
	h.now = h.now.Add(2 * time.Minute)
	require.NoError(t, h.router.RecordResult("p", "new-hash", true, 10))
	view, _ = h.router.Get("p")
	assert.Equal(t, 1.0, view.CurrentWeight)

	// Final window healthy: complete, new version becomes active.
	h.now = h.now.Add(2 * time.Minute)
	require.NoError(t, h.router.RecordResult("p", "new-hash", true, 10))
	view, _ = h.router.Get("p")
	assert.Equal(t, StatusComplete, view.Status)

	active, ok := h.versions.ActiveVersion("p")
	require.True(t, ok)
	assert.Equal(t, "new-hash", active.StructuralHash)
}

func TestManualPromoteAndRollback(t *testing.T) {
	h := newHarness(t)
	h.startCanary(t)

	view, err := h.router.Promote("p")
	require.NoError(t, err)
	assert.Equal(t, 0.5, view.CurrentWeight)

	view, err = h.router.Rollback("p")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, view.Status)

	_, err = h.router.Promote("p")
	assert.ErrorIs(t, err, ErrCanaryFinished)

	_, err = h.router.Promote("ghost")
	assert.ErrorIs(t, err, ErrCanaryNotFound)
}

func TestRecordResultUnknownHash(t *testing.T) {
	h := newHarness(t)
	h.startCanary(t)
	assert.ErrorIs(t, h.router.RecordResult("p", "mystery", true, 1), ErrUnknownHash)
	assert.ErrorIs(t, h.router.RecordResult("ghost", "new-hash", true, 1), ErrCanaryNotFound)
}

func TestLatencyThresholdRollback(t *testing.T) {
	h := newHarness(t)
	h.versions.RecordVersion("p", "old-hash", "")
	cfg := testConfig()
	cfg.LatencyThresholdMs = 100
	_, err := h.router.StartCanary("p", "", "new-hash", cfg)
	require.NoError(t, err)

	// Successes, but p99 far above the threshold.
	for i := 0; i < 12; i++ {
		require.NoError(t, h.router.RecordResult("p", "new-hash", true, 500))
	}
	view, _ := h.router.Get("p")
	assert.Equal(t, StatusRolledBack, view.Status)
}

func TestTerminalCanaryExpiresAfterGrace(t *testing.T) {
	h := newHarness(t)
	h.startCanary(t)
	_, err := h.router.Rollback("p")
	require.NoError(t, err)

	_, ok := h.router.Get("p")
	assert.True(t, ok)

	h.now = h.now.Add(time.Hour)
	assert.Empty(t, h.router.List())
	// A fresh canary can start again.
	_, err = h.router.StartCanary("p", "old-hash", "newer", testConfig())
	assert.NoError(t, err)
}

func TestReservoirBounded(t *testing.T) {
	m := &VersionMetrics{}
	for i := 0; i < MaxLatencySamples*3; i++ {
		m.Observe(true, float64(i%1000))
	}
	assert.Equal(t, MaxLatencySamples, m.SampleCount())
	assert.Equal(t, int64(MaxLatencySamples*3), m.Requests)

	p99 := m.P99LatencyMs()
	assert.GreaterOrEqual(t, p99, 900.0)
	assert.LessOrEqual(t, p99, 999.0)
}

func TestMetricsDerived(t *testing.T) {
	m := &VersionMetrics{}
	assert.Equal(t, 0.0, m.ErrorRate())
	assert.Equal(t, 0.0, m.AvgLatencyMs())
	assert.Equal(t, 0.0, m.P99LatencyMs())

	m.Observe(true, 10)
	m.Observe(false, 30)
	assert.Equal(t, 0.5, m.ErrorRate())
	assert.Equal(t, 20.0, m.AvgLatencyMs())
}
