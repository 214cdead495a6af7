// Copyright 2025 James Ross
package canary

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/flyingrobots/constellation/internal/obs"
	"github.com/flyingrobots/constellation/internal/pipeline"
	"go.uber.org/zap"
)

// entry pairs a state with its per-pipeline transition lock.
type entry struct {
	mu    sync.Mutex
	state *State
}

// Router splits execution traffic for a pipeline name between two versions
// by weighted random selection, observes per-version metrics, and drives
// the staged promotion / rollback policy.
type Router struct {
	mu       sync.RWMutex
	canaries map[string]*entry

	versions *pipeline.VersionStore
	logger   *zap.Logger
	// gracePeriod keeps terminal canaries readable before removal.
	gracePeriod time.Duration
	now         func() time.Time
}

// NewRouter wires the router over the version store.
func NewRouter(versions *pipeline.VersionStore, gracePeriod time.Duration, logger *zap.Logger) *Router {
	if gracePeriod <= 0 {
		gracePeriod = 10 * time.Minute
	}
	return &Router{
		canaries:    make(map[string]*entry),
		versions:    versions,
		logger:      logger,
		gracePeriod: gracePeriod,
		now:         time.Now,
	}
}

// StartCanary begins a rollout for name. oldHash defaults to the recorded
// active version; starting with no active version and no explicit oldHash
// is an error rather than a synthesized baseline.
func (r *Router) StartCanary(name, oldHash, newHash string, cfg Config) (View, error) {
	if err := cfg.Validate(); err != nil {
		return View{}, err
	}

	oldRef := VersionRef{StructuralHash: oldHash}
	if oldHash == "" {
		active, ok := r.versions.ActiveVersion(name)
		if !ok {
			return View{}, ErrNoActiveVersion
		}
		oldRef = VersionRef{Version: active.Version, StructuralHash: active.StructuralHash}
	} else if v, ok := r.versions.FindVersionByHash(name, oldHash); ok {
		oldRef.Version = v.Version
	}

	newRef := VersionRef{StructuralHash: newHash}
	if v, ok := r.versions.FindVersionByHash(name, newHash); ok {
		newRef.Version = v.Version
	} else {
		newRef.Version = r.versions.RecordVersion(name, newHash, "").Version
		// Recording makes the new version active; the canary is supposed to
		// decide that, so restore the old pointer while it runs.
		if oldRef.Version > 0 {
			_ = r.versions.SetActiveVersion(name, oldRef.Version)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireTerminalLocked()
	if existing, ok := r.canaries[name]; ok && !existing.state.Status.Terminal() {
		return View{}, ErrCanaryExists
	}

	now := r.now()
	st := &State{
		PipelineName:  name,
		OldVersion:    oldRef,
		NewVersion:    newRef,
		Config:        cfg,
		CurrentWeight: cfg.InitialWeight,
		CurrentStep:   -1, // steps index into PromotionSteps once promotion begins
		Status:        StatusObserving,
		StartedAt:     now,
		StepStartedAt: now,
		Old:           &VersionMetrics{},
		New:           &VersionMetrics{},
	}
	r.canaries[name] = &entry{state: st}
	r.logger.Info("canary started",
		zap.String("pipeline", name),
		zap.String("old", oldRef.StructuralHash),
		zap.String("new", newRef.StructuralHash),
		zap.Float64("weight", cfg.InitialWeight))
	return st.view(), nil
}

// SelectVersion picks which structural hash should serve a request for
// name. ok=false means no canary is running and the caller should use the
// active version. The RNG is seeded from runtime entropy, so the traffic
// split is not reproducible across restarts.
func (r *Router) SelectVersion(name string) (string, bool) {
	r.mu.RLock()
	e, ok := r.canaries[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status == StatusRolledBack {
		return e.state.OldVersion.StructuralHash, true
	}
	if rand.Float64() < e.state.CurrentWeight {
		return e.state.NewVersion.StructuralHash, true
	}
	return e.state.OldVersion.StructuralHash, true
}

// RecordResult attributes one execution result to whichever version hash
// maps to, then evaluates the promotion / rollback policy under the
// per-pipeline lock.
func (r *Router) RecordResult(name, structuralHash string, success bool, latencyMs float64) error {
	r.mu.RLock()
	e, ok := r.canaries[name]
	r.mu.RUnlock()
	if !ok {
		return ErrCanaryNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state

	var lane string
	switch structuralHash {
	case st.NewVersion.StructuralHash:
		st.New.Observe(success, latencyMs)
		lane = "new"
	case st.OldVersion.StructuralHash:
		st.Old.Observe(success, latencyMs)
		lane = "old"
	default:
		return ErrUnknownHash
	}
	status := "success"
	if !success {
		status = "failure"
	}
	obs.CanaryRequests.WithLabelValues(name, lane, status).Inc()

	if st.Status.Terminal() {
		return nil
	}
	r.evaluateLocked(st)
	return nil
}

// evaluateLocked runs the policy: rollback on breached thresholds, promote
// when the observation window has elapsed healthy.
func (r *Router) evaluateLocked(st *State) {
	if st.New.Requests < int64(st.Config.MinRequests) {
		return
	}

	breached := st.New.ErrorRate() > st.Config.ErrorThreshold
	if !breached && st.Config.LatencyThresholdMs > 0 {
		breached = st.New.P99LatencyMs() > float64(st.Config.LatencyThresholdMs)
	}
	if breached {
		r.transitionLocked(st, StatusRolledBack)
		st.CurrentWeight = 0
		r.logger.Warn("canary rolled back",
			zap.String("pipeline", st.PipelineName),
			zap.Float64("error_rate", st.New.ErrorRate()),
			zap.Float64("p99_ms", st.New.P99LatencyMs()))
		return
	}

	if !st.Config.AutoPromote {
		return
	}
	if r.now().Sub(st.StepStartedAt) < st.Config.ObservationWindow {
		return
	}
	r.advanceLocked(st)
}

// advanceLocked moves one promotion step forward.
func (r *Router) advanceLocked(st *State) {
	last := len(st.Config.PromotionSteps) - 1
	if st.CurrentStep >= last {
		r.completeLocked(st)
		return
	}
	st.CurrentStep++
	st.CurrentWeight = st.Config.PromotionSteps[st.CurrentStep]
	st.StepStartedAt = r.now()
	// Promoting is transient: the new step immediately begins observing.
	r.transitionLocked(st, StatusPromoting)
	st.Status = StatusObserving
	r.logger.Info("canary promoted one step",
		zap.String("pipeline", st.PipelineName),
		zap.Int("step", st.CurrentStep),
		zap.Float64("weight", st.CurrentWeight))
}

func (r *Router) completeLocked(st *State) {
	r.transitionLocked(st, StatusComplete)
	st.CurrentWeight = 1.0
	if v, ok := r.versions.FindVersionByHash(st.PipelineName, st.NewVersion.StructuralHash); ok {
		_ = r.versions.SetActiveVersion(st.PipelineName, v.Version)
	}
	r.logger.Info("canary complete", zap.String("pipeline", st.PipelineName))
}

func (r *Router) transitionLocked(st *State, to Status) {
	st.Status = to
	if to.Terminal() {
		st.FinishedAt = r.now()
	}
	obs.CanaryTransitions.WithLabelValues(st.PipelineName, string(to)).Inc()
}

// Promote manually advances one step; idempotent at the last step.
func (r *Router) Promote(name string) (View, error) {
	e, err := r.get(name)
	if err != nil {
		return View{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	if st.Status == StatusComplete {
		return st.view(), nil
	}
	if st.Status.Terminal() {
		return st.view(), ErrCanaryFinished
	}
	r.advanceLocked(st)
	return st.view(), nil
}

// Rollback forces the canary off and returns all traffic to the old
// version.
func (r *Router) Rollback(name string) (View, error) {
	e, err := r.get(name)
	if err != nil {
		return View{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state
	if st.Status.Terminal() {
		return st.view(), ErrCanaryFinished
	}
	r.transitionLocked(st, StatusRolledBack)
	st.CurrentWeight = 0
	r.logger.Info("canary rolled back manually", zap.String("pipeline", name))
	return st.view(), nil
}

// Abort is an alias for Rollback kept for the deploy API surface.
func (r *Router) Abort(name string) (View, error) { return r.Rollback(name) }

// Get returns the current canary view for name.
func (r *Router) Get(name string) (View, bool) {
	r.mu.RLock()
	e, ok := r.canaries[name]
	r.mu.RUnlock()
	if !ok {
		return View{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.view(), true
}

// List returns every live canary view.
func (r *Router) List() []View {
	r.mu.Lock()
	r.expireTerminalLocked()
	entries := make([]*entry, 0, len(r.canaries))
	for _, e := range r.canaries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]View, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state.view())
		e.mu.Unlock()
	}
	return out
}

func (r *Router) get(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.canaries[name]
	if !ok {
		return nil, ErrCanaryNotFound
	}
	return e, nil
}

// expireTerminalLocked drops terminal canaries past the grace period.
// Caller holds r.mu.
func (r *Router) expireTerminalLocked() {
	cutoff := r.now().Add(-r.gracePeriod)
	for name, e := range r.canaries {
		st := e.state
		if st.Status.Terminal() && !st.FinishedAt.IsZero() && st.FinishedAt.Before(cutoff) {
			delete(r.canaries, name)
		}
	}
}
