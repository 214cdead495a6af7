// Copyright 2025 James Ross
package httpapi

import (
	"net/http"
	"sync"
	"sync/atomic"
)

// LifecycleState tracks whether the process is ready to serve.
type LifecycleState int32

const (
	StateStarting LifecycleState = iota
	StateRunning
	StateStopping
)

// ReadinessCheck is one named readiness probe.
type ReadinessCheck struct {
	Name  string
	Check func() bool
}

// Health serves the liveness/readiness/detail probes.
type Health struct {
	state  atomic.Int32
	mu     sync.RWMutex
	checks []ReadinessCheck

	EnableDetail       bool
	DetailRequiresAuth bool
	detail             func() map[string]interface{}
}

// NewHealth starts in the Starting state.
func NewHealth() *Health {
	return &Health{}
}

// SetState moves the lifecycle pointer.
func (h *Health) SetState(s LifecycleState) { h.state.Store(int32(s)) }

// State reads the lifecycle pointer.
func (h *Health) State() LifecycleState { return LifecycleState(h.state.Load()) }

// AddReadinessCheck registers a custom probe evaluated by /health/ready.
func (h *Health) AddReadinessCheck(name string, check func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, ReadinessCheck{Name: name, Check: check})
}

// SetDetailFunc supplies the component-status payload for /health/detail.
func (h *Health) SetDetailFunc(fn func() map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detail = fn
}

// Live always answers 200 while the process can serve requests at all.
func (h *Health) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready answers 200 only when the lifecycle is Running and every custom
// check passes; otherwise 503 naming the failures.
func (h *Health) Ready(w http.ResponseWriter, _ *http.Request) {
	if h.State() != StateRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"reason": "lifecycle",
		})
		return
	}
	h.mu.RLock()
	checks := h.checks
	h.mu.RUnlock()
	var failing []string
	for _, c := range checks {
		if !c.Check() {
			failing = append(failing, c.Name)
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not_ready",
			"failing": failing,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Detail emits component-level status when enabled.
func (h *Health) Detail(w http.ResponseWriter, _ *http.Request) {
	if !h.EnableDetail {
		writeError(w, http.StatusNotFound, "NotFound", "detail endpoint disabled")
		return
	}
	h.mu.RLock()
	fn := h.detail
	h.mu.RUnlock()
	body := map[string]interface{}{"status": "ok"}
	if fn != nil {
		body = fn()
	}
	writeJSON(w, http.StatusOK, body)
}
