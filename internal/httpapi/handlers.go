// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/dag"
	"github.com/flyingrobots/constellation/internal/events"
	"github.com/flyingrobots/constellation/internal/obs"
	"github.com/flyingrobots/constellation/internal/pipeline"
	"github.com/flyingrobots/constellation/internal/runtime"
	"github.com/flyingrobots/constellation/internal/suspension"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/constellation/internal/canary"
)

// maxBodyBytes caps request bodies (pipeline sources included).
const maxBodyBytes = 10 << 20

type execOptions struct {
	TimeoutMs    int64 `json:"timeoutMs,omitempty"`
	PriorityHint int   `json:"priorityHint,omitempty"`
}

func (o execOptions) runtimeOptions(name string, allowSuspend bool) runtime.Options {
	opts := runtime.Options{
		PriorityHint: o.PriorityHint,
		AllowSuspend: allowSuspend,
		PipelineName: name,
	}
	if o.TimeoutMs > 0 {
		opts.Timeout = time.Duration(o.TimeoutMs) * time.Millisecond
	}
	return opts
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// decodeInputs converts raw JSON inputs into typed values using the
// pipeline's declared input types. Undeclared keys are ignored.
func decodeInputs(img *pipeline.Image, raw map[string]json.RawMessage) (map[string]cvalue.Value, error) {
	out := make(map[string]cvalue.Value, len(raw))
	for _, decl := range img.Spec.Inputs {
		data, ok := raw[decl.Name]
		if !ok {
			continue
		}
		v, err := cvalue.FromJSON(data, decl.Type)
		if err != nil {
			return nil, &runtime.Error{
				Kind: runtime.KindTypeMismatch, Input: decl.Name,
				Expected: decl.Type.String(), Actual: err.Error(),
			}
		}
		out[decl.Name] = v
	}
	return out, nil
}

// ---- compile and run ----

type compileRequest struct {
	Source string `json:"source"`
	Name   string `json:"name,omitempty"`
}

type compileResponse struct {
	StructuralHash string   `json:"structuralHash"`
	Warnings       []string `json:"warnings"`
}

// compileSource runs the compiler behind the syntactic fast path and the
// compilation cache, storing and indexing the resulting image.
func (s *Server) compileSource(r *http.Request, source, name string) (*pipeline.LoadedPipeline, error) {
	ctx := r.Context()
	synHash := pipeline.SyntacticHash(source)
	regHash := pipeline.RegistryHash(s.registry)

	if structural, ok := s.pipelines.LookupSyntactic(synHash, regHash); ok {
		if img, found := s.pipelines.Get(structural); found {
			return &pipeline.LoadedPipeline{Image: img}, nil
		}
	}

	cacheKey := name
	if cacheKey == "" {
		cacheKey = synHash
	}
	if lp, ok := s.compileCache.Get(ctx, cacheKey, synHash, regHash); ok {
		if _, err := s.pipelines.Store(lp.Image); err != nil {
			return nil, err
		}
		return lp, nil
	}

	lp, err := s.compiler.Compile(source, name)
	if err != nil {
		obs.Compilations.WithLabelValues("error").Inc()
		return nil, err
	}
	obs.Compilations.WithLabelValues("ok").Inc()

	if _, err := s.pipelines.Store(lp.Image); err != nil {
		return nil, err
	}
	s.pipelines.IndexSyntactic(synHash, regHash, lp.Image.StructuralHash)
	if err := s.compileCache.Put(ctx, cacheKey, synHash, regHash, lp); err != nil {
		s.logger.Warn("compile cache put failed", zap.Error(err))
	}
	if name != "" {
		if err := s.pipelines.Alias(name, lp.Image.StructuralHash); err != nil {
			return nil, err
		}
	}
	return lp, nil
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "source is required")
		return
	}
	lp, err := s.compileSource(r, req.Source, req.Name)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if req.Name != "" {
		s.versions.RecordVersion(req.Name, lp.Image.StructuralHash, req.Source)
	}
	warnings := lp.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, compileResponse{
		StructuralHash: lp.Image.StructuralHash,
		Warnings:       warnings,
	})
}

type runRequest struct {
	Source       string                     `json:"source"`
	DagName      string                     `json:"dagName,omitempty"`
	Inputs       map[string]json.RawMessage `json:"inputs"`
	AllowSuspend bool                       `json:"allowSuspend,omitempty"`
	Options      execOptions                `json:"options,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "source is required")
		return
	}
	lp, err := s.compileSource(r, req.Source, req.DagName)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	s.executeAndRespond(w, r, lp.Image, req.DagName, req.Inputs, req.AllowSuspend, req.Options)
}

type executeRequest struct {
	Ref          string                     `json:"ref"`
	Inputs       map[string]json.RawMessage `json:"inputs"`
	AllowSuspend bool                       `json:"allowSuspend,omitempty"`
	Options      execOptions                `json:"options,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Ref == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "ref is required")
		return
	}

	// A ref is a structural hash when it resolves directly; otherwise it is
	// a pipeline name routed through the canary.
	var (
		img       *pipeline.Image
		name      string
		viaCanary bool
	)
	if direct, ok := s.pipelines.Get(req.Ref); ok {
		img = direct
	} else {
		name = req.Ref
		hash, routed := s.canary.SelectVersion(name)
		if routed {
			viaCanary = true
		} else {
			hash, routed = s.pipelines.Resolve(name)
			if !routed {
				writeError(w, http.StatusNotFound, "PipelineNotFound", fmt.Sprintf("no pipeline %q", name))
				return
			}
		}
		found := false
		img, found = s.pipelines.Get(hash)
		if !found {
			writeError(w, http.StatusNotFound, "PipelineNotFound", fmt.Sprintf("image %s not stored", hash))
			return
		}
	}

	start := time.Now()
	completed := s.executeAndRespond(w, r, img, name, req.Inputs, req.AllowSuspend, req.Options)
	if viaCanary {
		latency := float64(time.Since(start).Milliseconds())
		if err := s.canary.RecordResult(name, img.StructuralHash, completed, latency); err != nil {
			s.logger.Debug("canary record skipped", zap.Error(err))
		}
	}
}

// executeAndRespond runs the image and writes the completed or suspended
// response. Returns true when the execution completed successfully.
func (s *Server) executeAndRespond(w http.ResponseWriter, r *http.Request, img *pipeline.Image, name string, rawInputs map[string]json.RawMessage, allowSuspend bool, options execOptions) bool {
	inputs, err := decodeInputs(img, rawInputs)
	if err != nil {
		writeTypedError(w, err)
		return false
	}

	opts := options.runtimeOptions(name, allowSuspend)
	opts.ExecutionID = uuid.NewString()
	start := time.Now()
	result, err := s.executor.Execute(r.Context(), img, inputs, opts)
	if err != nil {
		s.history.Record(events.ExecutionRecord{
			ID:             opts.ExecutionID,
			Pipeline:       name,
			StructuralHash: img.StructuralHash,
			Status:         events.ExecFailed,
			Error:          err.Error(),
			StartedAt:      start,
			DurationMs:     time.Since(start).Milliseconds(),
		})
		writeTypedError(w, err)
		return false
	}

	if result.Suspended() {
		handle, saveErr := s.suspensions.Save(result.Suspension)
		if saveErr != nil {
			writeTypedError(w, saveErr)
			return false
		}
		s.refreshSuspensionGauge()
		s.history.Record(events.ExecutionRecord{
			ID:             string(handle),
			Pipeline:       name,
			StructuralHash: img.StructuralHash,
			Status:         events.ExecSuspended,
			StartedAt:      start,
			DurationMs:     time.Since(start).Milliseconds(),
		})
		writeJSON(w, http.StatusOK, suspendedResponse(handle, result.Suspension))
		return false
	}

	s.history.Record(events.ExecutionRecord{
		ID:             opts.ExecutionID,
		Pipeline:       name,
		StructuralHash: img.StructuralHash,
		Status:         events.ExecCompleted,
		StartedAt:      start,
		DurationMs:     time.Since(start).Milliseconds(),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "completed",
		"outputs":        result.Outputs,
		"structuralHash": img.StructuralHash,
	})
	return true
}

func suspendedResponse(h suspension.Handle, rec *suspension.Record) map[string]interface{} {
	return map[string]interface{}{
		"status":          "suspended",
		"executionId":     string(h),
		"missingInputs":   rec.MissingInputs,
		"pendingOutputs":  rec.PendingOutputs,
		"resumptionCount": rec.ResumptionCount,
	}
}

// ---- pipelines ----

func (s *Server) handlePipelinesList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"aliases": s.pipelines.ListAliases(),
		"images":  s.pipelines.ListImages(),
	})
}

func (s *Server) handlePipelineGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	hash, ok := s.pipelines.Resolve(name)
	if !ok {
		writeError(w, http.StatusNotFound, "PipelineNotFound", fmt.Sprintf("no pipeline %q", name))
		return
	}
	img, ok := s.pipelines.Get(hash)
	if !ok {
		writeError(w, http.StatusNotFound, "PipelineNotFound", fmt.Sprintf("image %s not stored", hash))
		return
	}
	inputs := make(map[string]string, len(img.Spec.Inputs))
	for _, decl := range img.Spec.Inputs {
		inputs[decl.Name] = decl.Type.String()
	}
	outputs := make(map[string]string, len(img.Spec.Outputs))
	for _, out := range img.Spec.OutOrder {
		if t, ok := img.OutputType(out); ok {
			outputs[out] = t.String()
		}
	}
	body := map[string]interface{}{
		"name":           name,
		"structuralHash": hash,
		"syntacticHash":  img.SyntacticHash,
		"inputs":         inputs,
		"outputs":        outputs,
		"versions":       s.versions.ListVersions(name),
	}
	if active, ok := s.versions.ActiveVersion(name); ok {
		body["activeVersion"] = active.Version
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePipelineDelete(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if !s.pipelines.Remove(hash) {
		writeError(w, http.StatusNotFound, "PipelineNotFound", fmt.Sprintf("image %s not stored", hash))
		return
	}
	s.audit(r, "pipeline.delete", hash, "removed")
	w.WriteHeader(http.StatusNoContent)
}

// ---- suspensions ----

func (s *Server) handleExecutionsList(w http.ResponseWriter, r *http.Request) {
	filter := suspension.Filter{
		StructuralHash: r.URL.Query().Get("structuralHash"),
		MissingInput:   r.URL.Query().Get("missingInput"),
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": s.suspensions.List(filter),
	})
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	id := suspension.Handle(mux.Vars(r)["id"])
	rec, ok := s.suspensions.Load(id)
	if !ok {
		writeError(w, http.StatusNotFound, "SuspensionNotFound", fmt.Sprintf("no suspended execution %q", id))
		return
	}
	writeJSON(w, http.StatusOK, suspension.Summarize(id, rec))
}

type resumeRequest struct {
	AdditionalInputs map[string]json.RawMessage `json:"additionalInputs,omitempty"`
	ResolvedNodes    map[string]json.RawMessage `json:"resolvedNodes,omitempty"`
	Options          execOptions                `json:"options,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := suspension.Handle(mux.Vars(r)["id"])
	var req resumeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	rec, ok := s.suspensions.Load(id)
	if !ok {
		writeError(w, http.StatusNotFound, "SuspensionNotFound", fmt.Sprintf("no suspended execution %q", id))
		return
	}
	img, ok := s.pipelines.Get(rec.StructuralHash)
	if !ok {
		writeTypedError(w, &runtime.Error{Kind: runtime.KindPipelineChanged})
		return
	}

	additional, err := decodeResumeInputs(img, rec, req.AdditionalInputs)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	resolved, err := decodeResolvedNodes(img, req.ResolvedNodes)
	if err != nil {
		writeTypedError(w, err)
		return
	}

	opts := req.Options.runtimeOptions(img.Spec.Name, true)
	result, err := s.resumer.Resume(r.Context(), id, additional, resolved, opts)
	s.refreshSuspensionGauge()
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if result.Completed {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":          "completed",
			"outputs":         result.Outputs,
			"resumptionCount": result.ResumptionCount,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "suspended",
		"executionId":     string(result.Suspended.Handle),
		"missingInputs":   result.Suspended.MissingInputs,
		"pendingOutputs":  result.Suspended.PendingOutputs,
		"resumptionCount": result.Suspended.ResumptionCount,
	})
}

// decodeResumeInputs types additional inputs from the record's missing set,
// falling back to the declared input type so the resumer can distinguish
// AlreadyProvided from UnknownInput.
func decodeResumeInputs(img *pipeline.Image, rec *suspension.Record, raw map[string]json.RawMessage) (map[string]cvalue.Value, error) {
	out := make(map[string]cvalue.Value, len(raw))
	for name, data := range raw {
		t, ok := rec.MissingInputs[name]
		if !ok {
			t, ok = img.Spec.InputType(name)
			if !ok {
				return nil, &runtime.Error{Kind: runtime.KindUnknownInput, Input: name}
			}
		}
		v, err := cvalue.FromJSON(data, t)
		if err != nil {
			return nil, &runtime.Error{
				Kind: runtime.KindTypeMismatch, Input: name,
				Expected: t.String(), Actual: err.Error(),
			}
		}
		out[name] = v
	}
	return out, nil
}

func decodeResolvedNodes(img *pipeline.Image, raw map[string]json.RawMessage) (map[dag.NodeID]cvalue.Value, error) {
	out := make(map[dag.NodeID]cvalue.Value, len(raw))
	for idStr, data := range raw {
		id := dag.NodeID(idStr)
		factory, ok := img.Factories[id]
		if !ok {
			return nil, &runtime.Error{Kind: runtime.KindAlreadyResolved, Node: id}
		}
		v, err := cvalue.FromJSON(data, factory.OutputType())
		if err != nil {
			return nil, &runtime.Error{
				Kind: runtime.KindTypeMismatch, Input: idStr,
				Expected: factory.OutputType().String(), Actual: err.Error(),
			}
		}
		out[id] = v
	}
	return out, nil
}

func (s *Server) handleExecutionDelete(w http.ResponseWriter, r *http.Request) {
	id := suspension.Handle(mux.Vars(r)["id"])
	if !s.suspensions.Delete(id) {
		writeError(w, http.StatusNotFound, "SuspensionNotFound", fmt.Sprintf("no suspended execution %q", id))
		return
	}
	s.refreshSuspensionGauge()
	s.audit(r, "execution.delete", string(id), "discarded")
	w.WriteHeader(http.StatusNoContent)
}

// ---- canary deploys ----

type canaryStartRequest struct {
	OldHash string       `json:"oldHash,omitempty"`
	NewHash string       `json:"newHash"`
	Config  canaryConfig `json:"config"`
}

// canaryConfig is the wire form with millisecond durations.
type canaryConfig struct {
	InitialWeight       float64   `json:"initialWeight"`
	PromotionSteps      []float64 `json:"promotionSteps"`
	ObservationWindowMs int64     `json:"observationWindowMs"`
	ErrorThreshold      float64   `json:"errorThreshold"`
	LatencyThresholdMs  int       `json:"latencyThresholdMs,omitempty"`
	MinRequests         int       `json:"minRequests"`
	AutoPromote         bool      `json:"autoPromote"`
}

func (c canaryConfig) domain() canary.Config {
	cfg := canary.Config{
		InitialWeight:      c.InitialWeight,
		PromotionSteps:     c.PromotionSteps,
		ObservationWindow:  time.Duration(c.ObservationWindowMs) * time.Millisecond,
		ErrorThreshold:     c.ErrorThreshold,
		LatencyThresholdMs: c.LatencyThresholdMs,
		MinRequests:        c.MinRequests,
		AutoPromote:        c.AutoPromote,
	}
	if len(cfg.PromotionSteps) == 0 {
		cfg.PromotionSteps = canary.DefaultConfig().PromotionSteps
	}
	if cfg.ObservationWindow <= 0 {
		cfg.ObservationWindow = canary.DefaultConfig().ObservationWindow
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = canary.DefaultConfig().MinRequests
	}
	return cfg
}

func (s *Server) handleCanaryStart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req canaryStartRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.NewHash == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "newHash is required")
		return
	}
	if _, ok := s.pipelines.Get(req.NewHash); !ok {
		writeError(w, http.StatusNotFound, "PipelineNotFound", fmt.Sprintf("image %s not stored", req.NewHash))
		return
	}
	view, err := s.canary.StartCanary(name, req.OldHash, req.NewHash, req.Config.domain())
	if err != nil {
		writeTypedError(w, err)
		return
	}
	s.audit(r, "canary.start", name, "started")
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCanaryPromote(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	view, err := s.canary.Promote(name)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	s.audit(r, "canary.promote", name, string(view.Status))
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCanaryRollback(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	view, err := s.canary.Rollback(name)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	s.audit(r, "canary.rollback", name, string(view.Status))
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCanaryGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	view, ok := s.canary.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "CanaryNotFound", fmt.Sprintf("no canary for %q", name))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ---- observation surfaces ----

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": s.history.List(limit),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backends":    s.caches.AllStats(),
		"compilation": s.compileCache.Stats(),
	})
}

// handleEvents streams bus events as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal", "streaming unsupported")
		return
	}
	_, ch, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleDashboardStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pipelines":   len(s.pipelines.ListAliases()),
		"images":      len(s.pipelines.ListImages()),
		"suspensions": len(s.suspensions.List(suspension.Filter{})),
		"executions":  s.history.Len(),
		"canaries":    len(s.canary.List()),
		"subscribers": s.bus.SubscriberCount(),
	})
}

func (s *Server) refreshSuspensionGauge() {
	obs.SuspensionsActive.Set(float64(len(s.suspensions.List(suspension.Filter{}))))
}

func (s *Server) audit(r *http.Request, action, resource, result string) {
	if s.auditLog == nil {
		return
	}
	entry := AuditEntry{
		Action:   action,
		Resource: resource,
		Result:   result,
		IP:       clientIP(r),
	}
	if id, ok := r.Context().Value(contextKeyRequestID).(string); ok {
		entry.RequestID = id
	}
	if err := s.auditLog.Log(entry); err != nil {
		s.logger.Error("audit write failed", zap.Error(err))
	}
}
