// Copyright 2025 James Ross
package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flyingrobots/constellation/internal/cache"
	"github.com/flyingrobots/constellation/internal/canary"
	"github.com/flyingrobots/constellation/internal/compiler"
	"github.com/flyingrobots/constellation/internal/events"
	"github.com/flyingrobots/constellation/internal/modules"
	"github.com/flyingrobots/constellation/internal/pipeline"
	"github.com/flyingrobots/constellation/internal/runtime"
	"github.com/flyingrobots/constellation/internal/suspension"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	handler   http.Handler
	pipelines pipeline.Store
	versions  *pipeline.VersionStore
	canary    *canary.Router
	store     suspension.Store
}

func newTestServer(t *testing.T, cfgMut func(*Config)) *testServer {
	t.Helper()
	logger := zap.NewNop()

	registry := modules.NewRegistry()
	modules.RegisterBuiltins(registry)

	pipelines := pipeline.NewMemoryStore()
	versions := pipeline.NewVersionStore(0)
	store := suspension.NewMemoryStore(nil, 0)
	bus := events.NewBus(64, logger)
	history := events.NewExecutionStorage(100, 1.0)
	executor := runtime.NewExecutor(runtime.Config{DefaultTimeout: 5 * time.Second}, logger, bus)
	resumer := runtime.NewResumer(store, pipelines, executor, bus, logger)
	router := canary.NewRouter(versions, time.Hour, logger)

	caches := cache.NewRegistry()
	compileBackend := cache.NewMemoryBackend("compilation", 0)
	require.NoError(t, caches.Register(cache.NewMemoryBackend("default", 100)))
	require.NoError(t, caches.Register(compileBackend))

	keys, err := ParseAPIKeys("")
	require.NoError(t, err)
	cfg := &Config{
		ListenAddr:           ":0",
		Keys:                 keys,
		PublicPaths:          []string{"/health/", "/metrics"},
		RateLimitRPM:         0,
		EnableDetailEndpoint: true,
	}
	if cfgMut != nil {
		cfgMut(cfg)
	}

	health := NewHealth()
	srv := NewServer(cfg, Deps{
		Registry:     registry,
		Compiler:     compiler.New(registry),
		Pipelines:    pipelines,
		Versions:     versions,
		Executor:     executor,
		Resumer:      resumer,
		Suspensions:  store,
		Caches:       caches,
		CompileCache: cache.NewCompilationCache(compileBackend, time.Hour),
		Canary:       router,
		Bus:          bus,
		History:      history,
		Health:       health,
	}, logger)
	health.SetState(StateRunning)

	return &testServer{
		handler:   srv.Routes(),
		pipelines: pipelines,
		versions:  versions,
		canary:    router,
		store:     store,
	}
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:54321"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if len(rec.Body.Bytes()) > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

const addSource = "in a:Int64\nin b:Int64\nout r = add(a,b)"

const gatedSource = `in userId:String
in approval:Bool
u = GetUser(userId)
out user = u when approval`

func TestHotRun(t *testing.T) {
	ts := newTestServer(t, nil)
	rec, body := ts.request(t, "POST", "/run", map[string]interface{}{
		"source": addSource,
		"inputs": map[string]interface{}{"a": 2, "b": 3},
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", body["status"])
	outputs := body["outputs"].(map[string]interface{})
	assert.Equal(t, float64(5), outputs["r"])
	assert.Len(t, body["structuralHash"].(string), 64)
}

func TestRunCompileError(t *testing.T) {
	ts := newTestServer(t, nil)
	rec, body := ts.request(t, "POST", "/run", map[string]interface{}{
		"source": "in a:Int64\nout r = nosuch(a)",
		"inputs": map[string]interface{}{"a": 2},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "CompileError", body["error"])
	details := body["details"].(map[string]interface{})
	assert.NotEmpty(t, details["messages"])
}

func TestRunMissingInputWithoutSuspend(t *testing.T) {
	ts := newTestServer(t, nil)
	rec, body := ts.request(t, "POST", "/run", map[string]interface{}{
		"source": addSource,
		"inputs": map[string]interface{}{"a": 2},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MissingInput", body["error"])
}

func TestSuspendAndResumeLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	// Suspend with only userId.
	rec, body := ts.request(t, "POST", "/run", map[string]interface{}{
		"source":       gatedSource,
		"inputs":       map[string]interface{}{"userId": "u1"},
		"allowSuspend": true,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "suspended", body["status"])
	execID := body["executionId"].(string)
	require.NotEmpty(t, execID)
	missing := body["missingInputs"].(map[string]interface{})
	assert.Equal(t, "Bool", missing["approval"])
	assert.Equal(t, []interface{}{"user"}, body["pendingOutputs"])
	assert.Equal(t, float64(0), body["resumptionCount"])

	// It lists and fetches.
	rec, body = ts.request(t, "GET", "/executions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["executions"], 1)

	rec, _ = ts.request(t, "GET", "/executions/"+execID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Resume to completion.
	rec, body = ts.request(t, "POST", "/executions/"+execID+"/resume", map[string]interface{}{
		"additionalInputs": map[string]interface{}{"approval": true},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", body["status"])
	outputs := body["outputs"].(map[string]interface{})
	user := outputs["user"].(map[string]interface{})
	assert.Equal(t, "u1", user["id"])
	assert.Equal(t, "Alice", user["name"])

	// The stored suspension is deleted.
	rec, _ = ts.request(t, "GET", "/executions/"+execID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResumeErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	rec, body := ts.request(t, "POST", "/run", map[string]interface{}{
		"source":       gatedSource,
		"inputs":       map[string]interface{}{"userId": "u1"},
		"allowSuspend": true,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	execID := body["executionId"].(string)

	// Unknown handle.
	rec, _ = ts.request(t, "POST", "/executions/does-not-exist/resume",
		map[string]interface{}{"additionalInputs": map[string]interface{}{}}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Already provided.
	rec, body = ts.request(t, "POST", "/executions/"+execID+"/resume", map[string]interface{}{
		"additionalInputs": map[string]interface{}{"userId": "u2"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "AlreadyProvided", body["error"])

	// Unknown input.
	rec, body = ts.request(t, "POST", "/executions/"+execID+"/resume", map[string]interface{}{
		"additionalInputs": map[string]interface{}{"ghost": true},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UnknownInput", body["error"])

	// Type mismatch.
	rec, body = ts.request(t, "POST", "/executions/"+execID+"/resume", map[string]interface{}{
		"additionalInputs": map[string]interface{}{"approval": "yes"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "TypeMismatch", body["error"])

	// Delete discards it.
	rec, _ = ts.request(t, "DELETE", "/executions/"+execID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = ts.request(t, "DELETE", "/executions/"+execID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompileStoreExecuteByName(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, body := ts.request(t, "POST", "/compile", map[string]interface{}{
		"source": addSource,
		"name":   "adder",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hash := body["structuralHash"].(string)
	require.Len(t, hash, 64)

	// Pipeline surfaces in the listings.
	rec, body = ts.request(t, "GET", "/pipelines", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	aliases := body["aliases"].(map[string]interface{})
	assert.Equal(t, hash, aliases["adder"])

	rec, body = ts.request(t, "GET", "/pipelines/adder", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, hash, body["structuralHash"])
	assert.Equal(t, float64(1), body["activeVersion"])

	// Execute by name and by hash.
	for _, ref := range []string{"adder", hash} {
		rec, body = ts.request(t, "POST", "/execute", map[string]interface{}{
			"ref":    ref,
			"inputs": map[string]interface{}{"a": 20, "b": 22},
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		outputs := body["outputs"].(map[string]interface{})
		assert.Equal(t, float64(42), outputs["r"])
	}

	// Unknown ref 404s.
	rec, _ = ts.request(t, "POST", "/execute", map[string]interface{}{
		"ref": "ghost", "inputs": map[string]interface{}{},
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPipelineDelete(t *testing.T) {
	ts := newTestServer(t, nil)
	_, body := ts.request(t, "POST", "/compile", map[string]interface{}{
		"source": addSource, "name": "adder",
	}, nil)
	hash := body["structuralHash"].(string)

	rec, _ := ts.request(t, "DELETE", "/pipelines/"+hash, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = ts.request(t, "DELETE", "/pipelines/"+hash, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyntacticFastPathReusesImage(t *testing.T) {
	ts := newTestServer(t, nil)
	_, body1 := ts.request(t, "POST", "/run", map[string]interface{}{
		"source": addSource, "inputs": map[string]interface{}{"a": 1, "b": 1},
	}, nil)
	_, body2 := ts.request(t, "POST", "/run", map[string]interface{}{
		"source": addSource, "inputs": map[string]interface{}{"a": 2, "b": 2},
	}, nil)
	assert.Equal(t, body1["structuralHash"], body2["structuralHash"])
}

func TestCanaryLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)

	// Two versions of the same pipeline name.
	_, body := ts.request(t, "POST", "/compile", map[string]interface{}{
		"source": addSource, "name": "math",
	}, nil)
	oldHash := body["structuralHash"].(string)
	_, body = ts.request(t, "POST", "/compile", map[string]interface{}{
		"source": "in a:Int64\nin b:Int64\nout r = add(a,b)\nout echo = a", "name": "math",
	}, nil)
	newHash := body["structuralHash"].(string)
	require.NotEqual(t, oldHash, newHash)

	rec, body := ts.request(t, "POST", "/deploy/canary/math", map[string]interface{}{
		"oldHash": oldHash,
		"newHash": newHash,
		"config": map[string]interface{}{
			"initialWeight":       0.5,
			"promotionSteps":      []float64{1.0},
			"observationWindowMs": 60000,
			"errorThreshold":      0.2,
			"minRequests":         10,
			"autoPromote":         true,
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "observing", body["status"])

	// Traffic flows through the canary when executing by name.
	for i := 0; i < 5; i++ {
		rec, _ = ts.request(t, "POST", "/execute", map[string]interface{}{
			"ref": "math", "inputs": map[string]interface{}{"a": 1, "b": 2},
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, body = ts.request(t, "GET", "/deploy/canary/math", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := body["metrics"].(map[string]interface{})
	oldReq := metrics["old"].(map[string]interface{})["requests"].(float64)
	newReq := metrics["new"].(map[string]interface{})["requests"].(float64)
	assert.Equal(t, float64(5), oldReq+newReq)

	// Manual promote then rollback.
	rec, body = ts.request(t, "POST", "/deploy/canary/math/promote", map[string]interface{}{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1.0), body["currentWeight"])
	rec, body = ts.request(t, "POST", "/deploy/canary/math/rollback", map[string]interface{}{}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rolled_back", body["status"])

	// A second rollback on the finished canary conflicts.
	rec, _ = ts.request(t, "POST", "/deploy/canary/math/rollback", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown canary 404s.
	rec, _ = ts.request(t, "GET", "/deploy/canary/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCanaryRollbackScenario(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.versions.RecordVersion("p", "old-hash", "")
	_, err := ts.canary.StartCanary("p", "", "new-hash", canary.Config{
		InitialWeight:     0.1,
		PromotionSteps:    []float64{1.0},
		ObservationWindow: time.Minute,
		ErrorThreshold:    0.2,
		MinRequests:       10,
		AutoPromote:       true,
	})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		require.NoError(t, ts.canary.RecordResult("p", "new-hash", true, 10))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.canary.RecordResult("p", "new-hash", false, 10))
	}

	rec, body := ts.request(t, "GET", "/deploy/canary/p", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rolled_back", body["status"])

	hash, ok := ts.canary.SelectVersion("p")
	require.True(t, ok)
	assert.Equal(t, "old-hash", hash)
}

func TestAuthRoleGateOverHTTP(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		keys, err := ParseAPIKeys(testReadKey + ":readonly," + testExecKey + ":execute")
		if err != nil {
			panic(err)
		}
		cfg.Keys = keys
	})

	// ReadOnly key: GET allowed, POST forbidden.
	rec, _ := ts.request(t, "GET", "/pipelines", nil, map[string]string{
		"Authorization": "Bearer " + testReadKey,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.request(t, "POST", "/execute", map[string]interface{}{"ref": "x"}, map[string]string{
		"Authorization": "Bearer " + testReadKey,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// No key: 401. Health stays public.
	rec, _ = ts.request(t, "GET", "/pipelines", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = ts.request(t, "GET", "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitOverHTTP(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.RateLimitRPM = 60
		cfg.RateLimitBurst = 2
		cfg.RateLimitExempt = []string{"/health/"}
	})

	var rec *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		rec, _ = ts.request(t, "GET", "/pipelines", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := ts.request(t, "GET", "/pipelines", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RateLimited", body["error"])
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHealthRoutes(t *testing.T) {
	ts := newTestServer(t, nil)
	rec, body := ts.request(t, "GET", "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", body["status"])

	rec, _ = ts.request(t, "GET", "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.request(t, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHistoryAndCacheStats(t *testing.T) {
	ts := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		ts.request(t, "POST", "/run", map[string]interface{}{
			"source": addSource,
			"inputs": map[string]interface{}{"a": i, "b": i},
		}, nil)
	}

	rec, body := ts.request(t, "GET", "/history?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["executions"], 2)

	rec, body = ts.request(t, "GET", "/cache/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "backends")
	assert.Contains(t, body, "compilation")
}

func TestUnknownEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	rec, body := ts.request(t, "GET", "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", body["error"])
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest("POST", "/run", bytes.NewReader([]byte("{not json")))
	req.RemoteAddr = "10.0.0.1:1"
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVersionHistoryGrows(t *testing.T) {
	ts := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		src := fmt.Sprintf("in a:Int64\nin b:Int64\nout r = add(a,b)\n# rev %d", i)
		rec, _ := ts.request(t, "POST", "/compile", map[string]interface{}{
			"source": src, "name": "p",
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	versions := ts.versions.ListVersions("p")
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].Version)
}
