// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/flyingrobots/constellation/internal/cache"
	"github.com/flyingrobots/constellation/internal/canary"
	"github.com/flyingrobots/constellation/internal/compiler"
	"github.com/flyingrobots/constellation/internal/dag"
	"github.com/flyingrobots/constellation/internal/pipeline"
	"github.com/flyingrobots/constellation/internal/runtime"
	"github.com/flyingrobots/constellation/internal/suspension"
)

// APIError is the JSON error body. Code carries the error-kind name from
// the taxonomy; Details is kind-specific.
type APIError struct {
	Code    string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

var (
	reBearer   = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	reSecret   = regexp.MustCompile(`sk-[A-Za-z0-9_-]+`)
	reAuthHdr  = regexp.MustCompile(`(?i)authorization:\s*\S+`)
	rePassword = regexp.MustCompile(`(?i)password=\S+`)
)

// sanitize redacts credentials that may have leaked into error text.
func sanitize(msg string) string {
	msg = reBearer.ReplaceAllString(msg, "Bearer [REDACTED]")
	msg = reSecret.ReplaceAllString(msg, "[REDACTED]")
	msg = reAuthHdr.ReplaceAllString(msg, "Authorization: [REDACTED]")
	msg = rePassword.ReplaceAllString(msg, "password=[REDACTED]")
	return msg
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &APIError{Code: code, Message: sanitize(message)})
}

// writeTypedError maps domain errors onto the HTTP taxonomy.
func writeTypedError(w http.ResponseWriter, err error) {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		writeJSON(w, http.StatusBadRequest, &APIError{
			Code:    "CompileError",
			Message: sanitize(compileErr.Error()),
			Details: map[string]interface{}{"messages": compileErr.Messages},
		})
		return
	}

	if rtErr, ok := runtime.AsError(err); ok {
		status := http.StatusInternalServerError
		switch rtErr.Kind {
		case runtime.KindMissingInput, runtime.KindTypeMismatch,
			runtime.KindAlreadyProvided, runtime.KindUnknownInput,
			runtime.KindAlreadyResolved, runtime.KindPipelineChanged:
			status = http.StatusBadRequest
		case runtime.KindTimeout:
			status = http.StatusGatewayTimeout
		case runtime.KindCancelled:
			// 499 client closed request, nginx convention.
			status = 499
		case runtime.KindModuleFailure:
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, &APIError{Code: string(rtErr.Kind), Message: sanitize(rtErr.Error())})
		return
	}

	switch {
	case errors.Is(err, suspension.ErrNotFound):
		writeError(w, http.StatusNotFound, "SuspensionNotFound", err.Error())
	case errors.Is(err, suspension.ErrResumeInProgress):
		writeError(w, http.StatusConflict, "ResumeInProgress", err.Error())
	case errors.Is(err, pipeline.ErrImageNotFound), errors.Is(err, pipeline.ErrAliasNotFound),
		errors.Is(err, pipeline.ErrVersionNotFound):
		writeError(w, http.StatusNotFound, "PipelineNotFound", err.Error())
	case errors.Is(err, canary.ErrCanaryNotFound):
		writeError(w, http.StatusNotFound, "CanaryNotFound", err.Error())
	case errors.Is(err, canary.ErrCanaryExists), errors.Is(err, canary.ErrCanaryFinished):
		writeError(w, http.StatusConflict, "CanaryConflict", err.Error())
	case errors.Is(err, canary.ErrInvalidConfig), errors.Is(err, canary.ErrNoActiveVersion),
		errors.Is(err, canary.ErrUnknownHash):
		writeError(w, http.StatusBadRequest, "InvalidCanaryRequest", err.Error())
	case errors.Is(err, dag.ErrCyclicDag), errors.Is(err, dag.ErrInvalidDag),
		errors.Is(err, dag.ErrUnresolvedRef), errors.Is(err, pipeline.ErrSignatureMismatch):
		writeError(w, http.StatusBadRequest, "InvalidDag", err.Error())
	case errors.Is(err, cache.ErrBackendNotFound):
		writeError(w, http.StatusNotFound, "CacheNotFound", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
	}
}
