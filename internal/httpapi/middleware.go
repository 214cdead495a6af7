// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flyingrobots/constellation/internal/obs"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey string

const (
	contextKeyRole      contextKey = "role"
	contextKeyKeyHash   contextKey = "key_hash"
	contextKeyRequestID contextKey = "request_id"
)

// AuthMiddleware enforces bearer-key authentication and the role/method
// gate. Inactive when no keys are configured. Paths with a prefix in
// publicPaths bypass auth entirely.
func AuthMiddleware(keys *KeySet, publicPaths []string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !keys.Enabled() || pathHasPrefix(r.URL.Path, publicPaths) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				obs.AuthFailures.WithLabelValues("missing").Inc()
				writeError(w, http.StatusUnauthorized, "Unauthorized", "Authorization header required")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				obs.AuthFailures.WithLabelValues("malformed").Inc()
				writeError(w, http.StatusUnauthorized, "Unauthorized", "Invalid authorization format")
				return
			}

			role, keyHash, ok := keys.Verify(parts[1])
			if !ok {
				obs.AuthFailures.WithLabelValues("invalid").Inc()
				writeError(w, http.StatusUnauthorized, "Unauthorized", "Invalid credentials")
				return
			}
			if !role.AllowsMethod(r.Method) {
				obs.AuthFailures.WithLabelValues("forbidden").Inc()
				logger.Warn("role gate rejected request",
					zap.String("role", string(role)),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusForbidden, "Forbidden", "Insufficient role for this method")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyRole, role)
			ctx = context.WithValue(ctx, contextKeyKeyHash, hex.EncodeToString(keyHash[:]))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// roleFrom returns the authenticated role, defaulting to admin when auth is
// disabled.
func roleFrom(r *http.Request) Role {
	if role, ok := r.Context().Value(contextKeyRole).(Role); ok {
		return role
	}
	return RoleAdmin
}

func keyHashFrom(r *http.Request) string {
	if h, ok := r.Context().Value(contextKeyKeyHash).(string); ok {
		return h
	}
	return ""
}

// CORSMiddleware handles origin checks and preflight. Inactive with no
// allowed origins.
func CORSMiddleware(allowedOrigins []string, allowCredentials bool, maxAgeSeconds int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowedOrigins) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			allowed := false
			for _, ao := range allowedOrigins {
				if ao == "*" || ao == origin {
					allowed = true
					break
				}
			}
			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", maxAgeSeconds))
				if allowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limiterEntry tracks one token bucket plus its last activity for cleanup.
type limiterEntry struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// RateLimiter is the dual-axis token-bucket admission gate: one bucket per
// client IP and one per hashed API key. Both must yield a token.
type RateLimiter struct {
	mu          sync.Mutex
	perIP       map[string]*limiterEntry
	perKey      map[string]*limiterEntry
	rpm         int
	burst       int
	exemptPaths []string
	now         func() time.Time
}

// NewRateLimiter builds the limiter; rpm <= 0 disables it.
func NewRateLimiter(rpm, burst int, exemptPaths []string) *RateLimiter {
	return &RateLimiter{
		perIP:       make(map[string]*limiterEntry),
		perKey:      make(map[string]*limiterEntry),
		rpm:         rpm,
		burst:       burst,
		exemptPaths: exemptPaths,
		now:         time.Now,
	}
}

func (l *RateLimiter) enabled() bool { return l != nil && l.rpm > 0 }

func (l *RateLimiter) bucket(m map[string]*limiterEntry, key string) *rate.Limiter {
	entry, ok := m[key]
	if !ok {
		entry = &limiterEntry{lim: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)}
		m[key] = entry
	}
	entry.lastUsed = l.now()
	return entry.lim
}

// Admit tries to take one token from each applicable bucket. On rejection
// it reports the wait until a token frees up.
func (l *RateLimiter) Admit(ip, keyHash string) (bool, time.Duration, string) {
	l.mu.Lock()
	ipLim := l.bucket(l.perIP, ip)
	var keyLim *rate.Limiter
	if keyHash != "" {
		keyLim = l.bucket(l.perKey, keyHash)
	}
	l.mu.Unlock()

	ipRes := ipLim.Reserve()
	if d := ipRes.Delay(); d > 0 {
		ipRes.Cancel()
		return false, d, "ip"
	}
	if keyLim != nil {
		keyRes := keyLim.Reserve()
		if d := keyRes.Delay(); d > 0 {
			keyRes.Cancel()
			ipRes.Cancel()
			return false, d, "key"
		}
	}
	return true, 0, ""
}

// Cleanup drops buckets idle longer than 10x the refill period with their
// tokens back at capacity. Returns how many were removed.
func (l *RateLimiter) Cleanup() int {
	if !l.enabled() {
		return 0
	}
	refillPeriod := time.Duration(float64(time.Minute) / float64(l.rpm))
	idleCutoff := l.now().Add(-10 * refillPeriod)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, m := range []map[string]*limiterEntry{l.perIP, l.perKey} {
		for key, entry := range m {
			if entry.lastUsed.Before(idleCutoff) && entry.lim.Tokens() >= float64(l.burst) {
				delete(m, key)
				removed++
			}
		}
	}
	return removed
}

// RateLimitMiddleware applies the limiter after auth so the per-key axis
// sees the hashed key.
func RateLimitMiddleware(l *RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.enabled() || pathHasPrefix(r.URL.Path, l.exemptPaths) {
				next.ServeHTTP(w, r)
				return
			}
			ok, wait, axis := l.Admit(clientIP(r), keyHashFrom(r))
			if !ok {
				obs.RateLimitRejections.WithLabelValues(axis).Inc()
				retryAfter := int(math.Ceil(wait.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				writeError(w, http.StatusTooManyRequests, "RateLimited", "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware attaches a request id, honoring an inbound one.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware converts panics into sanitized 500s.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.String("method", r.Method))
					writeError(w, http.StatusInternalServerError, "Internal", "An internal error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware counts requests per route and status code.
func MetricsMiddleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)
		obs.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%d", rw.statusCode)).Inc()
	}
}

// clientIP uses the connection's remote address. X-Forwarded-For is not
// trusted by default.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func pathHasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
