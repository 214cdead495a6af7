// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ExecutionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_executions_started_total",
		Help: "Total number of pipeline executions started",
	}, []string{"pipeline"})
	ExecutionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_executions_completed_total",
		Help: "Total number of pipeline executions by terminal status",
	}, []string{"pipeline", "status"})
	ExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "constellation_execution_duration_seconds",
		Help:    "Histogram of end-to-end pipeline execution durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"pipeline"})
	ModuleInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_module_invocations_total",
		Help: "Total number of module invocations by status",
	}, []string{"module", "status"})
	ModuleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "constellation_module_duration_seconds",
		Help:    "Histogram of individual module invocation durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"module"})
	SuspensionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "constellation_suspensions_active",
		Help: "Number of suspended executions currently stored",
	})
	SuspensionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "constellation_suspensions_created_total",
		Help: "Total number of executions that suspended",
	})
	SuspensionsResumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "constellation_suspensions_resumed_total",
		Help: "Total number of resume operations",
	})
	Compilations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_compilations_total",
		Help: "Total number of compilations by outcome",
	}, []string{"status"})
	CompileCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "constellation_compile_cache_hits_total",
		Help: "Compilation cache hits",
	})
	CompileCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "constellation_compile_cache_misses_total",
		Help: "Compilation cache misses",
	})
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_cache_hits_total",
		Help: "Value cache hits by backend name",
	}, []string{"cache"})
	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_cache_misses_total",
		Help: "Value cache misses by backend name",
	}, []string{"cache"})
	CacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_cache_evictions_total",
		Help: "Value cache evictions by backend name",
	}, []string{"cache"})
	CanaryRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_canary_requests_total",
		Help: "Canary-routed requests by pipeline, version lane and status",
	}, []string{"pipeline", "version", "status"})
	CanaryTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_canary_transitions_total",
		Help: "Canary state transitions",
	}, []string{"pipeline", "to"})
	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter, by axis",
	}, []string{"axis"})
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_auth_failures_total",
		Help: "Authentication and authorization failures",
	}, []string{"reason"})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "constellation_events_dropped_total",
		Help: "Execution events dropped on full subscriber queues",
	}, []string{"subscriber"})
	SchedulerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "constellation_scheduler_nodes_in_flight",
		Help: "DAG node tasks currently executing across all executions",
	})
)

func init() {
	prometheus.MustRegister(
		ExecutionsStarted, ExecutionsCompleted, ExecutionDuration,
		ModuleInvocations, ModuleDuration,
		SuspensionsActive, SuspensionsCreated, SuspensionsResumed,
		Compilations, CompileCacheHits, CompileCacheMisses,
		CacheHits, CacheMisses, CacheEvictions,
		CanaryRequests, CanaryTransitions,
		RateLimitRejections, AuthFailures, HTTPRequests,
		EventsDropped, SchedulerInFlight,
	)
}
