package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeather API call rate per endpoint (current/forecast/geocode).
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Cache hits/misses per endpoint kind. Hit rate = hits/(hits+misses).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Callers that waited on an in-flight fetch instead of starting one.
	CoalescedWaitsTotal *prometheus.CounterVec

	// Snapshots served past the staleness window while a refresh runs.
	StaleServesTotal *prometheus.CounterVec

	// Background refreshes triggered by stale access.
	BackgroundRefreshTotal *prometheus.CounterVec

	// Fetch completions discarded by the per-key version check (superseded).
	SupersededResultsTotal prometheus.Counter

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Favorites prefetch runs and failures.
	PrefetchRunsTotal   prometheus.Counter
	PrefetchErrorsTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeather API calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeather API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits per endpoint kind",
		},
		[]string{"kind"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses per endpoint kind",
		},
		[]string{"kind"},
	)
	CoalescedWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coalescedWaitsTotal",
			Help: "Callers that joined an in-flight fetch instead of starting one",
		},
		[]string{"kind"},
	)
	StaleServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staleServesTotal",
			Help: "Snapshots served past the staleness window",
		},
		[]string{"kind"},
	)
	BackgroundRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backgroundRefreshTotal",
			Help: "Background refetches triggered by stale access",
		},
		[]string{"kind", "result"},
	)
	SupersededResultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supersededResultsTotal",
			Help: "Fetch completions discarded by the per-key version check",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	PrefetchRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetchRunsTotal",
			Help: "Favorites prefetch runs",
		},
	)
	PrefetchErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prefetchErrorsTotal",
			Help: "Favorites prefetch runs that had at least one failure",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration,
		CacheHitsTotal, CacheMissesTotal,
		CoalescedWaitsTotal, StaleServesTotal, BackgroundRefreshTotal,
		SupersededResultsTotal,
		RateLimitDeniedTotal,
		PrefetchRunsTotal, PrefetchErrorsTotal,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
