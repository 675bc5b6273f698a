// Package metrics provides Prometheus metrics for the automation service.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts HTTP requests by route and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserd_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"route", "status"},
	)

	// RequestDuration tracks request duration by route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "browserd_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		},
		[]string{"route"},
	)

	// ActionsTotal counts executed actions by type and outcome.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserd_actions_total",
			Help: "Total browser actions executed",
		},
		[]string{"type", "outcome"},
	)

	// ActionDuration tracks action duration by type.
	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "browserd_action_duration_seconds",
			Help:    "Browser action duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"type"},
	)

	// SecurityViolations counts rejected scripts and arguments by rule.
	SecurityViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserd_security_violations_total",
			Help: "Total action payloads rejected by security validation",
		},
		[]string{"rule"},
	)

	// PoolInstances shows pool instance counts by state.
	PoolInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browserd_pool_instances",
			Help: "Browser pool instances by state",
		},
		[]string{"state"},
	)

	// PoolAcquired counts browser acquisitions.
	PoolAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browserd_pool_acquired_total",
			Help: "Total browser acquisitions from pool",
		},
	)

	// PoolRestarted counts instance restarts.
	PoolRestarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browserd_pool_restarted_total",
			Help: "Total browser instances restarted",
		},
	)

	// QueueDepth shows current acquisition queue depth.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserd_acquisition_queue_depth",
			Help: "Sessions waiting for a browser",
		},
	)

	// ActiveSessions shows current live sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserd_active_sessions",
			Help: "Number of live sessions",
		},
	)

	// ActiveContexts shows current automation contexts.
	ActiveContexts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserd_active_contexts",
			Help: "Number of automation contexts",
		},
	)

	// StoreProbesTotal counts store health probes by outcome.
	StoreProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browserd_store_probes_total",
			Help: "Session store health probes by outcome",
		},
		[]string{"outcome"},
	)

	// StoreFallback is 1 when running on the fallback backend.
	StoreFallback = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserd_store_fallback",
			Help: "1 when the session store runs on its fallback backend",
		},
	)

	// ReplicationDropped counts replication ops lost to full queues.
	ReplicationDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browserd_replication_dropped_total",
			Help: "Replication ops dropped due to full queues",
		},
	)

	// EventsDropped counts bus events lost to slow subscribers.
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "browserd_events_dropped_total",
			Help: "Events dropped by slow subscribers",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserd_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browserd_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browserd_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActionsTotal,
		ActionDuration,
		SecurityViolations,
		PoolInstances,
		PoolAcquired,
		PoolRestarted,
		QueueDepth,
		ActiveSessions,
		ActiveContexts,
		StoreProbesTotal,
		StoreFallback,
		ReplicationDropped,
		EventsDropped,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordRequest records metrics for a completed HTTP request.
func RecordRequest(route, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(route, status).Inc()
	RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordAction records metrics for an executed action.
func RecordAction(actionType, outcome string, duration time.Duration) {
	ActionsTotal.WithLabelValues(actionType, outcome).Inc()
	ActionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

// RecordSecurityViolation records a rejected payload.
func RecordSecurityViolation(rule string) {
	SecurityViolations.WithLabelValues(rule).Inc()
}

// UpdatePoolMetrics updates pool gauges.
func UpdatePoolMetrics(idle, active, queueDepth int) {
	PoolInstances.WithLabelValues("idle").Set(float64(idle))
	PoolInstances.WithLabelValues("active").Set(float64(active))
	QueueDepth.Set(float64(queueDepth))
}

// StartRuntimeCollector starts a goroutine that periodically updates
// runtime metrics until stopCh closes.
func StartRuntimeCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			MemoryUsageBytes.Set(float64(m.Alloc))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		case <-stopCh:
			return
		}
	}
}
