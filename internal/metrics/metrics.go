// Package metrics exposes Prometheus collectors for fleet health. Label
// cardinality is bounded: per-state counts use the closed lifecycle enum
// and everything else is fleet-wide.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	clientsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wafleet_clients_by_state",
			Help: "Number of clients currently in each lifecycle state.",
		},
		[]string{"state"},
	)

	clientsHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wafleet_clients_healthy",
			Help: "Clients passing all watchdog checks in the last run.",
		},
	)

	clientsUnhealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wafleet_clients_unhealthy",
			Help: "Clients failing at least one watchdog check in the last run.",
		},
	)

	watchdogCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wafleet_watchdog_check_failures_total",
			Help: "Watchdog check failures by check name.",
		},
		[]string{"check"},
	)

	recoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wafleet_recovery_actions_total",
			Help: "Recovery actions taken by the watchdog, by action.",
		},
		[]string{"action"},
	)

	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wafleet_reconnect_attempts_total",
			Help: "Reconnection attempts scheduled across the fleet.",
		},
	)

	mediaQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wafleet_media_queue_depth",
			Help: "Media jobs currently waiting in the priority queue.",
		},
	)

	mediaInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wafleet_media_jobs_inflight",
			Help: "Media jobs currently being processed by workers.",
		},
	)

	mediaJobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wafleet_media_jobs_completed_total",
			Help: "Media jobs finished, by terminal status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		clientsByState,
		clientsHealthy,
		clientsUnhealthy,
		watchdogCheckFailures,
		recoveryActions,
		reconnectAttempts,
		mediaQueueDepth,
		mediaInflight,
		mediaJobsCompleted,
	)
}

// SetStateCounts replaces the per-state gauge values.
func SetStateCounts(counts map[string]int) {
	clientsByState.Reset()
	for st, n := range counts {
		clientsByState.WithLabelValues(st).Set(float64(n))
	}
}

// SetHealthTotals records the last watchdog run outcome.
func SetHealthTotals(healthy, unhealthy int) {
	clientsHealthy.Set(float64(healthy))
	clientsUnhealthy.Set(float64(unhealthy))
}

// CheckFailed counts one failed watchdog check.
func CheckFailed(check string) {
	watchdogCheckFailures.WithLabelValues(check).Inc()
}

// RecoveryAction counts one watchdog recovery action.
func RecoveryAction(action string) {
	recoveryActions.WithLabelValues(action).Inc()
}

// ReconnectScheduled counts one scheduled reconnection attempt.
func ReconnectScheduled() {
	reconnectAttempts.Inc()
}

// SetMediaQueue records current media pipeline depth.
func SetMediaQueue(queued, inflight int) {
	mediaQueueDepth.Set(float64(queued))
	mediaInflight.Set(float64(inflight))
}

// MediaJobDone counts one finished media job.
func MediaJobDone(status string) {
	mediaJobsCompleted.WithLabelValues(status).Inc()
}
