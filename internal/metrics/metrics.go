// Package metrics exposes the health-check queue's Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	namespace = "vmhealth"
	subsystem = "queue"
)

// Task outcomes recorded by RecordTask.
const (
	OutcomeEnqueued   = "enqueued"
	OutcomeSuppressed = "suppressed"
	OutcomeClaimed    = "claimed"
	OutcomeCompleted  = "completed"
	OutcomeRetried    = "retried"
	OutcomeFailed     = "failed"
	OutcomeRejected   = "rejected"
)

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_total",
			Help:      "Health-check task transitions by check type and outcome",
		},
		[]string{"check_type", "outcome"},
	)

	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "in_flight_tasks",
			Help:      "Health-check tasks currently claimed by this process",
		},
	)

	waiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "waiting_tasks",
			Help:      "Pending and retry-scheduled tasks in the in-memory index per machine",
		},
		[]string{"machine"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "execution_duration_seconds",
			Help:      "Agent round-trip time of a health check",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 180, 300},
		},
		[]string{"check_type"},
	)

	recommendationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recommendation_errors_total",
			Help:      "Recommendation generation failures",
		},
	)

	notifyErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notify_errors_total",
			Help:      "Lifecycle events the notifier failed to accept",
		},
	)

	hookRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "hook_runs_total",
			Help:      "Notify hook invocations by result",
		},
		[]string{"result"},
	)

	agentsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "connected",
			Help:      "Guest agents currently connected to the hub",
		},
	)

	agentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Agent commands by result",
		},
		[]string{"result"},
	)
)

func RecordTask(checkType, outcome string) {
	tasksTotal.WithLabelValues(checkType, outcome).Inc()
}

func SetInFlight(n int) {
	inFlight.Set(float64(n))
}

func SetWaiting(machineID string, n int) {
	waiting.WithLabelValues(machineID).Set(float64(n))
}

func ObserveExecution(checkType string, d time.Duration) {
	executionDuration.WithLabelValues(checkType).Observe(d.Seconds())
}

func IncRecommendationErrors() {
	recommendationErrors.Inc()
}

func IncNotifyErrors() {
	notifyErrors.Inc()
}

// RecordHookRun counts one notify hook run; result is "ok" or "error".
func RecordHookRun(result string) {
	hookRuns.WithLabelValues(result).Inc()
}

func SetAgentsConnected(n int) {
	agentsConnected.Set(float64(n))
}

// RecordAgentRequest counts one agent command; result is "ok", "error",
// "timeout" or "disconnected".
func RecordAgentRequest(result string) {
	agentRequests.WithLabelValues(result).Inc()
}

// SetupMetricsEndpoint starts an HTTP server exposing /metrics on addr.
// The caller owns shutdown of the returned server.
func SetupMetricsEndpoint(addr string, logger *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics_server_failed", "addr", addr, "error", err)
		}
	}()

	return server
}
