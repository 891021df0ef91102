package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadence_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_evaluations_total",
		Help: "Evaluation status transitions",
	}, []string{"status"})

	EpochsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_epochs_total",
		Help: "Finished epochs by outcome",
	}, []string{"status"})

	EpochDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cadence_epoch_duration_seconds",
		Help:    "Wall-clock duration of one epoch",
		Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_sessions_total",
		Help: "Finished voice sessions",
	}, []string{"status", "end_reason"})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cadence_session_duration_seconds",
		Help:    "Voice session duration",
		Buckets: []float64{10, 30, 60, 120, 180, 300, 600},
	})

	SessionTurns = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cadence_session_turns",
		Help:    "Persona turns per session",
		Buckets: []float64{1, 2, 4, 6, 8, 12, 16, 20, 30},
	})

	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_provider_requests_total",
		Help: "Calls to external providers",
	}, []string{"provider", "op", "status"})

	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadence_provider_request_duration_seconds",
		Help:    "External provider call duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"provider", "op"})

	SchedulerTasksInflight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_scheduler_tasks_inflight",
		Help: "Scheduler tasks currently executing",
	}, []string{"task"})
)

// ObserveProvider records one provider call
func ObserveProvider(provider, op string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ProviderRequestsTotal.WithLabelValues(provider, op, status).Inc()
	ProviderRequestDuration.WithLabelValues(provider, op).Observe(seconds)
}
