// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twidi/redis-limpyd-jobs/internal/config"
)

var (
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs submitted via add_job",
	})
	JobsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dispatched_total",
		Help: "Total number of jobs popped off a waiting list by a worker",
	})
	JobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_succeeded_total",
		Help: "Total number of jobs whose callback returned without error",
	})
	JobsErrored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_errored_total",
		Help: "Total number of jobs whose callback raised or returned an error",
	})
	JobsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_skipped_total",
		Help: "Total number of dequeued jobs skipped because they were no longer WAITING",
	})
	JobsReprioritized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_reprioritized_total",
		Help: "Total number of jobs moved to a different priority tier via add_job",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job callback durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueWaitingLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_waiting_length",
		Help: "Current length of a queue tier's waiting list",
	}, []string{"name", "priority"})
	WorkerStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_status",
		Help: "Worker run-loop status: 0=waiting, 1=running",
	}, []string{"worker"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsDispatched, JobsSucceeded, JobsErrored, JobsSkipped,
		JobsReprioritized, JobProcessingDuration, QueueWaitingLength, WorkerStatus,
		CircuitBreakerState, CircuitBreakerTrips,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
