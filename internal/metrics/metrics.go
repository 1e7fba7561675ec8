// Package metrics exposes Prometheus collectors for the orchestration service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	webhookRequestsTotal     *prometheus.CounterVec
	reconciliationsTotal     *prometheus.CounterVec
	submissionsTotal         *prometheus.CounterVec
	providerRequestsTotal    *prometheus.CounterVec
	providerRequestSeconds   *prometheus.HistogramVec
	pollCyclesTotal          prometheus.Counter
	jobsExpiredTotal         prometheus.Counter
	lateTerminalSignalsTotal prometheus.Counter
	completionEventsTotal    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		webhookRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_webhook_requests_total",
				Help: "Total webhook deliveries received, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		reconciliationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_reconciliations_total",
				Help: "Total reconciliation attempts, labeled by terminal status and result.",
			},
			[]string{"status", "result"},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_submissions_total",
				Help: "Total job submissions, labeled by result.",
			},
			[]string{"result"},
		)

		providerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_provider_requests_total",
				Help: "Total outbound provider calls, labeled by operation and result.",
			},
			[]string{"operation", "result"},
		)

		providerRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_provider_request_duration_seconds",
				Help:    "Histogram of outbound provider call latencies, labeled by operation.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"operation"},
		)

		pollCyclesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_poll_cycles_total",
				Help: "Total poll-fallback cycles executed.",
			},
		)

		jobsExpiredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_jobs_expired_total",
				Help: "Total jobs force-closed after the expiration ceiling.",
			},
		)

		lateTerminalSignalsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_late_terminal_signals_total",
				Help: "Terminal provider signals that arrived after local expiration.",
			},
		)

		completionEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_completion_events_total",
				Help: "Completion events published downstream, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveWebhook increments the webhook delivery counter for the outcome.
func ObserveWebhook(outcome string) {
	webhookRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReconciliation records one reconciliation attempt.
func ObserveReconciliation(status, result string) {
	reconciliationsTotal.WithLabelValues(status, result).Inc()
}

// ObserveSubmission records one job submission attempt.
func ObserveSubmission(result string) {
	submissionsTotal.WithLabelValues(result).Inc()
}

// ObserveProviderRequest records one outbound provider call.
func ObserveProviderRequest(operation, result string, duration time.Duration) {
	providerRequestsTotal.WithLabelValues(operation, result).Inc()
	providerRequestSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObservePollCycle increments the poll cycle counter.
func ObservePollCycle() {
	pollCyclesTotal.Inc()
}

// ObserveExpiration increments the expired-jobs counter.
func ObserveExpiration() {
	jobsExpiredTotal.Inc()
}

// ObserveLateTerminalSignal counts a terminal report for a locally expired job.
func ObserveLateTerminalSignal() {
	lateTerminalSignalsTotal.Inc()
}

// ObserveCompletionEvent records a downstream publish attempt.
func ObserveCompletionEvent(result string) {
	completionEventsTotal.WithLabelValues(result).Inc()
}
