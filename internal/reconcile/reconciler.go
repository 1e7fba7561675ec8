// Package reconcile applies terminal outcomes to jobs exactly once.
//
// The Reconciler is the single choke point for terminal-state writes. The
// webhook receiver and the poll fallback both funnel completion signals
// through it, so whichever path reaches a job first wins and the other
// becomes a no-op.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gigradar/scrape-orchestrator/internal/metrics"
	"github.com/gigradar/scrape-orchestrator/internal/scrape"
)

// CompletionEvent is published downstream after an applied reconciliation.
type CompletionEvent struct {
	JobID             int64   `json:"job_id"`
	ProviderRequestID string  `json:"provider_request_id"`
	Status            string  `json:"status"`
	ResultCount       int     `json:"result_count"`
	QualityCount      int     `json:"quality_count"`
	ResultsLocation   string  `json:"results_location,omitempty"`
	Error             string  `json:"error,omitempty"`
	CompletedAt       *string `json:"completed_at,omitempty"`
}

// Reconciler validates completion signals and transitions job state.
type Reconciler struct {
	store     scrape.JobStore
	clock     scrape.Clock
	publisher scrape.Publisher
	topic     string
	logger    *zap.Logger
}

// New constructs a Reconciler. The publisher may be nil when no downstream
// topic is configured.
func New(
	store scrape.JobStore,
	clock scrape.Clock,
	publisher scrape.Publisher,
	topic string,
	logger *zap.Logger,
) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:     store,
		clock:     clock,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

// Reconcile applies a terminal outcome to the job. Safe to invoke
// concurrently from the webhook receiver and the poller for the same job:
// the store serializes the terminal write per job id and exactly one caller
// observes Applied=true. A storage failure is returned to the caller so the
// invoking mechanism (provider retry or next poll cycle) tries again.
func (r *Reconciler) Reconcile(ctx context.Context, job scrape.Job, outcome scrape.Outcome) (scrape.ReconcileResult, error) {
	if !scrape.IsTerminal(outcome.Status) {
		return scrape.ReconcileResult{}, fmt.Errorf("outcome status %q is not terminal", outcome.Status)
	}

	// Result metrics belong to completed jobs only; error text belongs to
	// failed or expired ones. A provider payload may carry both, so strip
	// the fields the terminal status does not own before anything persists.
	if outcome.Status == scrape.StatusCompleted {
		outcome.ErrorMessage = ""
	} else {
		outcome.ResultCount = 0
		outcome.QualityCount = 0
		outcome.ResultsLocation = ""
	}

	applied, final, err := r.store.FinalizeJob(ctx, job.ID, outcome, r.clock.Now())
	if err != nil {
		return scrape.ReconcileResult{}, fmt.Errorf("finalize job %d: %w", job.ID, err)
	}

	if !applied {
		metrics.ObserveReconciliation(string(outcome.Status), "duplicate")
		if final.Status == scrape.StatusExpired && outcome.Status != scrape.StatusExpired {
			// The provider finished after we gave up locally. Stored state
			// stays as-is; surface the anomaly for operator review.
			metrics.ObserveLateTerminalSignal()
			r.logger.Warn("terminal signal arrived after local expiration",
				zap.Int64("job_id", final.ID),
				zap.String("provider_request_id", final.ProviderRequestID),
				zap.String("reported_status", string(outcome.Status)),
			)
		} else {
			r.logger.Debug("duplicate completion signal ignored",
				zap.Int64("job_id", final.ID),
				zap.String("status", string(final.Status)),
			)
		}
		return scrape.ReconcileResult{Applied: false, Job: final}, nil
	}

	metrics.ObserveReconciliation(string(outcome.Status), "applied")
	r.logger.Info("job reached terminal state",
		zap.Int64("job_id", final.ID),
		zap.String("provider_request_id", final.ProviderRequestID),
		zap.String("status", string(final.Status)),
		zap.Int("result_count", final.ResultCount),
		zap.Int("quality_count", final.QualityCount),
	)

	r.publishCompletion(ctx, final)
	return scrape.ReconcileResult{Applied: true, Job: final}, nil
}

// publishCompletion emits the event downstream. Publish failures never block
// or roll back the terminal write; the store already holds the truth.
func (r *Reconciler) publishCompletion(ctx context.Context, job scrape.Job) {
	if r.publisher == nil || r.topic == "" {
		return
	}
	event := CompletionEvent{
		JobID:             job.ID,
		ProviderRequestID: job.ProviderRequestID,
		Status:            string(job.Status),
		ResultCount:       job.ResultCount,
		QualityCount:      job.QualityCount,
		ResultsLocation:   job.ResultsLocation,
		Error:             job.ErrorMessage,
	}
	if job.CompletedAt != nil {
		formatted := job.CompletedAt.Format(time.RFC3339)
		event.CompletedAt = &formatted
	}
	if _, err := r.publisher.Publish(ctx, r.topic, event); err != nil {
		metrics.ObserveCompletionEvent("error")
		r.logger.Error("publish completion event failed",
			zap.Int64("job_id", job.ID),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveCompletionEvent("ok")
}
