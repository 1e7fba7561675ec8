// Package submit creates job records and dispatches them to the provider.
package submit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gigradar/scrape-orchestrator/internal/metrics"
	"github.com/gigradar/scrape-orchestrator/internal/reconcile"
	"github.com/gigradar/scrape-orchestrator/internal/scrape"
)

// Submitter owns the queued → submitted transition. Everything after that
// belongs to the reconciler.
type Submitter struct {
	store      scrape.JobStore
	provider   scrape.ProviderClient
	reconciler *reconcile.Reconciler
	clock      scrape.Clock
	logger     *zap.Logger
}

// New constructs a Submitter.
func New(
	store scrape.JobStore,
	provider scrape.ProviderClient,
	reconciler *reconcile.Reconciler,
	clock scrape.Clock,
	logger *zap.Logger,
) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		store:      store,
		provider:   provider,
		reconciler: reconciler,
		clock:      clock,
		logger:     logger,
	}
}

// Submit creates a queued job, dispatches it to the provider, and records
// the outcome. The job row always persists, even when the dispatch fails:
// a provider rejection finalizes it as failed, a network failure leaves it
// queued with the attempt recorded. Either way the returned error wraps the
// structured kind so callers can decide on retry policy.
func (s *Submitter) Submit(ctx context.Context, payload scrape.Payload) (scrape.Job, error) {
	job, err := s.store.CreateJob(ctx, payload, s.clock.Now())
	if err != nil {
		return scrape.Job{}, fmt.Errorf("create job: %w", err)
	}

	requestID, err := s.provider.SubmitJob(ctx, payload)
	if err != nil {
		return s.recordSubmitFailure(ctx, job, err)
	}

	job, err = s.store.MarkSubmitted(ctx, job.ID, requestID, s.clock.Now())
	if err != nil {
		return scrape.Job{}, fmt.Errorf("mark submitted: %w", err)
	}
	metrics.ObserveSubmission("submitted")
	s.logger.Info("scrape job submitted",
		zap.Int64("job_id", job.ID),
		zap.String("provider_request_id", requestID),
		zap.String("market", payload.Market),
	)
	return job, nil
}

func (s *Submitter) recordSubmitFailure(ctx context.Context, job scrape.Job, submitErr error) (scrape.Job, error) {
	if errors.Is(submitErr, scrape.ErrProviderRejected) {
		res, recErr := s.reconciler.Reconcile(ctx, job, scrape.Outcome{
			Status:       scrape.StatusFailed,
			ErrorMessage: submitErr.Error(),
		})
		if recErr != nil {
			return job, fmt.Errorf("record rejection for job %d: %w", job.ID, recErr)
		}
		metrics.ObserveSubmission("rejected")
		s.logger.Warn("provider rejected submission",
			zap.Int64("job_id", job.ID),
			zap.Error(submitErr),
		)
		return res.Job, fmt.Errorf("submit job %d: %w", job.ID, submitErr)
	}

	// Network or provider outage: the job stays queued and is visible for
	// audit; only the attempt is recorded.
	if err := s.store.IncrementAttempt(ctx, job.ID); err != nil {
		s.logger.Error("record attempt failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	metrics.ObserveSubmission("unreachable")
	s.logger.Warn("provider unreachable during submission",
		zap.Int64("job_id", job.ID),
		zap.Error(submitErr),
	)
	return job, fmt.Errorf("submit job %d: %w", job.ID, submitErr)
}
