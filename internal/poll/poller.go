// Package poll implements the fallback status sweep for jobs whose webhook
// never arrived.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gigradar/scrape-orchestrator/internal/metrics"
	"github.com/gigradar/scrape-orchestrator/internal/reconcile"
	"github.com/gigradar/scrape-orchestrator/internal/scrape"
)

// Config governs when the sweep runs and which jobs it touches.
type Config struct {
	// Interval between sweep cycles.
	Interval time.Duration
	// Staleness is how long a job may sit without a terminal report before
	// the sweep asks the provider directly.
	Staleness time.Duration
	// ExpireCeiling is the age past submission after which a job with no
	// terminal report is closed locally as expired.
	ExpireCeiling time.Duration
}

// Poller periodically sweeps stale in-flight jobs, querying the provider for
// each and funneling any terminal answer through the reconciler. Webhooks
// remain the primary completion path; the sweep only covers lost deliveries.
type Poller struct {
	store      scrape.JobStore
	provider   scrape.ProviderClient
	reconciler *reconcile.Reconciler
	clock      scrape.Clock
	cfg        Config
	logger     *zap.Logger
	cron       *cron.Cron
}

// New constructs a Poller.
func New(
	store scrape.JobStore,
	provider scrape.ProviderClient,
	reconciler *reconcile.Reconciler,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:      store,
		provider:   provider,
		reconciler: reconciler,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Start schedules the sweep at the configured interval and runs one cycle
// immediately so a restart does not wait a full interval to catch up.
func (p *Poller) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", p.cfg.Interval)
	if _, err := p.cron.AddFunc(spec, func() {
		if err := p.RunOnce(ctx); err != nil {
			p.logger.Error("poll cycle failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule poll sweep: %w", err)
	}
	p.cron.Start()
	p.logger.Info("poll fallback started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("staleness", p.cfg.Staleness),
		zap.Duration("expire_ceiling", p.cfg.ExpireCeiling),
	)

	go func() {
		if err := p.RunOnce(ctx); err != nil {
			p.logger.Error("initial poll cycle failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

// RunOnce executes a single sweep over stale jobs.
func (p *Poller) RunOnce(ctx context.Context) error {
	now := p.clock.Now()
	cutoff := now.Add(-p.cfg.Staleness)

	jobs, err := p.store.ListStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale jobs: %w", err)
	}
	metrics.ObservePollCycle()
	if len(jobs) == 0 {
		return nil
	}
	p.logger.Info("sweeping stale jobs", zap.Int("count", len(jobs)))

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.checkJob(ctx, job, now)
	}
	return nil
}

// checkJob queries the provider for one job and applies whatever it learns.
// Failures are logged and left for the next cycle; one bad job never stalls
// the sweep.
func (p *Poller) checkJob(ctx context.Context, job scrape.Job, now time.Time) {
	if err := p.store.IncrementAttempt(ctx, job.ID); err != nil {
		p.logger.Error("record poll attempt failed",
			zap.Int64("job_id", job.ID),
			zap.Error(err),
		)
	}

	status, err := p.provider.JobStatus(ctx, job.ProviderRequestID)
	switch {
	case errors.Is(err, scrape.ErrUnknownJob):
		// The provider no longer knows the request. Nothing further will
		// arrive for it, so close it out as failed.
		p.finalize(ctx, job, scrape.Outcome{
			Status:       scrape.StatusFailed,
			ErrorMessage: "provider no longer tracks this request",
		})
		return
	case err != nil:
		p.logger.Warn("provider status lookup failed",
			zap.Int64("job_id", job.ID),
			zap.String("provider_request_id", job.ProviderRequestID),
			zap.Error(err),
		)
		p.expireIfPastCeiling(ctx, job, now)
		return
	}

	switch status.State {
	case scrape.ProviderStateSuccess:
		p.finalize(ctx, job, scrape.Outcome{
			Status:          scrape.StatusCompleted,
			ResultCount:     status.ResultCount,
			QualityCount:    status.QualityCount,
			ResultsLocation: status.ResultsLocation,
		})
	case scrape.ProviderStateFailure:
		p.finalize(ctx, job, scrape.Outcome{
			Status:       scrape.StatusFailed,
			ErrorMessage: status.ErrorMessage,
		})
	case scrape.ProviderStateInProgress:
		if err := p.store.MarkProcessing(ctx, job.ID); err != nil {
			p.logger.Error("mark processing failed",
				zap.Int64("job_id", job.ID),
				zap.Error(err),
			)
		}
		p.expireIfPastCeiling(ctx, job, now)
	default:
		p.logger.Warn("provider returned unrecognized state",
			zap.Int64("job_id", job.ID),
			zap.String("state", string(status.State)),
		)
		p.expireIfPastCeiling(ctx, job, now)
	}
}

// expireIfPastCeiling force-closes a job that has been in flight longer than
// the ceiling. Age is measured from submission; a job that somehow lacks a
// submission timestamp falls back to creation time.
func (p *Poller) expireIfPastCeiling(ctx context.Context, job scrape.Job, now time.Time) {
	anchor := job.CreatedAt
	if job.SubmittedAt != nil {
		anchor = *job.SubmittedAt
	}
	if now.Sub(anchor) < p.cfg.ExpireCeiling {
		return
	}
	res, err := p.reconciler.Reconcile(ctx, job, scrape.Outcome{
		Status:       scrape.StatusExpired,
		ErrorMessage: fmt.Sprintf("no terminal report within %s of submission", p.cfg.ExpireCeiling),
	})
	if err != nil {
		p.logger.Error("expire job failed", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}
	if res.Applied {
		metrics.ObserveExpiration()
		p.logger.Warn("job expired without terminal report",
			zap.Int64("job_id", job.ID),
			zap.String("provider_request_id", job.ProviderRequestID),
			zap.Int("attempt_count", res.Job.AttemptCount),
		)
	}
}

func (p *Poller) finalize(ctx context.Context, job scrape.Job, outcome scrape.Outcome) {
	if _, err := p.reconciler.Reconcile(ctx, job, outcome); err != nil {
		p.logger.Error("apply polled outcome failed",
			zap.Int64("job_id", job.ID),
			zap.String("status", string(outcome.Status)),
			zap.Error(err),
		)
	}
}
