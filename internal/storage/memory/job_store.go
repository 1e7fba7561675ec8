// Package memory provides an in-memory JobStore for development/testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gigradar/scrape-orchestrator/internal/scrape"
)

// JobStore keeps job rows in a map guarded by one mutex. The mutex plays the
// role of the row-level transaction in the Postgres store: terminal writes
// for a job are serialized, and a second writer observes the terminal state.
type JobStore struct {
	mu     sync.RWMutex
	nextID int64
	jobs   map[int64]scrape.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[int64]scrape.Job)}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, payload scrape.Payload, now time.Time) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job := scrape.Job{
		ID:        s.nextID,
		Status:    scrape.StatusQueued,
		CreatedAt: now,
		Payload:   payload,
	}
	s.jobs[job.ID] = job
	return job, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id int64) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.Job{}, fmt.Errorf("job %d: %w", id, scrape.ErrJobNotFound)
	}
	return job, nil
}

// GetJobByProviderRequestID fetches the job matching a provider correlation id.
func (s *JobStore) GetJobByProviderRequestID(_ context.Context, requestID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if requestID == "" {
		return scrape.Job{}, fmt.Errorf("empty provider request id: %w", scrape.ErrJobNotFound)
	}
	for _, job := range s.jobs {
		if job.ProviderRequestID == requestID {
			return job, nil
		}
	}
	return scrape.Job{}, fmt.Errorf("provider request %q: %w", requestID, scrape.ErrJobNotFound)
}

// MarkSubmitted records the provider request id and moves queued to submitted.
func (s *JobStore) MarkSubmitted(_ context.Context, id int64, requestID string, now time.Time) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.Job{}, fmt.Errorf("job %d: %w", id, scrape.ErrJobNotFound)
	}
	if job.Status != scrape.StatusQueued || job.ProviderRequestID != "" {
		return scrape.Job{}, fmt.Errorf("job %d is %s with request id %q: cannot mark submitted",
			id, job.Status, job.ProviderRequestID)
	}
	job.Status = scrape.StatusSubmitted
	job.ProviderRequestID = requestID
	job.SubmittedAt = pointerTime(now)
	job.AttemptCount++
	s.jobs[id] = job
	return job, nil
}

// MarkProcessing advances submitted to processing; a no-op otherwise.
func (s *JobStore) MarkProcessing(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, scrape.ErrJobNotFound)
	}
	if job.Status != scrape.StatusSubmitted {
		return nil
	}
	job.Status = scrape.StatusProcessing
	s.jobs[id] = job
	return nil
}

// IncrementAttempt bumps the attempt counter.
func (s *JobStore) IncrementAttempt(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %d: %w", id, scrape.ErrJobNotFound)
	}
	job.AttemptCount++
	s.jobs[id] = job
	return nil
}

// ListStale returns in-flight jobs whose submitted_at is older than the cutoff.
func (s *JobStore) ListStale(_ context.Context, olderThan time.Time) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scrape.Job
	for _, job := range s.jobs {
		if job.Status != scrape.StatusSubmitted && job.Status != scrape.StatusProcessing {
			continue
		}
		if job.SubmittedAt == nil || !job.SubmittedAt.Before(olderThan) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(*out[j].SubmittedAt) })
	return out, nil
}

// FinalizeJob writes the terminal status exactly once. When the job is
// already terminal the call reports applied=false and changes nothing.
func (s *JobStore) FinalizeJob(
	_ context.Context,
	id int64,
	outcome scrape.Outcome,
	now time.Time,
) (bool, scrape.Job, error) {
	if !scrape.IsTerminal(outcome.Status) {
		return false, scrape.Job{}, fmt.Errorf("outcome status %q is not terminal", outcome.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, scrape.Job{}, fmt.Errorf("job %d: %w", id, scrape.ErrJobNotFound)
	}
	if scrape.IsTerminal(job.Status) {
		return false, job, nil
	}
	if !scrape.IsTransitionAllowed(job.Status, outcome.Status) {
		return false, scrape.Job{}, fmt.Errorf("transition %s -> %s not allowed for job %d",
			job.Status, outcome.Status, id)
	}
	job.Status = outcome.Status
	job.CompletedAt = pointerTime(now)
	switch outcome.Status {
	case scrape.StatusCompleted:
		job.ResultCount = outcome.ResultCount
		job.QualityCount = outcome.QualityCount
		job.ResultsLocation = outcome.ResultsLocation
	default:
		job.ErrorMessage = outcome.ErrorMessage
	}
	s.jobs[id] = job
	return true, job, nil
}

// Ping reports the store as always reachable.
func (s *JobStore) Ping(context.Context) error {
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
