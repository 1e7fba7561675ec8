// Package scrape defines core types shared across subsystems.
package scrape

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a scrape job.
type Status string

// Job status values persisted in the job store.
const (
	StatusQueued     Status = "queued"
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Payload captures the request parameters handed to the provider.
// It is written once by the Submitter and read-only thereafter.
type Payload struct {
	Market      string   `json:"market"`
	SearchTerms []string `json:"search_terms"`
	Limit       int      `json:"limit,omitempty"`
}

// Job represents the metadata persisted for each submitted scrape request.
type Job struct {
	ID                int64      `json:"id"`
	ProviderRequestID string     `json:"provider_request_id,omitempty"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ResultCount       int        `json:"result_count"`
	QualityCount      int        `json:"quality_count"`
	ResultsLocation   string     `json:"results_location,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	AttemptCount      int        `json:"attempt_count"`
	Payload           Payload    `json:"payload"`
}

// Outcome is a terminal report applied to a job by the reconciler.
type Outcome struct {
	Status          Status `json:"status"`
	ResultCount     int    `json:"result_count"`
	QualityCount    int    `json:"quality_count"`
	ResultsLocation string `json:"results_location,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// ReconcileResult reports whether a reconciliation changed state and the
// final job row either way.
type ReconcileResult struct {
	Applied bool
	Job     Job
}

// ProviderState is the coarse status the provider reports for a request.
type ProviderState string

// Provider status values returned by the status-lookup endpoint.
const (
	ProviderStateInProgress ProviderState = "in_progress"
	ProviderStateSuccess    ProviderState = "success"
	ProviderStateFailure    ProviderState = "failure"
)

// ProviderStatus is the provider's answer to a status lookup.
type ProviderStatus struct {
	State           ProviderState
	ResultCount     int
	QualityCount    int
	ResultsLocation string
	ErrorMessage    string
}

// JobStore is the single source of truth for job state. All components
// coordinate through it; there is no shared in-memory job state.
type JobStore interface {
	// CreateJob inserts a new job in queued status and returns the stored row.
	CreateJob(ctx context.Context, payload Payload, now time.Time) (Job, error)
	// GetJob fetches a job by its local id.
	GetJob(ctx context.Context, id int64) (Job, error)
	// GetJobByProviderRequestID fetches the job matching a provider
	// correlation id, returning ErrJobNotFound when no row matches.
	GetJobByProviderRequestID(ctx context.Context, requestID string) (Job, error)
	// MarkSubmitted records the provider request id and moves the job from
	// queued to submitted. The request id is set at most once.
	MarkSubmitted(ctx context.Context, id int64, requestID string, now time.Time) (Job, error)
	// MarkProcessing advances submitted to processing. A no-op from any
	// other status.
	MarkProcessing(ctx context.Context, id int64) error
	// IncrementAttempt bumps the attempt counter after a submission or poll retry.
	IncrementAttempt(ctx context.Context, id int64) error
	// ListStale returns non-terminal jobs whose submitted_at is older than
	// the cutoff, eligible for poll-based status checks.
	ListStale(ctx context.Context, olderThan time.Time) ([]Job, error)
	// FinalizeJob writes the terminal status and outcome fields in a single
	// transaction keyed by job id. It reports applied=false without changing
	// anything when the job is already terminal, and returns the row as it
	// stands after the call either way.
	FinalizeJob(ctx context.Context, id int64, outcome Outcome, now time.Time) (bool, Job, error)
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// ProviderClient talks to the external scraping provider.
type ProviderClient interface {
	// SubmitJob dispatches a scrape request and returns the provider's
	// request identifier.
	SubmitJob(ctx context.Context, payload Payload) (string, error)
	// JobStatus queries the provider for the current state of a request.
	JobStatus(ctx context.Context, requestID string) (ProviderStatus, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Publisher emits completion events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PreferredLocation returns the first non-empty candidate. Provider payloads
// have carried the result pointer under different field names across
// versions; callers pass them in preference order.
func PreferredLocation(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}
