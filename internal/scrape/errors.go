package scrape

import "errors"

// Error kinds surfaced across component boundaries. Callers classify with
// errors.Is; wrapped messages carry the detail.
var (
	// ErrProviderUnreachable means a network or timeout error talking to
	// the provider. Retryable; the job stays in its current state.
	ErrProviderUnreachable = errors.New("provider unreachable")

	// ErrProviderRejected means the provider returned a business error on
	// submission. The job is finalized as failed.
	ErrProviderRejected = errors.New("provider rejected submission")

	// ErrUnknownJob means a completion signal referenced a provider request
	// id with no matching job. Logged and acknowledged, never escalated.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobNotFound means a store lookup matched no row.
	ErrJobNotFound = errors.New("job not found")
)
