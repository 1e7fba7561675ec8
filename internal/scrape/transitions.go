package scrape

import (
	"fmt"
	"strings"
)

// Valid status graph:
//
//	queued ──► submitted ──► processing ──► completed
//	   │           │              │
//	   │           ├──────────────┴──► failed
//	   │           │              │
//	   └──►failed  └──────────────┴──► expired
//
// completed, failed and expired are terminal states.

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusSubmitted, StatusFailed},
	StatusSubmitted:  {StatusProcessing, StatusCompleted, StatusFailed, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusExpired},
	// completed, failed and expired are terminal — no outgoing transitions
}

// IsTerminal reports whether no further transition is permitted from s.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTransitionAllowed returns true when moving from → to is permitted by the
// state machine.
func IsTransitionAllowed(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false // terminal state — no outgoing transitions
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a raw string to a Status, returning an error for
// unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusQueued, StatusSubmitted, StatusProcessing, StatusCompleted, StatusFailed, StatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// MapProviderStatus translates the status string carried by provider
// webhooks into a local Status. The provider has used several spellings
// across versions, so matching is case-insensitive.
func MapProviderStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "succeeded", "completed":
		return StatusCompleted, true
	case "failed", "failure", "error":
		return StatusFailed, true
	case "running", "in_progress", "processing":
		return StatusProcessing, true
	default:
		return "", false
	}
}
