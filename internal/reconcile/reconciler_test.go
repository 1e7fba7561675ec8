package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gigradar/scrape-orchestrator/internal/metrics"
	publishermemory "github.com/gigradar/scrape-orchestrator/internal/publisher/memory"
	"github.com/gigradar/scrape-orchestrator/internal/scrape"
	storememory "github.com/gigradar/scrape-orchestrator/internal/storage/memory"
)

func init() {
	metrics.Init()
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newFixture(t *testing.T) (*Reconciler, *storememory.JobStore, *publishermemory.Publisher, scrape.Job) {
	t.Helper()
	ctx := context.Background()
	store := storememory.NewJobStore()
	pub := publishermemory.New()
	clock := fixedClock{now: time.Unix(1700001000, 0).UTC()}
	rec := New(store, clock, pub, "scrape-completions", zap.NewNop())

	job, err := store.CreateJob(ctx, scrape.Payload{Market: "denver", SearchTerms: []string{"plumber"}},
		time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	job, err = store.MarkSubmitted(ctx, job.ID, "req-123", time.Unix(1700000001, 0).UTC())
	require.NoError(t, err)
	return rec, store, pub, job
}

func TestReconcileAppliesTerminalOutcomeOnce(t *testing.T) {
	t.Parallel()

	rec, store, pub, job := newFixture(t)
	ctx := context.Background()

	outcome := scrape.Outcome{
		Status:          scrape.StatusCompleted,
		ResultCount:     42,
		QualityCount:    7,
		ResultsLocation: "https://results.example.com/req-123",
	}

	res, err := rec.Reconcile(ctx, job, outcome)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, scrape.StatusCompleted, res.Job.Status)
	require.Equal(t, 42, res.Job.ResultCount)
	require.NotNil(t, res.Job.CompletedAt)

	// Second identical delivery: no-op with identical final fields.
	dup, err := rec.Reconcile(ctx, job, outcome)
	require.NoError(t, err)
	require.False(t, dup.Applied)
	require.Equal(t, res.Job, dup.Job)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, res.Job, stored)

	// Exactly one completion event published.
	require.Len(t, pub.Messages(), 1)
	event, ok := pub.Messages()[0].Payload.(CompletionEvent)
	require.True(t, ok)
	require.Equal(t, job.ID, event.JobID)
	require.Equal(t, "req-123", event.ProviderRequestID)
	require.Equal(t, "completed", event.Status)
	require.Equal(t, 42, event.ResultCount)
}

func TestReconcileStripsFieldsTheStatusDoesNotOwn(t *testing.T) {
	t.Parallel()

	rec, store, _, job := newFixture(t)
	ctx := context.Background()

	// A failed report carrying result metrics: the metrics must not persist.
	res, err := rec.Reconcile(ctx, job, scrape.Outcome{
		Status:          scrape.StatusFailed,
		ResultCount:     5,
		QualityCount:    3,
		ResultsLocation: "https://results.example.com/req-123",
		ErrorMessage:    "target blocked us",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Zero(t, res.Job.ResultCount)
	require.Zero(t, res.Job.QualityCount)
	require.Empty(t, res.Job.ResultsLocation)
	require.Equal(t, "target blocked us", res.Job.ErrorMessage)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, res.Job, stored)
}

func TestReconcileCompletedDropsErrorText(t *testing.T) {
	t.Parallel()

	rec, _, _, job := newFixture(t)

	res, err := rec.Reconcile(context.Background(), job, scrape.Outcome{
		Status:       scrape.StatusCompleted,
		ResultCount:  42,
		ErrorMessage: "leftover text from a retried delivery",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, 42, res.Job.ResultCount)
	require.Empty(t, res.Job.ErrorMessage)
}

func TestReconcileRejectsNonTerminalOutcome(t *testing.T) {
	t.Parallel()

	rec, _, _, job := newFixture(t)
	_, err := rec.Reconcile(context.Background(), job, scrape.Outcome{Status: scrape.StatusProcessing})
	require.Error(t, err)
}

func TestReconcileNoBackwardTransition(t *testing.T) {
	t.Parallel()

	rec, store, _, job := newFixture(t)
	ctx := context.Background()

	res, err := rec.Reconcile(ctx, job, scrape.Outcome{Status: scrape.StatusCompleted, ResultCount: 42})
	require.NoError(t, err)
	require.True(t, res.Applied)

	// A conflicting late failure report must not change anything.
	late, err := rec.Reconcile(ctx, job, scrape.Outcome{Status: scrape.StatusFailed, ErrorMessage: "late"})
	require.NoError(t, err)
	require.False(t, late.Applied)
	require.Equal(t, scrape.StatusCompleted, late.Job.Status)
	require.Empty(t, late.Job.ErrorMessage)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.StatusCompleted, stored.Status)
	require.Equal(t, 42, stored.ResultCount)
}

func TestReconcileConcurrentCallersAgree(t *testing.T) {
	t.Parallel()

	rec, store, pub, job := newFixture(t)
	ctx := context.Background()
	outcome := scrape.Outcome{Status: scrape.StatusCompleted, ResultCount: 42, QualityCount: 7}

	// Simulate the webhook and the poller racing with the same outcome.
	const callers = 8
	results := make([]scrape.ReconcileResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := rec.Reconcile(ctx, job, outcome)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		if res.Applied {
			applied++
		}
		// Every caller observes the same consistent final state.
		require.Equal(t, scrape.StatusCompleted, res.Job.Status)
		require.Equal(t, 42, res.Job.ResultCount)
	}
	require.Equal(t, 1, applied, "exactly one terminal write")
	require.Len(t, pub.Messages(), 1)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.StatusCompleted, stored.Status)
}

func TestReconcileLateSignalAfterExpiration(t *testing.T) {
	t.Parallel()

	rec, store, _, job := newFixture(t)
	ctx := context.Background()

	res, err := rec.Reconcile(ctx, job, scrape.Outcome{
		Status:       scrape.StatusExpired,
		ErrorMessage: "no terminal report before expiration ceiling",
	})
	require.NoError(t, err)
	require.True(t, res.Applied)

	// A genuine success arriving later is a silent no-op for stored state.
	late, err := rec.Reconcile(ctx, job, scrape.Outcome{Status: scrape.StatusCompleted, ResultCount: 99})
	require.NoError(t, err)
	require.False(t, late.Applied)
	require.Equal(t, scrape.StatusExpired, late.Job.Status)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.StatusExpired, stored.Status)
	require.Zero(t, stored.ResultCount)
}

func TestReconcileWithoutPublisher(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storememory.NewJobStore()
	rec := New(store, fixedClock{now: time.Unix(1700001000, 0).UTC()}, nil, "", zap.NewNop())

	job, err := store.CreateJob(ctx, scrape.Payload{Market: "denver"}, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	job, err = store.MarkSubmitted(ctx, job.ID, "req-9", time.Unix(1700000001, 0).UTC())
	require.NoError(t, err)

	res, err := rec.Reconcile(ctx, job, scrape.Outcome{Status: scrape.StatusFailed, ErrorMessage: "boom"})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, "boom", res.Job.ErrorMessage)
}
