package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/gigradar/scrape-orchestrator/internal/scrape"
)

var jobColumnNames = []string{
	"id", "provider_request_id", "status", "payload", "created_at", "submitted_at",
	"completed_at", "result_count", "quality_count", "results_location", "error_message", "attempt_count",
}

func strPtr(s string) *string        { return &s }
func timePtr(t time.Time) *time.Time { return &t }

func TestNewJobStoreWithPoolValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := NewJobStoreWithPool(nil, "scrape_jobs")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewJobStoreWithPool(mock, "scrape_jobs; DROP TABLE users")
	require.Error(t, err)

	store, err := NewJobStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "scrape_jobs", store.table)
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	payload := scrape.Payload{Market: "denver", SearchTerms: []string{"plumber"}}

	mock.ExpectQuery("INSERT INTO scrape_jobs").
		WithArgs("queued", []byte(`{"market":"denver","search_terms":["plumber"]}`), now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	job, err := store.CreateJob(context.Background(), payload, now)
	require.NoError(t, err)
	require.Equal(t, int64(7), job.ID)
	require.Equal(t, scrape.StatusQueued, job.Status)
	require.Equal(t, now, job.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSubmittedUpdatesQueuedRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	now := created.Add(2 * time.Second)

	mock.ExpectQuery("UPDATE scrape_jobs").
		WithArgs(int64(7), "submitted", "req-123", now, "queued").
		WillReturnRows(pgxmock.NewRows(jobColumnNames).AddRow(
			int64(7), strPtr("req-123"), "submitted",
			[]byte(`{"market":"denver","search_terms":["plumber"]}`),
			created, timePtr(now), (*time.Time)(nil), 0, 0, "", "", 1,
		))

	job, err := store.MarkSubmitted(context.Background(), 7, "req-123", now)
	require.NoError(t, err)
	require.Equal(t, scrape.StatusSubmitted, job.Status)
	require.Equal(t, "req-123", job.ProviderRequestID)
	require.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.SubmittedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSubmittedRefusesNonQueuedRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	// No row matches when the job already left queued or carries a request id.
	mock.ExpectQuery("UPDATE scrape_jobs").
		WithArgs(int64(7), "submitted", "req-456", pgxmock.AnyArg(), "queued").
		WillReturnRows(pgxmock.NewRows(jobColumnNames))

	_, err = store.MarkSubmitted(context.Background(), 7, "req-456", time.Now().UTC())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobByProviderRequestIDNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.|\n)+ FROM scrape_jobs WHERE provider_request_id").
		WithArgs("req-missing").
		WillReturnRows(pgxmock.NewRows(jobColumnNames))

	_, err = store.GetJobByProviderRequestID(context.Background(), "req-missing")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())

	// Empty correlation ids never touch the database.
	_, err = store.GetJobByProviderRequestID(context.Background(), "")
	require.ErrorIs(t, err, scrape.ErrJobNotFound)
}

func TestFinalizeJobAppliesTerminalWrite(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	submitted := created.Add(time.Second)
	now := created.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(jobColumnNames).AddRow(
			int64(7), strPtr("req-123"), "processing",
			[]byte(`{"market":"denver","search_terms":["plumber"]}`),
			created, timePtr(submitted), (*time.Time)(nil), 0, 0, "", "", 1,
		))
	mock.ExpectExec("UPDATE scrape_jobs").
		WithArgs(int64(7), "completed", now, 42, 7, "https://results.example.com/req-123", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	applied, job, err := store.FinalizeJob(context.Background(), 7, scrape.Outcome{
		Status:          scrape.StatusCompleted,
		ResultCount:     42,
		QualityCount:    7,
		ResultsLocation: "https://results.example.com/req-123",
	}, now)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, scrape.StatusCompleted, job.Status)
	require.Equal(t, 42, job.ResultCount)
	require.NotNil(t, job.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeJobFailedDropsResultMetrics(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	now := created.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(jobColumnNames).AddRow(
			int64(7), strPtr("req-123"), "processing",
			[]byte(`{"market":"denver","search_terms":["plumber"]}`),
			created, timePtr(created.Add(time.Second)), (*time.Time)(nil), 0, 0, "", "", 1,
		))
	// The failed row must carry zero counts and no location even though the
	// outcome arrived with them.
	mock.ExpectExec("UPDATE scrape_jobs").
		WithArgs(int64(7), "failed", now, 0, 0, "", "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	applied, job, err := store.FinalizeJob(context.Background(), 7, scrape.Outcome{
		Status:          scrape.StatusFailed,
		ResultCount:     5,
		QualityCount:    3,
		ResultsLocation: "https://results.example.com/req-123",
		ErrorMessage:    "boom",
	}, now)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, scrape.StatusFailed, job.Status)
	require.Zero(t, job.ResultCount)
	require.Zero(t, job.QualityCount)
	require.Empty(t, job.ResultsLocation)
	require.Equal(t, "boom", job.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeJobAlreadyTerminalIsNoOp(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	completed := created.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(jobColumnNames).AddRow(
			int64(7), strPtr("req-123"), "completed",
			[]byte(`{"market":"denver","search_terms":["plumber"]}`),
			created, timePtr(created.Add(time.Second)), timePtr(completed), 42, 7, "", "", 1,
		))
	mock.ExpectCommit()

	applied, job, err := store.FinalizeJob(context.Background(), 7, scrape.Outcome{
		Status:       scrape.StatusFailed,
		ErrorMessage: "late failure report",
	}, completed.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, scrape.StatusCompleted, job.Status)
	require.Equal(t, 42, job.ResultCount)
	require.Empty(t, job.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeJobRejectsNonTerminalOutcome(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	_, _, err = store.FinalizeJob(context.Background(), 7,
		scrape.Outcome{Status: scrape.StatusProcessing}, time.Now().UTC())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStaleSelectsInFlightRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()
	cutoff := created.Add(time.Hour)

	mock.ExpectQuery("WHERE status = ANY").
		WithArgs([]string{"submitted", "processing"}, cutoff).
		WillReturnRows(pgxmock.NewRows(jobColumnNames).
			AddRow(
				int64(1), strPtr("req-1"), "submitted",
				[]byte(`{"market":"denver","search_terms":["plumber"]}`),
				created, timePtr(created.Add(time.Second)), (*time.Time)(nil), 0, 0, "", "", 1,
			).
			AddRow(
				int64(2), strPtr("req-2"), "processing",
				[]byte(`{"market":"austin","search_terms":["roofer"]}`),
				created, timePtr(created.Add(2*time.Second)), (*time.Time)(nil), 0, 0, "", "", 2,
			))

	jobs, err := store.ListStale(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "req-1", jobs[0].ProviderRequestID)
	require.Equal(t, scrape.StatusProcessing, jobs[1].Status)
	require.Equal(t, "austin", jobs[1].Payload.Market)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobRejectsUnknownStatusValue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT (.|\n)+ FROM scrape_jobs WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows(jobColumnNames).AddRow(
			int64(7), strPtr("req-123"), "cancelled",
			[]byte(`{"market":"denver","search_terms":["plumber"]}`),
			created, timePtr(created.Add(time.Second)), (*time.Time)(nil), 0, 0, "", "", 1,
		))

	_, err = store.GetJob(context.Background(), 7)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cancelled")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessingIsIdempotent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "scrape_jobs")
	require.NoError(t, err)

	// Zero rows affected is still success: the job already moved on.
	mock.ExpectExec("UPDATE scrape_jobs").
		WithArgs(int64(7), "processing", "submitted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.MarkProcessing(context.Background(), 7))
	require.NoError(t, mock.ExpectationsWereMet())
}
