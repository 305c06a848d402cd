//go:build integration

package repos

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/shared/events"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func seedReport(t *testing.T, pool *pgxpool.Pool) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO reports (group_id, submission_id, file_url) VALUES (3, 11, 'https://files/it.pdf') RETURNING id
	`).Scan(&id))
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM outbox_events WHERE aggregate_type = $1 AND aggregate_id = $2`,
			events.AggregateReport, events.ReportAggregateID(id))
		_, _ = pool.Exec(ctx, `DELETE FROM report_evaluation_conflicts WHERE report_id = $1`, id)
		_, _ = pool.Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	})
	return id
}

func countOutbox(t *testing.T, pool *pgxpool.Pool, reportID int64) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), `
		SELECT count(*) FROM outbox_events
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND event_type = $3
	`, events.AggregateReport, events.ReportAggregateID(reportID), events.EventReportEvaluated).Scan(&n))
	return n
}

func TestApplyEvaluationCompareAndSet(t *testing.T) {
	pool := testPool(t)
	repo := NewReportsRepo(pool)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	id := seedReport(t, pool)
	fresh, err := repo.GetReport(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "under_review", fresh.Status)
	require.Zero(t, fresh.EvaluationVersion)

	interimScore := 5.0
	interim, err := repo.ApplyEvaluation(ctx, fresh, models.Evaluation{
		Status:     "under_review",
		Score:      &interimScore,
		KeyResults: map[string]float64{"ABNT_VALIDATION": 60},
		AnalyzedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, interim.EvaluationVersion)
	assert.Equal(t, map[string]float64{"ABNT_VALIDATION": 60}, interim.KeyResults)
	assert.Zero(t, countOutbox(t, pool, id), "interim results queue no status event")

	score := 8.5
	processed := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)
	approved := models.Evaluation{
		Status:       "approved",
		Score:        &score,
		Observations: []string{"ok"},
		AnalyzedAt:   time.Now().UTC(),
		ProcessedAt:  &processed,
	}

	// fresh still carries version 0.
	_, err = repo.ApplyEvaluation(ctx, fresh, approved)
	require.ErrorIs(t, err, ErrStaleReport)
	current, err := repo.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "under_review", current.Status)
	assert.Equal(t, 1, current.EvaluationVersion)

	final, err := repo.ApplyEvaluation(ctx, current, approved)
	require.NoError(t, err)
	assert.Equal(t, "approved", final.Status)
	assert.Equal(t, 2, final.EvaluationVersion)
	require.NotNil(t, final.ProcessedAt)
	assert.True(t, processed.Equal(*final.ProcessedAt))
	assert.Equal(t, 1, countOutbox(t, pool, id))

	// A racing consumer that read the same row loses and writes nothing.
	_, err = repo.ApplyEvaluation(ctx, current, approved)
	require.ErrorIs(t, err, ErrStaleReport)
	after, err := repo.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, after.EvaluationVersion)
	assert.Equal(t, 1, countOutbox(t, pool, id))
}

func TestRecordConflictKeepsWorkerClock(t *testing.T) {
	pool := testPool(t)
	repo := NewReportsRepo(pool)
	ctx := context.Background()

	id := seedReport(t, pool)
	score := 3.0
	processed := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.RecordConflict(ctx, models.EvaluationConflict{
		ReportID:       id,
		StoredStatus:   "approved",
		IncomingStatus: "rejected",
		IncomingScore:  &score,
		ProcessedAt:    &processed,
		MessageID:      "m-it",
		Payload:        []byte(`{"reportId":1}`),
	}))

	var stored time.Time
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT incoming_processed_at FROM report_evaluation_conflicts WHERE report_id = $1
	`, id).Scan(&stored))
	assert.True(t, processed.Equal(stored))
}
