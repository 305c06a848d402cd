package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/shared/dbx"
	"report-evaluation-pipeline/shared/events"
	"report-evaluation-pipeline/shared/workflow"
)

var (
	ErrReportNotFound = errors.New("report not found")
	ErrStaleReport    = errors.New("report changed since it was read")
)

const reportColumns = `id, group_id, submission_id, file_url, public_id, status, score, observations,
	key_results, analyzed_at, processed_at, evaluation_version, dispatched_at, dispatch_message_id, created_at, updated_at`

type ReportsRepo struct {
	pool   *pgxpool.Pool
	outbox *OutboxRepo
}

func NewReportsRepo(pool *pgxpool.Pool) *ReportsRepo {
	return &ReportsRepo{pool: pool, outbox: NewOutboxRepo(pool)}
}

func (r *ReportsRepo) GetReport(ctx context.Context, id int64) (models.Report, error) {
	report, err := scanReport(r.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Report{}, ErrReportNotFound
	}
	return report, err
}

// ApplyEvaluation writes eval only if the row still has the status and
// version of expected; otherwise it returns ErrStaleReport. A terminal
// status also queues a report.evaluated event in the same transaction.
func (r *ReportsRepo) ApplyEvaluation(ctx context.Context, expected models.Report, eval models.Evaluation) (models.Report, error) {
	keyResults, err := json.Marshal(eval.KeyResults)
	if err != nil {
		return models.Report{}, err
	}
	if eval.KeyResults == nil {
		keyResults = nil
	}
	observations := eval.Observations
	if observations == nil {
		observations = []string{}
	}

	var updated models.Report
	err = dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		updated, err = scanReport(tx.QueryRow(ctx, `
			UPDATE reports
			SET status = $4, score = $5, key_results = $6, observations = $7, analyzed_at = $8, processed_at = $9,
				evaluation_version = evaluation_version + 1, updated_at = now()
			WHERE id = $1 AND status = $2 AND evaluation_version = $3
			RETURNING `+reportColumns,
			expected.ID, expected.Status, expected.EvaluationVersion,
			eval.Status, eval.Score, keyResults, observations, eval.AnalyzedAt, eval.ProcessedAt,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleReport
		}
		if err != nil {
			return err
		}
		if !workflow.IsTerminal(updated.Status) {
			return nil
		}
		event, err := evaluatedEvent(updated, eval)
		if err != nil {
			return err
		}
		_, err = r.outbox.Insert(ctx, tx, event)
		return err
	})
	if err != nil {
		return models.Report{}, err
	}
	return updated, nil
}

func evaluatedEvent(report models.Report, eval models.Evaluation) (models.OutboxEvent, error) {
	payload, err := json.Marshal(events.ReportEvaluated{
		ReportID:     report.ID,
		GroupID:      report.GroupID,
		SubmissionID: report.SubmissionID,
		Status:       report.Status,
		Score:        report.Score,
		KeyResults:   report.KeyResults,
		AnalyzedAt:   eval.AnalyzedAt,
	})
	if err != nil {
		return models.OutboxEvent{}, err
	}
	env := events.Envelope{
		EventID:       uuid.New(),
		OccurredAt:    eval.AnalyzedAt,
		AggregateType: events.AggregateReport,
		AggregateID:   events.ReportAggregateID(report.ID),
		EventType:     events.EventReportEvaluated,
		Payload:       payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return models.OutboxEvent{
		EventID:       env.EventID,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		EventType:     env.EventType,
		Topic:         events.TopicReportEvaluated,
		Payload:       body,
		CreatedAt:     eval.AnalyzedAt,
	}, nil
}

// MarkDispatched records the confirmed publish; the status is left alone.
func (r *ReportsRepo) MarkDispatched(ctx context.Context, id int64, messageID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE reports
		SET dispatched_at = $2, dispatch_message_id = $3, updated_at = now()
		WHERE id = $1
	`, id, at, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReportNotFound
	}
	return nil
}

// ListStaleUndispatched returns under_review reports created before olderThan
// that were never dispatched, oldest first.
func (r *ReportsRepo) ListStaleUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]models.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE status = $1 AND dispatched_at IS NULL AND created_at <= $2
		ORDER BY created_at ASC
		LIMIT $3
	`, workflow.ReportStatusUnderReview, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

func (r *ReportsRepo) RecordConflict(ctx context.Context, c models.EvaluationConflict) error {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	payload := c.Payload
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return err
		}
		payload = quoted
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO report_evaluation_conflicts (
			report_id, stored_status, stored_score, incoming_status, incoming_score, incoming_processed_at,
			message_id, payload, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ReportID, c.StoredStatus, c.StoredScore, c.IncomingStatus, c.IncomingScore, c.ProcessedAt,
		nullIfEmpty(c.MessageID), payload, c.DetectedAt)
	return err
}

func scanReport(row pgx.Row) (models.Report, error) {
	var (
		report     models.Report
		keyResults []byte
	)
	err := row.Scan(
		&report.ID, &report.GroupID, &report.SubmissionID, &report.FileURL, &report.PublicID, &report.Status,
		&report.Score, &report.Observations, &keyResults, &report.AnalyzedAt, &report.ProcessedAt, &report.EvaluationVersion,
		&report.DispatchedAt, &report.DispatchMessageID, &report.CreatedAt, &report.UpdatedAt,
	)
	if err != nil {
		return models.Report{}, err
	}
	if len(keyResults) > 0 {
		if err := json.Unmarshal(keyResults, &report.KeyResults); err != nil {
			return models.Report{}, fmt.Errorf("decode key_results of report %d: %w", report.ID, err)
		}
	}
	return report, nil
}
