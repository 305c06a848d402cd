package events

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every status event relayed from the outbox to Kafka.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	AggregateReport = "report"

	EventReportEvaluated = "report.evaluated"
)

const (
	TopicReportEvaluated = "report.evaluated"
)

const (
	RoutingEvaluationRequested = "report.evaluation.requested"
	RoutingEvaluationCompleted = "report.evaluation.completed"
)

// ReportEvaluated is the payload of EventReportEvaluated.
type ReportEvaluated struct {
	ReportID     int64              `json:"report_id"`
	GroupID      int64              `json:"group_id"`
	SubmissionID int64              `json:"submission_id"`
	Status       string             `json:"status"`
	Score        *float64           `json:"score,omitempty"`
	KeyResults   map[string]float64 `json:"key_results,omitempty"`
	AnalyzedAt   time.Time          `json:"analyzed_at"`
}

func ReportAggregateID(reportID int64) string {
	return strconv.FormatInt(reportID, 10)
}
