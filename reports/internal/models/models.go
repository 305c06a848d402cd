package models

import (
	"time"

	"github.com/google/uuid"
)

// Report carries the pipeline-owned columns of a report row.
type Report struct {
	ID                int64              // report id
	GroupID           int64              // owning group
	SubmissionID      int64              // submission the artifact belongs to
	FileURL           string             // artifact location
	PublicID          string             // storage provider id, may be empty
	Status            string             // under_review | approved | rejected
	Score             *float64           // worker score
	Observations      []string           // worker notes
	KeyResults        map[string]float64 // indicator key -> outcome
	AnalyzedAt        *time.Time         // last applied evaluation
	ProcessedAt       *time.Time         // worker clock of that evaluation, informational
	EvaluationVersion int                // bumped on every applied evaluation
	DispatchedAt      *time.Time         // last confirmed dispatch
	DispatchMessageID *string            // broker message id of that dispatch
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const (
	IndicatorKindMin = "MIN"
	IndicatorKindMax = "MAX"
)

type Indicator struct {
	ID           int64
	Key          string
	Title        string
	ThresholdMin *float64
	ThresholdMax *float64
	Kind         string
	Active       bool
}

// Evaluation is the state written by one applied completion event.
type Evaluation struct {
	Status       string
	Score        *float64
	KeyResults   map[string]float64
	Observations []string
	AnalyzedAt   time.Time
	ProcessedAt  *time.Time
}

// EvaluationConflict is a completion event rejected because the report was already terminal.
type EvaluationConflict struct {
	ReportID       int64
	StoredStatus   string
	StoredScore    *float64
	IncomingStatus string
	IncomingScore  *float64
	ProcessedAt    *time.Time
	MessageID      string
	Payload        []byte
	DetectedAt     time.Time
}

type OutboxEvent struct {
	EventID       uuid.UUID  `db:"event_id"`
	AggregateType string     `db:"aggregate_type"`
	AggregateID   string     `db:"aggregate_id"`
	EventType     string     `db:"event_type"`
	Topic         string     `db:"topic"`
	Payload       []byte     `db:"payload"`
	Status        string     `db:"status"`
	Attempts      int        `db:"attempts"`
	NextRetryAt   *time.Time `db:"next_retry_at"`
	LockedAt      *time.Time `db:"locked_at"`
	LockedBy      *string    `db:"locked_by"`
	LastError     *string    `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	PublishedAt   *time.Time `db:"published_at"`
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}

// DispatchReceipt is returned once the broker confirmed a work item.
type DispatchReceipt struct {
	ReportID    int64
	MessageID   string
	Exchange    string
	RoutingKey  string
	Attempts    int
	RequestedAt time.Time
	ConfirmedAt time.Time
	WorkItem    WorkItem
}
