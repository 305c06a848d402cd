package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidWorkItem = errors.New("invalid work item")

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority maps "" to normal and rejects anything else unknown.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

// AMQP maps the advisory priority onto a message priority byte.
func (p Priority) AMQP() uint8 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 9
	default:
		return 5
	}
}

type WorkItemIndicator struct {
	ID       int64    `json:"id"`
	Key      string   `json:"key"`
	Title    string   `json:"title"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Type     string   `json:"type"`
	IsActive bool     `json:"isActive"`
}

// WorkItem is the evaluation request sent to the worker. Build it with
// NewWorkItem; the indicator snapshot shares no memory with its source.
type WorkItem struct {
	ReportID     int64               `json:"reportId"`
	GroupID      int64               `json:"groupId"`
	SubmissionID int64               `json:"submissionId"`
	FileURL      string              `json:"fileUrl"`
	PublicID     string              `json:"publicId,omitempty"`
	Indicators   []WorkItemIndicator `json:"indicators"`
	RequestedAt  time.Time           `json:"requestedAt"`
	Priority     Priority            `json:"priority"`
}

func NewWorkItem(report Report, indicators []Indicator, priority Priority, requestedAt time.Time) (WorkItem, error) {
	if report.ID <= 0 {
		return WorkItem{}, fmt.Errorf("%w: report id must be positive", ErrInvalidWorkItem)
	}
	if strings.TrimSpace(report.FileURL) == "" {
		return WorkItem{}, fmt.Errorf("%w: report %d has no artifact reference", ErrInvalidWorkItem, report.ID)
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if _, err := ParsePriority(string(priority)); err != nil {
		return WorkItem{}, fmt.Errorf("%w: %v", ErrInvalidWorkItem, err)
	}

	snapshot := make([]WorkItemIndicator, 0, len(indicators))
	for _, ind := range indicators {
		kind := strings.ToUpper(strings.TrimSpace(ind.Kind))
		if kind != IndicatorKindMin && kind != IndicatorKindMax {
			return WorkItem{}, fmt.Errorf("%w: indicator %d has kind %q", ErrInvalidWorkItem, ind.ID, ind.Kind)
		}
		snapshot = append(snapshot, WorkItemIndicator{
			ID:       ind.ID,
			Key:      ind.Key,
			Title:    ind.Title,
			Min:      copyFloat(ind.ThresholdMin),
			Max:      copyFloat(ind.ThresholdMax),
			Type:     kind,
			IsActive: ind.Active,
		})
	}

	return WorkItem{
		ReportID:     report.ID,
		GroupID:      report.GroupID,
		SubmissionID: report.SubmissionID,
		FileURL:      strings.TrimSpace(report.FileURL),
		PublicID:     strings.TrimSpace(report.PublicID),
		Indicators:   snapshot,
		RequestedAt:  requestedAt.UTC(),
		Priority:     priority,
	}, nil
}

func (w WorkItem) Encode() ([]byte, error) {
	return json.Marshal(w)
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
