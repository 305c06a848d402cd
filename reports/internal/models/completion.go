package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"report-evaluation-pipeline/shared/workflow"
)

var ErrMalformedEvent = errors.New("malformed completion event")

// CompletionEvent is a validated evaluation result. Only ParseCompletionEvent
// should construct one.
type CompletionEvent struct {
	ReportID     int64
	GroupID      *int64
	Score        *float64
	Status       string
	KeyResults   map[string]float64
	Observations []string
	ProcessedAt  *time.Time
}

// ParseCompletionEvent decodes a worker result. It accepts the bare object or
// a {"pattern", "data"} envelope, and both camelCase and snake_case ids.
// Any ambiguity is treated as malformed.
func ParseCompletionEvent(body []byte) (CompletionEvent, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return CompletionEvent{}, err
	}
	if data, ok := fields["data"]; ok && !isNull(data) && !hasAny(fields, "reportId", "report_id") {
		if fields, err = decodeObject(data); err != nil {
			return CompletionEvent{}, err
		}
	}

	var ev CompletionEvent
	rawID, err := pick(fields, "reportId", "report_id")
	if err != nil {
		return CompletionEvent{}, err
	}
	if rawID == nil {
		return CompletionEvent{}, fmt.Errorf("%w: reportId is required", ErrMalformedEvent)
	}
	if ev.ReportID, err = parseID(rawID); err != nil {
		return CompletionEvent{}, fmt.Errorf("%w: reportId: %v", ErrMalformedEvent, err)
	}

	rawGroup, err := pick(fields, "groupId", "group_id")
	if err != nil {
		return CompletionEvent{}, err
	}
	if rawGroup != nil {
		id, err := parseID(rawGroup)
		if err != nil {
			return CompletionEvent{}, fmt.Errorf("%w: groupId: %v", ErrMalformedEvent, err)
		}
		ev.GroupID = &id
	}

	rawStatus, ok := fields["status"]
	if !ok || isNull(rawStatus) {
		return CompletionEvent{}, fmt.Errorf("%w: status is required", ErrMalformedEvent)
	}
	var status string
	if err := json.Unmarshal(rawStatus, &status); err != nil {
		return CompletionEvent{}, fmt.Errorf("%w: status must be a string", ErrMalformedEvent)
	}
	ev.Status = workflow.NormalizeReportStatus(status)
	if !workflow.IsKnownStatus(ev.Status) {
		return CompletionEvent{}, fmt.Errorf("%w: unknown status %q, want one of %s",
			ErrMalformedEvent, status, strings.Join(workflow.AllReportStatuses(), ", "))
	}

	if rawScore, ok := fields["score"]; ok && !isNull(rawScore) {
		score, err := parseNumber(rawScore)
		if err != nil {
			return CompletionEvent{}, fmt.Errorf("%w: score: %v", ErrMalformedEvent, err)
		}
		ev.Score = &score
	}
	if ev.Score == nil && workflow.IsTerminal(ev.Status) {
		return CompletionEvent{}, fmt.Errorf("%w: score is required for status %s", ErrMalformedEvent, ev.Status)
	}

	if raw, ok := fields["keyResults"]; ok && !isNull(raw) {
		var kr map[string]json.RawMessage
		if err := json.Unmarshal(raw, &kr); err != nil {
			return CompletionEvent{}, fmt.Errorf("%w: keyResults must be an object", ErrMalformedEvent)
		}
		ev.KeyResults = make(map[string]float64, len(kr))
		for name, v := range kr {
			n, err := parseNumber(v)
			if err != nil {
				return CompletionEvent{}, fmt.Errorf("%w: keyResults.%s: %v", ErrMalformedEvent, name, err)
			}
			ev.KeyResults[name] = n
		}
	}

	if raw, ok := fields["observations"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &ev.Observations); err != nil {
			return CompletionEvent{}, fmt.Errorf("%w: observations must be a list of strings", ErrMalformedEvent)
		}
	}

	rawProcessed, err := pick(fields, "processedAt", "processed_at")
	if err != nil {
		return CompletionEvent{}, err
	}
	if rawProcessed != nil {
		var ts time.Time
		if err := json.Unmarshal(rawProcessed, &ts); err != nil {
			return CompletionEvent{}, fmt.Errorf("%w: processedAt must be RFC 3339", ErrMalformedEvent)
		}
		ts = ts.UTC()
		ev.ProcessedAt = &ts
	}
	return ev, nil
}

// Terminal reports whether applying the event would close the report.
func (e CompletionEvent) Terminal() bool {
	return workflow.IsTerminal(e.Status)
}

func decodeObject(body []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedEvent)
	}
	return fields, nil
}

// pick returns the value under either spelling; both present with different
// values is an error.
func pick(fields map[string]json.RawMessage, camel string, snake string) (json.RawMessage, error) {
	a, okA := fields[camel]
	b, okB := fields[snake]
	if okA && isNull(a) {
		okA = false
	}
	if okB && isNull(b) {
		okB = false
	}
	switch {
	case okA && okB:
		if !bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b)) {
			return nil, fmt.Errorf("%w: %s and %s disagree", ErrMalformedEvent, camel, snake)
		}
		return a, nil
	case okA:
		return a, nil
	case okB:
		return b, nil
	default:
		return nil, nil
	}
}

func hasAny(fields map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if v, ok := fields[k]; ok && !isNull(v) {
			return true
		}
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseID accepts a positive integer as a JSON number or numeric string.
func parseID(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(strings.TrimSpace(s))
	}
	id, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	if id <= 0 {
		return 0, errors.New("must be positive")
	}
	return id, nil
}

func parseNumber(raw json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, errors.New("must be a number")
		}
		if n, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, errors.New("must be a number")
		}
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, errors.New("must be finite")
	}
	return n, nil
}
