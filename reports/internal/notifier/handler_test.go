package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-evaluation-pipeline/shared/clients/notify"
	"report-evaluation-pipeline/shared/events"
	"report-evaluation-pipeline/shared/influxx"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/mqx"
)

type pointRecorder struct {
	err    error
	points []influxx.Evaluation
}

func (p *pointRecorder) WriteEvaluation(_ context.Context, e influxx.Evaluation) error {
	p.points = append(p.points, e)
	return p.err
}

type cacheRecorder struct{ forgotten []int64 }

func (c *cacheRecorder) ForgetEvaluations(_ context.Context, reportIDs ...int64) error {
	c.forgotten = append(c.forgotten, reportIDs...)
	return nil
}

type noticeRecorder struct {
	err     error
	notices []notify.EvaluationNotice
}

func (n *noticeRecorder) NotifyEvaluation(_ context.Context, notice notify.EvaluationNotice) error {
	n.notices = append(n.notices, notice)
	return n.err
}

func evaluatedEnvelope(t *testing.T) events.Envelope {
	t.Helper()
	score := 8.5
	payload, err := json.Marshal(events.ReportEvaluated{
		ReportID:   42,
		GroupID:    7,
		Status:     "approved",
		Score:      &score,
		KeyResults: map[string]float64{"ABNT": 80},
		AnalyzedAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return events.Envelope{
		EventID:       uuid.New(),
		AggregateType: events.AggregateReport,
		AggregateID:   "42",
		EventType:     events.EventReportEvaluated,
		Payload:       payload,
	}
}

func TestHandleFansOut(t *testing.T) {
	points, cache, notices := &pointRecorder{}, &cacheRecorder{}, &noticeRecorder{}
	h := NewHandler(points, cache, notices, logx.Nop())
	env := evaluatedEnvelope(t)

	require.NoError(t, h.Handle(context.Background(), env))

	require.Len(t, points.points, 1)
	assert.Equal(t, int64(42), points.points[0].ReportID)
	assert.Equal(t, 8.5, *points.points[0].Score)
	assert.Equal(t, []int64{42}, cache.forgotten)
	require.Len(t, notices.notices, 1)
	assert.Equal(t, env.EventID.String(), notices.notices[0].EventID)
	assert.Equal(t, "2024-06-01T10:00:00Z", notices.notices[0].AnalyzedAt)
}

func TestHandleInfluxFailureIsBestEffort(t *testing.T) {
	notices := &noticeRecorder{}
	h := NewHandler(&pointRecorder{err: errors.New("influx down")}, nil, notices, logx.Nop())

	require.NoError(t, h.Handle(context.Background(), evaluatedEnvelope(t)))
	assert.Len(t, notices.notices, 1)
}

func TestHandleNotifyFailureIsReturned(t *testing.T) {
	h := NewHandler(nil, nil, &noticeRecorder{err: errors.New("503")}, logx.Nop())
	assert.Error(t, h.Handle(context.Background(), evaluatedEnvelope(t)))
}

func TestHandleNotifyRejectionIsPermanent(t *testing.T) {
	rejected := fmt.Errorf("%w: status 422", notify.ErrRejected)
	h := NewHandler(nil, nil, &noticeRecorder{err: rejected}, logx.Nop())

	err := h.Handle(context.Background(), evaluatedEnvelope(t))
	assert.ErrorIs(t, err, mqx.ErrPermanent)
}

func TestHandleIgnoresOtherEvents(t *testing.T) {
	notices := &noticeRecorder{}
	h := NewHandler(nil, nil, notices, logx.Nop())
	env := evaluatedEnvelope(t)
	env.EventType = "report.archived"

	require.NoError(t, h.Handle(context.Background(), env))
	env.EventType = events.EventReportEvaluated
	env.Payload = json.RawMessage(`"not an object"`)
	require.NoError(t, h.Handle(context.Background(), env))
	assert.Empty(t, notices.notices)
}
