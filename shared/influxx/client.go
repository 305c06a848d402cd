package influxx

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"report-evaluation-pipeline/shared/config"
)

const MeasurementReportEvaluation = "report_evaluation"

var ErrNotConfigured = errors.New("influxx: INFLUX_URL, INFLUX_TOKEN, INFLUX_ORG and INFLUX_BUCKET are required")

// Evaluation is one applied evaluation outcome.
type Evaluation struct {
	ReportID   int64
	GroupID    int64
	Status     string
	Score      *float64
	KeyResults map[string]float64
	AnalyzedAt time.Time
}

// Writer records evaluation outcomes as a time series, one point per report.
type Writer struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func New(cfg config.Config) (*Writer, error) {
	for _, v := range []string{cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket} {
		if strings.TrimSpace(v) == "" {
			return nil, ErrNotConfigured
		}
	}
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken,
		influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS)).
			SetPrecision(time.Second))
	return &Writer{
		client: client,
		write:  client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
	}, nil
}

// Ping reports whether the server answers.
func (w *Writer) Ping(ctx context.Context) error {
	ok, err := w.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influxx: server not ready")
	}
	return nil
}

func (w *Writer) WriteEvaluation(ctx context.Context, e Evaluation) error {
	return w.write.WritePoint(ctx, EvaluationPoint(e))
}

func (w *Writer) Close() {
	w.client.Close()
}

// EvaluationPoint tags by status and group. Key results become "kr_" fields
// so each indicator is its own column.
func EvaluationPoint(e Evaluation) *write.Point {
	ts := e.AnalyzedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p := influxdb2.NewPointWithMeasurement(MeasurementReportEvaluation).
		AddTag("status", e.Status).
		AddTag("group_id", strconv.FormatInt(e.GroupID, 10)).
		AddField("report_id", e.ReportID).
		SetTime(ts)
	if e.Score != nil {
		p.AddField("score", *e.Score)
	}
	for name, v := range e.KeyResults {
		p.AddField("kr_"+name, v)
	}
	return p
}
