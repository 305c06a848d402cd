package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestLoggerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "consumer", "test", "1.2.3", "info").With(slog.String("component", "results"))

	l.Warn(context.Background(), "completion_malformed", "missing report id",
		append(Err("INVALID_ARGUMENT", errors.New("report_id is required")), slog.Int64("report_id", 0))...,
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["event"] != "completion_malformed" {
		t.Fatalf("unexpected event: %v", rec["event"])
	}
	if rec["level"] != "WARN" {
		t.Fatalf("unexpected level: %v", rec["level"])
	}
	if _, ok := rec["ts"]; !ok {
		t.Fatalf("missing ts key")
	}
	if rec["service"] != "consumer" || rec["version"] != "1.2.3" || rec["component"] != "results" {
		t.Fatalf("missing base attrs: %v", rec)
	}
	if rec["error_code"] != "INVALID_ARGUMENT" || rec["error"] != "report_id is required" {
		t.Fatalf("missing error attrs: %v", rec)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "api", "test", "", "error")
	l.Info(context.Background(), "noise", "dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
}

func TestLoggerAddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "api", "test", "", "info")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b},
		SpanID:     trace.SpanID{0x01},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "report_dispatched", "work item confirmed")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["trace_id"] != sc.TraceID().String() || rec["span_id"] != sc.SpanID().String() {
		t.Fatalf("missing trace ids: %v", rec)
	}
}
