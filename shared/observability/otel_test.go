package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/logx"
)

func TestInitTracerWithoutEndpoint(t *testing.T) {
	cfg := TracerConfigFrom(config.Config{ServiceName: "reports-api", Env: "test"}, "1.0.0", logx.Nop())
	shutdown, err := InitTracer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	fields := otel.GetTextMapPropagator().Fields()
	found := false
	for _, f := range fields {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("trace context propagator not installed: %v", fields)
	}
}
