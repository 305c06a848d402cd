package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"report-evaluation-pipeline/shared/logx"
)

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Priority string `json:"priority"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"priority":"high"}`))
	if err := DecodeJSON(req, &dst); err != nil || dst.Priority != "high" {
		t.Fatalf("decode: %v %+v", err, dst)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"priority":"high"} {"priority":"low"}`))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Fatalf("expected trailing data to be rejected")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"prio":"high"}`))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	if err := DecodeJSON(req, &dst); err != nil {
		t.Fatalf("empty body: %v", err)
	}
}

func TestWithTimeoutAnswersSilentHandler(t *testing.T) {
	h := WithTimeout(10*time.Millisecond, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reports/1/dispatch", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestWithTimeoutKeepsHandlerResponse(t *testing.T) {
	h := WithTimeout(10*time.Millisecond, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "broker down", nil)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After on 503")
	}
}

func TestRecoverAndRequestID(t *testing.T) {
	h := WithRequestID(WithRecover(logx.Nop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Error.RequestID != "req-1" || env.Error.Code != "INTERNAL_ERROR" {
		t.Fatalf("unexpected envelope %+v", env.Error)
	}
}

func TestStatusRecorderIsShared(t *testing.T) {
	outer := AsStatusRecorder(httptest.NewRecorder())
	if AsStatusRecorder(outer) != outer {
		t.Fatalf("expected recorder to be reused")
	}
	_, _ = outer.Write([]byte("ok"))
	if outer.Status() != http.StatusOK || outer.Bytes() != 2 || !outer.WroteHeader() {
		t.Fatalf("unexpected recorder state: %d %d", outer.Status(), outer.Bytes())
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	if got := ClientIP(req); got != "10.0.0.9" {
		t.Fatalf("peer ip = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.7" {
		t.Fatalf("forwarded ip = %q", got)
	}
}
