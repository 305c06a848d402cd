package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNotifyEvaluation(t *testing.T) {
	var got EvaluationNotice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/notifications/report-evaluated" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "e-1" {
			t.Errorf("missing idempotency key")
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", "secret", time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	score := 8.5
	if err := c.NotifyEvaluation(context.Background(), EvaluationNotice{EventID: "e-1", ReportID: 42, Status: "approved", Score: &score}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.ReportID != 42 || got.Score == nil || *got.Score != 8.5 {
		t.Fatalf("unexpected notice %+v", got)
	}
}

func TestNotifyEvaluationTreatsConflictAsDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", time.Second)
	if err := c.NotifyEvaluation(context.Background(), EvaluationNotice{EventID: "e-1"}); err != nil {
		t.Fatalf("conflict should mean already notified: %v", err)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	c, _ = NewClient(failing.URL, "", time.Second)
	if err := c.NotifyEvaluation(context.Background(), EvaluationNotice{EventID: "e-2"}); err == nil {
		t.Fatalf("expected error on 500")
	}
}

func TestNotifyEvaluationClassifiesRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") == "throttled" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"unknown group"}`))
	}))
	defer srv.Close()
	c, _ := NewClient(srv.URL, "", time.Second)

	err := c.NotifyEvaluation(context.Background(), EvaluationNotice{EventID: "e-3"})
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "unknown group") {
		t.Fatalf("err = %v, want ErrRejected with body", err)
	}
	err = c.NotifyEvaluation(context.Background(), EvaluationNotice{EventID: "throttled"})
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("429 should be retryable, got %v", err)
	}
}
