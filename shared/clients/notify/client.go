package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"report-evaluation-pipeline/shared/metricsx"
)

// EvaluationNotice asks the notification service to tell a group about a
// finished evaluation. Delivery channel and templates are the service's concern.
type EvaluationNotice struct {
	EventID    string   `json:"event_id"`
	ReportID   int64    `json:"report_id"`
	GroupID    int64    `json:"group_id"`
	Status     string   `json:"status"`
	Score      *float64 `json:"score,omitempty"`
	AnalyzedAt string   `json:"analyzed_at"`
}

// ErrRejected is a 4xx answer other than 409 and 429; resending the same
// notice will not change it.
var ErrRejected = errors.New("notification rejected")

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL string, token string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("notify service url required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// NotifyEvaluation is idempotent on the service side by EventID.
func (c *Client) NotifyEvaluation(ctx context.Context, notice EvaluationNotice) error {
	err := c.postJSON(ctx, "/api/v1/notifications/report-evaluated", notice.EventID, notice)
	if err != nil {
		metricsx.IncNotifyFailure()
	}
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, idempotencyKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code < 300, code == http.StatusConflict:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil
	case code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("notify service: status %d", code)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, code, strings.TrimSpace(string(snippet)))
	}
}
