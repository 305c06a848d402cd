package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/shared/authx"
	"report-evaluation-pipeline/shared/httpx"
	"report-evaluation-pipeline/shared/logx"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditLog) error
}

// AuditQueue buffers audit entries and writes them in batches off the
// request path. When the buffer is full new entries are dropped and logged.
type AuditQueue struct {
	repo     AuditWriter
	logger   logx.Logger
	entries  chan models.AuditLog
	maxBatch int
	interval time.Duration
	timeout  time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewAuditQueue(repo AuditWriter, logger logx.Logger, capacity int) *AuditQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &AuditQueue{
		repo:     repo,
		logger:   logger,
		entries:  make(chan models.AuditLog, capacity),
		maxBatch: 64,
		interval: 500 * time.Millisecond,
		timeout:  2 * time.Second,
		done:     make(chan struct{}),
	}
}

// Enqueue never blocks.
func (q *AuditQueue) Enqueue(entry models.AuditLog) {
	select {
	case q.entries <- entry:
	default:
		q.logger.Warn(context.Background(), "audit_dropped", "audit buffer full",
			slog.String("request_id", entry.RequestID), slog.String("action", entry.Action))
	}
}

// Run flushes until Close is called, then drains what is left.
func (q *AuditQueue) Run() {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	batch := make([]models.AuditLog, 0, q.maxBatch)
	for {
		select {
		case e := <-q.entries:
			if batch = append(batch, e); len(batch) >= q.maxBatch {
				batch = q.flush(batch)
			}
		case <-ticker.C:
			batch = q.flush(batch)
		case <-q.done:
			for {
				select {
				case e := <-q.entries:
					batch = append(batch, e)
				default:
					q.flush(batch)
					return
				}
			}
		}
	}
}

func (q *AuditQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *AuditQueue) flush(batch []models.AuditLog) []models.AuditLog {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if err := q.repo.WriteAuditLog(ctx, batch); err != nil {
		q.logger.Warn(ctx, "audit_write_failed", "audit batch not stored",
			append(logx.Err("INTERNAL_ERROR", err), slog.Int("entries", len(batch)))...)
	}
	return batch[:0]
}

// AuditMiddleware records operator actions on reports plus rejected
// credentials. GETs that succeed are not audited.
type AuditMiddleware struct {
	Queue *AuditQueue
	Skip  func(*http.Request) bool
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if m.Queue == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := httpx.AsStatusRecorder(w)
		next.ServeHTTP(rec, r)

		status := rec.Status()
		action, ok := auditAction(r, status)
		if !ok {
			return
		}
		resourceType, resourceID := resourceFromPath(r.URL.Path)
		entry := models.AuditLog{
			OccurredAt:   start.UTC(),
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			RequestID:    httpx.RequestIDFromContext(r.Context()),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   status,
			DurationMS:   time.Since(start).Milliseconds(),
			ClientIP:     httpx.ClientIP(r),
			UserAgent:    strings.TrimSpace(r.UserAgent()),
		}
		if p, ok := authx.PrincipalFrom(r.Context()); ok {
			entry.Subject = p.Subject
		}
		entry.Details, _ = json.Marshal(auditDetails{Status: status, Query: r.URL.RawQuery})
		m.Queue.Enqueue(entry)
	})
}

type auditDetails struct {
	Status int    `json:"status_code"`
	Query  string `json:"query,omitempty"`
}

func auditAction(r *http.Request, status int) (string, bool) {
	switch status {
	case http.StatusUnauthorized:
		return "auth_failed", true
	case http.StatusForbidden:
		return "permission_denied", true
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "", false
	}
	if strings.HasSuffix(strings.TrimRight(r.URL.Path, "/"), "/dispatch") {
		if r.URL.Query().Get("force") == "true" {
			return "dispatch_forced", true
		}
		return "dispatch", true
	}
	return strings.ToLower(r.Method), true
}

// resourceFromPath maps /api/v1/{resource}/{id}/... to (resource, id).
func resourceFromPath(path string) (*string, *string) {
	rest, ok := strings.CutPrefix(strings.Trim(path, "/"), "api/v1/")
	if !ok || rest == "" {
		return nil, nil
	}
	resource, tail, _ := strings.Cut(rest, "/")
	id, _, _ := strings.Cut(tail, "/")
	if id = strings.TrimSpace(id); id == "" {
		return &resource, nil
	}
	return &resource, &id
}
