package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/reports/internal/repos"
	"report-evaluation-pipeline/shared/brokerx"
	"report-evaluation-pipeline/shared/lockx"
	"report-evaluation-pipeline/shared/logx"
)

const (
	testExchange = "amq.topic"
	testKey      = "report.evaluation.requested"
	testQueue    = "report_processing"
)

type fakeStore struct {
	mu          sync.Mutex
	reports     map[int64]models.Report
	dispatched  map[int64]string
	markErr     error
	markedCalls int
}

func newFakeStore(reports ...models.Report) *fakeStore {
	s := &fakeStore{reports: map[int64]models.Report{}, dispatched: map[int64]string{}}
	for _, r := range reports {
		s.reports[r.ID] = r
	}
	return s
}

func (s *fakeStore) GetReport(_ context.Context, id int64) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return models.Report{}, repos.ErrReportNotFound
	}
	return r, nil
}

func (s *fakeStore) MarkDispatched(_ context.Context, id int64, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedCalls++
	if s.markErr != nil {
		return s.markErr
	}
	r := s.reports[id]
	r.DispatchedAt = &at
	r.DispatchMessageID = &messageID
	s.reports[id] = r
	s.dispatched[id] = messageID
	return nil
}

type staticIndicators struct {
	list []models.Indicator
	err  error
}

func (s staticIndicators) FindAllActive(context.Context) ([]models.Indicator, error) {
	return s.list, s.err
}

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

type heldLocker struct{}

func (heldLocker) WithLock(context.Context, string, time.Duration, func(ctx context.Context) error) error {
	return lockx.ErrHeld
}

type passLocker struct{ keys []string }

func (l *passLocker) WithLock(ctx context.Context, key string, _ time.Duration, fn func(ctx context.Context) error) error {
	l.keys = append(l.keys, key)
	return fn(ctx)
}

func ptr(v float64) *float64 { return &v }

func underReview(id int64) models.Report {
	return models.Report{ID: id, GroupID: 3, SubmissionID: 11, FileURL: "https://files/r.pdf", Status: "under_review"}
}

func activeIndicators() []models.Indicator {
	return []models.Indicator{
		{ID: 1, Key: "AI_PERCENTAGE", Title: "AI share", ThresholdMax: ptr(20), Kind: "MAX", Active: true},
		{ID: 2, Key: "ABNT", Title: "ABNT", ThresholdMin: ptr(70), Kind: "MIN", Active: true},
	}
}

type harness struct {
	transport *brokerx.MemoryTransport
	store     *fakeStore
	sleeper   *recordingSleeper
	d         *Dispatcher
}

func newHarness(t *testing.T, cfg Config, store *fakeStore, locker Locker) harness {
	t.Helper()
	transport := brokerx.NewMemoryTransport()
	require.NoError(t, transport.DeclareDurableQueue(context.Background(), brokerx.QueueSpec{
		Name: testQueue, Exchange: testExchange, RoutingKeys: []string{testKey},
	}))
	sleeper := &recordingSleeper{}
	cfg.Exchange = testExchange
	cfg.RoutingKey = testKey
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 10 * time.Second
	}
	d := New(Deps{
		Publisher:  transport,
		Reports:    store,
		Indicators: staticIndicators{list: activeIndicators()},
		Locker:     locker,
		Logger:     logx.Nop(),
		Sleep:      sleeper.Sleep,
	}, cfg)
	return harness{transport: transport, store: store, sleeper: sleeper, d: d}
}

func TestDispatchPublishesOneWorkItem(t *testing.T) {
	h := newHarness(t, Config{}, newFakeStore(), nil)

	receipt, err := h.d.Dispatch(context.Background(), underReview(42), activeIndicators(), Options{Priority: models.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Attempts)
	assert.NotEmpty(t, receipt.MessageID)

	published := h.transport.Published()
	require.Len(t, published, 1)
	assert.Equal(t, testKey, published[0].RoutingKey)
	assert.Equal(t, uint8(9), published[0].Options.Priority)
	assert.Equal(t, receipt.MessageID, published[0].Options.MessageID)
	assert.Equal(t, 1, h.transport.Pending(testQueue))

	var wire models.WorkItem
	require.NoError(t, json.Unmarshal(published[0].Body, &wire))
	assert.Equal(t, int64(42), wire.ReportID)
	assert.Len(t, wire.Indicators, 2)
	assert.Empty(t, h.sleeper.delays)
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3}, newFakeStore(underReview(7)), nil)
	h.transport.FailNextPublishes(brokerx.ErrNotConnected, brokerx.ErrNotConnected, brokerx.ErrNotConnected)

	_, err := h.d.DispatchReport(context.Background(), 7, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportExhausted)
	assert.ErrorIs(t, err, brokerx.ErrNotConnected)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 3, derr.Attempts)
	assert.True(t, derr.Retriable())
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, h.sleeper.delays)

	assert.Empty(t, h.transport.Published())
	assert.Zero(t, h.store.markedCalls)
	r, _ := h.store.GetReport(context.Background(), 7)
	assert.Equal(t, "under_review", r.Status)
	assert.Nil(t, r.DispatchedAt)
}

func TestDispatchRecoversWithinBudget(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3, BaseBackoff: time.Second}, newFakeStore(underReview(5)), nil)
	h.transport.FailNextPublishes(brokerx.ErrNacked)

	receipt, err := h.d.DispatchReport(context.Background(), 5, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, h.sleeper.delays)
	assert.Equal(t, receipt.MessageID, h.store.dispatched[5])
}

func TestDispatchDoesNotRetryPermanentErrors(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3}, newFakeStore(), nil)
	h.transport.FailNextPublishes(brokerx.ErrUnroutable)

	_, err := h.d.Dispatch(context.Background(), underReview(8), activeIndicators(), Options{})
	assert.ErrorIs(t, err, ErrPublishRejected)
	assert.ErrorIs(t, err, brokerx.ErrUnroutable)
	assert.Empty(t, h.sleeper.delays)
}

func TestDispatchRejectsBeforePublishing(t *testing.T) {
	h := newHarness(t, Config{}, newFakeStore(), nil)
	ctx := context.Background()

	approved := underReview(1)
	approved.Status = "approved"
	_, err := h.d.Dispatch(ctx, approved, activeIndicators(), Options{})
	assert.ErrorIs(t, err, ErrNotDispatchable)

	_, err = h.d.Dispatch(ctx, underReview(2), nil, Options{})
	assert.ErrorIs(t, err, ErrNoIndicators)

	noArtifact := underReview(3)
	noArtifact.FileURL = ""
	_, err = h.d.Dispatch(ctx, noArtifact, activeIndicators(), Options{})
	assert.ErrorIs(t, err, ErrInvalidWorkItem)
	assert.ErrorIs(t, err, models.ErrInvalidWorkItem)

	assert.Empty(t, h.transport.Published())
}

func TestDispatchAllowsEmptyIndicatorsWhenConfigured(t *testing.T) {
	h := newHarness(t, Config{AllowEmptyIndicators: true}, newFakeStore(), nil)

	receipt, err := h.d.Dispatch(context.Background(), underReview(2), nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, receipt.WorkItem.Indicators)
}

func TestDispatchSnapshotIsImmutable(t *testing.T) {
	h := newHarness(t, Config{}, newFakeStore(), nil)
	inds := activeIndicators()

	receipt, err := h.d.Dispatch(context.Background(), underReview(9), inds, Options{})
	require.NoError(t, err)
	*inds[0].ThresholdMax = 99
	inds[1].Title = "renamed"

	var wire models.WorkItem
	require.NoError(t, json.Unmarshal(h.transport.Published()[0].Body, &wire))
	assert.Equal(t, 20.0, *wire.Indicators[0].Max)
	assert.Equal(t, 20.0, *receipt.WorkItem.Indicators[0].Max)
	assert.Equal(t, "ABNT", receipt.WorkItem.Indicators[1].Title)
}

func TestDispatchReportRefusesRedispatchUnlessForced(t *testing.T) {
	store := newFakeStore(underReview(4))
	locker := &passLocker{}
	h := newHarness(t, Config{}, store, locker)
	ctx := context.Background()

	first, err := h.d.DispatchReport(ctx, 4, Options{})
	require.NoError(t, err)

	_, err = h.d.DispatchReport(ctx, 4, Options{})
	assert.ErrorIs(t, err, ErrAlreadyDispatched)

	second, err := h.d.DispatchReport(ctx, 4, Options{Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, second.MessageID)
	assert.Len(t, h.transport.Published(), 2)
	assert.Equal(t, []string{"lock:report:dispatch:4", "lock:report:dispatch:4", "lock:report:dispatch:4"}, locker.keys)
}

func TestDispatchReportLockHeld(t *testing.T) {
	h := newHarness(t, Config{}, newFakeStore(underReview(4)), heldLocker{})

	_, err := h.d.DispatchReport(context.Background(), 4, Options{})
	assert.ErrorIs(t, err, ErrInProgress)
	assert.ErrorIs(t, err, lockx.ErrHeld)
	assert.Empty(t, h.transport.Published())
}

func TestDispatchReportUnknownReport(t *testing.T) {
	h := newHarness(t, Config{}, newFakeStore(), nil)

	_, err := h.d.DispatchReport(context.Background(), 404, Options{})
	assert.ErrorIs(t, err, repos.ErrReportNotFound)
}

func TestDispatchReportBookkeepingFailureStillSucceeds(t *testing.T) {
	store := newFakeStore(underReview(6))
	store.markErr = errors.New("db down")
	h := newHarness(t, Config{}, store, nil)

	receipt, err := h.d.DispatchReport(context.Background(), 6, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
	assert.Equal(t, 1, store.markedCalls)
}

func TestDispatchStopsWhenContextCancelled(t *testing.T) {
	transport := brokerx.NewMemoryTransport()
	transport.FailNextPublishes(brokerx.ErrNotConnected)
	ctx, cancel := context.WithCancel(context.Background())
	d := New(Deps{
		Publisher: transport,
		Logger:    logx.Nop(),
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}, Config{Exchange: testExchange, RoutingKey: testKey})

	_, err := d.Dispatch(ctx, underReview(1), activeIndicators(), Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTransportExhausted)
}

func TestBackoffDoubles(t *testing.T) {
	d := New(Deps{}, Config{BaseBackoff: 10 * time.Second})
	assert.Equal(t, 10*time.Second, d.backoff(1))
	assert.Equal(t, 20*time.Second, d.backoff(2))
	assert.Equal(t, 40*time.Second, d.backoff(3))
}

func TestDispatchStopsAtCallerDeadlineWithTypedError(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3}, newFakeStore(underReview(7)), nil)
	h.transport.FailNextPublishes(brokerx.ErrNotConnected, brokerx.ErrNotConnected, brokerx.ErrNotConnected)

	// Room for the first 10s backoff but not for the 20s one after it.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := h.d.DispatchReport(ctx, 7, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportExhausted)
	assert.ErrorIs(t, err, brokerx.ErrNotConnected)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 2, derr.Attempts)
	assert.Equal(t, []time.Duration{10 * time.Second}, h.sleeper.delays)
	assert.Zero(t, h.store.markedCalls)
}

func TestDispatchDeadlineDuringBackoffIsExhaustion(t *testing.T) {
	transport := brokerx.NewMemoryTransport()
	transport.FailNextPublishes(brokerx.ErrNotConnected)
	d := New(Deps{
		Publisher: transport,
		Logger:    logx.Nop(),
		Sleep: func(context.Context, time.Duration) error {
			return context.DeadlineExceeded
		},
	}, Config{Exchange: testExchange, RoutingKey: testKey, MaxAttempts: 3})

	_, err := d.Dispatch(context.Background(), underReview(9), activeIndicators(), Options{})
	assert.ErrorIs(t, err, ErrTransportExhausted)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 1, derr.Attempts)
	assert.True(t, derr.Retriable())
}
