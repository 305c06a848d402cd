package results

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/reports/internal/repos"
	"report-evaluation-pipeline/shared/brokerx"
	"report-evaluation-pipeline/shared/logx"
)

// casStore is an in-memory report table honouring the same
// status+version compare-and-set as the Postgres repo.
type casStore struct {
	mu        sync.Mutex
	reports   map[int64]models.Report
	conflicts []models.EvaluationConflict
	applied   int
	getErr    error
	staleOnce bool
}

func newCASStore(reports ...models.Report) *casStore {
	s := &casStore{reports: map[int64]models.Report{}}
	for _, r := range reports {
		s.reports[r.ID] = r
	}
	return s
}

func (s *casStore) GetReport(_ context.Context, id int64) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return models.Report{}, s.getErr
	}
	r, ok := s.reports[id]
	if !ok {
		return models.Report{}, repos.ErrReportNotFound
	}
	return r, nil
}

func (s *casStore) ApplyEvaluation(_ context.Context, expected models.Report, eval models.Evaluation) (models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleOnce {
		s.staleOnce = false
		return models.Report{}, repos.ErrStaleReport
	}
	current := s.reports[expected.ID]
	if current.Status != expected.Status || current.EvaluationVersion != expected.EvaluationVersion {
		return models.Report{}, repos.ErrStaleReport
	}
	analyzed := eval.AnalyzedAt
	current.Status = eval.Status
	current.Score = eval.Score
	current.KeyResults = eval.KeyResults
	current.Observations = eval.Observations
	current.AnalyzedAt = &analyzed
	current.ProcessedAt = eval.ProcessedAt
	current.EvaluationVersion++
	s.reports[expected.ID] = current
	s.applied++
	return current, nil
}

func (s *casStore) RecordConflict(_ context.Context, c models.EvaluationConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, c)
	return nil
}

func (s *casStore) report(id int64) models.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[id]
}

func underReview(id int64) models.Report {
	return models.Report{ID: id, GroupID: 3, SubmissionID: 1, FileURL: "https://files/r.pdf", Status: "under_review"}
}

type forgetRecorder struct {
	mu        sync.Mutex
	forgotten []int64
	err       error
}

func (f *forgetRecorder) ForgetEvaluations(_ context.Context, ids ...int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, ids...)
	return f.err
}

func newTestConsumer(store Store) *Consumer {
	return newCachedTestConsumer(store, nil)
}

func newCachedTestConsumer(store Store, cache Cache) *Consumer {
	c := NewConsumer(store, cache, logx.Nop(), Config{HandlerTimeout: time.Second})
	c.now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }
	return c
}

const approved42 = `{"reportId":42,"groupId":3,"score":8.5,"status":"approved","keyResults":{"AI_PERCENTAGE":12},"observations":["ok"]}`

func TestApprovedResultIsApplied(t *testing.T) {
	store := newCASStore(underReview(42))
	c := newTestConsumer(store)

	outcome, err := c.Process(context.Background(), []byte(approved42), "m-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, brokerx.Ack, outcome.Decision())

	r := store.report(42)
	assert.Equal(t, "approved", r.Status)
	require.NotNil(t, r.Score)
	assert.Equal(t, 8.5, *r.Score)
	assert.Equal(t, map[string]float64{"AI_PERCENTAGE": 12}, r.KeyResults)
	require.NotNil(t, r.AnalyzedAt)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), *r.AnalyzedAt)
}

func TestRedeliveredResultIsNoOp(t *testing.T) {
	store := newCASStore(underReview(42))
	c := newTestConsumer(store)
	ctx := context.Background()

	_, err := c.Process(ctx, []byte(approved42), "m-1")
	require.NoError(t, err)
	before := store.report(42)

	outcome, err := c.Process(ctx, []byte(approved42), "m-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 1, store.applied)
	assert.Equal(t, before, store.report(42))
}

func TestDifferentTerminalOutcomeIsConflict(t *testing.T) {
	store := newCASStore(underReview(42))
	c := newTestConsumer(store)
	ctx := context.Background()

	_, err := c.Process(ctx, []byte(approved42), "m-1")
	require.NoError(t, err)

	body := `{"reportId":42,"score":3.0,"status":"rejected"}`
	outcome, err := c.Process(ctx, []byte(body), "m-2")
	require.Error(t, err)
	assert.Equal(t, OutcomeConflict, outcome)
	assert.Equal(t, brokerx.Ack, outcome.Decision())

	r := store.report(42)
	assert.Equal(t, "approved", r.Status)
	assert.Equal(t, 8.5, *r.Score)
	require.Len(t, store.conflicts, 1)
	assert.Equal(t, "rejected", store.conflicts[0].IncomingStatus)
	assert.Equal(t, 3.0, *store.conflicts[0].IncomingScore)
	assert.Equal(t, "m-2", store.conflicts[0].MessageID)
	assert.JSONEq(t, body, string(store.conflicts[0].Payload))
}

func TestSameStatusDifferentScoreIsConflict(t *testing.T) {
	store := newCASStore(underReview(42))
	c := newTestConsumer(store)
	ctx := context.Background()

	_, err := c.Process(ctx, []byte(approved42), "m-1")
	require.NoError(t, err)
	outcome, _ := c.Process(ctx, []byte(`{"reportId":42,"score":9.1,"status":"approved"}`), "m-3")
	assert.Equal(t, OutcomeConflict, outcome)
}

func TestEventWithoutReportIDIsAckedAndDropped(t *testing.T) {
	store := newCASStore(underReview(42))
	c := newTestConsumer(store)

	outcome, err := c.Process(context.Background(), []byte(`{"score":5,"status":"approved"}`), "m-5")
	assert.ErrorIs(t, err, models.ErrMalformedEvent)
	assert.Equal(t, OutcomeMalformed, outcome)
	assert.Equal(t, brokerx.Ack, outcome.Decision())
	assert.Zero(t, store.applied)
}

func TestUnknownReportIsPermanent(t *testing.T) {
	c := newTestConsumer(newCASStore())

	outcome, err := c.Process(context.Background(), []byte(approved42), "m-6")
	assert.ErrorIs(t, err, repos.ErrReportNotFound)
	assert.Equal(t, OutcomeUnknownReport, outcome)
	assert.Equal(t, brokerx.Ack, outcome.Decision())
}

func TestGroupMismatchIsMalformed(t *testing.T) {
	store := newCASStore(underReview(42))
	c := newTestConsumer(store)

	outcome, err := c.Process(context.Background(), []byte(`{"reportId":42,"groupId":99,"score":8.5,"status":"approved"}`), "m-7")
	assert.ErrorIs(t, err, models.ErrMalformedEvent)
	assert.Equal(t, OutcomeMalformed, outcome)
	assert.Equal(t, "under_review", store.report(42).Status)
}

func TestStoreOutageRequeues(t *testing.T) {
	store := newCASStore(underReview(42))
	store.getErr = errors.New("connection refused")
	c := newTestConsumer(store)

	decision := c.Handle(context.Background(), brokerx.Delivery{Body: []byte(approved42), MessageID: "m-8"})
	assert.Equal(t, brokerx.NackRequeue, decision)
}

func TestInterimResultKeepsReportOpen(t *testing.T) {
	store := newCASStore(underReview(42))
	c := newTestConsumer(store)
	ctx := context.Background()
	interim := `{"reportId":42,"score":4.0,"status":"under_review","keyResults":{"ABNT":60}}`

	outcome, err := c.Process(ctx, []byte(interim), "m-9")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "under_review", store.report(42).Status)

	outcome, err = c.Process(ctx, []byte(interim), "m-9")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	outcome, err = c.Process(ctx, []byte(approved42), "m-10")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 2, store.applied)
}

func TestLostCompareAndSetIsRetried(t *testing.T) {
	store := newCASStore(underReview(42))
	store.staleOnce = true
	c := newTestConsumer(store)

	outcome, err := c.Process(context.Background(), []byte(approved42), "m-11")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 1, store.applied)
}

func TestConcurrentConsumersApplyOnce(t *testing.T) {
	store := newCASStore(underReview(42))
	c := newTestConsumer(store)

	const workers = 8
	outcomes := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = c.Process(context.Background(), []byte(approved42), "m-race")
		}(i)
	}
	wg.Wait()

	counts := map[Outcome]int{}
	for _, o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeApplied])
	assert.Equal(t, workers-1, counts[OutcomeDuplicate])
	assert.Equal(t, 1, store.applied)
}

func TestConsumeFromTransport(t *testing.T) {
	const queue = "report_results"
	transport := brokerx.NewMemoryTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, transport.DeclareDurableQueue(ctx, brokerx.QueueSpec{
		Name: queue, Exchange: "amq.topic", RoutingKeys: []string{"report.evaluation.completed"}, DeadLetter: true,
	}))

	store := newCASStore(underReview(42))
	c := newTestConsumer(store)

	for _, body := range []string{approved42, approved42, `{"status":"approved"}`} {
		require.NoError(t, transport.Publish(ctx, "amq.topic", "report.evaluation.completed", []byte(body), brokerx.PublishOptions{}))
	}

	done := make(chan error, 1)
	go func() {
		done <- transport.Consume(ctx, queue, c.Handle, brokerx.ConsumeOptions{Prefetch: 10, MaxRedeliveries: 3})
	}()
	require.Eventually(t, func() bool { return len(transport.Settlements()) == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, s := range transport.Settlements() {
		assert.Equal(t, brokerx.Ack, s.Decision)
	}
	assert.Equal(t, 1, store.applied)
	assert.Zero(t, transport.Pending(queue+".dead"))
}

func TestAppliedResultDropsCachedView(t *testing.T) {
	store := newCASStore(underReview(42))
	cache := &forgetRecorder{}
	c := newCachedTestConsumer(store, cache)
	ctx := context.Background()

	interim := `{"reportId":42,"score":5,"status":"under_review","keyResults":{"ABNT":60}}`
	_, err := c.Process(ctx, []byte(interim), "m-1")
	require.NoError(t, err)
	_, err = c.Process(ctx, []byte(approved42), "m-2")
	require.NoError(t, err)
	assert.Equal(t, []int64{42, 42}, cache.forgotten)

	outcome, err := c.Process(ctx, []byte(approved42), "m-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, cache.forgotten, 2)
}

func TestCacheFailureDoesNotFailApply(t *testing.T) {
	store := newCASStore(underReview(42))
	c := newCachedTestConsumer(store, &forgetRecorder{err: errors.New("redis down")})

	outcome, err := c.Process(context.Background(), []byte(approved42), "m-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, brokerx.Ack, outcome.Decision())
}

func TestWorkerClockIsStoredButNotUsedForAnalyzedAt(t *testing.T) {
	store := newCASStore(underReview(42))
	c := newTestConsumer(store)
	ctx := context.Background()

	body := `{"report_id":42,"score":8.5,"status":"approved","processed_at":"2020-01-01T00:00:00Z"}`
	_, err := c.Process(ctx, []byte(body), "m-1")
	require.NoError(t, err)
	r := store.report(42)
	require.NotNil(t, r.ProcessedAt)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), r.ProcessedAt.UTC())
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), *r.AnalyzedAt)

	conflicting := `{"report_id":42,"score":3,"status":"rejected","processed_at":"2020-01-02T00:00:00Z"}`
	outcome, err := c.Process(ctx, []byte(conflicting), "m-2")
	require.Error(t, err)
	assert.Equal(t, OutcomeConflict, outcome)
	require.Len(t, store.conflicts, 1)
	require.NotNil(t, store.conflicts[0].ProcessedAt)
	assert.Equal(t, time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), store.conflicts[0].ProcessedAt.UTC())
}
