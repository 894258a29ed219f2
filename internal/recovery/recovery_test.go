package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/resilience"
	"github.com/sells-group/serp-enricher/internal/resolver"
	"github.com/sells-group/serp-enricher/internal/store"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable time source shared by the store and the scanner.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestStore(t *testing.T, c *clock) *store.SQLiteStore {
	t.Helper()
	opts := []store.Option{}
	if c != nil {
		opts = append(opts, store.WithClock(c.Now))
	}
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "records.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func claim(t *testing.T, st store.Store, group, keyword string) {
	t.Helper()
	ok, err := st.MarkProcessing(context.Background(), group, keyword)
	require.NoError(t, err)
	require.True(t, ok)
}

type countingMetrics struct{ requeued int }

func (m *countingMetrics) ObserveRequeued(n int) { m.requeued += n }

func TestRun_RequeuesOnlyStale(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: base}
	st := newTestStore(t, c)

	require.NoError(t, st.Upsert(ctx, &model.QueryRecord{
		Group:     "demo",
		Keyword:   "stale",
		Status:    model.StatusProcessing,
		RequestID: model.StringPtr("req-old"),
	}))
	c.Set(base.Add(90 * time.Minute))
	claim(t, st, "demo", "fresh")

	c.Set(base.Add(2 * time.Hour))
	metrics := &countingMetrics{}
	sc := New(st, time.Hour, WithClock(c.Now), WithMetrics(metrics))

	res, err := sc.Run(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Requeued: 1}, res)
	assert.Equal(t, 1, metrics.requeued)

	stale, err := st.Get(ctx, "demo", "stale")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stale.Status)
	require.NotNil(t, stale.RequestID)
	assert.Equal(t, "req-old", *stale.RequestID)
	require.NotNil(t, stale.ErrorMessage)
	assert.Equal(t, "reset after crash (stale since 2024-05-01T12:00:00Z)", *stale.ErrorMessage)

	fresh, err := st.Get(ctx, "demo", "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, fresh.Status)
}

func TestRun_AppendsToExistingReason(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: base}
	st := newTestStore(t, c)

	claim(t, st, "demo", "kw")
	require.NoError(t, st.Defer(ctx, "demo", "kw", "transient (code 503): upstream busy"))

	c.Set(base.Add(2 * time.Hour))
	_, err := New(st, time.Hour, WithClock(c.Now)).Run(ctx, "demo")
	require.NoError(t, err)

	rec, err := st.Get(ctx, "demo", "kw")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "transient (code 503): upstream busy; reset after crash (stale since 2024-05-01T12:00:00Z)", *rec.ErrorMessage)
}

func TestRun_SecondPassLeavesTerminalRecords(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: base}
	st := newTestStore(t, c)

	claim(t, st, "demo", "done")
	require.NoError(t, st.Complete(ctx, "demo", "done", model.Completion{
		RequestID: "r1",
		Payload:   model.Payload{Results: []model.ResultDoc{{URL: "https://a.example/"}}},
	}))
	claim(t, st, "demo", "broken")
	require.NoError(t, st.Fail(ctx, "demo", "broken", "permanent (code 400): bad query"))
	claim(t, st, "demo", "orphan")

	c.Set(base.Add(3 * time.Hour))
	sc := New(st, time.Hour, WithClock(c.Now))

	first, err := sc.Run(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Requeued)

	second, err := sc.Run(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, Result{}, second)

	done, err := st.Get(ctx, "demo", "done")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	broken, err := st.Get(ctx, "demo", "broken")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, broken.Status)
}

func TestRequeue_SkipsRecordsThatMovedOn(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: base}
	st := newTestStore(t, c)

	claim(t, st, "demo", "finished")
	claim(t, st, "demo", "touched")
	claim(t, st, "demo", "orphan")

	c.Set(base.Add(2 * time.Hour))
	sc := New(st, time.Hour, WithClock(c.Now))
	stale, err := sc.FindStaleProcessing(ctx, "demo", time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 3)

	// Between the scan and the write, one worker finishes and another
	// records a retry reason, refreshing last_updated.
	require.NoError(t, st.Complete(ctx, "demo", "finished", model.Completion{
		Payload: model.Payload{Results: []model.ResultDoc{{URL: "https://a.example/"}}},
	}))
	require.NoError(t, st.Defer(ctx, "demo", "touched", "transient: retrying"))

	res, err := sc.Requeue(ctx, stale, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 3, Requeued: 1, Skipped: 2}, res)

	finished, err := st.Get(ctx, "demo", "finished")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, finished.Status)
	touched, err := st.Get(ctx, "demo", "touched")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, touched.Status)
}

func TestRun_AllGroups(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: base}
	st := newTestStore(t, c)

	claim(t, st, "demo", "a")
	claim(t, st, "other", "b")

	c.Set(base.Add(2 * time.Hour))
	res, err := New(st, time.Hour, WithClock(c.Now)).Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requeued)
}

func TestFindStaleProcessing_AllGroups(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: base}
	st := newTestStore(t, c)

	claim(t, st, "demo", "a")
	claim(t, st, "other", "b")
	c.Set(base.Add(90 * time.Minute))
	claim(t, st, "other", "fresh")

	c.Set(base.Add(2 * time.Hour))
	sc := New(st, time.Hour, WithClock(c.Now))

	all, err := sc.FindStaleProcessing(ctx, "", time.Hour)
	require.NoError(t, err)
	keywords := make([]string, 0, len(all))
	for _, r := range all {
		keywords = append(keywords, r.Group+"/"+r.Keyword)
	}
	assert.ElementsMatch(t, []string{"demo/a", "other/b"}, keywords)

	one, err := sc.FindStaleProcessing(ctx, "other", time.Hour)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "b", one[0].Keyword)
}

func TestNew_NegativeThresholdIsZero(t *testing.T) {
	sc := New(nil, -time.Minute)
	assert.Equal(t, time.Duration(0), sc.staleAfter)
}

func TestNote(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("MSK", 3*3600))
	assert.Equal(t, "reset after crash (stale since 2024-01-02T00:04:05Z)", Note(at))
}

type fetchFunc func(ctx context.Context, keyword string) (model.Completion, error)

func (f fetchFunc) Fetch(ctx context.Context, keyword string) (model.Completion, error) {
	return f(ctx, keyword)
}

func TestScenario_TransientKeywordIsRecovered(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t, nil)

	_, err := st.SeedPending(ctx, "demo", []model.Seed{{Keyword: "buy widget"}, {Keyword: "widget review"}})
	require.NoError(t, err)

	fetcher := fetchFunc(func(_ context.Context, kw string) (model.Completion, error) {
		if kw == "widget review" {
			return model.Completion{}, resilience.NewTransientError(errors.New("rate limited"), 429)
		}
		return model.Completion{
			RequestID: "req-buy",
			Payload: model.Payload{Results: []model.ResultDoc{
				{URL: "https://shop.example/widget", IsCommercial: true},
				{URL: "https://market.example/widget", IsCommercial: true},
			}},
		}, nil
	})
	r := resolver.New(st, fetcher, resolver.WithRetry(resilience.RetryConfig{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
	}))

	buy, err := r.Resolve(ctx, "demo", "buy widget")
	require.NoError(t, err)
	assert.Equal(t, resolver.OutcomeFetched, buy.Outcome)
	assert.Equal(t, model.StatusCompleted, buy.Record.Status)

	review, err := r.Resolve(ctx, "demo", "widget review")
	require.NoError(t, err)
	assert.Equal(t, resolver.OutcomeDeferred, review.Outcome)
	assert.Equal(t, model.StatusProcessing, review.Record.Status)

	res, err := New(st, 0).Run(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	rec, err := st.Get(ctx, "demo", "widget review")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Contains(t, *rec.ErrorMessage, "reset after crash")

	rec, err = st.Get(ctx, "demo", "buy widget")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
}
