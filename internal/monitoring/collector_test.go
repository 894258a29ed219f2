package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/store"
)

func newTestStore(t *testing.T, opts ...store.Option) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestCollector_Collect(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-3 * time.Hour)

	clock := old
	st := newTestStore(t, store.WithClock(func() time.Time { return clock }))

	_, err := st.SeedPending(ctx, "demo", []model.Seed{{Keyword: "a"}, {Keyword: "b"}, {Keyword: "c"}})
	require.NoError(t, err)
	_, err = st.MarkProcessing(ctx, "demo", "a") // stale: claimed 3h ago
	require.NoError(t, err)
	clock = now
	_, err = st.MarkProcessing(ctx, "other", "x") // fresh
	require.NoError(t, err)

	require.NoError(t, st.SaveRun(ctx, &model.BatchRun{
		RunID: "r1", Group: "demo", Attempted: 10, Completed: 8, Fetched: 6, Errored: 2,
		APICalls: 7, EstimatedCostUSD: 0.0021, StartedAt: now.Add(-time.Hour), FinishedAt: now,
	}))
	require.NoError(t, st.SaveRun(ctx, &model.BatchRun{
		RunID: "r2", Group: "other", Attempted: 5, Completed: 2, Deferred: 3, Aborted: true,
		APICalls: 5, EstimatedCostUSD: 0.0015, StartedAt: now.Add(-2 * time.Hour), FinishedAt: now,
	}))
	require.NoError(t, st.SaveRun(ctx, &model.BatchRun{
		RunID: "ancient", Group: "demo", Attempted: 100, Errored: 100,
		StartedAt: now.Add(-72 * time.Hour), FinishedAt: now.Add(-71 * time.Hour),
	}))

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c := NewCollector(st, time.Hour, metrics)

	snap, err := c.Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Runs)
	assert.Equal(t, 15, snap.Attempted)
	assert.Equal(t, 10, snap.Completed)
	assert.Equal(t, 2, snap.Errored)
	assert.Equal(t, 3, snap.Deferred)
	assert.Equal(t, 1, snap.Aborted)
	assert.Equal(t, 12, snap.APICalls)
	assert.InDelta(t, 0.0036, snap.CostUSD, 1e-9)
	assert.InDelta(t, 2.0/12.0, snap.ErrorRate, 1e-9)

	assert.Equal(t, int64(4), snap.Records.Total)
	assert.Equal(t, int64(2), snap.Records.Pending)
	assert.Equal(t, int64(2), snap.Records.Processing)
	assert.Equal(t, 1, snap.StaleProcessing)
	assert.Equal(t, 24, snap.LookbackHours)

	assert.InDelta(t, 2, testutil.ToFloat64(metrics.Records.WithLabelValues("demo", "pending")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Records.WithLabelValues("other", "processing")), 1e-9)
}

func TestCollector_EmptyStore(t *testing.T) {
	snap, err := NewCollector(newTestStore(t), time.Hour, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.Runs)
	assert.Zero(t, snap.ErrorRate)
	assert.Zero(t, snap.Records.Total)
}

// failingStore fails the first call the collector makes.
type failingStore struct {
	store.Store
}

func (failingStore) ListRuns(context.Context, model.RunFilter) ([]model.BatchRun, error) {
	return nil, errors.New("db unavailable")
}

func TestCollector_StoreError(t *testing.T) {
	_, err := NewCollector(failingStore{}, time.Hour, nil).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list runs")
}
