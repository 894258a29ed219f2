package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/store"
)

// MetricsSnapshot holds a point-in-time view of enrichment health.
type MetricsSnapshot struct {
	// Batch runs within the lookback window.
	Runs      int     `json:"runs"`
	Attempted int     `json:"attempted"`
	Completed int     `json:"completed"`
	Fetched   int     `json:"fetched"`
	Errored   int     `json:"errored"`
	Deferred  int     `json:"deferred"`
	Aborted   int     `json:"aborted"`
	ErrorRate float64 `json:"error_rate"`
	APICalls  int     `json:"api_calls"`
	CostUSD   float64 `json:"cost_usd"`

	// Record store totals across all groups.
	Records         model.Statistics `json:"records"`
	StaleProcessing int              `json:"stale_processing"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the record store.
type Collector struct {
	store      store.Store
	staleAfter time.Duration
	metrics    *Metrics
	now        func() time.Time
}

// NewCollector creates a collector. Records idle in processing for longer
// than staleAfter are reported as stale. metrics may be nil.
func NewCollector(st store.Store, staleAfter time.Duration, metrics *Metrics) *Collector {
	return &Collector{store: st, staleAfter: staleAfter, metrics: metrics, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.store.ListRuns(ctx, model.RunFilter{
		Since: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.Runs = len(runs)
	for _, r := range runs {
		snap.Attempted += r.Attempted
		snap.Completed += r.Completed
		snap.Fetched += r.Fetched
		snap.Errored += r.Errored
		snap.Deferred += r.Deferred
		snap.APICalls += r.APICalls
		snap.CostUSD += r.EstimatedCostUSD
		if r.Aborted {
			snap.Aborted++
		}
	}
	if finished := snap.Completed + snap.Errored; finished > 0 {
		snap.ErrorRate = float64(snap.Errored) / float64(finished)
	}

	groups, err := c.store.ListGroups(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list groups")
	}
	cutoff := now.Add(-c.staleAfter)
	for _, g := range groups {
		stats, err := c.store.AggregateStatistics(ctx, g)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: statistics %s", g)
		}
		addStats(&snap.Records, stats)
		if c.metrics != nil {
			c.metrics.SetRecordCounts(g, stats)
		}

		stale, err := c.store.FindStaleProcessing(ctx, g, cutoff)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: stale scan %s", g)
		}
		snap.StaleProcessing += len(stale)
	}
	snap.Records.ComputeRate()

	return snap, nil
}

func addStats(dst, src *model.Statistics) {
	dst.Total += src.Total
	dst.Pending += src.Pending
	dst.Processing += src.Processing
	dst.Completed += src.Completed
	dst.Errored += src.Errored
	dst.WithNormalized += src.WithNormalized
	dst.WithIntent += src.WithIntent
	dst.WithSERP += src.WithSERP
	dst.WithAds += src.WithAds
}
