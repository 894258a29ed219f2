// Package orchestrator drives one enrichment pass over a group's pending
// keywords with bounded concurrency and reports per-keyword outcomes.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/serp-enricher/internal/cost"
	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/resolver"
	"github.com/sells-group/serp-enricher/internal/store"
)

// Defaults used when options are not supplied.
const (
	DefaultConcurrency = 20
	DefaultBatchSize   = 500
)

// Resolver resolves one keyword. *resolver.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, group, keyword string) (*resolver.Resolution, error)
}

// Observer counts a completed record's domains. *domainstats.Aggregator
// implements it.
type Observer interface {
	ObserveRecord(ctx context.Context, rec *model.QueryRecord) (bool, error)
}

// CostMetrics receives the spend of each run.
type CostMetrics interface {
	ObserveCost(usd float64)
}

// Orchestrator runs batches. It holds no per-run state and may be reused.
type Orchestrator struct {
	store    store.Store
	resolver Resolver
	observer Observer
	cost     *cost.Calculator
	metrics  CostMetrics

	concurrency int
	batchSize   int

	newID func() string
	now   func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency caps the number of keywords resolved at once.
func WithConcurrency(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.concurrency = k
		}
	}
}

// WithBatchSize sets the default number of pending keywords per run.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithObserver enables inline domain observation of completed records.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithCost sets the pricing used for the run's cost estimate.
func WithCost(c *cost.Calculator) Option {
	return func(o *Orchestrator) { o.cost = c }
}

// WithMetrics registers a spend counter.
func WithMetrics(m CostMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides time.Now for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(st store.Store, r Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       st,
		resolver:    r,
		cost:        cost.NewCalculator(cost.DefaultRates()),
		concurrency: DefaultConcurrency,
		batchSize:   DefaultBatchSize,
		newID:       uuid.NewString,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// tally accumulates outcomes from concurrent workers.
type tally struct {
	mu  sync.Mutex
	run *model.BatchRun
}

func (t *tally) add(res *resolver.Resolution) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.run
	r.Attempted++
	r.APICalls += res.APICalls
	switch res.Outcome {
	case resolver.OutcomeHot:
		r.Completed++
		r.FromCache++
	case resolver.OutcomeLegacy:
		r.Completed++
		r.FromLegacy++
	case resolver.OutcomeFetched:
		r.Completed++
		r.Fetched++
	case resolver.OutcomeDeferred:
		r.Deferred++
	case resolver.OutcomeFailed, resolver.OutcomeErrored:
		r.Errored++
	case resolver.OutcomeInFlight:
		r.InFlight++
	}
}

// Run resolves up to limit pending keywords of group (the configured batch
// size when limit <= 0). Transient and permanent keyword failures are
// counted, not returned; a store error aborts the batch. On cancellation
// the partial report is returned with the context error and records left
// in processing stay there for the recovery scanner.
func (o *Orchestrator) Run(ctx context.Context, group string, limit int) (*model.BatchRun, error) {
	if limit <= 0 {
		limit = o.batchSize
	}
	run := &model.BatchRun{
		RunID:     o.newID(),
		Group:     group,
		StartedAt: o.now().UTC(),
	}
	log := zap.L().With(zap.String("run_id", run.RunID), zap.String("group", group))

	pending, err := o.store.ListPending(ctx, group, limit)
	if err != nil {
		return run, eris.Wrap(err, "orchestrator: list pending")
	}
	keywords := dedupe(pending)

	log.Info("orchestrator: starting batch",
		zap.Int("keywords", len(keywords)),
		zap.Int("concurrency", o.concurrency),
	)

	t := &tally{run: run}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for _, kw := range keywords {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := o.resolver.Resolve(gctx, group, kw)
			if err != nil {
				return eris.Wrapf(err, "orchestrator: resolve %q", kw)
			}
			t.add(res)

			if o.observer != nil && res.Outcome.Completed() && res.Record != nil {
				if _, err := o.observer.ObserveRecord(gctx, res.Record); err != nil {
					return eris.Wrapf(err, "orchestrator: observe %q", kw)
				}
			}
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil && ctx.Err() != nil {
		runErr = eris.Wrap(ctx.Err(), "orchestrator: run cancelled")
	}

	return run, o.finish(ctx, run, runErr, log)
}

// finish fills the summary fields and persists the run. Bookkeeping runs
// detached from cancellation so interrupted runs are still recorded.
func (o *Orchestrator) finish(ctx context.Context, run *model.BatchRun, runErr error, log *zap.Logger) error {
	bg := context.WithoutCancel(ctx)

	run.FinishedAt = o.now().UTC()
	run.EstimatedCostUSD = o.cost.SERP(run.APICalls)
	if runErr != nil {
		run.Aborted = true
		run.Error = runErr.Error()
	}
	if o.metrics != nil {
		o.metrics.ObserveCost(run.EstimatedCostUSD)
	}

	if stats, err := o.store.AggregateStatistics(bg, run.Group); err != nil {
		log.Warn("orchestrator: count remaining", zap.Error(err))
	} else {
		run.RemainingPending = stats.Pending
	}

	if err := o.store.SaveRun(bg, run); err != nil {
		if runErr == nil {
			return eris.Wrap(err, "orchestrator: save run")
		}
		log.Warn("orchestrator: save run", zap.Error(err))
	}

	fields := []zap.Field{
		zap.Int("attempted", run.Attempted),
		zap.Int("completed", run.Completed),
		zap.Int("from_cache", run.FromCache),
		zap.Int("from_legacy", run.FromLegacy),
		zap.Int("fetched", run.Fetched),
		zap.Int("errored", run.Errored),
		zap.Int("deferred", run.Deferred),
		zap.Int("in_flight", run.InFlight),
		zap.Int64("remaining_pending", run.RemainingPending),
		zap.Int("api_calls", run.APICalls),
		zap.Float64("cost_usd", run.EstimatedCostUSD),
		zap.Float64("saved_usd", o.cost.Saved(run.FromCache+run.FromLegacy)),
		zap.Duration("duration", run.Duration()),
	}
	if runErr != nil {
		log.Error("orchestrator: batch aborted", append(fields, zap.Error(runErr))...)
		return runErr
	}
	log.Info("orchestrator: batch complete", fields...)
	return nil
}

func dedupe(recs []model.QueryRecord) []string {
	seen := make(map[string]struct{}, len(recs))
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		if _, ok := seen[r.Keyword]; ok {
			continue
		}
		seen[r.Keyword] = struct{}{}
		out = append(out, r.Keyword)
	}
	return out
}
