package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/serp-enricher/internal/cost"
	"github.com/sells-group/serp-enricher/internal/domainstats"
	"github.com/sells-group/serp-enricher/internal/legacy"
	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/monitoring"
	"github.com/sells-group/serp-enricher/internal/orchestrator"
	"github.com/sells-group/serp-enricher/internal/recovery"
	"github.com/sells-group/serp-enricher/internal/resilience"
	"github.com/sells-group/serp-enricher/internal/resolver"
	"github.com/sells-group/serp-enricher/internal/store"
	"github.com/sells-group/serp-enricher/pkg/xmlstock"
)

// openStore validates cfg for mode, opens the configured record store and
// applies its migration.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	opts := []store.Option{store.WithThresholds(thresholds())}
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL, opts...)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		}, opts...)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func thresholds() model.Thresholds {
	return model.Thresholds{
		CommercialThreshold:   cfg.Classification.CommercialThreshold,
		ConfidenceFloor:       cfg.Classification.ConfidenceFloor,
		FullConfidenceQueries: cfg.Classification.FullConfidenceQueries,
	}
}

// initLegacy opens the configured legacy caches in lookup order: the
// retired SQLite file first, then the retired Redis cache.
func initLegacy() (legacy.Store, error) {
	var chain legacy.Chain
	if p := cfg.Legacy.SQLitePath; p != "" {
		s, err := legacy.NewSQLite(p, cfg.Enrichment.MaxTopResults)
		if err != nil {
			return nil, err
		}
		chain = append(chain, s)
	}
	if u := cfg.Legacy.RedisURL; u != "" {
		s, err := legacy.NewRedis(u, cfg.Legacy.RedisPrefix)
		if err != nil {
			chain.Close() //nolint:errcheck
			return nil, err
		}
		chain = append(chain, s)
	}
	if len(chain) == 0 {
		return legacy.None{}, nil
	}
	return chain, nil
}

func initFetcher() *xmlstock.Client {
	x := cfg.XMLStock
	return xmlstock.NewClient(x.User, x.Key,
		xmlstock.WithBaseURL(x.BaseURL),
		xmlstock.WithRegion(x.Region),
		xmlstock.WithMaxTop(cfg.Enrichment.MaxTopResults),
		xmlstock.WithTimeout(time.Duration(x.TimeoutSecs)*time.Second),
		xmlstock.WithLimiter(xmlstock.NewAdaptiveLimiter(rate.Limit(x.RequestsPerSecond), x.Burst)),
	)
}

func breakerConfig(metrics *monitoring.Metrics) resilience.CircuitBreakerConfig {
	cb := resilience.CircuitFromConfig(cfg.Circuit)
	cb.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("xmlstock circuit changed state",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		if metrics != nil {
			metrics.SetCircuitState(from, to)
		}
	}
	return cb
}

// newAggregator builds the domain aggregator with the configured override
// list and thresholds.
func newAggregator(st store.Store) (*domainstats.Aggregator, error) {
	overrides, err := domainstats.LoadOverrides(cfg.Classification.OverridesPath)
	if err != nil {
		return nil, err
	}
	return domainstats.New(st,
		domainstats.WithThresholds(thresholds()),
		domainstats.WithOverrides(overrides),
		domainstats.WithTopN(cfg.Classification.ObserveTopN),
	), nil
}

func newScanner(st store.Store, metrics *monitoring.Metrics) *recovery.Scanner {
	var opts []recovery.Option
	if metrics != nil {
		opts = append(opts, recovery.WithMetrics(metrics))
	}
	return recovery.New(st, cfg.Enrichment.StaleAfter, opts...)
}

// enrichEnv holds everything an enrichment pass needs.
type enrichEnv struct {
	Store        store.Store
	Legacy       legacy.Store
	Resolver     *resolver.Resolver
	Aggregator   *domainstats.Aggregator
	Orchestrator *orchestrator.Orchestrator
}

// initEnrichEnv wires store, legacy tier, API client, resolver and
// orchestrator. metrics may be nil.
func initEnrichEnv(ctx context.Context, metrics *monitoring.Metrics) (*enrichEnv, error) {
	st, err := openStore(ctx, "enrich")
	if err != nil {
		return nil, err
	}
	env := &enrichEnv{Store: st}

	env.Legacy, err = initLegacy()
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Aggregator, err = newAggregator(st)
	if err != nil {
		env.Close()
		return nil, err
	}

	ropts := []resolver.Option{
		resolver.WithLegacy(env.Legacy),
		resolver.WithBreaker(resilience.NewCircuitBreaker(breakerConfig(metrics))),
		resolver.WithRetry(resilience.RetryFromConfig(cfg.Retry)),
		resolver.WithMaxTop(cfg.Enrichment.MaxTopResults),
		resolver.WithIntentThreshold(cfg.Classification.CommercialThreshold),
		resolver.WithOfferIntent(cfg.Enrichment.OfferIntentFactors),
	}
	if metrics != nil {
		ropts = append(ropts, resolver.WithMetrics(metrics))
	}
	env.Resolver = resolver.New(st, initFetcher(), ropts...)

	oopts := []orchestrator.Option{
		orchestrator.WithConcurrency(cfg.Enrichment.Concurrency),
		orchestrator.WithBatchSize(cfg.Enrichment.BatchSize),
		orchestrator.WithCost(cost.NewCalculator(cost.Rates{SERPPerThousand: cfg.Pricing.SERPPerThousand})),
	}
	if cfg.Enrichment.ObserveInline {
		oopts = append(oopts, orchestrator.WithObserver(env.Aggregator))
	}
	if metrics != nil {
		oopts = append(oopts, orchestrator.WithMetrics(metrics))
	}
	env.Orchestrator = orchestrator.New(st, env.Resolver, oopts...)

	return env, nil
}

// Close releases the legacy caches and the store.
func (e *enrichEnv) Close() {
	if e.Legacy != nil {
		if err := e.Legacy.Close(); err != nil {
			zap.L().Warn("close legacy caches", zap.Error(err))
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
}
