// Package resolver answers "what is the SERP for this keyword?" from the
// cheapest tier that has it: the record store, then the retired legacy
// caches, then the remote API. Only the last tier costs money, so it is
// gated by the store's processing claim.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/serp-enricher/internal/intent"
	"github.com/sells-group/serp-enricher/internal/legacy"
	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/resilience"
	"github.com/sells-group/serp-enricher/internal/store"
)

// Fetcher is the remote enrichment API. Errors should be tagged with
// resilience.TransientError or resilience.PermanentError; untagged errors
// are classified heuristically.
type Fetcher interface {
	Fetch(ctx context.Context, keyword string) (model.Completion, error)
}

// Outcome is how a single resolution ended.
type Outcome string

const (
	OutcomeHot      Outcome = "hot"
	OutcomeLegacy   Outcome = "legacy"
	OutcomeFetched  Outcome = "fetched"
	OutcomeDeferred Outcome = "deferred"
	OutcomeFailed   Outcome = "failed"
	OutcomeInFlight Outcome = "in_flight"
	OutcomeErrored  Outcome = "errored"
)

// Completed reports whether the keyword has a payload after this outcome.
func (o Outcome) Completed() bool {
	return o == OutcomeHot || o == OutcomeLegacy || o == OutcomeFetched
}

// Resolution is the result of Resolve.
type Resolution struct {
	Group   string
	Keyword string
	Outcome Outcome
	// Record is the stored record after resolution. It is nil only when
	// the record could not be read back.
	Record *model.QueryRecord
	// APICalls is the number of remote requests made, retries included.
	APICalls int
	// Reason carries the failure description for deferred and failed outcomes.
	Reason string
	// Shared is true when this caller received another caller's result.
	Shared bool
}

// Metrics receives resolution telemetry. monitoring.Metrics implements it.
type Metrics interface {
	ObserveResolution(outcome string)
	ObserveFetch(d time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) ObserveResolution(string)           {}
func (nopMetrics) ObserveFetch(time.Duration, error) {}

// Resolver implements the three-tier lookup. It is safe for concurrent use.
type Resolver struct {
	store   store.Store
	legacy  legacy.Store
	fetcher Fetcher
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	metrics Metrics

	maxTop          int
	intentThreshold float64
	offerFactors    int

	flight singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLegacy sets the legacy fallback store. Default: none.
func WithLegacy(l legacy.Store) Option {
	return func(r *Resolver) { r.legacy = l }
}

// WithBreaker sets the circuit breaker shared by every fetch.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(r *Resolver) { r.breaker = cb }
}

// WithRetry sets the retry policy around a single fetch.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(r *Resolver) { r.retry = cfg }
}

// WithMaxTop caps the number of results kept per payload.
func WithMaxTop(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxTop = n
		}
	}
}

// WithIntentThreshold sets the result share that flips an intent label.
func WithIntentThreshold(t float64) Option {
	return func(r *Resolver) { r.intentThreshold = t }
}

// WithOfferIntent enables the offer signal: a SERP with at least n
// offer-bearing results is labelled commercial outright, otherwise
// informational. Zero disables it and leaves labels to the result share.
func WithOfferIntent(n int) Option {
	return func(r *Resolver) { r.offerFactors = max(n, 0) }
}

// WithMetrics registers a telemetry sink.
func WithMetrics(m Metrics) Option {
	return func(r *Resolver) {
		if m != nil {
			r.metrics = m
		}
	}
}

// New creates a Resolver over st that fetches misses with f.
func New(st store.Store, f Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		store:           st,
		legacy:          legacy.None{},
		fetcher:         f,
		breaker:         resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		retry:           resilience.DefaultRetryConfig(),
		metrics:         nopMetrics{},
		maxTop:          model.DefaultMaxTopResults,
		intentThreshold: intent.DefaultThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the SERP for (group, keyword), fetching it at most once.
// Cache misses, transient failures and permanent failures are outcomes,
// not errors; the error return is reserved for store failures, corrupt
// records and context cancellation.
//
// Concurrent calls for the same key share one execution, and it runs under
// the first caller's ctx. A later caller whose own ctx is still live gets
// the first caller's cancellation error if that ctx is cancelled.
func (r *Resolver) Resolve(ctx context.Context, group, keyword string) (*Resolution, error) {
	v, err, shared := r.flight.Do(group+"\x00"+keyword, func() (any, error) {
		return r.resolve(ctx, group, keyword)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Resolution)
	res.Shared = shared
	if !shared {
		r.metrics.ObserveResolution(string(res.Outcome))
	}
	return &res, nil
}

func (r *Resolver) resolve(ctx context.Context, group, keyword string) (*Resolution, error) {
	res := &Resolution{Group: group, Keyword: keyword}

	// Tier 1: the record store.
	rec, err := r.store.Get(ctx, group, keyword)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: read record")
	}
	current := model.Intent{}
	if rec != nil {
		current = rec.Intent
		switch rec.Status {
		case model.StatusCompleted:
			if rec.Payload == nil {
				return nil, eris.Wrapf(model.ErrCorruptRecord, "resolver: %s/%s completed without payload", group, keyword)
			}
			res.Outcome = OutcomeHot
			res.Record = rec
			return res, nil
		case model.StatusError:
			res.Outcome = OutcomeErrored
			res.Record = rec
			if rec.ErrorMessage != nil {
				res.Reason = *rec.ErrorMessage
			}
			return res, nil
		case model.StatusProcessing:
			res.Outcome = OutcomeInFlight
			res.Record = rec
			return res, nil
		case model.StatusPending:
		default:
			return nil, eris.Wrapf(model.ErrCorruptRecord, "resolver: %s/%s has status %q", group, keyword, rec.Status)
		}
	}

	claimed, err := r.store.MarkProcessing(ctx, group, keyword)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: claim record")
	}
	if !claimed {
		res.Outcome = OutcomeInFlight
		return r.reload(ctx, res)
	}

	log := zap.L().With(zap.String("group", group), zap.String("keyword", keyword))

	// Tier 2: retired caches. Read-only; a hit is copied into the store.
	old, err := r.legacy.Lookup(ctx, keyword)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "resolver: legacy lookup")
		}
		log.Warn("resolver: legacy lookup failed, falling through to api", zap.Error(err))
	}
	if old != nil {
		old.Normalize(r.maxTop)
		c := model.Completion{Payload: *old, Source: model.SourceLegacy}
		if err := r.complete(ctx, group, keyword, current, c); err != nil {
			return r.lost(ctx, res, err)
		}
		log.Debug("resolver: legacy hit")
		res.Outcome = OutcomeLegacy
		return r.reload(ctx, res)
	}

	// Tier 3: the remote API, behind the breaker and retry policy.
	retry := r.retry
	retry.OnRetry = func(attempt int, ferr error) {
		log.Info("resolver: retrying fetch", zap.Int("attempt", attempt), zap.Error(ferr))
		if derr := r.store.Defer(ctx, group, keyword, resilience.Reason(ferr)); derr != nil {
			log.Warn("resolver: record retry reason", zap.Error(derr))
		}
	}
	c, ferr := resilience.DoVal(ctx, retry, func(ctx context.Context) (model.Completion, error) {
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (model.Completion, error) {
			res.APICalls++
			start := time.Now()
			c, err := r.fetcher.Fetch(ctx, keyword)
			r.metrics.ObserveFetch(time.Since(start), err)
			return c, err
		})
	})

	if ferr == nil {
		c.Payload.Normalize(r.maxTop)
		if c.Source == "" {
			c.Source = model.SourceAPI
		}
		if err := r.complete(ctx, group, keyword, current, c); err != nil {
			return r.lost(ctx, res, err)
		}
		res.Outcome = OutcomeFetched
		return r.reload(ctx, res)
	}

	// Cancellation leaves the record in processing for the recovery scanner.
	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "resolver: fetch cancelled")
	}

	res.Reason = resilience.Reason(ferr)
	if resilience.Classify(ferr) == resilience.FailureTransient {
		if err := r.store.Defer(ctx, group, keyword, res.Reason); err != nil {
			return r.lost(ctx, res, err)
		}
		log.Warn("resolver: fetch deferred", zap.String("reason", res.Reason))
		res.Outcome = OutcomeDeferred
		return r.reload(ctx, res)
	}

	if err := r.store.Fail(ctx, group, keyword, res.Reason); err != nil {
		return r.lost(ctx, res, err)
	}
	log.Warn("resolver: fetch failed permanently", zap.String("reason", res.Reason))
	res.Outcome = OutcomeFailed
	return r.reload(ctx, res)
}

func (r *Resolver) complete(ctx context.Context, group, keyword string, current model.Intent, c model.Completion) error {
	serpIntent := ""
	if r.offerFactors > 0 {
		serpIntent = intent.OfferIntent(&c.Payload, r.offerFactors)
	}
	if it, ok := intent.Recompute(current, &c.Payload, r.intentThreshold, serpIntent); ok {
		c.Intent = &it
	}
	return r.store.Complete(ctx, group, keyword, c)
}

// lost handles a failed transition. ErrInvalidTransition means another
// actor (usually the recovery scanner) moved the record while we held it,
// which is reported as in_flight rather than aborting the caller.
func (r *Resolver) lost(ctx context.Context, res *Resolution, err error) (*Resolution, error) {
	if !errors.Is(err, store.ErrInvalidTransition) {
		return nil, eris.Wrap(err, "resolver: write record")
	}
	zap.L().Warn("resolver: record moved while processing",
		zap.String("group", res.Group),
		zap.String("keyword", res.Keyword),
		zap.Error(err),
	)
	res.Outcome = OutcomeInFlight
	return r.reload(ctx, res)
}

func (r *Resolver) reload(ctx context.Context, res *Resolution) (*Resolution, error) {
	rec, err := r.store.Get(ctx, res.Group, res.Keyword)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: reload record")
	}
	res.Record = rec
	return res, nil
}
