// Package store persists query records, their status machine, domain
// statistics and batch runs.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/serp-enricher/internal/model"
)

var (
	// ErrNotFound is returned by writes that target a missing record.
	ErrNotFound = eris.New("store: record not found")
	// ErrInvalidTransition is returned when a record is not in the state a
	// transition requires.
	ErrInvalidTransition = eris.New("store: invalid status transition")
)

// checkUpsert rejects an Upsert that would move a stored record along an
// edge the state machine does not have. Rewriting a record in place is
// always allowed.
func checkUpsert(from, to model.Status) error {
	if from == to || from.CanTransition(to) {
		return nil
	}
	return eris.Wrapf(ErrInvalidTransition, "store: upsert %s -> %s", from, to)
}

// Store defines the persistence interface for enrichment records.
//
// Lookups return (nil, nil) when the row is absent. Status changes go
// through the transition methods, each a single conditional write on the
// record's current status.
type Store interface {
	// Records
	Get(ctx context.Context, group, keyword string) (*model.QueryRecord, error)
	// Upsert writes the whole record. An existing record only moves along
	// a state machine edge, and a set domains_observed flag is never cleared.
	Upsert(ctx context.Context, rec *model.QueryRecord) error
	SeedPending(ctx context.Context, group string, seeds []model.Seed) (int64, error)
	UpdateAttributes(ctx context.Context, group, keyword string, attrs model.Attributes) error
	ListPending(ctx context.Context, group string, limit int) ([]model.QueryRecord, error)
	ListByStatus(ctx context.Context, group string, status model.Status, limit int) ([]model.QueryRecord, error)
	AggregateStatistics(ctx context.Context, group string) (*model.Statistics, error)
	ListGroups(ctx context.Context) ([]string, error)

	// Transitions
	MarkProcessing(ctx context.Context, group, keyword string) (bool, error)
	Complete(ctx context.Context, group, keyword string, c model.Completion) error
	Fail(ctx context.Context, group, keyword, reason string) error
	Defer(ctx context.Context, group, keyword, reason string) error

	// Recovery
	FindStaleProcessing(ctx context.Context, group string, cutoff time.Time) ([]model.QueryRecord, error)
	Requeue(ctx context.Context, group, keyword string, cutoff time.Time, note string) (bool, error)
	RetryErrored(ctx context.Context, group string) (int64, error)

	// Domain statistics
	RecordObservation(ctx context.Context, obs model.Observation) error
	ObserveRecord(ctx context.Context, group, keyword string, obs []model.Observation) (bool, error)
	ListUnobserved(ctx context.Context, group string, limit int) ([]model.QueryRecord, error)
	GetDomainGlobal(ctx context.Context, domain string) (*model.DomainGlobalStat, error)
	GetDomainGroup(ctx context.Context, domain, group string) (*model.DomainStat, error)
	ListDomainGlobal(ctx context.Context, filter model.DomainFilter) ([]model.DomainGlobalStat, error)

	// Batch runs
	SaveRun(ctx context.Context, run *model.BatchRun) error
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.BatchRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	now        func() time.Time
	thresholds model.Thresholds
}

func defaultOptions() options {
	return options{
		now:        time.Now,
		thresholds: model.DefaultThresholds(),
	}
}

// WithClock overrides the time source used for last_updated and
// observation timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithThresholds sets the thresholds used to derive global domain
// classification columns.
func WithThresholds(t model.Thresholds) Option {
	return func(o *options) { o.thresholds = t }
}

const defaultListLimit = 1000

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// dedupeSeeds drops blank keywords and keeps the first occurrence of each.
func dedupeSeeds(seeds []model.Seed) []model.Seed {
	seen := make(map[string]struct{}, len(seeds))
	out := make([]model.Seed, 0, len(seeds))
	for _, s := range seeds {
		if s.Keyword == "" {
			continue
		}
		if _, ok := seen[s.Keyword]; ok {
			continue
		}
		seen[s.Keyword] = struct{}{}
		out = append(out, s)
	}
	return out
}

// failReason keeps the error-status invariant when the caller gives no reason.
func failReason(reason string) string {
	if reason == "" {
		return "unknown error"
	}
	return reason
}
