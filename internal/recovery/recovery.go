// Package recovery returns records orphaned in processing by a crash to
// pending. It runs on demand; scheduling belongs to the caller.
package recovery

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/store"
)

// DefaultStaleAfter is how long a record may sit in processing before it
// is presumed orphaned.
const DefaultStaleAfter = time.Hour

// Result counts one recovery pass. Skipped records moved on (completed,
// failed or were touched again) between the scan and the write.
type Result struct {
	Scanned  int `json:"scanned"`
	Requeued int `json:"requeued"`
	Skipped  int `json:"skipped"`
}

func (r *Result) add(o Result) {
	r.Scanned += o.Scanned
	r.Requeued += o.Requeued
	r.Skipped += o.Skipped
}

// Metrics receives requeue counts. monitoring.Metrics implements it.
type Metrics interface {
	ObserveRequeued(n int)
}

// Scanner finds and requeues stale processing records.
type Scanner struct {
	store      store.Store
	staleAfter time.Duration
	now        func() time.Time
	metrics    Metrics
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithMetrics registers a requeue counter.
func WithMetrics(m Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// New creates a Scanner. A negative staleAfter is treated as zero; zero
// means every processing record is stale.
func New(st store.Store, staleAfter time.Duration, opts ...Option) *Scanner {
	s := &Scanner{
		store:      st,
		staleAfter: max(staleAfter, 0),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindStaleProcessing lists group's processing records last touched at or
// before now-olderThan. An empty group scans every group.
func (s *Scanner) FindStaleProcessing(ctx context.Context, group string, olderThan time.Duration) ([]model.QueryRecord, error) {
	groups, err := s.groups(ctx, group)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-olderThan)
	var out []model.QueryRecord
	for _, g := range groups {
		recs, err := s.store.FindStaleProcessing(ctx, g, cutoff)
		if err != nil {
			return nil, eris.Wrapf(err, "recovery: scan %s", g)
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (s *Scanner) groups(ctx context.Context, group string) ([]string, error) {
	if group != "" {
		return []string{group}, nil
	}
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "recovery: list groups")
	}
	return groups, nil
}

// Requeue resets each record to pending if it is still processing and no
// newer than cutoff. The request id is kept; the reset is noted in the
// error message.
func (s *Scanner) Requeue(ctx context.Context, records []model.QueryRecord, cutoff time.Time) (Result, error) {
	res := Result{Scanned: len(records)}
	for _, rec := range records {
		ok, err := s.store.Requeue(ctx, rec.Group, rec.Keyword, cutoff, Note(rec.LastUpdated))
		if err != nil {
			return res, eris.Wrapf(err, "recovery: requeue %s/%s", rec.Group, rec.Keyword)
		}
		if !ok {
			res.Skipped++
			continue
		}
		res.Requeued++
		zap.L().Info("recovery: requeued stale record",
			zap.String("group", rec.Group),
			zap.String("keyword", rec.Keyword),
			zap.Time("last_updated", rec.LastUpdated),
		)
	}
	if s.metrics != nil && res.Requeued > 0 {
		s.metrics.ObserveRequeued(res.Requeued)
	}
	return res, nil
}

// Run scans and requeues with the configured threshold. An empty group
// recovers every group in the store.
func (s *Scanner) Run(ctx context.Context, group string) (Result, error) {
	groups, err := s.groups(ctx, group)
	if err != nil {
		return Result{}, err
	}

	var total Result
	for _, g := range groups {
		cutoff := s.now().Add(-s.staleAfter)
		recs, err := s.store.FindStaleProcessing(ctx, g, cutoff)
		if err != nil {
			return total, eris.Wrapf(err, "recovery: scan %s", g)
		}
		res, err := s.Requeue(ctx, recs, cutoff)
		total.add(res)
		if err != nil {
			return total, err
		}
	}

	zap.L().Info("recovery: pass complete",
		zap.String("group", group),
		zap.Duration("stale_after", s.staleAfter),
		zap.Int("scanned", total.Scanned),
		zap.Int("requeued", total.Requeued),
		zap.Int("skipped", total.Skipped),
	)
	return total, nil
}

// Note is the text appended to a requeued record's error message.
func Note(staleSince time.Time) string {
	return "reset after crash (stale since " + staleSince.UTC().Format(time.RFC3339) + ")"
}
