// Package domainstats turns completed result sets into per-domain counters
// and answers whether a domain is commercial, with a confidence that grows
// with the number of queries it was seen in.
package domainstats

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/internal/store"
)

// DefaultTopN is how many leading results of a SERP are observed.
const DefaultTopN = 10

// ErrInvalidDomain is returned for input that does not reduce to a host.
var ErrInvalidDomain = eris.New("domainstats: invalid domain")

// Overrides is the externally supplied static domain list. It is the
// lowest-priority classification input.
type Overrides interface {
	Lookup(domain string) (model.Label, bool)
}

// Aggregator records observations and classifies domains.
type Aggregator struct {
	store      store.Store
	thresholds model.Thresholds
	overrides  Overrides
	topN       int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithThresholds replaces the default 0.6 / 0.5 / 100 thresholds.
func WithThresholds(t model.Thresholds) Option {
	return func(a *Aggregator) { a.thresholds = t }
}

// WithOverrides sets the static override list.
func WithOverrides(o Overrides) Option {
	return func(a *Aggregator) { a.overrides = o }
}

// WithTopN sets how many leading results are observed per record.
func WithTopN(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.topN = n
		}
	}
}

// New creates an Aggregator over st.
func New(st store.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:      st,
		thresholds: model.DefaultThresholds(),
		topN:       DefaultTopN,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Thresholds returns the thresholds in force.
func (a *Aggregator) Thresholds() model.Thresholds {
	return a.thresholds
}

// RecordObservation counts one sighting of domain in group.
func (a *Aggregator) RecordObservation(ctx context.Context, domain, group string, isCommercial bool) error {
	d := NormalizeDomain(domain)
	if d == "" {
		return eris.Wrapf(ErrInvalidDomain, "domainstats: record %q", domain)
	}
	if group == "" {
		return eris.New("domainstats: group is required")
	}
	err := a.store.RecordObservation(ctx, model.Observation{Domain: d, Group: group, IsCommercial: isCommercial})
	return eris.Wrap(err, "domainstats: record observation")
}

// Observations lists one observation per distinct domain among the first
// topN results of rec. A domain is commercial for the query if any of its
// results is.
func Observations(rec *model.QueryRecord, topN int) []model.Observation {
	if rec == nil || rec.Payload == nil {
		return nil
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	results := rec.Payload.Results
	if len(results) > topN {
		results = results[:topN]
	}

	index := make(map[string]int, len(results))
	var out []model.Observation
	for _, r := range results {
		d := NormalizeDomain(r.Domain)
		if d == "" {
			d = NormalizeDomain(r.URL)
		}
		if d == "" {
			continue
		}
		if i, ok := index[d]; ok {
			out[i].IsCommercial = out[i].IsCommercial || r.IsCommercial
			continue
		}
		index[d] = len(out)
		out = append(out, model.Observation{Domain: d, Group: rec.Group, IsCommercial: r.IsCommercial})
	}
	return out
}

// ObserveRecord counts rec's domains exactly once. It returns false when
// the record was already observed or is not completed.
func (a *Aggregator) ObserveRecord(ctx context.Context, rec *model.QueryRecord) (bool, error) {
	if rec == nil || rec.Status != model.StatusCompleted || rec.Payload == nil {
		return false, nil
	}
	ok, err := a.store.ObserveRecord(ctx, rec.Group, rec.Keyword, Observations(rec, a.topN))
	if err != nil {
		return false, eris.Wrapf(err, "domainstats: observe %s/%s", rec.Group, rec.Keyword)
	}
	return ok, nil
}

// BackfillResult counts one Backfill pass.
type BackfillResult struct {
	Scanned  int `json:"scanned"`
	Observed int `json:"observed"`
}

const backfillPage = 500

// Backfill observes completed records of group that were never observed,
// up to limit records (0 means all).
func (a *Aggregator) Backfill(ctx context.Context, group string, limit int) (BackfillResult, error) {
	var res BackfillResult
	for limit <= 0 || res.Scanned < limit {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "domainstats: backfill")
		}
		page := backfillPage
		if limit > 0 {
			page = min(page, limit-res.Scanned)
		}
		recs, err := a.store.ListUnobserved(ctx, group, page)
		if err != nil {
			return res, eris.Wrapf(err, "domainstats: list unobserved %s", group)
		}
		if len(recs) == 0 {
			break
		}
		observed := 0
		for i := range recs {
			res.Scanned++
			ok, err := a.ObserveRecord(ctx, &recs[i])
			if err != nil {
				return res, err
			}
			if ok {
				observed++
			}
		}
		res.Observed += observed
		// Every listed record was either observed now or by someone else;
		// an empty round means the listing is not shrinking.
		if observed == 0 {
			break
		}
	}

	zap.L().Info("domainstats: backfill complete",
		zap.String("group", group),
		zap.Int("scanned", res.Scanned),
		zap.Int("observed", res.Observed),
	)
	return res, nil
}

type classifyOptions struct {
	group string
}

// ClassifyOption narrows Classify.
type ClassifyOption func(*classifyOptions)

// WithGroup also considers the domain's counters within group.
func WithGroup(group string) ClassifyOption {
	return func(o *classifyOptions) { o.group = group }
}

// Classify labels domain from the global aggregate, the group-local
// aggregate (with WithGroup) or the static overrides, in that priority.
// Between the two aggregates the higher confidence wins, the global one
// on ties. Unknown domains get LabelUnknown with zero confidence.
func (a *Aggregator) Classify(ctx context.Context, domain string, opts ...ClassifyOption) (model.Classification, error) {
	var o classifyOptions
	for _, opt := range opts {
		opt(&o)
	}

	d := NormalizeDomain(domain)
	out := model.Classification{Domain: d, Label: model.LabelUnknown, Source: model.SourceNone}
	if d == "" {
		return out, eris.Wrapf(ErrInvalidDomain, "domainstats: classify %q", domain)
	}

	var best *model.Classification

	g, err := a.store.GetDomainGlobal(ctx, d)
	if err != nil {
		return out, eris.Wrapf(err, "domainstats: classify %s", d)
	}
	if g != nil && g.TotalCount > 0 {
		c := a.fromCounts(d, g.CommercialCount, g.TotalCount, model.SourceGlobal)
		best = &c
	}

	if o.group != "" {
		gs, err := a.store.GetDomainGroup(ctx, d, o.group)
		if err != nil {
			return out, eris.Wrapf(err, "domainstats: classify %s in %s", d, o.group)
		}
		if gs != nil && gs.TotalCount > 0 {
			c := a.fromCounts(d, gs.CommercialCount, gs.TotalCount, model.SourceGroup)
			if best == nil || c.Confidence > best.Confidence {
				best = &c
			}
		}
	}

	if best != nil {
		return *best, nil
	}

	if a.overrides != nil {
		if label, ok := a.overrides.Lookup(d); ok {
			out.Label = label
			out.Confidence = 1
			out.Source = model.SourceOverride
		}
	}
	return out, nil
}

func (a *Aggregator) fromCounts(domain string, commercial, total int64, src model.ClassificationSource) model.Classification {
	return model.Classification{
		Domain:     domain,
		Label:      a.thresholds.Label(commercial, total),
		Confidence: a.thresholds.Confidence(total),
		Source:     src,
		Ratio:      float64(commercial) / float64(total),
		Total:      total,
	}
}

// NormalizeDomain lower-cases a host or URL and strips the scheme, path,
// port and a leading "www.".
func NormalizeDomain(s string) string {
	return strings.TrimSuffix(model.DomainFromURL(s), ".")
}
