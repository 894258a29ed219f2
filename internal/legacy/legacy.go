// Package legacy reads SERP payloads from retired storage generations so
// results that were already paid for are not fetched again. Nothing in this
// package writes to those stores.
package legacy

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/serp-enricher/internal/model"
)

// Store looks up a payload by normalized keyword. A miss is (nil, nil).
type Store interface {
	Lookup(ctx context.Context, keyword string) (*model.Payload, error)
	Close() error
}

// NormalizeKey folds keyword into the form legacy stores are keyed by:
// NFKC, lower case, single spaces, trimmed. Groups play no part.
func NormalizeKey(keyword string) string {
	k := norm.NFKC.String(keyword)
	// Casers are stateful; one per call.
	k = cases.Lower(language.Und).String(k)
	return strings.Join(strings.Fields(k), " ")
}

// Chain consults stores in order and returns the first hit. A store error
// aborts the lookup; it is not treated as a miss.
type Chain []Store

// Lookup implements Store.
func (c Chain) Lookup(ctx context.Context, keyword string) (*model.Payload, error) {
	for _, s := range c {
		p, err := s.Lookup(ctx, keyword)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

// Close closes every store, returning the first error.
func (c Chain) Close() error {
	var first error
	for _, s := range c {
		if err := s.Close(); err != nil {
			zap.L().Warn("legacy: close store", zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// None is the empty legacy tier.
type None struct{}

// Lookup always misses.
func (None) Lookup(context.Context, string) (*model.Payload, error) { return nil, nil }

// Close is a no-op.
func (None) Close() error { return nil }
