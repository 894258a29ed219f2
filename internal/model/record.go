package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ErrCorruptRecord marks a record whose status and payload disagree.
var ErrCorruptRecord = eris.New("model: corrupt record")

// PayloadSource records which resolution tier filled a record's payload.
type PayloadSource string

const (
	SourceAPI    PayloadSource = "api"
	SourceLegacy PayloadSource = "legacy"
)

// AdMetrics holds bid and competition figures from the advertising pass.
type AdMetrics struct {
	Shows            *int64   `json:"shows,omitempty"`
	Clicks           *int64   `json:"clicks,omitempty"`
	MinCPC           *float64 `json:"min_cpc,omitempty"`
	AvgCPC           *float64 `json:"avg_cpc,omitempty"`
	MaxCPC           *float64 `json:"max_cpc,omitempty"`
	RecommendedCPC   *float64 `json:"recommended_cpc,omitempty"`
	CompetitionLevel *string  `json:"competition_level,omitempty"`
}

// Empty reports whether no advertising metric is set.
func (a *AdMetrics) Empty() bool {
	return a == nil || (a.Shows == nil && a.Clicks == nil && a.MinCPC == nil &&
		a.AvgCPC == nil && a.MaxCPC == nil && a.RecommendedCPC == nil && a.CompetitionLevel == nil)
}

// Intent holds the query intent label and scores.
type Intent struct {
	MainIntent         *string  `json:"main_intent,omitempty"`
	CommercialScore    *float64 `json:"commercial_score,omitempty"`
	InformationalScore *float64 `json:"informational_score,omitempty"`
}

// QueryRecord is the durable enrichment record for one (group, keyword).
type QueryRecord struct {
	Group   string `json:"group"`
	Keyword string `json:"keyword"`

	FrequencyWorld int64 `json:"frequency_world"`
	FrequencyExact int64 `json:"frequency_exact"`

	Normalized *string  `json:"normalized,omitempty"`
	Lemmatized *string  `json:"lemmatized,omitempty"`
	Entities   []string `json:"entities,omitempty"`

	Intent

	Status       Status  `json:"status"`
	RequestID    *string `json:"request_id,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`

	Payload *Payload      `json:"payload,omitempty"`
	Source  PayloadSource `json:"source,omitempty"`

	Ads *AdMetrics `json:"ads,omitempty"`

	ClusterID *string `json:"cluster_id,omitempty"`

	DomainsObserved bool      `json:"domains_observed"`
	CreatedAt       time.Time `json:"created_at"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Validate checks the status/payload invariants of a record.
func (r *QueryRecord) Validate() error {
	if r.Group == "" || r.Keyword == "" {
		return eris.Wrap(ErrCorruptRecord, "group and keyword are required")
	}
	if !r.Status.Valid() {
		return eris.Wrapf(ErrCorruptRecord, "invalid status %q", r.Status)
	}
	switch r.Status {
	case StatusCompleted:
		if r.Payload == nil {
			return eris.Wrapf(ErrCorruptRecord, "%s/%s: completed without payload", r.Group, r.Keyword)
		}
		if r.ErrorMessage != nil {
			return eris.Wrapf(ErrCorruptRecord, "%s/%s: completed with error message", r.Group, r.Keyword)
		}
	case StatusError:
		if r.ErrorMessage == nil || *r.ErrorMessage == "" {
			return eris.Wrapf(ErrCorruptRecord, "%s/%s: error without message", r.Group, r.Keyword)
		}
		if r.Payload != nil {
			return eris.Wrapf(ErrCorruptRecord, "%s/%s: payload on non-completed record", r.Group, r.Keyword)
		}
	case StatusPending, StatusProcessing:
		if r.Payload != nil {
			return eris.Wrapf(ErrCorruptRecord, "%s/%s: payload on non-completed record", r.Group, r.Keyword)
		}
	}
	return nil
}

// Seed is an upstream (group, keyword, frequency) tuple.
type Seed struct {
	Keyword        string `json:"keyword"`
	FrequencyWorld int64  `json:"frequency_world"`
	FrequencyExact int64  `json:"frequency_exact"`
}

// Attributes are collaborator-computed fields that never affect status.
// Nil fields are left unchanged.
type Attributes struct {
	Normalized *string
	Lemmatized *string
	Entities   []string
	Intent     *Intent
	Ads        *AdMetrics
	ClusterID  *string
}

// Completion carries the data written by processing -> completed.
type Completion struct {
	RequestID string
	Payload   Payload
	Source    PayloadSource
	Intent    *Intent
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 { return &f }
