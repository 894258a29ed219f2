package model

import "time"

// Label is the commercial/informational classification of a domain.
type Label string

const (
	LabelCommercial    Label = "commercial"
	LabelInformational Label = "informational"
	LabelUnknown       Label = "unknown"
)

// ClassificationSource names which input produced a classification.
type ClassificationSource string

const (
	SourceGlobal   ClassificationSource = "global"
	SourceGroup    ClassificationSource = "group"
	SourceOverride ClassificationSource = "override"
	SourceNone     ClassificationSource = "none"
)

// DomainStat holds per-(domain, group) observation counters.
type DomainStat struct {
	Domain             string    `json:"domain"`
	Group              string    `json:"group"`
	CommercialCount    int64     `json:"commercial_count"`
	InformationalCount int64     `json:"informational_count"`
	TotalCount         int64     `json:"total_count"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
}

// CommercialRatio returns commercial/total, or 0 when nothing was observed.
func (d *DomainStat) CommercialRatio() float64 {
	if d.TotalCount == 0 {
		return 0
	}
	return float64(d.CommercialCount) / float64(d.TotalCount)
}

// DomainGlobalStat sums a domain's counters across every group.
// IsCommercial and ConfidenceScore are derived from the thresholds
// in force when the row was last written.
type DomainGlobalStat struct {
	Domain             string    `json:"domain"`
	CommercialCount    int64     `json:"commercial_count"`
	InformationalCount int64     `json:"informational_count"`
	TotalCount         int64     `json:"total_count"`
	GroupsCount        int64     `json:"groups_count"`
	CommercialRatio    float64   `json:"commercial_ratio"`
	IsCommercial       bool      `json:"is_commercial"`
	ConfidenceScore    float64   `json:"confidence_score"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
}

// Observation is one (domain, group) sighting in a completed result set.
type Observation struct {
	Domain       string
	Group        string
	IsCommercial bool
}

// Classification is the answer to "is this domain commercial?".
type Classification struct {
	Domain     string               `json:"domain"`
	Label      Label                `json:"label"`
	Confidence float64              `json:"confidence"`
	Source     ClassificationSource `json:"source"`
	Ratio      float64              `json:"ratio,omitempty"`
	Total      int64                `json:"total,omitempty"`
}

// DomainFilter narrows ListDomainGlobal.
type DomainFilter struct {
	MinTotal       int64
	CommercialOnly bool
	Limit          int
}

// Thresholds parameterizes domain classification.
type Thresholds struct {
	CommercialThreshold   float64 `json:"commercial_threshold"`
	ConfidenceFloor       float64 `json:"confidence_floor"`
	FullConfidenceQueries int64   `json:"full_confidence_queries"`
}

// DefaultThresholds returns threshold 0.6, floor 0.5 and saturation at 100 queries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CommercialThreshold:   0.6,
		ConfidenceFloor:       0.5,
		FullConfidenceQueries: 100,
	}
}

// ratioEpsilon absorbs float rounding so that ratio == threshold is inclusive.
const ratioEpsilon = 1e-9

// Confidence returns min(1, max(floor, total/full)).
func (t Thresholds) Confidence(total int64) float64 {
	if t.FullConfidenceQueries <= 0 {
		return 1
	}
	c := float64(total) / float64(t.FullConfidenceQueries)
	if c < t.ConfidenceFloor {
		c = t.ConfidenceFloor
	}
	if c > 1 {
		c = 1
	}
	return c
}

// IsCommercial reports whether commercial/total reaches the threshold.
func (t Thresholds) IsCommercial(commercial, total int64) bool {
	if total <= 0 {
		return false
	}
	return float64(commercial)/float64(total)+ratioEpsilon >= t.CommercialThreshold
}

// Label maps counts to a commercial or informational label.
func (t Thresholds) Label(commercial, total int64) Label {
	if t.IsCommercial(commercial, total) {
		return LabelCommercial
	}
	return LabelInformational
}

// Derive fills the ratio and classification fields of g from its counts.
func (t Thresholds) Derive(g *DomainGlobalStat) {
	g.CommercialRatio = 0
	if g.TotalCount > 0 {
		g.CommercialRatio = float64(g.CommercialCount) / float64(g.TotalCount)
	}
	g.IsCommercial = t.IsCommercial(g.CommercialCount, g.TotalCount)
	g.ConfidenceScore = t.Confidence(g.TotalCount)
}
