package model

import "time"

// Statistics summarizes the records of a group (or all groups).
type Statistics struct {
	Group          string  `json:"group,omitempty"`
	Total          int64   `json:"total"`
	Pending        int64   `json:"pending"`
	Processing     int64   `json:"processing"`
	Completed      int64   `json:"completed"`
	Errored        int64   `json:"errored"`
	WithNormalized int64   `json:"with_normalized"`
	WithIntent     int64   `json:"with_intent"`
	WithSERP       int64   `json:"with_serp"`
	WithAds        int64   `json:"with_ads"`
	CompletionRate float64 `json:"completion_rate"`
}

// ComputeRate fills CompletionRate as a percentage of Total.
func (s *Statistics) ComputeRate() {
	if s.Total == 0 {
		s.CompletionRate = 0
		return
	}
	s.CompletionRate = float64(s.Completed) / float64(s.Total) * 100
}

// Count returns the number of records in status st.
func (s *Statistics) Count(st Status) int64 {
	switch st {
	case StatusPending:
		return s.Pending
	case StatusProcessing:
		return s.Processing
	case StatusCompleted:
		return s.Completed
	case StatusError:
		return s.Errored
	default:
		return 0
	}
}

// BatchRun is the persisted summary of one orchestrator pass.
type BatchRun struct {
	RunID            string    `json:"run_id"`
	Group            string    `json:"group"`
	Attempted        int       `json:"attempted"`
	Completed        int       `json:"completed"`
	FromCache        int       `json:"from_cache"`
	FromLegacy       int       `json:"from_legacy"`
	Fetched          int       `json:"fetched"`
	Errored          int       `json:"errored"`
	Deferred         int       `json:"deferred"`
	InFlight         int       `json:"in_flight"`
	RemainingPending int64     `json:"remaining_pending"`
	APICalls         int       `json:"api_calls"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	Aborted          bool      `json:"aborted"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Duration returns the wall time of the run.
func (r *BatchRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Group string
	Since time.Time
	Limit int
}
