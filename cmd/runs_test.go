package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/serp-enricher/internal/cost"
	"github.com/sells-group/serp-enricher/internal/model"
)

func testRuns() []model.BatchRun {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	return []model.BatchRun{
		{
			RunID:            "abc12345-6789-0000-0000-000000000000",
			Group:            "widgets",
			Attempted:        100,
			Completed:        90,
			FromCache:        10,
			FromLegacy:       30,
			Fetched:          50,
			Errored:          4,
			Deferred:         6,
			APICalls:         62,
			EstimatedCostUSD: 0.0186,
			StartedAt:        now,
			FinishedAt:       now.Add(2 * time.Minute),
		},
		{
			RunID:            "def12345-6789-0000-0000-000000000000",
			Group:            "gadgets",
			Attempted:        10,
			Completed:        2,
			Fetched:          2,
			APICalls:         4,
			EstimatedCostUSD: 0.0012,
			Aborted:          true,
			Error:            "orchestrator: run cancelled: context canceled",
			StartedAt:        now.Add(-time.Hour),
			FinishedAt:       now.Add(-time.Hour + 20*time.Second),
		},
	}
}

func TestFormatRunsList(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, testRuns())

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "GROUP")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "def12345!")
	assert.Contains(t, output, "widgets")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "$0.02")
}

func TestComputeRunStats(t *testing.T) {
	s := computeRunStats(testRuns(), cost.NewCalculator(cost.Rates{SERPPerThousand: 1000}))

	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Aborted)
	assert.Equal(t, 110, s.Attempted)
	assert.Equal(t, 92, s.Completed)
	assert.Equal(t, 52, s.Fetched)
	assert.Equal(t, 66, s.APICalls)
	assert.InDelta(t, 0.0198, s.CostUSD, 1e-9)
	assert.InDelta(t, 40.0, s.SavedUSD, 1e-9)
	assert.InDelta(t, 70.0, s.AvgDurSecs, 1e-9)
}

func TestComputeRunStats_Empty(t *testing.T) {
	s := computeRunStats(nil, nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.AvgDurSecs)
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, runStats{Total: 3, Aborted: 1, Completed: 40, FromLegacy: 25, CostUSD: 1.5, SavedUSD: 0.75, AvgDurSecs: 12.5})

	output := buf.String()
	assert.Contains(t, output, "Total runs:")
	assert.Contains(t, output, "From legacy:")
	assert.Contains(t, output, "$1.50")
	assert.Contains(t, output, "$0.75")
	assert.Contains(t, output, "12.5s")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
