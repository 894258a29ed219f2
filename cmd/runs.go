package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/serp-enricher/internal/cost"
	"github.com/sells-group/serp-enricher/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect batch run history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := runFilter(cmd)
		if err != nil {
			return err
		}
		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate batch statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := runFilter(cmd)
		if err != nil {
			return err
		}
		filter.Limit = 10000 // high limit for stats

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		calc := cost.NewCalculator(cost.Rates{SERPPerThousand: cfg.Pricing.SERPPerThousand})
		formatRunStats(os.Stdout, computeRunStats(runs, calc))
		return nil
	},
}

func runFilter(cmd *cobra.Command) (model.RunFilter, error) {
	group, _ := cmd.Flags().GetString("group")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	if since < 0 {
		return model.RunFilter{}, eris.New("--since must not be negative")
	}
	f := model.RunFilter{Group: group, Limit: limit}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}
	return f, nil
}

func init() {
	runsCmd.PersistentFlags().String("group", "", "filter by query group")
	runsCmd.PersistentFlags().Duration("since", 0, "only runs started within this window (e.g. 24h)")
	runsCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Aborted    int
	Attempted  int
	Completed  int
	FromCache  int
	FromLegacy int
	Fetched    int
	Errored    int
	Deferred   int
	APICalls   int
	CostUSD    float64
	SavedUSD   float64
	AvgDurSecs float64
}

// computeRunStats sums counters across runs. calc prices the requests
// the cache and legacy tiers saved.
func computeRunStats(runs []model.BatchRun, calc *cost.Calculator) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	for _, r := range runs {
		if r.Aborted {
			s.Aborted++
		}
		s.Attempted += r.Attempted
		s.Completed += r.Completed
		s.FromCache += r.FromCache
		s.FromLegacy += r.FromLegacy
		s.Fetched += r.Fetched
		s.Errored += r.Errored
		s.Deferred += r.Deferred
		s.APICalls += r.APICalls
		s.CostUSD += r.EstimatedCostUSD
		totalDur += r.Duration()
	}
	if calc != nil {
		s.SavedUSD = calc.Saved(s.FromCache + s.FromLegacy)
	}
	if s.Total > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(s.Total)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.BatchRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tGROUP\tSTARTED\tATTEMPTED\tCOMPLETED\tFETCHED\tERRORED\tDEFERRED\tCOST\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t-------\t---------\t---------\t-------\t-------\t--------\t----\t--------")

	for _, r := range runs {
		id := truncateID(r.RunID)
		if r.Aborted {
			id += "!"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t$%.2f\t%s\n",
			id,
			truncate(r.Group, 30),
			r.StartedAt.Format("2006-01-02 15:04"),
			r.Attempted,
			r.Completed,
			r.Fetched,
			r.Errored,
			r.Deferred,
			r.EstimatedCostUSD,
			r.Duration().Round(time.Second).String(),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "  Aborted:\t%d\n", s.Aborted)
	_, _ = fmt.Fprintf(w, "Keywords attempted:\t%d\n", s.Attempted)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "  From cache:\t%d\n", s.FromCache)
	_, _ = fmt.Fprintf(w, "  From legacy:\t%d\n", s.FromLegacy)
	_, _ = fmt.Fprintf(w, "  Fetched:\t%d\n", s.Fetched)
	_, _ = fmt.Fprintf(w, "Errored:\t%d\n", s.Errored)
	_, _ = fmt.Fprintf(w, "Deferred:\t%d\n", s.Deferred)
	_, _ = fmt.Fprintf(w, "API calls:\t%d\n", s.APICalls)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.2f\n", s.CostUSD)
	_, _ = fmt.Fprintf(w, "Saved:\t$%.2f\n", s.SavedUSD)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
