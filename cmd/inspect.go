package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/serp-enricher/internal/domainstats"
	"github.com/sells-group/serp-enricher/internal/model"
)

// -- stats --

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts per status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		group, _ := cmd.Flags().GetString("group")
		groups := []string{group}
		if group == "" {
			if groups, err = st.ListGroups(ctx); err != nil {
				return eris.Wrap(err, "stats")
			}
		}

		var all []model.Statistics
		for _, g := range groups {
			s, err := st.AggregateStatistics(ctx, g)
			if err != nil {
				return eris.Wrapf(err, "stats %s", g)
			}
			all = append(all, *s)
		}
		if len(all) == 0 {
			fmt.Fprintln(os.Stderr, "No records found.")
			return nil
		}
		formatStats(os.Stdout, all)
		return nil
	},
}

// -- records --

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List a group's records in one status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		group, _ := cmd.Flags().GetString("group")
		rawStatus, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		status, err := model.ParseStatus(rawStatus)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recs, err := st.ListByStatus(ctx, group, status, limit)
		if err != nil {
			return eris.Wrap(err, "records")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No records found.")
			return nil
		}
		formatRecords(os.Stdout, recs)
		return nil
	},
}

// -- domains --

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "List global domain statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		minTotal, _ := cmd.Flags().GetInt64("min-total")
		commercial, _ := cmd.Flags().GetBool("commercial")
		limit, _ := cmd.Flags().GetInt("limit")

		stats, err := st.ListDomainGlobal(ctx, model.DomainFilter{
			MinTotal:       minTotal,
			CommercialOnly: commercial,
			Limit:          limit,
		})
		if err != nil {
			return eris.Wrap(err, "domains")
		}
		if len(stats) == 0 {
			fmt.Fprintln(os.Stderr, "No domains found.")
			return nil
		}
		formatDomains(os.Stdout, stats)
		return nil
	},
}

// -- classify --

var classifyCmd = &cobra.Command{
	Use:   "classify <domain>",
	Short: "Classify a domain as commercial or informational",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		agg, err := newAggregator(st)
		if err != nil {
			return err
		}

		group, _ := cmd.Flags().GetString("group")
		c, err := agg.Classify(ctx, args[0], domainstats.WithGroup(group))
		if err != nil {
			return eris.Wrap(err, "classify")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

// -- observe --

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Count domains of completed records not yet observed",
	Long:  "Backfills domain statistics from completed records. Each record is counted at most once, so the command can be rerun safely.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		agg, err := newAggregator(st)
		if err != nil {
			return err
		}

		group, _ := cmd.Flags().GetString("group")
		limit, _ := cmd.Flags().GetInt("limit")
		res, err := agg.Backfill(ctx, group, limit)
		if err != nil {
			return eris.Wrap(err, "observe")
		}
		zap.L().Info("observe complete",
			zap.String("group", group),
			zap.Int("scanned", res.Scanned),
			zap.Int("observed", res.Observed),
		)
		_, _ = fmt.Fprintf(os.Stdout, "scanned %d, observed %d\n", res.Scanned, res.Observed)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("group", "", "query group (default all groups)")

	recordsCmd.Flags().String("group", "", "query group (required)")
	recordsCmd.Flags().String("status", string(model.StatusPending), "record status (pending, processing, completed, error)")
	recordsCmd.Flags().Int("limit", 50, "max number of records to display")
	_ = recordsCmd.MarkFlagRequired("group")

	domainsCmd.Flags().Int64("min-total", 0, "minimum number of observations")
	domainsCmd.Flags().Bool("commercial", false, "only commercial domains")
	domainsCmd.Flags().Int("limit", 100, "max number of domains to display")

	classifyCmd.Flags().String("group", "", "prefer this group's statistics when more confident")

	observeCmd.Flags().String("group", "", "query group (required)")
	observeCmd.Flags().Int("limit", 0, "max records to observe (default all)")
	_ = observeCmd.MarkFlagRequired("group")

	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(domainsCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(observeCmd)
}

// formatStats writes one row of status counts per group.
func formatStats(out io.Writer, stats []model.Statistics) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "GROUP\tTOTAL\tPENDING\tPROCESSING\tCOMPLETED\tERROR\tDONE")
	_, _ = fmt.Fprintln(w, "-----\t-----\t-------\t----------\t---------\t-----\t----")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f%%\n",
			s.Group, s.Total, s.Pending, s.Processing, s.Completed, s.Errored, s.CompletionRate)
	}
	_ = w.Flush()
}

// formatRecords writes a tabular list of records.
func formatRecords(out io.Writer, recs []model.QueryRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEYWORD\tSTATUS\tINTENT\tCOMMERCIAL\tUPDATED\tMESSAGE")
	_, _ = fmt.Fprintln(w, "-------\t------\t------\t----------\t-------\t-------")
	for _, r := range recs {
		intent := ""
		if r.MainIntent != nil {
			intent = *r.MainIntent
		}
		commercial := ""
		if r.Payload != nil {
			commercial = fmt.Sprintf("%d/%d", r.Payload.CommercialResults, len(r.Payload.Results))
		}
		msg := ""
		if r.ErrorMessage != nil {
			msg = truncate(*r.ErrorMessage, 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(r.Keyword, 40),
			r.Status,
			intent,
			commercial,
			r.LastUpdated.Format("2006-01-02 15:04"),
			msg,
		)
	}
	_ = w.Flush()
}

// formatDomains writes a tabular list of global domain statistics.
func formatDomains(out io.Writer, stats []model.DomainGlobalStat) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DOMAIN\tTOTAL\tCOMMERCIAL\tRATIO\tGROUPS\tLABEL\tCONFIDENCE")
	_, _ = fmt.Fprintln(w, "------\t-----\t----------\t-----\t------\t-----\t----------")
	for _, d := range stats {
		label := model.LabelInformational
		if d.IsCommercial {
			label = model.LabelCommercial
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%d\t%s\t%.2f\n",
			d.Domain, d.TotalCount, d.CommercialCount, d.CommercialRatio, d.GroupsCount, label, d.ConfidenceScore)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
