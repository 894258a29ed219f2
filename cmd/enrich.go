package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/serp-enricher/internal/monitoring"
)

var (
	enrichGroup       string
	enrichLimit       int
	enrichMetricsFile string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Resolve the pending keywords of a group",
	Long:  "Runs one batch: every pending keyword is resolved through the record store, the legacy caches and the SERP API. Interrupting the run keeps the partial report; records left in processing are picked up by recover.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		env, err := initEnrichEnv(ctx, monitoring.NewMetrics(reg))
		if err != nil {
			return err
		}
		defer env.Close()

		run, runErr := env.Orchestrator.Run(ctx, enrichGroup, enrichLimit)
		if enrichMetricsFile != "" {
			if err := prometheus.WriteToTextfile(enrichMetricsFile, reg); err != nil {
				zap.L().Warn("write metrics file", zap.String("path", enrichMetricsFile), zap.Error(err))
			}
		}
		if run != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(run); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichGroup, "group", "", "query group (required)")
	enrichCmd.Flags().IntVar(&enrichLimit, "limit", 0, "max keywords this run (default enrichment.batch_size)")
	enrichCmd.Flags().StringVar(&enrichMetricsFile, "metrics-file", "", "write run metrics in Prometheus text format (textfile collector)")
	_ = enrichCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(enrichCmd)
}
