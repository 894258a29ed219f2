package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/serp-enricher/internal/recovery"
)

var (
	recoverGroup     string
	recoverOlderThan time.Duration
	retryGroup       string
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Requeue records stuck in processing",
	Long:  "Resets processing records older than the stale threshold back to pending. Run it after a crash or an interrupted batch; without --group every group is scanned.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		staleAfter := cfg.Enrichment.StaleAfter
		if cmd.Flags().Changed("older-than") {
			staleAfter = recoverOlderThan
		}

		res, err := recovery.New(st, staleAfter).Run(ctx, recoverGroup)
		if err != nil {
			return eris.Wrap(err, "recover")
		}
		_, _ = fmt.Fprintf(os.Stdout, "scanned %d, requeued %d, skipped %d\n", res.Scanned, res.Requeued, res.Skipped)
		return nil
	},
}

var retryErrorsCmd = &cobra.Command{
	Use:   "retry-errors",
	Short: "Move a group's errored records back to pending",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.RetryErrored(ctx, retryGroup)
		if err != nil {
			return eris.Wrap(err, "retry errors")
		}
		zap.L().Info("errored records requeued", zap.String("group", retryGroup), zap.Int64("count", n))
		_, _ = fmt.Fprintf(os.Stdout, "requeued %d\n", n)
		return nil
	},
}

func init() {
	recoverCmd.Flags().StringVar(&recoverGroup, "group", "", "query group (default all groups)")
	recoverCmd.Flags().DurationVar(&recoverOlderThan, "older-than", time.Hour, "stale threshold (default enrichment.stale_after)")

	retryErrorsCmd.Flags().StringVar(&retryGroup, "group", "", "query group (required)")
	_ = retryErrorsCmd.MarkFlagRequired("group")

	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(retryErrorsCmd)
}
