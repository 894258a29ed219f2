package main

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/serp-enricher/internal/model"
)

var (
	seedGroup string
	seedFile  string
)

var seedCmd = &cobra.Command{
	Use:   "seed [keyword...]",
	Short: "Create pending records for a keyword group",
	Long:  "Reads keywords from --file (one per line, optionally followed by a tab and the world frequency, then a tab and the exact frequency) and from the arguments. Existing records are left untouched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var seeds []model.Seed
		if seedFile != "" {
			f, err := os.Open(seedFile)
			if err != nil {
				return eris.Wrap(err, "seed: open file")
			}
			defer f.Close() //nolint:errcheck
			seeds, err = parseSeeds(f)
			if err != nil {
				return err
			}
		}
		for _, kw := range args {
			if kw = strings.TrimSpace(kw); kw != "" {
				seeds = append(seeds, model.Seed{Keyword: kw})
			}
		}
		if len(seeds) == 0 {
			return eris.New("seed: no keywords given")
		}

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		created, err := st.SeedPending(ctx, seedGroup, seeds)
		if err != nil {
			return eris.Wrap(err, "seed")
		}

		zap.L().Info("seed complete",
			zap.String("group", seedGroup),
			zap.Int("read", len(seeds)),
			zap.Int64("created", created),
		)
		return nil
	},
}

// parseSeeds reads one keyword per line. Blank lines and lines starting
// with '#' are skipped; a malformed frequency is an error naming the line.
func parseSeeds(r io.Reader) ([]model.Seed, error) {
	var seeds []model.Seed
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		cols := strings.Split(text, "\t")
		s := model.Seed{Keyword: strings.TrimSpace(cols[0])}
		if s.Keyword == "" {
			continue
		}
		var err error
		if len(cols) > 1 && strings.TrimSpace(cols[1]) != "" {
			if s.FrequencyWorld, err = strconv.ParseInt(strings.TrimSpace(cols[1]), 10, 64); err != nil {
				return nil, eris.Wrapf(err, "seed: line %d: world frequency", line)
			}
		}
		if len(cols) > 2 && strings.TrimSpace(cols[2]) != "" {
			if s.FrequencyExact, err = strconv.ParseInt(strings.TrimSpace(cols[2]), 10, 64); err != nil {
				return nil, eris.Wrapf(err, "seed: line %d: exact frequency", line)
			}
		}
		seeds = append(seeds, s)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "seed: read")
	}
	return seeds, nil
}

func init() {
	seedCmd.Flags().StringVar(&seedGroup, "group", "", "query group (required)")
	seedCmd.Flags().StringVar(&seedFile, "file", "", "keyword file, one per line")
	_ = seedCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(seedCmd)
}
