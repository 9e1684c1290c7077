package main

import (
	"github.com/spf13/cobra"
	"github.com/vedabase-rag-sync/internal/ingest"
	"github.com/vedabase-rag-sync/internal/segment"
	"github.com/vedabase-rag-sync/internal/upload"
)

var (
	segmentMax    int
	segmentTarget int
	segmentMetric string
)

func init() {
	segmentCmd.Flags().IntVar(&segmentMax, "max-size", 0, "hard chunk limit (default segment.max_size)")
	segmentCmd.Flags().IntVar(&segmentTarget, "target-size", -1, "soft chunk size, 0 disables (default segment.target_size)")
	segmentCmd.Flags().StringVar(&segmentMetric, "metric", "", "words, chars or tokens (default segment.metric)")
	rootCmd.AddCommand(segmentCmd)
}

var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Split records longer than the size limit at sentence boundaries",
	Long: `Split every active record longer than max_size into <kind>_segment
records and supersede the original. Running it again changes nothing.`,
	Args: cobra.NoArgs,
	RunE: runSegment,
}

func runSegment(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	opts := cfg.Segment
	if segmentMax > 0 {
		opts.MaxSize = segmentMax
	}
	if segmentTarget >= 0 {
		opts.TargetSize = segmentTarget
	}
	if segmentMetric != "" {
		opts.Metric = segmentMetric
	}

	metric, err := segment.MetricByName(opts.Metric)
	if err != nil {
		return upload.Configuration("%v", err)
	}
	seg, err := segment.New(segment.Options{MaxSize: opts.MaxSize, TargetSize: opts.TargetSize, Metric: metric})
	if err != nil {
		return upload.Configuration("segment max_size=%d target_size=%d: %v", opts.MaxSize, opts.TargetSize, err)
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := ingest.Resegment(ctx, store, seg, logger)
	if err != nil {
		return err
	}
	return outputJSON(res)
}
