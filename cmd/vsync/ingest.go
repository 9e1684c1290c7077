package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vedabase-rag-sync/internal/ingest"
	"github.com/vedabase-rag-sync/internal/segment"
	"github.com/vedabase-rag-sync/internal/upload"
)

var ingestKind string

func init() {
	ingestCmd.Flags().StringVar(&ingestKind, "kind", "", "kind for body paragraphs (default segment.kind from config)")
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file-or-dir>...",
	Short: "Load text, Markdown, HTML and PDF files as paragraph records",
	Long: `Load source files into the local store, one record per paragraph.

Directories are walked for .txt, .md, .html and .pdf files. A file whose
document is already in the store is skipped.

Examples:
  vsync ingest ./texts
  vsync ingest --kind purport bg2.html`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	metric, err := segment.MetricByName(cfg.Segment.Metric)
	if err != nil {
		return upload.Configuration("%v", err)
	}
	kind := ingestKind
	if kind == "" {
		kind = cfg.Segment.Kind
	}

	res, err := ingest.New(store, metric, kind, logger).IngestFiles(ctx, args)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return outputJSON(res)
}
