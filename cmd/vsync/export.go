package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/vedabase-rag-sync/internal/export"
)

var (
	exportOutput string
	exportPrefix string
)

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "file to write (default stdout)")
	exportCmd.Flags().StringVar(&exportPrefix, "id-prefix", "", "datapoint id prefix (default defaults.id_prefix)")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write embedded records as NDJSON datapoints",
	Long: `Write one {"id","values","metadata"} line per embedded record for
offline bulk import into a vector index.

Examples:
  vsync export -o datapoints.json
  vsync export --id-prefix "" | gzip > datapoints.json.gz`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	prefix := cfg.Defaults.IDPrefix
	if cmd.Flags().Changed("id-prefix") {
		prefix = exportPrefix
	}

	var w io.Writer = os.Stdout
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("create %s: %w", exportOutput, err)
		}
		defer f.Close()
		w = f
	}

	n, err := export.NDJSON(ctx, w, store, prefix, export.DefaultPageSize)
	if err != nil {
		return err
	}
	logger.Info("export complete", "records", n, "output", exportOutput)
	return nil
}
