package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <target>",
	Short: "Create the table, collection or index a target writes to",
	Long: `Create what a target needs before its first sync: the vector extension,
table and indexes on Postgres, the collection and HNSW index on Milvus, the
collection on chromem. Vertex AI indexes are created out of band.`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	target, err := openTarget(ctx, args[0], store)
	if err != nil {
		return err
	}
	defer target.Close()

	if target.Init == nil {
		logger.Info("target needs no initialisation", "target", target.Name, "type", target.Config.Type)
		return nil
	}
	if err := target.Init.Init(ctx); err != nil {
		return fmt.Errorf("initialise %s: %w", target.Name, err)
	}
	logger.Info("target initialised", "target", target.Name, "type", target.Config.Type)
	return nil
}
