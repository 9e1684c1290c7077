package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/vedabase-rag-sync/internal/pipeline"
	"github.com/vedabase-rag-sync/pkg/schema/config"
)

var (
	syncFull     bool
	syncChanged  bool
	syncNoVerify bool
	syncPrune    bool
)

func init() {
	for _, cmd := range []*cobra.Command{syncCmd, embedCmd} {
		cmd.Flags().BoolVar(&syncFull, "full", false, "send every local record without reconciling first")
		cmd.Flags().BoolVar(&syncChanged, "changed", true, "also re-send records whose remote fingerprint differs (content edited or embedding added)")
		cmd.Flags().BoolVar(&syncNoVerify, "no-verify", false, "skip the verification pass after uploading")
	}
	syncCmd.Flags().BoolVar(&syncPrune, "prune", false, "delete records superseded by their segments from the target after syncing")
	rootCmd.AddCommand(syncCmd, embedCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync <target>",
	Short: "Upload local records the target is missing",
	Long: `Reconcile the local store against a target and upload the difference
in checkpointed batches. Targets that report fingerprints (postgres and
the embeddings table) also receive records edited or embedded since they
were last sent.

Records split into segments stay on the target until --prune deletes
them. Remote ids with no local record at all are never deleted.

Exit status is 3 when a batch exhausts its retries or is rejected; the
checkpoint then points at the last confirmed batch and re-running resumes
from there. Ctrl-C flushes the checkpoint and exits with 130.

Examples:
  vsync sync postgres
  vsync sync vertex --full
  vsync sync postgres --changed=false
  vsync sync milvus --prune`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.Context(), args[0])
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Generate embeddings for records that have none",
	Long: `Embed every active record without a stored vector, using the configured
provider. Runs through the same batching, retry and checkpoint machinery as
sync, with the local embeddings table as its target.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.Context(), config.TargetEmbeddings)
	},
}

func runSync(ctx context.Context, name string) error {
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	target, err := openTarget(ctx, name, store)
	if err != nil {
		return err
	}
	defer target.Close()

	u, _, err := newUploader(target)
	if err != nil {
		return err
	}

	res, err := pipeline.NewRunner(store, logger).Sync(ctx, target.Target, u, pipeline.Options{
		Full:        syncFull,
		Changed:     syncChanged && target.Lister != nil,
		Verify:      target.Config.VerifyEnabled() && !syncNoVerify,
		Prune:       syncPrune,
		ListTimeout: target.Config.ListTimeout,
	})
	if res != nil {
		if outErr := outputJSON(res); outErr != nil {
			return errors.Join(err, outErr)
		}
	}
	return err
}
