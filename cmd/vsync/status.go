package main

import (
	"github.com/spf13/cobra"
	"github.com/vedabase-rag-sync/internal/upload"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [target]",
	Short: "Show local record counts and a target's checkpoint",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

// StatusResponse is the output of vsync status.
type StatusResponse struct {
	Database   string           `json:"database"`
	Active     int              `json:"active_records"`
	Embedded   int              `json:"embedded_records"`
	Target     string           `json:"target,omitempty"`
	Checkpoint string           `json:"checkpoint,omitempty"`
	Progress   *upload.Progress `json:"progress,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	active, embedded, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	resp := StatusResponse{Database: cfg.DatabasePath, Active: active, Embedded: embedded}

	if len(args) == 1 {
		resp.Target = args[0]
		fs := upload.NewFileStore(cfg.CheckpointPath(args[0]))
		resp.Checkpoint = fs.Location()
		if resp.Progress, err = fs.Load(); err != nil {
			return err
		}
	}
	return outputJSON(resp)
}
