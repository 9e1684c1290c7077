// Package main provides the vsync CLI: ingest, segment, embed and sync
// records from the local store to remote targets.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/vedabase-rag-sync/internal/pipeline"
	"github.com/vedabase-rag-sync/internal/repository/sqlite"
	"github.com/vedabase-rag-sync/internal/upload"
	"github.com/vedabase-rag-sync/pkg/schema/config"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		// SilenceErrors is set, so cobra leaves printing to us
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "vsync",
	Short: "Chunk, embed and sync scripture records to search backends",
	Long: `vsync keeps remote search backends in step with a local SQLite store.

Typical flow:
  vsync ingest ./texts        load paragraphs as records
  vsync segment               split records longer than max_size
  vsync embed                 attach vectors to every record
  vsync sync postgres         upload what the target is missing

Uploads run in checkpointed batches; an interrupted or halted sync resumes
from the last confirmed batch when run again.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "pipeline file (default $VSYNC_CONFIG or vsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default $LOG_LEVEL or info)")
	rootCmd.Version = Version
}

// setup loads .env and the pipeline file and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	// Load .env file if present
	_ = godotenv.Load()

	if logLevel == "" {
		logLevel = os.Getenv("LOG_LEVEL")
	}
	var level slog.Level
	if logLevel != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(logLevel))); err != nil {
			return upload.Configuration("invalid log level %q", logLevel)
		}
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return upload.Configuration("%v", err)
	}
	if cfg.Path != "" {
		logger.Debug("loaded pipeline file", "path", cfg.Path)
	}
	return nil
}

// openStore validates the shared settings and opens the local store.
func openStore(ctx context.Context) (*sqlite.Store, error) {
	if err := cfg.Validate(""); err != nil {
		return nil, upload.Configuration("%v", err)
	}
	store, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open local store %s: %w", cfg.DatabasePath, err)
	}
	return store, nil
}

func exitCode(err error) int {
	switch pipeline.ExitCode(err) {
	case 130:
		return ExitInterrupted
	case 2:
		return ExitConfigError
	case 3:
		return ExitHalted
	default:
		return ExitError
	}
}
