package main

import (
	"context"
	"fmt"
	"io"

	"github.com/vedabase-rag-sync/internal/pipeline"
	"github.com/vedabase-rag-sync/internal/repository"
	"github.com/vedabase-rag-sync/internal/repository/chromemdb"
	"github.com/vedabase-rag-sync/internal/repository/milvus"
	"github.com/vedabase-rag-sync/internal/repository/postgres"
	"github.com/vedabase-rag-sync/internal/repository/sqlite"
	"github.com/vedabase-rag-sync/internal/repository/vertex"
	"github.com/vedabase-rag-sync/internal/upload"
	"github.com/vedabase-rag-sync/pkg/schema/config"
	"github.com/vedabase-rag-sync/pkg/schema/db"
	"github.com/vedabase-rag-sync/pkg/schema/services"
)

// openedTarget is a connected target plus what it needs on shutdown.
type openedTarget struct {
	pipeline.Target
	Config config.TargetConfig
	// Init is nil for targets created out of band.
	Init  repository.Initializer
	close func() error
}

func (t *openedTarget) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}

// openTarget validates and connects the named target.
func openTarget(ctx context.Context, name string, store *sqlite.Store) (*openedTarget, error) {
	if err := cfg.Validate(name); err != nil {
		return nil, upload.Configuration("%v", err)
	}
	tc, err := cfg.Target(name)
	if err != nil {
		return nil, upload.Configuration("%v", err)
	}
	out := &openedTarget{Target: pipeline.Target{Name: name}, Config: tc}

	switch tc.Type {
	case config.TargetPostgres:
		conn, err := db.OpenPostgres(ctx, cfg.PostgresURI)
		if err != nil {
			return nil, err
		}
		t, err := postgres.NewChunkTarget(conn, tc.Table, tc.Dimensions)
		if err != nil {
			conn.Close()
			return nil, err
		}
		out.Writer, out.Lister, out.Deleter, out.Init, out.close = t, t, t, t, conn.Close

	case config.TargetVertex:
		t, err := vertex.NewIndexTarget(ctx, vertex.Config{
			ProjectID:            cfg.GCPProjectID,
			Location:             cfg.GCPLocation,
			IndexID:              tc.IndexID,
			IndexEndpointID:      tc.IndexEndpointID,
			DeployedIndexID:      tc.DeployedIndexID,
			PublicEndpointDomain: tc.PublicEndpointDomain,
		}, tc.IDPrefix)
		if err != nil {
			return nil, err
		}
		out.Writer, out.Deleter, out.close = t, t, t.Close
		if t.CanProbe() {
			out.Prober = t
		} else {
			logger.Warn("vertex target has no deployed index configured; only full syncs are possible", "target", name)
		}

	case config.TargetMilvus:
		t, err := milvus.Connect(ctx, tc.Address, tc.Collection, tc.Dimensions)
		if err != nil {
			return nil, err
		}
		out.Writer, out.Prober, out.Deleter, out.Init, out.close = t, t, t, t, t.Close

	case config.TargetChroma:
		t, err := chromemdb.Open(tc.Path, tc.Collection, tc.IDPrefix)
		if err != nil {
			return nil, err
		}
		out.Writer, out.Prober, out.Deleter, out.Init = t, t, t, t

	case config.TargetEmbeddings:
		embedder, err := services.NewEmbedder(ctx, cfg)
		if err != nil {
			return nil, upload.Configuration("%v", err)
		}
		t := sqlite.NewEmbeddingTarget(store, embedder, services.ModelName(cfg))
		out.Writer, out.Lister = t, t
		if c, ok := embedder.(io.Closer); ok {
			out.close = c.Close
		}

	default:
		return nil, upload.Configuration("target %q has unsupported type %q", name, tc.Type)
	}
	return out, nil
}

// newUploader builds an uploader writing the target's checkpoint file.
func newUploader(t *openedTarget) (*upload.Uploader, *upload.FileStore, error) {
	store := upload.NewFileStore(cfg.CheckpointPath(t.Name))
	tc := t.Config
	u, err := upload.New(t.Writer, store, upload.Options{
		Target:            t.Name,
		BatchSize:         tc.BatchSize,
		MaxRetries:        tc.MaxRetries,
		BaseBackoff:       tc.BaseBackoff,
		MaxBackoff:        tc.MaxBackoff,
		Pause:             tc.Pause,
		BatchTimeout:      tc.BatchTimeout,
		Workers:           tc.Workers,
		RequestsPerSecond: tc.RequestsPerSecond,
		ReportEvery:       tc.ReportEvery,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("configure uploader: %w", err)
	}
	return u, store, nil
}
