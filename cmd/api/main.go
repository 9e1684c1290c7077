package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/vedabase-rag-sync/internal/config"
	"github.com/vedabase-rag-sync/internal/handlers"
	"github.com/vedabase-rag-sync/internal/middleware"
	"github.com/vedabase-rag-sync/internal/repository"
	"github.com/vedabase-rag-sync/internal/repository/chromemdb"
	"github.com/vedabase-rag-sync/internal/repository/milvus"
	"github.com/vedabase-rag-sync/internal/repository/postgres"
	"github.com/vedabase-rag-sync/internal/repository/vertex"
	"github.com/vedabase-rag-sync/internal/services"
	schemaconfig "github.com/vedabase-rag-sync/pkg/schema/config"
	"github.com/vedabase-rag-sync/pkg/schema/db"
	pkgservices "github.com/vedabase-rag-sync/pkg/schema/services"
)

// needsPostgres reports whether the backend reads chunk text from Postgres.
func needsPostgres(backend string) bool {
	return backend == "pgvector" || backend == "vertex"
}

// newVectorRepository builds the search backend named by cfg.VectorBackend.
// The returned closer is nil when nothing needs closing.
func newVectorRepository(ctx context.Context, cfg *config.Config, pgDB *sqlx.DB) (repository.VectorSearchRepository, io.Closer, error) {
	switch cfg.VectorBackend {
	case "vertex":
		log.Println("Using Vertex AI Vector Search backend")
		vertexCfg := vertex.Config{
			ProjectID:            cfg.VertexProjectID,
			Location:             cfg.VertexLocation,
			IndexEndpointID:      cfg.VertexIndexEndpointID,
			DeployedIndexID:      cfg.VertexDeployedIndexID,
			PublicEndpointDomain: cfg.VertexPublicEndpointDomain,
		}
		repo, err := vertex.NewVectorSearchRepository(ctx, vertexCfg, cfg.IDPrefix, pgDB, cfg.ChunkTable)
		if err != nil {
			return nil, nil, fmt.Errorf("create Vertex AI vector repository: %w", err)
		}
		return repo, repo, nil
	case "milvus":
		log.Printf("Using Milvus backend at %s", cfg.MilvusAddress)
		repo, err := milvus.Connect(ctx, cfg.MilvusAddress, cfg.MilvusCollection, schemaconfig.GetConfig().EmbeddingDimensions)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	case "chroma":
		log.Printf("Using chromem backend at %s", cfg.ChromaPath)
		repo, err := chromemdb.Open(cfg.ChromaPath, cfg.ChromaCollection, cfg.IDPrefix)
		if err != nil {
			return nil, nil, err
		}
		return repo, nil, nil
	case "pgvector":
		log.Println("Using pgvector backend")
		repo, err := postgres.NewVectorSearchRepository(pgDB, cfg.ChunkTable)
		return repo, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown VECTOR_BACKEND %q", cfg.VectorBackend)
	}
}

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	// Get configuration
	cfg := config.GetConfig()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(echomiddleware.Logger())
	e.Use(echomiddleware.Recover())
	e.Use(middleware.CORSMiddleware(cfg.CORSOrigins))

	// Initialize PostgreSQL. Milvus and chromem can serve without it, minus keyword search.
	ctx := context.Background()
	if err := db.InitPostgres(ctx); err != nil {
		if needsPostgres(cfg.VectorBackend) {
			log.Fatalf("Failed to initialize PostgreSQL: %v", err)
		}
		log.Printf("PostgreSQL unavailable, keyword search disabled: %v", err)
	}
	pgDB := db.GetPostgres()

	vectorRepo, vectorCloser, err := newVectorRepository(ctx, cfg, pgDB)
	if err != nil {
		log.Fatalf("Failed to create vector repository: %v", err)
	}

	var keywordRepo repository.KeywordRepository
	if pgDB != nil {
		if keywordRepo, err = postgres.NewKeywordRepository(pgDB, cfg.ChunkTable); err != nil {
			log.Fatalf("Failed to create keyword repository: %v", err)
		}
	}

	// Create services
	embeddingsSvc := pkgservices.GetEmbeddingsService()
	if err := pkgservices.GetInitError(); err != nil {
		log.Fatalf("Failed to initialize embeddings service: %v", err)
	}

	vectorSearchSvc := services.NewVectorSearchService(vectorRepo, keywordRepo, embeddingsSvc)

	// Create API group with prefix
	api := e.Group(cfg.APIPrefix)

	// Register handlers
	var pinger handlers.Pinger
	if pgDB != nil {
		pinger = pgDB
	}
	handlers.NewHealthHandler(cfg.VectorBackend, cfg.CheckpointDir, pinger).RegisterRoutes(api)
	handlers.NewSearchHandler(vectorSearchSvc).RegisterRoutes(api)
	handlers.NewProgressHandler(cfg.CheckpointDir).RegisterRoutes(api)

	// Root health check
	e.GET("/", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"name":    cfg.APITitle,
			"version": cfg.APIVersion,
			"backend": cfg.VectorBackend,
			"status":  "running",
		})
	})

	// Start server
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		log.Printf("Starting %s v%s on %s", cfg.APITitle, cfg.APIVersion, addr)
		if err := e.Start(addr); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down server: %v", err)
	}

	if err := db.ClosePostgres(); err != nil {
		log.Printf("Error closing PostgreSQL: %v", err)
	}

	if vectorCloser != nil {
		if err := vectorCloser.Close(); err != nil {
			log.Printf("Error closing %s client: %v", cfg.VectorBackend, err)
		}
	}

	log.Println("Server stopped")
}
