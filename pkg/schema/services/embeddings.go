package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/vedabase-rag-sync/pkg/schema/config"
)

// EmbeddingsService handles text embedding operations using a pluggable backend
type EmbeddingsService struct {
	embedder Embedder
}

var (
	embeddingsService *EmbeddingsService
	embeddingsOnce    sync.Once
	initErr           error
)

// NewEmbedder builds the embedder selected by cfg.EmbeddingProvider.
func NewEmbedder(ctx context.Context, cfg *config.Config) (Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "vertex":
		e, err := NewVertexEmbedder(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Vertex AI embedder: %w", err)
		}
		return e, nil
	case "openai":
		e, err := NewOpenAIEmbedder(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI embedder: %w", err)
		}
		return e, nil
	case "custom", "":
		return NewCustomEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

// ModelName identifies the model behind cfg's provider, for stored vectors.
func ModelName(cfg *config.Config) string {
	switch cfg.EmbeddingProvider {
	case "vertex":
		return "vertex/" + cfg.VertexModel
	case "openai":
		return "openai/" + cfg.OpenAIModel
	default:
		return "custom/" + cfg.EmbeddingServiceURL
	}
}

// NewEmbeddingsService wraps an embedder.
func NewEmbeddingsService(embedder Embedder) *EmbeddingsService {
	return &EmbeddingsService{embedder: embedder}
}

// GetEmbeddingsService returns the singleton embeddings service
func GetEmbeddingsService() *EmbeddingsService {
	embeddingsOnce.Do(func() {
		embedder, err := NewEmbedder(context.Background(), config.GetConfig())
		if err != nil {
			initErr = err
			return
		}
		embeddingsService = NewEmbeddingsService(embedder)
	})
	return embeddingsService
}

// GetInitError returns any error that occurred during initialization
func GetInitError() error {
	return initErr
}

// EmbedQuery embeds a query for retrieval
func (s *EmbeddingsService) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return s.embedder.Embed(ctx, query, TaskTypeQuery)
}

// EmbedDocument embeds a chunk of content as a document for retrieval
func (s *EmbeddingsService) EmbedDocument(ctx context.Context, text string) ([]float64, error) {
	return s.embedder.Embed(ctx, text, TaskTypeDocument)
}
