package repository

import (
	"context"

	"github.com/vedabase-rag-sync/internal/models"
)

// VectorSearchRepository defines operations for vector similarity search
type VectorSearchRepository interface {
	// SearchChunksByEmbedding performs vector similarity search on chunks
	SearchChunksByEmbedding(ctx context.Context, embedding []float64, topK int) ([]models.ScoredChunk, error)
}

// KeywordRepository defines operations for word matching over chunk content
type KeywordRepository interface {
	// SearchByWords searches chunks containing any of the words
	SearchByWords(ctx context.Context, words []string, topK int) ([]models.KeywordMatch, error)
}

// Initializer is implemented by targets that can create their own schema,
// index or collection before the first sync.
type Initializer interface {
	Init(ctx context.Context) error
}
