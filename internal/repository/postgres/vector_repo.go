package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/repository"
)

// VectorSearchRepository implements repository.VectorSearchRepository for PostgreSQL with pgvector
type VectorSearchRepository struct {
	db    *sqlx.DB
	table string
}

// NewVectorSearchRepository creates a new PostgreSQL vector search repository over table
func NewVectorSearchRepository(db *sqlx.DB, table string) (repository.VectorSearchRepository, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	return &VectorSearchRepository{db: db, table: quoted}, nil
}

// SearchChunksByEmbedding performs cosine similarity search on chunks using pgvector
func (r *VectorSearchRepository) SearchChunksByEmbedding(ctx context.Context, embedding []float64, topK int) ([]models.ScoredChunk, error) {
	vec := pgvector.NewVector(models.Float32Slice(embedding))

	results := []models.ScoredChunk{}
	err := r.db.SelectContext(ctx, &results, fmt.Sprintf(`
		SELECT id, parent_id, kind, content,
		       1 - (embedding <=> $1::vector) AS score
		FROM %s
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`, r.table), vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search chunks: %w", err)
	}
	return results, nil
}
