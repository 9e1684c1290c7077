package services

import (
	"context"
	"strings"
	"unicode"

	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/repository"
	pkgservices "github.com/vedabase-rag-sync/pkg/schema/services"
)

// QueryEmbedder turns a search query into a vector
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float64, error)
}

// Ensure the shared embeddings service can embed queries
var _ QueryEmbedder = (*pkgservices.EmbeddingsService)(nil)

// VectorSearchService handles semantic and keyword search over synced chunks
type VectorSearchService struct {
	vectorRepo  repository.VectorSearchRepository
	keywordRepo repository.KeywordRepository
	embedder    QueryEmbedder
}

// NewVectorSearchService creates a new vector search service. keywordRepo
// may be nil when no Postgres copy of the chunks exists.
func NewVectorSearchService(
	vectorRepo repository.VectorSearchRepository,
	keywordRepo repository.KeywordRepository,
	embedder QueryEmbedder,
) *VectorSearchService {
	return &VectorSearchService{
		vectorRepo:  vectorRepo,
		keywordRepo: keywordRepo,
		embedder:    embedder,
	}
}

// SearchChunks embeds a query and performs vector search
func (s *VectorSearchService) SearchChunks(ctx context.Context, query string, topK int) ([]models.ScoredChunk, error) {
	embedding, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.vectorRepo.SearchChunksByEmbedding(ctx, embedding, topK)
}

// SearchChunksCitations performs vector search and returns as citations
func (s *VectorSearchService) SearchChunksCitations(ctx context.Context, query string, topK int) ([]models.Citation, error) {
	scored, err := s.SearchChunks(ctx, query, topK)
	if err != nil {
		return nil, err
	}

	citations := make([]models.Citation, len(scored))
	for i, c := range scored {
		score := c.Score
		citations[i] = models.Citation{
			ChunkID:        c.ChunkID,
			ParentID:       c.ParentID,
			Kind:           c.Kind,
			Text:           c.Text,
			RelevanceScore: &score,
		}
	}
	return citations, nil
}

// SearchKeywords matches query words against chunk content
func (s *VectorSearchService) SearchKeywords(ctx context.Context, query string, topK int) ([]models.KeywordMatch, error) {
	words := tokenizeWords(query)
	if len(words) == 0 || s.keywordRepo == nil {
		return []models.KeywordMatch{}, nil
	}
	return s.keywordRepo.SearchByWords(ctx, words, topK)
}

// stopWords contains common words to exclude from search
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "with": true,
	"this": true, "are": true, "but": true, "not": true, "you": true,
	"all": true, "was": true, "his": true, "her": true, "from": true,
	"they": true, "have": true, "had": true, "been": true, "were": true,
	"will": true, "would": true, "could": true, "should": true, "shall": true,
	"who": true, "what": true, "which": true, "there": true, "their": true,
	"when": true, "then": true, "than": true, "into": true, "upon": true,
}

// tokenizeWords splits query into searchable words. Letters outside ASCII
// are kept so transliterated terms like "kṛṣṇa" survive.
func tokenizeWords(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	filtered := make([]string, 0, len(words))
	for _, word := range words {
		if len([]rune(word)) >= 2 && !stopWords[word] {
			filtered = append(filtered, word)
		}
	}
	return filtered
}
