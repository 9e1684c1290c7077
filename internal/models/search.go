package models

// Citation represents a cited chunk with relevance score
type Citation struct {
	ChunkID        int64    `json:"chunk_id" db:"id"`
	ParentID       int64    `json:"parent_id" db:"parent_id"`
	Kind           string   `json:"kind" db:"kind"`
	Text           string   `json:"text" db:"content"`
	RelevanceScore *float64 `json:"relevance_score,omitempty" db:"relevance_score"`
}

// ScoredChunk represents a chunk with similarity score
type ScoredChunk struct {
	ChunkID  int64   `json:"chunk_id" db:"id"`
	ParentID int64   `json:"parent_id" db:"parent_id"`
	Kind     string  `json:"kind" db:"kind"`
	Text     string  `json:"text" db:"content"`
	Score    float64 `json:"score" db:"score"`
}

// KeywordMatch represents a chunk matched by query words
type KeywordMatch struct {
	ChunkID      int64    `json:"chunk_id"`
	ParentID     int64    `json:"parent_id"`
	Kind         string   `json:"kind"`
	Snippet      string   `json:"snippet"`
	Score        float64  `json:"score"`
	MatchedWords []string `json:"matched_words,omitempty"`
}

// SemanticSearchRequest is the request for semantic search
type SemanticSearchRequest struct {
	Query string `json:"query" validate:"required"`
	Limit int    `json:"limit" validate:"min=1,max=50"`
}

// SemanticSearchResponse is the response for semantic search
type SemanticSearchResponse struct {
	Query   string     `json:"query"`
	Results []Citation `json:"results"`
}

// HybridSearchRequest is the request for hybrid search
type HybridSearchRequest struct {
	Query        string `json:"query" validate:"required"`
	ChunkLimit   int    `json:"chunk_limit" validate:"min=1,max=50"`
	KeywordLimit int    `json:"keyword_limit" validate:"min=1,max=50"`
}

// KeywordMatches contains results from word matching
type KeywordMatches struct {
	Chunks []KeywordMatch `json:"chunks"`
}

// SemanticMatches contains results from embedding-based search
type SemanticMatches struct {
	Chunks []Citation `json:"chunks"`
}

// HybridSearchResponse is the response for hybrid search
type HybridSearchResponse struct {
	Query           string          `json:"query"`
	KeywordMatches  KeywordMatches  `json:"keyword_matches"`
	SemanticMatches SemanticMatches `json:"semantic_matches"`
}
