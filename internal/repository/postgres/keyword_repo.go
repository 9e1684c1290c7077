package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/repository"
)

const snippetRadius = 120

// KeywordRepository implements repository.KeywordRepository for PostgreSQL
type KeywordRepository struct {
	db    *sqlx.DB
	table string
}

// NewKeywordRepository creates a new PostgreSQL keyword repository over table
func NewKeywordRepository(db *sqlx.DB, table string) (repository.KeywordRepository, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	return &KeywordRepository{db: db, table: quoted}, nil
}

// buildKeywordQuery scores each chunk by the share of words it contains.
func buildKeywordQuery(table string, words []string, topK int) (string, []any) {
	var (
		score []string
		where []string
		args  = make([]any, 0, len(words)+1)
	)
	for i, word := range words {
		score = append(score, fmt.Sprintf("(CASE WHEN content ILIKE $%d THEN 1 ELSE 0 END)", i+1))
		where = append(where, fmt.Sprintf("content ILIKE $%d", i+1))
		args = append(args, "%"+word+"%")
	}
	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT id, parent_id, kind, content,
		       (%s)::float8 / %d AS score
		FROM %s
		WHERE %s
		ORDER BY score DESC, id
		LIMIT $%d
	`, strings.Join(score, " + "), len(words), table, strings.Join(where, " OR "), len(words)+1)
	return query, args
}

// SearchByWords searches chunks by keyword matching
func (r *KeywordRepository) SearchByWords(ctx context.Context, words []string, topK int) ([]models.KeywordMatch, error) {
	if len(words) == 0 {
		return []models.KeywordMatch{}, nil
	}

	query, args := buildKeywordQuery(r.table, words, topK)
	var rows []models.ScoredChunk
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("search chunks by words: %w", err)
	}

	results := make([]models.KeywordMatch, 0, len(rows))
	for _, row := range rows {
		matched := matchedWords(row.Text, words)
		results = append(results, models.KeywordMatch{
			ChunkID:      row.ChunkID,
			ParentID:     row.ParentID,
			Kind:         row.Kind,
			Snippet:      snippet(row.Text, matched),
			Score:        row.Score,
			MatchedWords: matched,
		})
	}
	return results, nil
}

func matchedWords(text string, words []string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, w := range words {
		if strings.Contains(lower, strings.ToLower(w)) {
			out = append(out, w)
		}
	}
	return out
}

// snippet returns the text around the first matched word.
func snippet(text string, matched []string) string {
	if len(text) <= 2*snippetRadius {
		return text
	}
	at := 0
	if len(matched) > 0 {
		if i := strings.Index(strings.ToLower(text), strings.ToLower(matched[0])); i >= 0 {
			at = i
		}
	}
	start := max(0, at-snippetRadius)
	end := min(len(text), at+snippetRadius)
	// Stay on rune boundaries.
	for start > 0 && !isRuneStart(text[start]) {
		start--
	}
	for end < len(text) && !isRuneStart(text[end]) {
		end++
	}

	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
