package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/reconcile"
	"github.com/vedabase-rag-sync/internal/repository"
	"github.com/vedabase-rag-sync/internal/upload"
)

const (
	listPageSize = 1000
	// hnswMaxDims is the largest vector pgvector can build an HNSW index on.
	hnswMaxDims = 2000
)

// Ensure ChunkTarget implements the sync contracts
var (
	_ upload.Writer          = (*ChunkTarget)(nil)
	_ reconcile.Lister       = (*ChunkTarget)(nil)
	_ repository.Initializer = (*ChunkTarget)(nil)
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quoteTable(table string) (string, error) {
	if !tableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return pq.QuoteIdentifier(table), nil
}

// ChunkTarget writes records into a Postgres table keyed by record id.
type ChunkTarget struct {
	db         *sqlx.DB
	name       string
	table      string
	dimensions int
}

// NewChunkTarget creates a target over table. dimensions sizes the vector
// column created by Init.
func NewChunkTarget(db *sqlx.DB, table string, dimensions int) (*ChunkTarget, error) {
	quoted, err := quoteTable(table)
	if err != nil {
		return nil, upload.Configuration("postgres target: %v", err)
	}
	return &ChunkTarget{db: db, name: table, table: quoted, dimensions: dimensions}, nil
}

// Init creates the vector extension, the chunk table and its indexes.
func (t *ChunkTarget) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				parent_id BIGINT NOT NULL,
				kind TEXT NOT NULL,
				sequence_index INTEGER,
				content TEXT NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				content_hash TEXT NOT NULL,
				embedding vector(%d),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, t.table, t.dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (parent_id)`,
			pq.QuoteIdentifier(t.name+"_parent_idx"), t.table),
	}
	if t.dimensions <= hnswMaxDims {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			pq.QuoteIdentifier(t.name+"_embedding_idx"), t.table))
	}

	for _, stmt := range stmts {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s: %w", t.name, classify(err))
		}
	}
	return nil
}

// WriteBatch upserts the batch in one transaction.
func (t *ChunkTarget) WriteBatch(ctx context.Context, records []models.SourceRecord) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, parent_id, kind, sequence_index, content, metadata, content_hash, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			kind = EXCLUDED.kind,
			sequence_index = EXCLUDED.sequence_index,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			content_hash = EXCLUDED.content_hash,
			embedding = COALESCE(EXCLUDED.embedding, %s.embedding),
			updated_at = now()
	`, t.table, t.table))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", classify(err))
	}
	defer stmt.Close()

	for _, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return upload.Permanent(fmt.Errorf("encode metadata of record %d: %w", r.ID, err))
		}
		if r.Metadata == nil {
			meta = []byte("{}")
		}
		var embedding any
		if r.HasEmbedding() {
			embedding = pgvector.NewVector(r.Embedding)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.ParentID, r.Kind, r.SequenceIndex, r.Content,
			string(meta), r.Fingerprint(), embedding); err != nil {
			return fmt.Errorf("upsert record %d: %w", r.ID, classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", classify(err))
	}
	return nil
}

// DeleteIDs removes the rows with the given ids.
func (t *ChunkTarget) DeleteIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, t.table)
	if _, err := t.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete from %s: %w", t.name, classify(err))
	}
	return nil
}

// ListIDs pages through ids in ascending order with their sync fingerprints,
// stored in content_hash, so rows written before the record was embedded
// show up as changed.
// The cursor is the last id of the previous page.
func (t *ChunkTarget) ListIDs(ctx context.Context, cursor string) (reconcile.Page, error) {
	var after int64 = -1 << 63
	if cursor != "" {
		var err error
		if after, err = strconv.ParseInt(cursor, 10, 64); err != nil {
			return reconcile.Page{}, fmt.Errorf("parse cursor %q: %w", cursor, err)
		}
	}

	rows, err := t.db.QueryxContext(ctx, fmt.Sprintf(`
		SELECT id, content_hash FROM %s
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, t.table), after, listPageSize)
	if err != nil {
		return reconcile.Page{}, fmt.Errorf("list %s ids: %w", t.name, classify(err))
	}
	defer rows.Close()

	page := reconcile.Page{IDs: []int64{}, Fingerprints: make(map[int64]string)}
	for rows.Next() {
		var (
			id   int64
			hash string
		)
		if err := rows.Scan(&id, &hash); err != nil {
			return reconcile.Page{}, fmt.Errorf("scan id: %w", err)
		}
		page.IDs = append(page.IDs, id)
		page.Fingerprints[id] = hash
	}
	if err := rows.Err(); err != nil {
		return reconcile.Page{}, fmt.Errorf("iterate ids: %w", classify(err))
	}
	if len(page.IDs) == listPageSize {
		page.Next = strconv.FormatInt(page.IDs[len(page.IDs)-1], 10)
	}
	return page, nil
}

// classify marks Postgres errors the server will keep rejecting as permanent.
// Connection, serialization and resource errors stay retryable.
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Class() {
	case "22", // data exception, e.g. wrong vector dimension
		"23", // integrity constraint violation
		"42", // syntax error or access rule violation
		"28": // invalid authorization
		return upload.Permanent(err)
	case "08", "40", "53", "57":
		return upload.Transient(err)
	default:
		return err
	}
}
