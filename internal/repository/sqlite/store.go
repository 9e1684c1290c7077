// Package sqlite is the local authoritative record store. Records and their
// embeddings live in a single SQLite file; vectors are kept in pgvector's
// text form so they move to Postgres unchanged.
package sqlite

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/pkg/schema/db"
)

// lookupChunk bounds the number of ids bound into one IN clause.
const lookupChunk = 500

// Store wraps the local SQLite database.
type Store struct {
	db *sqlx.DB
}

// Open opens or creates the store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	conn, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	s, err := NewStore(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates the schema on conn if needed.
func NewStore(ctx context.Context, conn *sqlx.DB) (*Store, error) {
	if err := createSchema(ctx, conn); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: conn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createSchema(ctx context.Context, conn *sqlx.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			id INTEGER PRIMARY KEY,
			parent_id INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			sequence_index INTEGER,
			content TEXT NOT NULL,
			size_metric INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			superseded INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_records_parent ON records(parent_id);

		-- One vector per record, stored as pgvector text: [0.1,0.2,...]
		CREATE TABLE IF NOT EXISTS embeddings (
			record_id INTEGER PRIMARY KEY REFERENCES records(id),
			model TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			embedding TEXT NOT NULL,
			content_hash TEXT NOT NULL
		);
	`
	_, err := conn.ExecContext(ctx, schema)
	return err
}

// recordRow is a records row joined with its optional embedding.
type recordRow struct {
	models.SourceRecord
	MetadataJSON string           `db:"metadata_json"`
	Vector       *pgvector.Vector `db:"embedding"`
}

func (r recordRow) toRecord() (models.SourceRecord, error) {
	rec := r.SourceRecord
	if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &rec.Metadata); err != nil {
			return rec, fmt.Errorf("decoding metadata of record %d: %w", rec.ID, err)
		}
	}
	if r.Vector != nil {
		rec.Embedding = r.Vector.Slice()
	}
	return rec, nil
}

const selectRecordFields = `r.id, r.parent_id, r.kind, r.sequence_index, r.content,
	r.size_metric, r.metadata_json, e.embedding`

// UpsertRecords inserts records or replaces them by id. A replaced record
// whose content changed loses its stale embedding.
func (s *Store) UpsertRecords(ctx context.Context, records []models.SourceRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		if err := upsertRecord(ctx, tx, r); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM embeddings
		WHERE content_hash != (SELECT content_hash FROM records WHERE records.id = embeddings.record_id)
	`); err != nil {
		return fmt.Errorf("dropping stale embeddings: %w", err)
	}
	return tx.Commit()
}

func upsertRecord(ctx context.Context, tx *sqlx.Tx, r models.SourceRecord) error {
	meta := "{}"
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata of record %d: %w", r.ID, err)
		}
		meta = string(b)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (id, parent_id, kind, sequence_index, content, size_metric, metadata_json, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			kind = excluded.kind,
			sequence_index = excluded.sequence_index,
			content = excluded.content,
			size_metric = excluded.size_metric,
			metadata_json = excluded.metadata_json,
			content_hash = excluded.content_hash
	`, r.ID, r.ParentID, r.Kind, r.SequenceIndex, r.Content, r.SizeMetric, meta, r.ContentHash())
	if err != nil {
		return fmt.Errorf("upserting record %d: %w", r.ID, err)
	}
	return nil
}

// MaxID returns the highest assigned id, or 0 for an empty store.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	if err := s.db.GetContext(ctx, &maxID, `SELECT MAX(id) FROM records`); err != nil {
		return 0, fmt.Errorf("max id: %w", err)
	}
	return maxID.Int64, nil
}

// HasParent reports whether any record, active or superseded, belongs to parentID.
func (s *Store) HasParent(ctx context.Context, parentID int64) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM records WHERE parent_id = ?`, parentID); err != nil {
		return false, fmt.Errorf("counting records of %d: %w", parentID, err)
	}
	return n > 0, nil
}

// LocalIDs returns the ids of every active (not superseded) record, ascending.
func (s *Store) LocalIDs(ctx context.Context) ([]int64, error) {
	ids := []int64{}
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM records WHERE superseded = 0 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing local ids: %w", err)
	}
	return ids, nil
}

// SupersededIDs returns the ids of records replaced by their segments, ascending.
func (s *Store) SupersededIDs(ctx context.Context) ([]int64, error) {
	ids := []int64{}
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM records WHERE superseded = 1 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing superseded ids: %w", err)
	}
	return ids, nil
}

// LocalFingerprints maps every active record id to its sync fingerprint,
// which changes when the record gains or loses an embedding.
func (s *Store) LocalFingerprints(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT r.id, r.content_hash, COALESCE(e.dimensions, 0)
		FROM records r LEFT JOIN embeddings e ON e.record_id = r.id
		WHERE r.superseded = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("listing fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var (
			id   int64
			hash string
			dims int
		)
		if err := rows.Scan(&id, &hash, &dims); err != nil {
			return nil, fmt.Errorf("scanning fingerprint: %w", err)
		}
		out[id] = models.SyncFingerprint(hash, dims)
	}
	return out, rows.Err()
}

// Records loads the given ids with metadata and embeddings, ordered by id.
// Unknown ids are skipped.
func (s *Store) Records(ctx context.Context, ids []int64) ([]models.SourceRecord, error) {
	var out []models.SourceRecord
	for start := 0; start < len(ids); start += lookupChunk {
		end := min(start+lookupChunk, len(ids))
		query, args, err := sqlx.In(`
			SELECT `+selectRecordFields+`
			FROM records r LEFT JOIN embeddings e ON e.record_id = r.id
			WHERE r.id IN (?)
		`, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("build IN query: %w", err)
		}
		recs, err := s.query(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sortByID(out)
	return out, nil
}

// Active returns every record that has not been superseded by its segments.
func (s *Store) Active(ctx context.Context) ([]models.SourceRecord, error) {
	return s.query(ctx, `
		SELECT `+selectRecordFields+`
		FROM records r LEFT JOIN embeddings e ON e.record_id = r.id
		WHERE r.superseded = 0
		ORDER BY r.id
	`)
}

// EmbeddedAfter pages through active records that have an embedding, by
// ascending id strictly greater than afterID.
func (s *Store) EmbeddedAfter(ctx context.Context, afterID int64, limit int) ([]models.SourceRecord, error) {
	return s.query(ctx, `
		SELECT `+selectRecordFields+`
		FROM records r JOIN embeddings e ON e.record_id = r.id
		WHERE r.superseded = 0 AND r.id > ?
		ORDER BY r.id
		LIMIT ?
	`, afterID, limit)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]models.SourceRecord, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []models.SourceRecord
	for rows.Next() {
		var row recordRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// ErrSuperseded is returned when segments are written for a parent that was
// already replaced.
var ErrSuperseded = errors.New("record already superseded")

// ReplaceWithSegments stores chunks as new records of kind
// parent.Kind+"_segment" and marks parent superseded, in one transaction.
// New ids continue after the current maximum.
func (s *Store) ReplaceWithSegments(ctx context.Context, parent models.SourceRecord, chunks []models.Chunk) ([]int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var superseded int
	if err := tx.GetContext(ctx, &superseded, `SELECT superseded FROM records WHERE id = ?`, parent.ID); err != nil {
		return nil, fmt.Errorf("loading parent %d: %w", parent.ID, err)
	}
	if superseded != 0 {
		return nil, fmt.Errorf("parent %d: %w", parent.ID, ErrSuperseded)
	}

	var next sql.NullInt64
	if err := tx.GetContext(ctx, &next, `SELECT MAX(id) FROM records`); err != nil {
		return nil, fmt.Errorf("max id: %w", err)
	}

	ids := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		seq := c.SequenceIndex
		meta := map[string]string{"parent_id": strconv.FormatInt(parent.ID, 10)}
		for k, v := range parent.Metadata {
			meta[k] = v
		}
		rec := models.SourceRecord{
			ID:            next.Int64 + int64(len(ids)) + 1,
			ParentID:      parent.ID,
			Kind:          parent.Kind + models.SegmentKindSuffix,
			SequenceIndex: &seq,
			Content:       c.Text,
			SizeMetric:    c.SizeMetric,
			Metadata:      meta,
		}
		if err := upsertRecord(ctx, tx, rec); err != nil {
			return nil, err
		}
		ids = append(ids, rec.ID)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE records SET superseded = 1 WHERE id = ?`, parent.ID); err != nil {
		return nil, fmt.Errorf("superseding record %d: %w", parent.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit segments: %w", err)
	}
	return ids, nil
}

// PutEmbeddings stores one vector per record, replacing any earlier one.
func (s *Store) PutEmbeddings(ctx context.Context, model string, records []models.SourceRecord, vectors [][]float32) error {
	if len(records) != len(vectors) {
		return fmt.Errorf("got %d vectors for %d records", len(vectors), len(records))
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, r := range records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO embeddings (record_id, model, dimensions, embedding, content_hash)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(record_id) DO UPDATE SET
				model = excluded.model,
				dimensions = excluded.dimensions,
				embedding = excluded.embedding,
				content_hash = excluded.content_hash
		`, r.ID, model, len(vectors[i]), pgvector.NewVector(vectors[i]), r.ContentHash())
		if err != nil {
			return fmt.Errorf("storing embedding for record %d: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// EmbeddingPage returns up to limit embedded record ids after afterID with
// the sync fingerprint of the content each vector was computed from.
func (s *Store) EmbeddingPage(ctx context.Context, afterID int64, limit int) ([]int64, map[int64]string, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT record_id, content_hash, dimensions FROM embeddings
		WHERE record_id > ?
		ORDER BY record_id
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("listing embeddings: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	fps := make(map[int64]string)
	for rows.Next() {
		var (
			id   int64
			hash string
			dims int
		)
		if err := rows.Scan(&id, &hash, &dims); err != nil {
			return nil, nil, fmt.Errorf("scanning embedding id: %w", err)
		}
		ids = append(ids, id)
		fps[id] = models.SyncFingerprint(hash, dims)
	}
	return ids, fps, rows.Err()
}

// Counts reports active records and how many of them carry an embedding.
func (s *Store) Counts(ctx context.Context) (active, embedded int, err error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT COUNT(*), COUNT(e.record_id)
		FROM records r LEFT JOIN embeddings e ON e.record_id = r.id
		WHERE r.superseded = 0
	`)
	if err := row.Scan(&active, &embedded); err != nil {
		return 0, 0, fmt.Errorf("counting records: %w", err)
	}
	return active, embedded, nil
}

func sortByID(recs []models.SourceRecord) {
	slices.SortFunc(recs, func(a, b models.SourceRecord) int { return cmp.Compare(a.ID, b.ID) })
}
