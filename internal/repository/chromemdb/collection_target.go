// Package chromemdb syncs records into an embedded, file-backed chromem-go
// collection.
package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/philippgille/chromem-go"
	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/reconcile"
	"github.com/vedabase-rag-sync/internal/repository"
	"github.com/vedabase-rag-sync/internal/upload"
)

// Ensure CollectionTarget implements the sync and search contracts
var (
	_ upload.Writer                     = (*CollectionTarget)(nil)
	_ reconcile.Prober                  = (*CollectionTarget)(nil)
	_ repository.Initializer            = (*CollectionTarget)(nil)
	_ repository.VectorSearchRepository = (*CollectionTarget)(nil)
)

// errNoEmbeddingFunc is returned if chromem ever asks us to embed text.
// Every document is written with its vector.
var errNoEmbeddingFunc = errors.New("chromem collection has no embedding function; vectors are precomputed")

func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// CollectionTarget writes one document per record. Document ids are the
// record ids behind prefix.
type CollectionTarget struct {
	db         *chromem.DB
	name       string
	prefix     string
	collection *chromem.Collection
}

// Open opens (or creates) the persistent database under path.
func Open(path, collection, prefix string) (*CollectionTarget, error) {
	if path == "" || collection == "" {
		return nil, upload.Configuration("chroma target needs a path and a collection")
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db at %s: %w", path, err)
	}
	return &CollectionTarget{db: db, name: collection, prefix: prefix}, nil
}

// Init creates the collection if it does not exist yet.
func (t *CollectionTarget) Init(ctx context.Context) error {
	_, err := t.getCollection()
	return err
}

func (t *CollectionTarget) getCollection() (*chromem.Collection, error) {
	if t.collection != nil {
		return t.collection, nil
	}
	col, err := t.db.GetOrCreateCollection(t.name, map[string]string{"source": "vedabase"}, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", t.name, err)
	}
	t.collection = col
	return col, nil
}

// WriteBatch adds the batch. chromem replaces documents with the same id.
func (t *CollectionTarget) WriteBatch(ctx context.Context, records []models.SourceRecord) error {
	if _, err := repository.RequireEmbeddings(records); err != nil {
		return err
	}
	col, err := t.getCollection()
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:        repository.FormatID(t.prefix, r.ID),
			Content:   r.Content,
			Metadata:  repository.Metadata(r),
			Embedding: r.Embedding,
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return upload.Permanent(fmt.Errorf("add documents to %s: %w", t.name, err))
	}
	return nil
}

// ExistingIDs looks each id up. chromem reports a missing document as an error.
func (t *CollectionTarget) ExistingIDs(ctx context.Context, ids []int64) ([]int64, error) {
	col, err := t.getCollection()
	if err != nil {
		return nil, err
	}
	found := make([]int64, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := col.GetByID(ctx, repository.FormatID(t.prefix, id)); err == nil {
			found = append(found, id)
		}
	}
	return found, nil
}

// DeleteIDs removes the documents the collection holds among ids.
func (t *CollectionTarget) DeleteIDs(ctx context.Context, ids []int64) error {
	held, err := t.ExistingIDs(ctx, ids)
	if err != nil || len(held) == 0 {
		return err
	}
	col, err := t.getCollection()
	if err != nil {
		return err
	}
	docIDs := make([]string, len(held))
	for i, id := range held {
		docIDs[i] = repository.FormatID(t.prefix, id)
	}
	if err := col.Delete(ctx, nil, nil, docIDs...); err != nil {
		return fmt.Errorf("delete from %s: %w", t.name, err)
	}
	return nil
}

// Count returns the number of documents in the collection.
func (t *CollectionTarget) Count() (int, error) {
	col, err := t.getCollection()
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// SearchChunksByEmbedding queries the collection by vector similarity.
func (t *CollectionTarget) SearchChunksByEmbedding(ctx context.Context, embedding []float64, topK int) ([]models.ScoredChunk, error) {
	col, err := t.getCollection()
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults larger than the collection.
	n := min(topK, col.Count())
	if n <= 0 {
		return []models.ScoredChunk{}, nil
	}

	results, err := col.QueryEmbedding(ctx, models.Float32Slice(embedding), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.name, err)
	}

	chunks := make([]models.ScoredChunk, 0, len(results))
	for _, res := range results {
		id, ok := repository.ParseID(t.prefix, res.ID)
		if !ok {
			continue
		}
		c := models.ScoredChunk{ChunkID: id, Kind: res.Metadata["kind"], Text: res.Content, Score: float64(res.Similarity)}
		c.ParentID, _ = repository.ParseID("", res.Metadata["parent_id"])
		chunks = append(chunks, c)
	}
	return chunks, nil
}
