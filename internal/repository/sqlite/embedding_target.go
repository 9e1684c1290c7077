package sqlite

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/reconcile"
	"github.com/vedabase-rag-sync/internal/upload"
	"github.com/vedabase-rag-sync/pkg/schema/services"
)

const embeddingPageSize = 1000

// Ensure EmbeddingTarget satisfies the uploader and reconciler contracts
var (
	_ upload.Writer    = (*EmbeddingTarget)(nil)
	_ reconcile.Lister = (*EmbeddingTarget)(nil)
)

// EmbeddingTarget treats the local embeddings table as a remote store: a
// write embeds the batch and stores the vectors, a listing returns the
// records that already have one.
type EmbeddingTarget struct {
	store    *Store
	embedder services.Embedder
	model    string
}

// NewEmbeddingTarget creates an embedding target backed by store.
func NewEmbeddingTarget(store *Store, embedder services.Embedder, model string) *EmbeddingTarget {
	return &EmbeddingTarget{store: store, embedder: embedder, model: model}
}

// WriteBatch embeds the batch contents as documents and upserts the vectors.
func (t *EmbeddingTarget) WriteBatch(ctx context.Context, records []models.SourceRecord) error {
	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.Content
	}

	vectors, err := t.embedder.EmbedBatch(ctx, texts, services.TaskTypeDocument)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(records) {
		return upload.Permanent(fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(records)))
	}

	f32 := make([][]float32, len(vectors))
	for i, v := range vectors {
		if len(v) == 0 {
			return upload.Permanent(fmt.Errorf("empty embedding for record %d", records[i].ID))
		}
		f32[i] = models.Float32Slice(v)
	}
	return t.store.PutEmbeddings(ctx, t.model, records, f32)
}

// ListIDs pages through embedded record ids. The cursor is the last id of
// the previous page.
func (t *EmbeddingTarget) ListIDs(ctx context.Context, cursor string) (reconcile.Page, error) {
	var after int64
	if cursor != "" {
		var err error
		if after, err = strconv.ParseInt(cursor, 10, 64); err != nil {
			return reconcile.Page{}, fmt.Errorf("parse cursor %q: %w", cursor, err)
		}
	}
	ids, fps, err := t.store.EmbeddingPage(ctx, after, embeddingPageSize)
	if err != nil {
		return reconcile.Page{}, err
	}
	page := reconcile.Page{IDs: ids, Fingerprints: fps}
	if len(ids) == embeddingPageSize {
		page.Next = strconv.FormatInt(ids[len(ids)-1], 10)
	}
	return page, nil
}
