// Package milvus syncs records into a Milvus collection and searches it.
package milvus

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/reconcile"
	"github.com/vedabase-rag-sync/internal/repository"
	"github.com/vedabase-rag-sync/internal/upload"
)

// Field names of the chunk collection.
const (
	fieldID        = "id"
	fieldParentID  = "parent_id"
	fieldKind      = "kind"
	fieldContent   = "content"
	fieldEmbedding = "embedding"

	maxContentLength = 65535
	maxKindLength    = 64
	hnswM            = 16
	hnswEfConstruct  = 200
	searchEf         = 64
)

// Ensure CollectionTarget implements the sync and search contracts
var (
	_ upload.Writer                     = (*CollectionTarget)(nil)
	_ reconcile.Prober                  = (*CollectionTarget)(nil)
	_ repository.Initializer            = (*CollectionTarget)(nil)
	_ repository.VectorSearchRepository = (*CollectionTarget)(nil)
)

// CollectionTarget stores one entity per record, keyed by the record id.
type CollectionTarget struct {
	client     client.Client
	collection string
	dimensions int
}

// Connect dials a Milvus server and returns a target over collection.
func Connect(ctx context.Context, address, collection string, dimensions int) (*CollectionTarget, error) {
	if address == "" || collection == "" {
		return nil, upload.Configuration("milvus target needs an address and a collection")
	}
	c, err := client.NewClient(ctx, client.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("connect to milvus at %s: %w", address, err)
	}
	return NewCollectionTarget(c, collection, dimensions), nil
}

// NewCollectionTarget wraps an existing client.
func NewCollectionTarget(c client.Client, collection string, dimensions int) *CollectionTarget {
	return &CollectionTarget{client: c, collection: collection, dimensions: dimensions}
}

// Close closes the Milvus client
func (t *CollectionTarget) Close() error {
	return t.client.Close()
}

// Init creates the collection with an HNSW cosine index and loads it.
// An existing collection is only loaded.
func (t *CollectionTarget) Init(ctx context.Context) error {
	exists, err := t.client.HasCollection(ctx, t.collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", t.collection, err)
	}
	if !exists {
		if t.dimensions <= 0 {
			return upload.Configuration("milvus collection %s needs dimensions to be created", t.collection)
		}
		schema := entity.NewSchema().
			WithName(t.collection).
			WithDescription("vedabase chunks").
			WithField(entity.NewField().WithName(fieldID).WithDataType(entity.FieldTypeInt64).WithIsPrimaryKey(true)).
			WithField(entity.NewField().WithName(fieldParentID).WithDataType(entity.FieldTypeInt64)).
			WithField(entity.NewField().WithName(fieldKind).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxKindLength)).
			WithField(entity.NewField().WithName(fieldContent).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxContentLength)).
			WithField(entity.NewField().WithName(fieldEmbedding).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(t.dimensions)))
		if err := t.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("create collection %s: %w", t.collection, err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, hnswM, hnswEfConstruct)
		if err != nil {
			return fmt.Errorf("build index: %w", err)
		}
		if err := t.client.CreateIndex(ctx, t.collection, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("create index on %s: %w", t.collection, err)
		}
	}

	if err := t.client.LoadCollection(ctx, t.collection, false); err != nil {
		return fmt.Errorf("load collection %s: %w", t.collection, err)
	}
	return nil
}

// WriteBatch upserts the batch as one set of columns.
func (t *CollectionTarget) WriteBatch(ctx context.Context, records []models.SourceRecord) error {
	dim, err := repository.RequireEmbeddings(records)
	if err != nil {
		return err
	}
	if t.dimensions > 0 && dim != t.dimensions {
		return upload.Permanent(fmt.Errorf("batch has %d dimensions, collection %s has %d", dim, t.collection, t.dimensions))
	}

	var (
		ids      = make([]int64, len(records))
		parents  = make([]int64, len(records))
		kinds    = make([]string, len(records))
		contents = make([]string, len(records))
		vectors  = make([][]float32, len(records))
	)
	for i, r := range records {
		if len(r.Content) > maxContentLength {
			return upload.Permanent(fmt.Errorf("record %d content is %d bytes, milvus allows %d", r.ID, len(r.Content), maxContentLength))
		}
		ids[i] = r.ID
		parents[i] = r.ParentID
		kinds[i] = r.Kind
		contents[i] = r.Content
		vectors[i] = r.Embedding
	}

	_, err = t.client.Upsert(ctx, t.collection, "",
		entity.NewColumnInt64(fieldID, ids),
		entity.NewColumnInt64(fieldParentID, parents),
		entity.NewColumnVarChar(fieldKind, kinds),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnFloatVector(fieldEmbedding, dim, vectors),
	)
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", t.collection, err)
	}
	return nil
}

// Flush seals pending segments so written entities are durable.
func (t *CollectionTarget) Flush(ctx context.Context) error {
	if err := t.client.Flush(ctx, t.collection, false); err != nil {
		return fmt.Errorf("flush %s: %w", t.collection, err)
	}
	return nil
}

// ExistingIDs queries the collection for the given primary keys.
func (t *CollectionTarget) ExistingIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}
	rs, err := t.client.Query(ctx, t.collection, nil, inExpr(ids), []string{fieldID})
	if err != nil {
		return nil, fmt.Errorf("query %s ids: %w", t.collection, err)
	}
	col, ok := rs.GetColumn(fieldID).(*entity.ColumnInt64)
	if !ok {
		return []int64{}, nil
	}
	return col.Data(), nil
}

// DeleteIDs deletes entities by primary key.
func (t *CollectionTarget) DeleteIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.client.Delete(ctx, t.collection, "", inExpr(ids)); err != nil {
		return fmt.Errorf("delete from %s: %w", t.collection, err)
	}
	return nil
}

// SearchChunksByEmbedding runs an HNSW search and returns the stored chunk fields.
func (t *CollectionTarget) SearchChunksByEmbedding(ctx context.Context, embedding []float64, topK int) ([]models.ScoredChunk, error) {
	sp, err := entity.NewIndexHNSWSearchParam(searchEf)
	if err != nil {
		return nil, fmt.Errorf("build search param: %w", err)
	}
	results, err := t.client.Search(ctx, t.collection, nil, "",
		[]string{fieldParentID, fieldKind, fieldContent},
		[]entity.Vector{entity.FloatVector(models.Float32Slice(embedding))},
		fieldEmbedding, entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", t.collection, err)
	}

	chunks := []models.ScoredChunk{}
	for _, rs := range results {
		for i := 0; i < rs.ResultCount; i++ {
			id, err := rs.IDs.GetAsInt64(i)
			if err != nil {
				return nil, fmt.Errorf("read result id: %w", err)
			}
			c := models.ScoredChunk{ChunkID: id, Score: float64(rs.Scores[i])}
			if col := rs.Fields.GetColumn(fieldParentID); col != nil {
				c.ParentID, _ = col.GetAsInt64(i)
			}
			if col := rs.Fields.GetColumn(fieldKind); col != nil {
				c.Kind, _ = col.GetAsString(i)
			}
			if col := rs.Fields.GetColumn(fieldContent); col != nil {
				c.Text, _ = col.GetAsString(i)
			}
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

// inExpr renders a boolean expression selecting ids by primary key.
func inExpr(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%s in [%s]", fieldID, strings.Join(parts, ","))
}
