package chromemdb

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/upload"
)

func openTestTarget(t *testing.T, dir string) *CollectionTarget {
	t.Helper()
	target, err := Open(filepath.Join(dir, "chromem"), "chunks", "vb_")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := target.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return target
}

func testRecords() []models.SourceRecord {
	return []models.SourceRecord{
		{ID: 1, ParentID: 10, Kind: models.KindBody, Content: "Krishna speaks.", Embedding: []float32{1, 0, 0}},
		{ID: 2, ParentID: 10, Kind: models.KindBody, Content: "Arjuna listens.", Embedding: []float32{0, 1, 0}},
		{ID: 3, ParentID: 11, Kind: models.KindHeader, Content: "Chapter Two", Embedding: []float32{0, 0, 1}},
	}
}

func TestWriteAndProbe(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := openTestTarget(t, dir)

	recs := testRecords()
	if err := target.WriteBatch(ctx, recs[:2]); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	// Replaying a batch must not duplicate documents.
	if err := target.WriteBatch(ctx, recs[:2]); err != nil {
		t.Fatalf("WriteBatch() replay error: %v", err)
	}
	if n, _ := target.Count(); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	got, err := target.ExistingIDs(ctx, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("ExistingIDs() error: %v", err)
	}
	if !slices.Equal(got, []int64{1, 2}) {
		t.Errorf("ExistingIDs() = %v, want [1 2]", got)
	}

	reopened := openTestTarget(t, dir)
	if n, _ := reopened.Count(); n != 2 {
		t.Errorf("Count() after reopen = %d, want 2", n)
	}
}

func TestDeleteIDs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := openTestTarget(t, dir)
	if err := target.WriteBatch(ctx, testRecords()); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	// 9 was never written.
	if err := target.DeleteIDs(ctx, []int64{2, 9}); err != nil {
		t.Fatalf("DeleteIDs() error: %v", err)
	}
	got, err := target.ExistingIDs(ctx, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("ExistingIDs() error: %v", err)
	}
	if !slices.Equal(got, []int64{1, 3}) {
		t.Errorf("ExistingIDs() after delete = %v, want [1 3]", got)
	}
	if err := target.DeleteIDs(ctx, []int64{9}); err != nil {
		t.Errorf("DeleteIDs() of absent id error: %v", err)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	target := openTestTarget(t, t.TempDir())
	if err := target.WriteBatch(ctx, testRecords()); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	got, err := target.SearchChunksByEmbedding(ctx, []float64{0, 0.9, 0.1}, 10)
	if err != nil {
		t.Fatalf("SearchChunksByEmbedding() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	if got[0].ChunkID != 2 || got[0].ParentID != 10 || got[0].Text != "Arjuna listens." {
		t.Errorf("top result = %+v", got[0])
	}
}

func TestSearchEmptyCollection(t *testing.T) {
	target := openTestTarget(t, t.TempDir())
	got, err := target.SearchChunksByEmbedding(context.Background(), []float64{1, 0}, 5)
	if err != nil || len(got) != 0 {
		t.Errorf("SearchChunksByEmbedding() = %v, %v, want empty", got, err)
	}
}

func TestWriteBatchNeedsEmbeddings(t *testing.T) {
	target := openTestTarget(t, t.TempDir())
	err := target.WriteBatch(context.Background(), []models.SourceRecord{{ID: 1, Content: "x"}})
	if !upload.IsPermanent(err) {
		t.Errorf("WriteBatch() error = %v, want permanent", err)
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open("", "chunks", ""); !errors.Is(err, upload.ErrConfiguration) {
		t.Errorf("Open() error = %v, want ErrConfiguration", err)
	}
}
