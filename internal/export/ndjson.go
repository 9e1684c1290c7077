// Package export writes embedded records in bulk-import formats.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/repository"
)

// DefaultPageSize is the number of records read from the store per query.
const DefaultPageSize = 500

// Pager reads embedded records in ascending id order after afterID.
type Pager interface {
	EmbeddedAfter(ctx context.Context, afterID int64, limit int) ([]models.SourceRecord, error)
}

// Datapoint is one NDJSON line, in the shape vector index bulk imports take.
type Datapoint struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NDJSON writes one Datapoint per embedded record and returns the count.
func NDJSON(ctx context.Context, w io.Writer, src Pager, prefix string, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	var (
		after int64
		n     int
	)
	for {
		page, err := src.EmbeddedAfter(ctx, after, pageSize)
		if err != nil {
			return n, fmt.Errorf("read records after %d: %w", after, err)
		}
		for _, r := range page {
			dp := Datapoint{
				ID:       repository.FormatID(prefix, r.ID),
				Values:   r.Embedding,
				Metadata: repository.Metadata(r),
			}
			if err := enc.Encode(dp); err != nil {
				return n, fmt.Errorf("write record %d: %w", r.ID, err)
			}
			n++
		}
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flush export: %w", err)
	}
	return n, nil
}
