package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/repository/sqlite"
	"github.com/vedabase-rag-sync/internal/segment"
)

// SegmentStore is the part of the local store re-segmentation needs.
type SegmentStore interface {
	Active(ctx context.Context) ([]models.SourceRecord, error)
	ReplaceWithSegments(ctx context.Context, parent models.SourceRecord, chunks []models.Chunk) ([]int64, error)
}

// SegmentResult summarises a re-segmentation pass.
type SegmentResult struct {
	Examined   int `json:"examined"`
	Split      int `json:"split"`
	Segments   int `json:"segments"`
	Oversized  int `json:"oversized"`
	Unsplit    int `json:"unsplittable"`
	Superseded int `json:"already_superseded"`
}

// Resegment splits every active record longer than the segmenter's limit
// into segment records and supersedes the original. Segments are never
// split again, so repeated passes are no-ops.
func Resegment(ctx context.Context, store SegmentStore, seg *segment.Segmenter, logger *slog.Logger) (*SegmentResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	records, err := store.Active(ctx)
	if err != nil {
		return nil, err
	}

	res := &SegmentResult{}
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Examined++
		if strings.HasSuffix(r.Kind, models.SegmentKindSuffix) {
			continue
		}
		if seg.Metric().Size(r.Content) <= seg.MaxSize() {
			continue
		}

		chunks := seg.Split(r.ID, r.Content)
		if len(chunks) < 2 {
			// A single oversized sentence gains nothing from a rewrite.
			res.Unsplit++
			logger.Warn("record cannot be split at sentence boundaries", "id", r.ID, "size", r.SizeMetric)
			continue
		}

		ids, err := store.ReplaceWithSegments(ctx, r, chunks)
		if errors.Is(err, sqlite.ErrSuperseded) {
			res.Superseded++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("segment record %d: %w", r.ID, err)
		}
		for _, c := range chunks {
			if c.Oversized {
				res.Oversized++
			}
		}
		res.Split++
		res.Segments += len(ids)
		logger.Debug("split record", "id", r.ID, "segments", len(ids), "first_id", ids[0])
	}
	return res, nil
}
