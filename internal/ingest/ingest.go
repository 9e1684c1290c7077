package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/segment"
)

// Store is the part of the local store ingestion writes to.
type Store interface {
	MaxID(ctx context.Context) (int64, error)
	HasParent(ctx context.Context, parentID int64) (bool, error)
	UpsertRecords(ctx context.Context, records []models.SourceRecord) error
}

// Result summarises one ingestion run.
type Result struct {
	Files   int   `json:"files"`
	Skipped int   `json:"skipped"`
	Records int   `json:"records"`
	FirstID int64 `json:"first_id,omitempty"`
	LastID  int64 `json:"last_id,omitempty"`
}

// Ingester loads files into the store as one record per paragraph.
type Ingester struct {
	store  Store
	metric segment.Metric
	kind   string
	logger *slog.Logger
}

// New creates an Ingester. kind replaces the body kind of paragraphs;
// headers keep theirs.
func New(store Store, metric segment.Metric, kind string, logger *slog.Logger) *Ingester {
	if metric == nil {
		metric = segment.Words
	}
	if kind == "" {
		kind = models.KindBody
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{store: store, metric: metric, kind: kind, logger: logger}
}

// Expand resolves directories to the supported files below them, sorted.
func Expand(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && Supported(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

// IngestFiles parses every file and appends its paragraphs after the
// store's current maximum id. Documents already in the store are skipped,
// so re-running over the same files adds nothing.
func (in *Ingester) IngestFiles(ctx context.Context, paths []string) (*Result, error) {
	files, err := Expand(paths)
	if err != nil {
		return nil, err
	}

	next, err := in.store.MaxID(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		doc, err := ParseFile(path)
		if err != nil {
			return res, err
		}
		exists, err := in.store.HasParent(ctx, doc.ID)
		if err != nil {
			return res, err
		}
		if exists {
			in.logger.Info("document already ingested", "source", doc.Source, "document_id", doc.ID)
			res.Skipped++
			continue
		}

		records := in.Records(doc, next+1)
		if len(records) == 0 {
			in.logger.Warn("document has no text", "source", doc.Source)
			res.Skipped++
			continue
		}
		if err := in.store.UpsertRecords(ctx, records); err != nil {
			return res, fmt.Errorf("store %s: %w", doc.Source, err)
		}

		if res.FirstID == 0 {
			res.FirstID = records[0].ID
		}
		next = records[len(records)-1].ID
		res.LastID = next
		res.Files++
		res.Records += len(records)
		in.logger.Info("ingested document", "source", doc.Source, "records", len(records),
			"first_id", records[0].ID, "last_id", next)
	}
	return res, nil
}

// Records numbers a document's paragraphs from firstID.
func (in *Ingester) Records(doc *Document, firstID int64) []models.SourceRecord {
	records := make([]models.SourceRecord, 0, len(doc.Paragraphs))
	for i, p := range doc.Paragraphs {
		seq := i
		kind := p.Kind
		if kind == models.KindBody {
			kind = in.kind
		}
		meta := map[string]string{"source": doc.Source}
		if p.Page > 0 {
			meta["page"] = strconv.Itoa(p.Page)
		}
		records = append(records, models.SourceRecord{
			ID:            firstID + int64(i),
			ParentID:      doc.ID,
			Kind:          kind,
			SequenceIndex: &seq,
			Content:       p.Text,
			SizeMetric:    in.metric.Size(p.Text),
			Metadata:      meta,
		})
	}
	return records
}
