package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/reconcile"
	"github.com/vedabase-rag-sync/internal/upload"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSource is an in-memory local store.
type memSource struct {
	records    map[int64]models.SourceRecord
	superseded []int64
}

func newSource(from, to int64) *memSource {
	s := &memSource{records: make(map[int64]models.SourceRecord)}
	for id := from; id <= to; id++ {
		s.records[id] = models.SourceRecord{ID: id, Kind: models.KindBody, Content: fmt.Sprintf("text %d", id)}
	}
	return s
}

func (s *memSource) LocalIDs(ctx context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *memSource) LocalFingerprints(ctx context.Context) (map[int64]string, error) {
	out := make(map[int64]string, len(s.records))
	for id, r := range s.records {
		out[id] = r.Fingerprint()
	}
	return out, nil
}

func (s *memSource) SupersededIDs(ctx context.Context) ([]int64, error) {
	return s.superseded, nil
}

func (s *memSource) Records(ctx context.Context, ids []int64) ([]models.SourceRecord, error) {
	out := make([]models.SourceRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// memTarget is an upsert store that lists ids in pages of pageSize.
type memTarget struct {
	mu       sync.Mutex
	rows     map[int64]models.SourceRecord
	writes   int
	pageSize int
	listErr  error
	flushed  int
}

func newTarget() *memTarget {
	return &memTarget{rows: make(map[int64]models.SourceRecord), pageSize: 40}
}

func (m *memTarget) seed(src *memSource, from, to int64) {
	for id := from; id <= to; id++ {
		m.rows[id] = src.records[id]
	}
}

func (m *memTarget) WriteBatch(ctx context.Context, batch []models.SourceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	for _, r := range batch {
		m.rows[r.ID] = r
	}
	return nil
}

func (m *memTarget) ListIDs(ctx context.Context, cursor string) (reconcile.Page, error) {
	if m.listErr != nil {
		return reconcile.Page{}, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := min(start+m.pageSize, len(ids))
	page := reconcile.Page{IDs: ids[start:end], Fingerprints: make(map[int64]string)}
	for _, id := range page.IDs {
		page.Fingerprints[id] = m.rows[id].Fingerprint()
	}
	if end < len(ids) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

func (m *memTarget) ExistingIDs(ctx context.Context, ids []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []int64
	for _, id := range ids {
		if _, ok := m.rows[id]; ok {
			found = append(found, id)
		}
	}
	return found, nil
}

func (m *memTarget) DeleteIDs(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.rows, id)
	}
	return nil
}

func (m *memTarget) Flush(ctx context.Context) error {
	m.flushed++
	return nil
}

func newUploader(t *testing.T, w upload.Writer, store upload.Store, batchSize int) *upload.Uploader {
	t.Helper()
	u, err := upload.New(w, store, upload.Options{Target: "mem", BatchSize: batchSize}, discard())
	if err != nil {
		t.Fatalf("upload.New() error: %v", err)
	}
	return u
}

func TestSyncSendsMissingRecords(t *testing.T) {
	ctx := context.Background()
	src := newSource(1, 250)
	target := newTarget()
	target.seed(src, 1, 100)

	runner := NewRunner(src, discard())
	res, err := runner.Sync(ctx, Target{Name: "mem", Writer: target, Lister: target},
		newUploader(t, target, &upload.MemoryStore{}, 50), Options{Verify: true})
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if len(res.Plan.Missing) != 150 || res.Plan.Missing[0] != 101 {
		t.Errorf("missing = %d starting at %d, want 150 starting at 101", len(res.Plan.Missing), res.Plan.Missing[0])
	}
	if target.writes != 3 {
		t.Errorf("got %d writes, want 3", target.writes)
	}
	if res.Report.Batches != 3 || res.Sent != 150 {
		t.Errorf("batches = %d, sent = %d", res.Report.Batches, res.Sent)
	}
	if !res.Verified || len(res.StillMissing) != 0 {
		t.Errorf("verified = %v, still missing = %v", res.Verified, res.StillMissing)
	}
	if target.flushed != 1 {
		t.Errorf("flushed %d times, want 1", target.flushed)
	}
}

func TestSyncUpToDateNeverUploads(t *testing.T) {
	src := newSource(1, 1000)
	target := newTarget()
	target.pageSize = 300
	target.seed(src, 1, 1000)
	store := &upload.MemoryStore{}

	res, err := NewRunner(src, discard()).Sync(context.Background(),
		Target{Name: "mem", Writer: target, Lister: target}, newUploader(t, target, store, 50), Options{})
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if !res.UpToDate || res.Report != nil {
		t.Errorf("result = %+v, want up to date without a report", res)
	}
	if target.writes != 0 || store.Saves != 0 {
		t.Errorf("writes = %d, checkpoint saves = %d, want 0", target.writes, store.Saves)
	}
}

func TestSyncListingFailureIsFatal(t *testing.T) {
	src := newSource(1, 10)
	target := newTarget()
	target.listErr = errors.New("permission denied")

	_, err := NewRunner(src, discard()).Sync(context.Background(),
		Target{Name: "mem", Writer: target, Lister: target}, newUploader(t, target, &upload.MemoryStore{}, 5), Options{})
	if !errors.Is(err, reconcile.ErrQuery) {
		t.Fatalf("Sync() error = %v, want ErrQuery", err)
	}
	if target.writes != 0 {
		t.Errorf("got %d writes after a failed listing, want 0", target.writes)
	}
	if got := ExitCode(err); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
}

func TestSyncWithProbe(t *testing.T) {
	src := newSource(1, 30)
	target := newTarget()
	target.seed(src, 1, 10)

	res, err := NewRunner(src, discard()).Sync(context.Background(),
		Target{Name: "mem", Writer: target, Prober: target}, newUploader(t, target, &upload.MemoryStore{}, 10),
		Options{ProbePageSize: 7, Verify: true})
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if res.Sent != 20 || len(target.rows) != 30 {
		t.Errorf("sent = %d, remote rows = %d, want 20 and 30", res.Sent, len(target.rows))
	}
}

func TestSyncFull(t *testing.T) {
	src := newSource(1, 20)
	target := newTarget()
	target.seed(src, 1, 20)
	w := upload.WriterFunc(target.WriteBatch)

	res, err := NewRunner(src, discard()).Sync(context.Background(),
		Target{Name: "mem", Writer: w}, newUploader(t, w, &upload.MemoryStore{}, 10), Options{Full: true})
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if res.Plan != nil || res.Sent != 20 || target.writes != 2 {
		t.Errorf("plan = %v, sent = %d, writes = %d", res.Plan, res.Sent, target.writes)
	}
	if len(target.rows) != 20 {
		t.Errorf("remote rows = %d after re-sending, want 20", len(target.rows))
	}
}

func TestSyncWithoutListingNeedsFull(t *testing.T) {
	w := upload.WriterFunc(func(ctx context.Context, _ []models.SourceRecord) error { return nil })
	_, err := NewRunner(newSource(1, 3), discard()).Sync(context.Background(),
		Target{Name: "blind", Writer: w}, newUploader(t, w, &upload.MemoryStore{}, 10), Options{})
	if !errors.Is(err, upload.ErrConfiguration) {
		t.Errorf("Sync() error = %v, want ErrConfiguration", err)
	}
}

func TestSyncChangedResendsEditedRecords(t *testing.T) {
	src := newSource(1, 10)
	target := newTarget()
	target.seed(src, 1, 10)

	edited := src.records[4]
	edited.Content = "revised"
	src.records[4] = edited

	runner := NewRunner(src, discard())
	res, err := runner.Sync(context.Background(), Target{Name: "mem", Writer: target, Lister: target},
		newUploader(t, target, &upload.MemoryStore{}, 10), Options{})
	if err != nil || !res.UpToDate {
		t.Fatalf("Sync() without Changed = %+v, %v, want up to date", res, err)
	}

	res, err = runner.Sync(context.Background(), Target{Name: "mem", Writer: target, Lister: target},
		newUploader(t, target, &upload.MemoryStore{}, 10), Options{Changed: true})
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if !slices.Equal(res.Plan.Changed, []int64{4}) || res.Sent != 1 {
		t.Errorf("changed = %v, sent = %d, want [4] and 1", res.Plan.Changed, res.Sent)
	}
	if target.rows[4].Content != "revised" {
		t.Errorf("remote content = %q, want revised", target.rows[4].Content)
	}
}

func TestSyncChangedSendsNewEmbeddings(t *testing.T) {
	ctx := context.Background()
	src := newSource(1, 5)
	target := newTarget()
	runner := NewRunner(src, discard())
	tgt := Target{Name: "mem", Writer: target, Lister: target}

	if _, err := runner.Sync(ctx, tgt, newUploader(t, target, &upload.MemoryStore{}, 10), Options{Changed: true}); err != nil {
		t.Fatalf("first Sync() error: %v", err)
	}
	if target.rows[1].HasEmbedding() {
		t.Fatal("remote row has an embedding before any was computed")
	}

	for id, r := range src.records {
		r.Embedding = []float32{float32(id), 1}
		src.records[id] = r
	}
	res, err := runner.Sync(ctx, tgt, newUploader(t, target, &upload.MemoryStore{}, 10), Options{Changed: true, Verify: true})
	if err != nil {
		t.Fatalf("second Sync() error: %v", err)
	}
	if res.UpToDate || res.Sent != 5 {
		t.Errorf("up to date = %v, sent = %d, want 5 records re-sent", res.UpToDate, res.Sent)
	}
	for id := int64(1); id <= 5; id++ {
		if !target.rows[id].HasEmbedding() {
			t.Errorf("remote row %d has no embedding", id)
		}
	}
	if len(res.StillChanged) != 0 {
		t.Errorf("still changed = %v, want none", res.StillChanged)
	}
}

func TestSyncResumeResendsRecordsEditedAfterHalt(t *testing.T) {
	ctx := context.Background()
	src := newSource(1, 30)
	target := newTarget()
	broken := true
	w := upload.WriterFunc(func(ctx context.Context, batch []models.SourceRecord) error {
		if broken && batch[0].ID == 21 {
			return upload.Permanent(errors.New("payload rejected"))
		}
		return target.WriteBatch(ctx, batch)
	})
	tgt := Target{Name: "mem", Writer: w, Lister: target}
	store := &upload.MemoryStore{}
	runner := NewRunner(src, discard())

	if _, err := runner.Sync(ctx, tgt, newUploader(t, w, store, 10), Options{Changed: true}); err == nil {
		t.Fatal("first Sync() succeeded, want halt")
	}

	broken = false
	edited := src.records[5]
	edited.Content = "revised 5"
	src.records[5] = edited

	res, err := runner.Sync(ctx, tgt, newUploader(t, w, store, 10), Options{Changed: true, Verify: true})
	if err != nil {
		t.Fatalf("resumed Sync() error: %v", err)
	}
	if !slices.Equal(res.Plan.Changed, []int64{5}) || !res.Report.Resumed {
		t.Errorf("changed = %v, resumed = %v", res.Plan.Changed, res.Report.Resumed)
	}
	if got := target.rows[5].Content; got != "revised 5" {
		t.Errorf("remote[5] = %q, want revised 5", got)
	}
	if len(res.StillMissing) != 0 || len(res.StillChanged) != 0 {
		t.Errorf("still missing = %v, still changed = %v", res.StillMissing, res.StillChanged)
	}
	if res.Report.Progress.State != upload.StateCompleted {
		t.Errorf("state = %s, want completed", res.Report.Progress.State)
	}
}

func TestSyncPruneDeletesSupersededRecords(t *testing.T) {
	ctx := context.Background()
	src := newSource(1, 10)
	target := newTarget()
	target.seed(src, 1, 10)
	// 3 was split into 11 and 12; 99 is unknown to the source.
	target.rows[99] = models.SourceRecord{ID: 99, Kind: models.KindBody, Content: "foreign"}
	delete(src.records, 3)
	src.superseded = []int64{3}
	src.records[11] = models.SourceRecord{ID: 11, ParentID: 3, Kind: "body_segment", Content: "first half"}
	src.records[12] = models.SourceRecord{ID: 12, ParentID: 3, Kind: "body_segment", Content: "second half"}

	runner := NewRunner(src, discard())
	tgt := Target{Name: "mem", Writer: target, Lister: target, Deleter: target}
	res, err := runner.Sync(ctx, tgt, newUploader(t, target, &upload.MemoryStore{}, 50), Options{Prune: true})
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if res.Sent != 2 || res.Pruned != 1 {
		t.Errorf("sent = %d, pruned = %d, want 2 and 1", res.Sent, res.Pruned)
	}
	if _, ok := target.rows[3]; ok {
		t.Error("superseded record 3 still held remotely")
	}
	if _, ok := target.rows[99]; !ok {
		t.Error("foreign record 99 was deleted")
	}

	// An up-to-date target is still pruned.
	target.rows[3] = models.SourceRecord{ID: 3, Kind: models.KindBody, Content: "text 3"}
	res, err = runner.Sync(ctx, tgt, newUploader(t, target, &upload.MemoryStore{}, 50), Options{Prune: true})
	if err != nil {
		t.Fatalf("second Sync() error: %v", err)
	}
	if !res.UpToDate || res.Pruned != 1 {
		t.Errorf("up to date = %v, pruned = %d", res.UpToDate, res.Pruned)
	}
	if _, ok := target.rows[3]; ok {
		t.Error("record 3 not pruned from an up-to-date target")
	}
}

func TestSyncPruneNeedsDeleter(t *testing.T) {
	target := newTarget()
	_, err := NewRunner(newSource(1, 3), discard()).Sync(context.Background(),
		Target{Name: "mem", Writer: target, Lister: target},
		newUploader(t, target, &upload.MemoryStore{}, 10), Options{Prune: true})
	if !errors.Is(err, upload.ErrConfiguration) {
		t.Errorf("Sync() error = %v, want ErrConfiguration", err)
	}
}

func TestSyncHaltReportsFatalError(t *testing.T) {
	src := newSource(1, 30)
	target := newTarget()
	w := upload.WriterFunc(func(ctx context.Context, batch []models.SourceRecord) error {
		if batch[0].ID == 11 {
			return upload.Permanent(errors.New("payload rejected"))
		}
		return target.WriteBatch(ctx, batch)
	})

	res, err := NewRunner(src, discard()).Sync(context.Background(),
		Target{Name: "mem", Writer: w, Lister: target}, newUploader(t, w, &upload.MemoryStore{}, 10), Options{Verify: true})
	var fatal *upload.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Sync() error = %v, want *upload.FatalError", err)
	}
	if fatal.FirstID != 11 || fatal.LastID != 20 || fatal.BatchesConfirmed != 1 {
		t.Errorf("fatal = %+v", fatal)
	}
	if res.Verified {
		t.Error("verification ran after a halted upload")
	}
	if got := ExitCode(err); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"interrupted", fmt.Errorf("%w after 3 of 5", upload.ErrInterrupted), 130},
		{"configuration", upload.Configuration("missing key"), 2},
		{"query", &reconcile.QueryError{Err: errors.New("boom")}, 3},
		{"other", errors.New("disk full"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
