package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/vedabase-rag-sync/internal/models"
)

// fakeRemote is an in-memory upsert target keyed by record id.
type fakeRemote struct {
	mu     sync.Mutex
	rows   map[int64]string
	calls  map[int64]int // attempts per batch, keyed by first id
	order  []int64       // first ids of successful writes
	writes int
	// fail decides the outcome of an attempt; attempt is 1-based per batch.
	fail  func(ctx context.Context, attempt int, batch []models.SourceRecord) error
	delay func() time.Duration
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[int64]string), calls: make(map[int64]int)}
}

func (f *fakeRemote) WriteBatch(ctx context.Context, batch []models.SourceRecord) error {
	if f.delay != nil {
		time.Sleep(f.delay())
	}
	f.mu.Lock()
	f.writes++
	first := batch[0].ID
	f.calls[first]++
	attempt := f.calls[first]
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(ctx, attempt, batch); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range batch {
		f.rows[r.ID] = r.Content
	}
	f.order = append(f.order, first)
	return nil
}

func (f *fakeRemote) snapshot() map[int64]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.rows)
}

func makeRecords(from, to int64) []models.SourceRecord {
	var out []models.SourceRecord
	for id := from; id <= to; id++ {
		out = append(out, models.SourceRecord{ID: id, Kind: models.KindBody, Content: fmt.Sprintf("text %d", id)})
	}
	return out
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestUploader(t *testing.T, w Writer, store Store, opts Options) (*Uploader, *sleepLog) {
	t.Helper()
	if opts.Target == "" {
		opts.Target = "test"
	}
	u, err := New(w, store, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	sl := &sleepLog{}
	u.sleep = sl.sleep
	return u, sl
}

func TestNewValidation(t *testing.T) {
	store := &MemoryStore{}
	w := newFakeRemote()
	tests := []struct {
		name  string
		w     Writer
		store Store
		opts  Options
	}{
		{"nil writer", nil, store, Options{Target: "t"}},
		{"nil store", w, nil, Options{Target: "t"}},
		{"missing target", w, store, Options{}},
		{"negative batch size", w, store, Options{Target: "t", BatchSize: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.w, tt.store, tt.opts, nil)
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("New() error = %v, want ErrConfiguration", err)
			}
		})
	}

	u, err := New(w, store, Options{Target: "t"}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	got := u.Options()
	if got.BatchSize != DefaultBatchSize || got.MaxRetries != DefaultMaxRetries || got.Workers != 1 {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestRunUploadsAllBatches(t *testing.T) {
	remote := newFakeRemote()
	store := &MemoryStore{}
	u, sl := newTestUploader(t, remote, store, Options{BatchSize: 50, Pause: 5 * time.Millisecond})

	report, err := u.Run(context.Background(), makeRecords(101, 250))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Batches != 3 {
		t.Errorf("Batches = %d, want 3", report.Batches)
	}
	if remote.writes != 3 {
		t.Errorf("writes = %d, want 3", remote.writes)
	}
	if len(remote.snapshot()) != 150 {
		t.Errorf("remote rows = %d, want 150", len(remote.snapshot()))
	}

	saved, _ := store.Load()
	if saved.State != StateCompleted {
		t.Errorf("State = %s, want %s", saved.State, StateCompleted)
	}
	if saved.TotalConfirmed != 150 || saved.TotalTarget != 150 {
		t.Errorf("confirmed %d of %d, want 150 of 150", saved.TotalConfirmed, saved.TotalTarget)
	}
	if saved.LastConfirmedID == nil || *saved.LastConfirmedID != 250 {
		t.Errorf("LastConfirmedID = %v, want 250", saved.LastConfirmedID)
	}
	wantRanges := [][2]int64{{101, 150}, {151, 200}, {201, 250}}
	for i, e := range saved.BatchLog {
		if e.BatchNumber != i+1 || e.FirstID != wantRanges[i][0] || e.LastID != wantRanges[i][1] {
			t.Errorf("batch log %d = %+v, want range %v", i, e, wantRanges[i])
		}
	}
	if len(sl.delays) != 3 {
		t.Errorf("pauses = %d, want 3", len(sl.delays))
	}
}

func TestRunSortsInput(t *testing.T) {
	remote := newFakeRemote()
	u, _ := newTestUploader(t, remote, &MemoryStore{}, Options{BatchSize: 2})
	records := []models.SourceRecord{{ID: 4}, {ID: 1}, {ID: 3}, {ID: 2}, {ID: 3}}
	if _, err := u.Run(context.Background(), records); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	want := []int64{1, 3}
	if len(remote.order) != len(want) || remote.order[0] != want[0] || remote.order[1] != want[1] {
		t.Errorf("batch order = %v, want %v", remote.order, want)
	}
}

func TestRunEmptyInput(t *testing.T) {
	remote := newFakeRemote()
	store := &MemoryStore{}
	u, _ := newTestUploader(t, remote, store, Options{})
	report, err := u.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Batches != 0 || remote.writes != 0 {
		t.Errorf("batches=%d writes=%d, want none", report.Batches, remote.writes)
	}
	if store.Saves != 0 {
		t.Errorf("saves = %d, want 0", store.Saves)
	}
}

func TestRunRetriesTransientFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.fail = func(ctx context.Context, attempt int, batch []models.SourceRecord) error {
		if batch[0].ID == 11 && attempt < 3 {
			return context.DeadlineExceeded
		}
		return nil
	}
	store := &MemoryStore{}
	u, sl := newTestUploader(t, remote, store, Options{
		BatchSize:   10,
		MaxRetries:  3,
		BaseBackoff: 100 * time.Millisecond,
	})

	if _, err := u.Run(context.Background(), makeRecords(1, 50)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	saved, _ := store.Load()
	if saved.BatchesConfirmed != 5 {
		t.Errorf("BatchesConfirmed = %d, want 5", saved.BatchesConfirmed)
	}
	if got := saved.BatchLog[1].Retries; got != 2 {
		t.Errorf("batch 2 retries = %d, want 2", got)
	}
	if saved.TotalRetries != 2 {
		t.Errorf("TotalRetries = %d, want 2", saved.TotalRetries)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(sl.delays) != len(want) || sl.delays[0] != want[0] || sl.delays[1] != want[1] {
		t.Errorf("backoff delays = %v, want %v", sl.delays, want)
	}
}

func TestRunHaltsWhenRetriesExhausted(t *testing.T) {
	remote := newFakeRemote()
	remote.fail = func(ctx context.Context, attempt int, batch []models.SourceRecord) error {
		if batch[0].ID == 21 {
			return &RemoteError{StatusCode: 503, Message: "service unavailable"}
		}
		return nil
	}
	store := &MemoryStore{}
	u, _ := newTestUploader(t, remote, store, Options{BatchSize: 10, MaxRetries: 4})

	_, err := u.Run(context.Background(), makeRecords(1, 50))
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Run() error = %v, want *FatalError", err)
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("error %v does not wrap ErrRetriesExhausted", err)
	}
	if remote.calls[21] != 4 {
		t.Errorf("attempts on failing batch = %d, want 4", remote.calls[21])
	}
	if remote.calls[31] != 0 {
		t.Errorf("batch after failure was attempted %d times, want 0", remote.calls[31])
	}
	if fatal.BatchNumber != 3 || fatal.FirstID != 21 || fatal.LastID != 30 || fatal.BatchesConfirmed != 2 {
		t.Errorf("fatal = %+v", fatal)
	}
	if fatal.Checkpoint != "memory" {
		t.Errorf("Checkpoint = %q, want memory", fatal.Checkpoint)
	}

	saved, _ := store.Load()
	if saved.State != StateHalted {
		t.Errorf("State = %s, want %s", saved.State, StateHalted)
	}
	if saved.LastConfirmedID == nil || *saved.LastConfirmedID != 20 {
		t.Errorf("LastConfirmedID = %v, want 20", saved.LastConfirmedID)
	}
	if saved.TotalConfirmed != 20 {
		t.Errorf("TotalConfirmed = %d, want 20", saved.TotalConfirmed)
	}
	last := saved.BatchLog[len(saved.BatchLog)-1]
	if last.Outcome != OutcomeFailed || last.BatchNumber != 3 || last.Retries != 3 {
		t.Errorf("last log entry = %+v, want failed batch 3 with 3 retries", last)
	}
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	remote := newFakeRemote()
	remote.fail = func(ctx context.Context, attempt int, batch []models.SourceRecord) error {
		if batch[0].ID == 1 {
			return &RemoteError{StatusCode: 400, Message: "vector dimension mismatch"}
		}
		return nil
	}
	store := &MemoryStore{}
	u, _ := newTestUploader(t, remote, store, Options{BatchSize: 10, MaxRetries: 5})

	_, err := u.Run(context.Background(), makeRecords(1, 30))
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Run() error = %v, want *FatalError", err)
	}
	if fatal.Attempts != 1 || remote.calls[1] != 1 {
		t.Errorf("attempts = %d (calls %d), want 1", fatal.Attempts, remote.calls[1])
	}
	saved, _ := store.Load()
	if saved.LastConfirmedID != nil {
		t.Errorf("LastConfirmedID = %d, want nil", *saved.LastConfirmedID)
	}
}

func TestRunResumesAfterHalt(t *testing.T) {
	records := makeRecords(1, 50)

	// Reference: one uninterrupted run.
	clean := newFakeRemote()
	u, _ := newTestUploader(t, clean, &MemoryStore{}, Options{BatchSize: 10})
	if _, err := u.Run(context.Background(), records); err != nil {
		t.Fatalf("clean Run() error: %v", err)
	}

	remote := newFakeRemote()
	broken := true
	remote.fail = func(ctx context.Context, attempt int, batch []models.SourceRecord) error {
		if broken && batch[0].ID == 31 {
			return Permanent(errors.New("rejected"))
		}
		return nil
	}
	store := &MemoryStore{}
	first, _ := newTestUploader(t, remote, store, Options{BatchSize: 10})
	if _, err := first.Run(context.Background(), records); err == nil {
		t.Fatal("first Run() succeeded, want halt")
	}

	broken = false
	remote.order = nil
	second, _ := newTestUploader(t, remote, store, Options{BatchSize: 10})
	report, err := second.Run(context.Background(), records)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if !report.Resumed || report.Skipped != 30 {
		t.Errorf("Resumed=%v Skipped=%d, want true 30", report.Resumed, report.Skipped)
	}
	if len(remote.order) != 2 || remote.order[0] != 31 || remote.order[1] != 41 {
		t.Errorf("resumed batches start at %v, want [31 41]", remote.order)
	}

	saved, _ := store.Load()
	if saved.State != StateCompleted || saved.TotalConfirmed != 50 || saved.TotalTarget != 50 {
		t.Errorf("final checkpoint = %s %d/%d", saved.State, saved.TotalConfirmed, saved.TotalTarget)
	}
	confirmed := 0
	for _, e := range saved.BatchLog {
		if e.Outcome == OutcomeConfirmed {
			confirmed++
			if e.BatchNumber != confirmed {
				t.Errorf("confirmed entry %d has batch number %d", confirmed, e.BatchNumber)
			}
		}
	}
	if !maps.Equal(remote.snapshot(), clean.snapshot()) {
		t.Error("resumed remote state differs from an uninterrupted run")
	}
}

func TestRunResumeSendsMarkedRecordsBelowCheckpoint(t *testing.T) {
	records := makeRecords(1, 30)
	remote := newFakeRemote()
	broken := true
	remote.fail = func(ctx context.Context, attempt int, batch []models.SourceRecord) error {
		if broken && batch[0].ID == 21 {
			return Permanent(errors.New("rejected"))
		}
		return nil
	}
	store := &MemoryStore{}
	first, _ := newTestUploader(t, remote, store, Options{BatchSize: 10})
	if _, err := first.Run(context.Background(), records); err == nil {
		t.Fatal("first Run() succeeded, want halt")
	}

	// Record 5 is edited after the halt; the resumed run must send it again.
	broken = false
	records[4].Content = "revised 5"
	second, _ := newTestUploader(t, remote, store, Options{BatchSize: 10})
	second.Resend([]int64{5})
	report, err := second.Run(context.Background(), records)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if !report.Resumed || report.Skipped != 19 {
		t.Errorf("Resumed=%v Skipped=%d, want true 19", report.Resumed, report.Skipped)
	}
	if got := remote.snapshot()[5]; got != "revised 5" {
		t.Errorf("remote[5] = %q, want revised 5", got)
	}
	if got := remote.snapshot()[30]; got != "text 30" {
		t.Errorf("remote[30] = %q, want text 30", got)
	}
}

func TestRunInterruptFlushesCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote := newFakeRemote()
	remote.fail = func(_ context.Context, attempt int, batch []models.SourceRecord) error {
		if batch[0].ID == 21 {
			cancel()
		}
		return nil
	}
	store := &MemoryStore{}
	u, _ := newTestUploader(t, remote, store, Options{BatchSize: 10})

	_, err := u.Run(ctx, makeRecords(1, 50))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run() error = %v, want ErrInterrupted", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v does not wrap context.Canceled", err)
	}
	saved, _ := store.Load()
	if saved.BatchesConfirmed != 3 || saved.TotalConfirmed != 30 {
		t.Errorf("checkpoint = %d batches / %d records, want 3 / 30", saved.BatchesConfirmed, saved.TotalConfirmed)
	}
	if saved.State != StateHalted || saved.HaltReason != "interrupted" {
		t.Errorf("State = %s (%q), want halted interrupted", saved.State, saved.HaltReason)
	}

	remote.fail = nil
	remote.order = nil
	again, _ := newTestUploader(t, remote, store, Options{BatchSize: 10})
	if _, err := again.Run(context.Background(), makeRecords(1, 50)); err != nil {
		t.Fatalf("restart Run() error: %v", err)
	}
	saved, _ = store.Load()
	if got := saved.BatchLog[3].BatchNumber; got != 4 {
		t.Errorf("restart began at batch %d, want 4", got)
	}
	if len(remote.order) != 2 || remote.order[0] != 31 {
		t.Errorf("restart sent %v, want [31 41]", remote.order)
	}
}

func TestRunBatchTimeoutIsRetried(t *testing.T) {
	remote := newFakeRemote()
	remote.fail = func(ctx context.Context, attempt int, batch []models.SourceRecord) error {
		if attempt == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	store := &MemoryStore{}
	u, _ := newTestUploader(t, remote, store, Options{BatchSize: 10, BatchTimeout: 10 * time.Millisecond})

	if _, err := u.Run(context.Background(), makeRecords(1, 10)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	saved, _ := store.Load()
	if saved.BatchLog[0].Retries != 1 {
		t.Errorf("retries = %d, want 1", saved.BatchLog[0].Retries)
	}
}

func TestUpsertIdempotence(t *testing.T) {
	records := makeRecords(1, 20)

	once := newFakeRemote()
	u1, _ := newTestUploader(t, once, &MemoryStore{}, Options{BatchSize: 5})
	if _, err := u1.Run(context.Background(), records); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	twice := newFakeRemote()
	for i := 0; i < 2; i++ {
		u2, _ := newTestUploader(t, twice, &MemoryStore{}, Options{BatchSize: 5})
		if _, err := u2.Run(context.Background(), records); err != nil {
			t.Fatalf("Run() #%d error: %v", i+1, err)
		}
	}
	if !maps.Equal(once.snapshot(), twice.snapshot()) {
		t.Error("double send changed remote state")
	}
}

func TestRunWorkersCommitInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var rngMu sync.Mutex
	remote := newFakeRemote()
	remote.delay = func() time.Duration {
		rngMu.Lock()
		defer rngMu.Unlock()
		return time.Duration(rng.Intn(3)) * time.Millisecond
	}
	store := &MemoryStore{}
	u, _ := newTestUploader(t, remote, store, Options{BatchSize: 5, Workers: 4})

	var seen []int
	u.SetObserver(ObserverFunc(func(p *Progress, e BatchEntry) {
		seen = append(seen, e.BatchNumber)
		if p.BatchesConfirmed != e.BatchNumber {
			t.Errorf("checkpoint has %d batches when batch %d confirmed", p.BatchesConfirmed, e.BatchNumber)
		}
	}))

	if _, err := u.Run(context.Background(), makeRecords(1, 100)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(seen) != 20 {
		t.Fatalf("observed %d batches, want 20", len(seen))
	}
	for i, n := range seen {
		if n != i+1 {
			t.Fatalf("observed order %v, want 1..20", seen)
		}
	}
}

func TestRunWorkersCheckpointStopsAtFailure(t *testing.T) {
	var done sync.WaitGroup
	done.Add(2)
	remote := newFakeRemote()
	remote.fail = func(ctx context.Context, attempt int, batch []models.SourceRecord) error {
		switch batch[0].ID {
		case 1, 11:
			defer done.Done()
			return nil
		case 21:
			done.Wait()
			return Permanent(errors.New("bad payload"))
		}
		return nil
	}
	store := &MemoryStore{}
	u, _ := newTestUploader(t, remote, store, Options{BatchSize: 10, Workers: 3})

	_, err := u.Run(context.Background(), makeRecords(1, 100))
	var fatal *FatalError
	if !errors.As(err, &fatal) || fatal.BatchNumber != 3 {
		t.Fatalf("Run() error = %v, want fatal batch 3", err)
	}
	saved, _ := store.Load()
	if saved.LastConfirmedID == nil || *saved.LastConfirmedID != 20 {
		t.Errorf("LastConfirmedID = %v, want 20", saved.LastConfirmedID)
	}
	if saved.BatchesConfirmed != 2 {
		t.Errorf("BatchesConfirmed = %d, want 2", saved.BatchesConfirmed)
	}
}

func TestRunRejectsForeignCheckpoint(t *testing.T) {
	store := &MemoryStore{}
	_ = store.Save(&Progress{Target: "postgres", State: StateHalted})
	u, _ := newTestUploader(t, newFakeRemote(), store, Options{Target: "vertex"})
	if _, err := u.Run(context.Background(), makeRecords(1, 3)); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Run() error = %v, want ErrConfiguration", err)
	}
}

func TestRunStartsFreshAfterCompletedCheckpoint(t *testing.T) {
	store := &MemoryStore{}
	remote := newFakeRemote()
	u, _ := newTestUploader(t, remote, store, Options{BatchSize: 10})
	if _, err := u.Run(context.Background(), makeRecords(1, 10)); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	firstRun, _ := store.Load()

	report, err := u.Run(context.Background(), makeRecords(11, 20))
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if report.Resumed {
		t.Error("second run resumed a completed checkpoint")
	}
	if report.Progress.RunID == firstRun.RunID {
		t.Error("second run reused the completed run id")
	}
	if report.Progress.TotalConfirmed != 10 {
		t.Errorf("TotalConfirmed = %d, want 10", report.Progress.TotalConfirmed)
	}
}

func TestBackoff(t *testing.T) {
	u := &Uploader{opts: Options{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{60, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := u.backoff(tt.n); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestBackoffSaturatesWithoutCap(t *testing.T) {
	u := &Uploader{opts: Options{BaseBackoff: 10 * time.Second}}
	for _, n := range []int{29, 30, 40, 62, 100} {
		if got := u.backoff(n); got <= 0 {
			t.Errorf("backoff(%d) = %v, want a positive delay", n, got)
		}
	}
	if got := u.backoff(40); got != math.MaxInt64 {
		t.Errorf("backoff(40) = %v, want saturated", got)
	}
	if got := u.backoff(2); got != 40*time.Second {
		t.Errorf("backoff(2) = %v, want 40s", got)
	}
}
