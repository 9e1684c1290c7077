// Package upload drives records into a remote store in fixed-size batches
// with bounded retries, exponential backoff and resumable checkpoints.
package upload

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vedabase-rag-sync/internal/models"
	"golang.org/x/time/rate"
)

// Writer is a remote write target. WriteBatch must upsert by record id and
// either apply the whole batch or fail.
type Writer interface {
	WriteBatch(ctx context.Context, records []models.SourceRecord) error
}

// WriterFunc is a function adapter for Writer.
type WriterFunc func(ctx context.Context, records []models.SourceRecord) error

// WriteBatch implements Writer.
func (f WriterFunc) WriteBatch(ctx context.Context, records []models.SourceRecord) error {
	return f(ctx, records)
}

// Observer is notified after every confirmed batch.
type Observer interface {
	BatchConfirmed(p *Progress, entry BatchEntry)
}

// ObserverFunc is a function adapter for Observer.
type ObserverFunc func(p *Progress, entry BatchEntry)

// BatchConfirmed implements Observer.
func (f ObserverFunc) BatchConfirmed(p *Progress, entry BatchEntry) {
	f(p, entry)
}

// Defaults applied by New to zero-valued options.
const (
	DefaultBatchSize   = 100
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = time.Second
	DefaultReportEvery = 25
)

// Options configures an Uploader.
type Options struct {
	// Target names the remote store in checkpoints and logs.
	Target    string
	BatchSize int
	// MaxRetries is the total number of attempts per batch.
	MaxRetries  int
	BaseBackoff time.Duration
	// MaxBackoff caps a single backoff delay. Zero means uncapped.
	MaxBackoff time.Duration
	// Pause is slept after every confirmed batch.
	Pause time.Duration
	// BatchTimeout bounds each write attempt. Zero means no timeout.
	BatchTimeout time.Duration
	// Workers is the number of batches in flight. Checkpoints stay in batch order.
	Workers int
	// RequestsPerSecond paces every write attempt. Zero disables pacing.
	RequestsPerSecond float64
	// ReportEvery emits a throughput line every n confirmed batches.
	ReportEvery int
}

// Report summarises one Run.
type Report struct {
	Progress *Progress
	// Resumed is true when the run continued a halted or interrupted checkpoint.
	Resumed bool
	// Skipped counts input records already covered by the checkpoint.
	Skipped int
	// Batches counts batches confirmed during this run.
	Batches int
	Elapsed time.Duration
}

// Uploader pushes records through a Writer. One Uploader must not run concurrently with
// another against the same Store.
type Uploader struct {
	w        Writer
	store    Store
	opts     Options
	lg       *slog.Logger
	limiter  *rate.Limiter
	observer Observer
	// resend holds ids sent even when a resumed checkpoint covers them.
	resend map[int64]bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates opts, fills defaults and returns an Uploader.
func New(w Writer, store Store, opts Options, lg *slog.Logger) (*Uploader, error) {
	if w == nil {
		return nil, Configuration("upload: writer is required")
	}
	if store == nil {
		return nil, Configuration("upload: checkpoint store is required")
	}
	if opts.Target == "" {
		return nil, Configuration("upload: target name is required")
	}
	if opts.BatchSize < 0 || opts.MaxRetries < 0 || opts.Workers < 0 || opts.RequestsPerSecond < 0 {
		return nil, Configuration("upload: negative option in %+v", opts)
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.Workers == 0 {
		opts.Workers = 1
	}
	if opts.ReportEvery == 0 {
		opts.ReportEvery = DefaultReportEvery
	}
	if lg == nil {
		lg = slog.Default()
	}

	u := &Uploader{
		w:     w,
		store: store,
		opts:  opts,
		lg:    lg.With("target", opts.Target),
		now:   time.Now,
		sleep: sleepCtx,
	}
	if opts.RequestsPerSecond > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return u, nil
}

// SetObserver registers o to be called after every confirmed batch.
func (u *Uploader) SetObserver(o Observer) {
	u.observer = o
}

// Resend marks ids that must be uploaded even when a resumed checkpoint
// already confirmed them, such as records edited after the halted run.
func (u *Uploader) Resend(ids []int64) {
	u.resend = make(map[int64]bool, len(ids))
	for _, id := range ids {
		u.resend[id] = true
	}
}

// Options returns the effective options after defaults.
func (u *Uploader) Options() Options {
	return u.opts
}

type batch struct {
	number  int
	records []models.SourceRecord
}

func (b batch) firstID() int64 { return b.records[0].ID }
func (b batch) lastID() int64  { return b.records[len(b.records)-1].ID }

type batchResult struct {
	batch    batch
	attempts int
	err      error
	// aborted is set when the run's context ended before the batch finished.
	aborted bool
}

// Run uploads records in ascending id order. A resumable checkpoint in the
// store makes Run skip every record at or below its last confirmed id,
// except those marked with Resend.
// On exhausted retries or a permanent error Run stops and returns a
// *FatalError; the checkpoint then reflects the last confirmed batch.
// Cancelling ctx flushes the checkpoint and returns ErrInterrupted.
func (u *Uploader) Run(ctx context.Context, records []models.SourceRecord) (*Report, error) {
	start := u.now()
	report := &Report{}

	prog, remaining, err := u.begin(records, report)
	if err != nil {
		return report, err
	}
	report.Progress = prog

	if len(remaining) == 0 {
		if report.Resumed {
			prog.State = StateCompleted
			prog.LastUpdated = u.now()
			if err := u.store.Save(prog); err != nil {
				return report, fmt.Errorf("save checkpoint: %w", err)
			}
		}
		u.lg.Info("nothing to upload", "confirmed", prog.TotalConfirmed)
		report.Elapsed = u.now().Sub(start)
		return report, nil
	}

	prog.State = StateRunning
	prog.LastUpdated = u.now()
	if err := u.store.Save(prog); err != nil {
		return report, fmt.Errorf("save checkpoint: %w", err)
	}

	batches := u.partition(remaining, prog.BatchesConfirmed+1)
	u.lg.Info("starting upload",
		"run_id", prog.RunID,
		"records", len(remaining),
		"batches", len(batches),
		"batch_size", u.opts.BatchSize,
		"workers", u.opts.Workers,
		"resumed", report.Resumed,
		"skipped", report.Skipped)

	failed, saveErr := u.dispatch(ctx, prog, batches, report, start)
	report.Elapsed = u.now().Sub(start)

	switch {
	case saveErr != nil:
		return report, fmt.Errorf("save checkpoint: %w", saveErr)

	case failed != nil:
		entry := BatchEntry{
			BatchNumber: failed.batch.number,
			FirstID:     failed.batch.firstID(),
			LastID:      failed.batch.lastID(),
			Count:       len(failed.batch.records),
			Outcome:     OutcomeFailed,
			Retries:     failed.attempts - 1,
			Error:       failed.err.Error(),
			Timestamp:   u.now(),
		}
		prog.BatchLog = append(prog.BatchLog, entry)
		prog.State = StateHalted
		prog.HaltReason = failed.err.Error()
		prog.LastUpdated = entry.Timestamp
		if err := u.store.Save(prog); err != nil {
			return report, fmt.Errorf("save checkpoint after failure: %w", err)
		}
		fatal := &FatalError{
			BatchNumber:      entry.BatchNumber,
			FirstID:          entry.FirstID,
			LastID:           entry.LastID,
			Attempts:         failed.attempts,
			BatchesConfirmed: prog.BatchesConfirmed,
			RecordsConfirmed: prog.TotalConfirmed,
			Checkpoint:       u.store.Location(),
			Err:              failed.err,
		}
		u.lg.Error("upload halted",
			"batch", fatal.BatchNumber,
			"first_id", fatal.FirstID,
			"last_id", fatal.LastID,
			"attempts", fatal.Attempts,
			"batches_confirmed", fatal.BatchesConfirmed,
			"checkpoint", fatal.Checkpoint,
			"error", failed.err)
		return report, fatal

	case !prog.Done():
		prog.State = StateHalted
		prog.HaltReason = "interrupted"
		prog.LastUpdated = u.now()
		if err := u.store.Save(prog); err != nil {
			return report, fmt.Errorf("save checkpoint after interrupt: %w", err)
		}
		u.lg.Warn("upload interrupted",
			"confirmed", prog.TotalConfirmed,
			"total", prog.TotalTarget,
			"checkpoint", u.store.Location())
		return report, fmt.Errorf("%w after %d of %d records: %w",
			ErrInterrupted, prog.TotalConfirmed, prog.TotalTarget, context.Cause(ctx))
	}

	prog.State = StateCompleted
	prog.LastUpdated = u.now()
	if err := u.store.Save(prog); err != nil {
		return report, fmt.Errorf("save checkpoint: %w", err)
	}
	u.lg.Info("upload complete",
		"confirmed", prog.TotalConfirmed,
		"batches", report.Batches,
		"retries", prog.TotalRetries,
		"elapsed", report.Elapsed.Round(time.Millisecond))
	return report, nil
}

// begin loads or creates the checkpoint and returns the records still to send.
func (u *Uploader) begin(records []models.SourceRecord, report *Report) (*Progress, []models.SourceRecord, error) {
	saved, err := u.store.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if saved != nil && saved.Target != "" && saved.Target != u.opts.Target {
		return nil, nil, Configuration("checkpoint %s belongs to target %q, not %q",
			u.store.Location(), saved.Target, u.opts.Target)
	}

	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b models.SourceRecord) int { return cmp.Compare(a.ID, b.ID) })
	sorted = slices.CompactFunc(sorted, func(a, b models.SourceRecord) bool { return a.ID == b.ID })

	now := u.now()
	if saved.Resumable() {
		remaining := sorted
		if saved.LastConfirmedID != nil {
			last := *saved.LastConfirmedID
			remaining = make([]models.SourceRecord, 0, len(sorted))
			for _, r := range sorted {
				if r.ID > last || u.resend[r.ID] {
					remaining = append(remaining, r)
				}
			}
		}
		report.Resumed = true
		report.Skipped = len(sorted) - len(remaining)
		saved.HaltReason = ""
		saved.BatchSize = u.opts.BatchSize
		saved.TotalTarget = saved.TotalConfirmed + len(remaining)
		u.lg.Info("resuming from checkpoint",
			"run_id", saved.RunID,
			"batches_confirmed", saved.BatchesConfirmed,
			"last_confirmed_id", saved.LastConfirmedID)
		return saved, remaining, nil
	}

	prog := &Progress{
		RunID:       uuid.NewString(),
		Target:      u.opts.Target,
		State:       StateNotStarted,
		TotalTarget: len(sorted),
		BatchSize:   u.opts.BatchSize,
		StartedAt:   now,
		LastUpdated: now,
		BatchLog:    []BatchEntry{},
	}
	return prog, sorted, nil
}

func (u *Uploader) partition(records []models.SourceRecord, firstNumber int) []batch {
	var out []batch
	for start := 0; start < len(records); start += u.opts.BatchSize {
		end := min(start+u.opts.BatchSize, len(records))
		out = append(out, batch{number: firstNumber + len(out), records: records[start:end]})
	}
	return out
}

// dispatch runs batches through the worker pool and commits confirmed batches
// strictly in batch order. It returns the lowest failed batch, if any.
func (u *Uploader) dispatch(ctx context.Context, prog *Progress, batches []batch, report *Report, start time.Time) (*batchResult, error) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan batch)
	results := make(chan batchResult)

	var wg sync.WaitGroup
	for i := 0; i < u.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				res := u.send(workCtx, b)
				if res.err != nil && !res.aborted {
					// Stop handing out batches before the committer sees the failure.
					cancel()
				}
				results <- res
				if res.err == nil && u.opts.Pause > 0 {
					_ = u.sleep(workCtx, u.opts.Pause)
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, b := range batches {
			select {
			case jobs <- b:
			case <-workCtx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		failed  *batchResult
		saveErr error
		pending = make(map[int]batchResult)
		next    = batches[0].number
	)
	for res := range results {
		switch {
		case res.aborted:
		case res.err != nil:
			if failed == nil || res.batch.number < failed.batch.number {
				r := res
				failed = &r
			}
			cancel()
		default:
			pending[res.batch.number] = res
		}

		for saveErr == nil {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if err := u.commit(prog, r, report, start); err != nil {
				saveErr = err
				cancel()
			}
		}
	}
	return failed, saveErr
}

// commit records a confirmed batch and persists the checkpoint.
func (u *Uploader) commit(prog *Progress, r batchResult, report *Report, start time.Time) error {
	entry := BatchEntry{
		BatchNumber: r.batch.number,
		FirstID:     r.batch.firstID(),
		LastID:      r.batch.lastID(),
		Count:       len(r.batch.records),
		Outcome:     OutcomeConfirmed,
		Retries:     r.attempts - 1,
		Timestamp:   u.now(),
	}
	prog.confirm(entry)
	if err := u.store.Save(prog); err != nil {
		return err
	}
	report.Batches++

	u.lg.Info("batch confirmed",
		"batch", entry.BatchNumber,
		"first_id", entry.FirstID,
		"last_id", entry.LastID,
		"count", entry.Count,
		"retries", entry.Retries,
		"confirmed", prog.TotalConfirmed,
		"total", prog.TotalTarget)

	if report.Batches%u.opts.ReportEvery == 0 {
		u.reportThroughput(prog, report, start)
	}
	if u.observer != nil {
		u.observer.BatchConfirmed(prog.clone(), entry)
	}
	return nil
}

func (u *Uploader) reportThroughput(prog *Progress, report *Report, start time.Time) {
	elapsed := u.now().Sub(start)
	sent := 0
	for _, e := range prog.BatchLog[len(prog.BatchLog)-report.Batches:] {
		sent += e.Count
	}
	if elapsed <= 0 || sent == 0 {
		return
	}
	perSecond := float64(sent) / elapsed.Seconds()
	left := prog.TotalTarget - prog.TotalConfirmed
	eta := time.Duration(float64(left) / perSecond * float64(time.Second))
	u.lg.Info("progress",
		"confirmed", prog.TotalConfirmed,
		"total", prog.TotalTarget,
		"percent", fmt.Sprintf("%.1f", 100*float64(prog.TotalConfirmed)/float64(max(prog.TotalTarget, 1))),
		"records_per_sec", fmt.Sprintf("%.1f", perSecond),
		"eta", eta.Round(time.Second))
}

// send drives one batch through the retry loop.
func (u *Uploader) send(ctx context.Context, b batch) batchResult {
	attempts := u.opts.MaxRetries
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return batchResult{batch: b, attempts: attempt, err: err, aborted: true}
		}
		if attempt > 0 {
			delay := u.backoff(attempt - 1)
			u.lg.Warn("retrying batch",
				"batch", b.number,
				"attempt", attempt+1,
				"max_attempts", attempts,
				"delay", delay,
				"error", lastErr)
			if err := u.sleep(ctx, delay); err != nil {
				return batchResult{batch: b, attempts: attempt, err: err, aborted: true}
			}
		}
		if u.limiter != nil {
			if err := u.limiter.Wait(ctx); err != nil {
				return batchResult{batch: b, attempts: attempt, err: err, aborted: true}
			}
		}

		err := u.writeOnce(ctx, b.records)
		if err == nil {
			return batchResult{batch: b, attempts: attempt + 1}
		}
		if ctx.Err() != nil {
			return batchResult{batch: b, attempts: attempt + 1, err: err, aborted: true}
		}
		lastErr = err
		if IsPermanent(err) {
			return batchResult{batch: b, attempts: attempt + 1, err: err}
		}
	}
	return batchResult{
		batch:    b,
		attempts: attempts,
		err:      fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr),
	}
}

func (u *Uploader) writeOnce(ctx context.Context, records []models.SourceRecord) error {
	if u.opts.BatchTimeout <= 0 {
		return u.w.WriteBatch(ctx, records)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, u.opts.BatchTimeout)
	defer cancel()
	err := u.w.WriteBatch(attemptCtx, records)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return Transient(fmt.Errorf("batch timed out after %s: %w", u.opts.BatchTimeout, err))
	}
	return err
}

// backoff returns BaseBackoff * 2^n, capped by MaxBackoff. Without a cap
// the delay saturates instead of overflowing.
func (u *Uploader) backoff(n int) time.Duration {
	n = min(n, 62)
	d := u.opts.BaseBackoff << n
	if d <= 0 || d>>n != u.opts.BaseBackoff {
		d = math.MaxInt64
	}
	if u.opts.MaxBackoff > 0 && d > u.opts.MaxBackoff {
		return u.opts.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
