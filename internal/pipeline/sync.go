// Package pipeline wires the local store, reconciliation and the batch
// uploader into one sync run against a target.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vedabase-rag-sync/internal/models"
	"github.com/vedabase-rag-sync/internal/reconcile"
	"github.com/vedabase-rag-sync/internal/upload"
)

const (
	// DefaultProbePageSize is the number of ids asked about per probe call.
	DefaultProbePageSize = 100
	prunePageSize        = 500
)

// Source is the local authoritative record set.
type Source interface {
	LocalIDs(ctx context.Context) ([]int64, error)
	LocalFingerprints(ctx context.Context) (map[int64]string, error)
	Records(ctx context.Context, ids []int64) ([]models.SourceRecord, error)
	// SupersededIDs lists records replaced by their segments.
	SupersededIDs(ctx context.Context) ([]int64, error)
}

// Deleter is implemented by targets that can remove records by id.
// Deleting an id the target does not hold is not an error.
type Deleter interface {
	DeleteIDs(ctx context.Context, ids []int64) error
}

// Flusher is implemented by targets that buffer writes until flushed.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Target is a remote store. Writer is required; reconciliation uses Lister
// when set, otherwise Prober. Deleter is only needed for pruning.
type Target struct {
	Name    string
	Writer  upload.Writer
	Lister  reconcile.Lister
	Prober  reconcile.Prober
	Deleter Deleter
}

// canReconcile reports whether the target can tell us what it holds.
func (t Target) canReconcile() bool {
	return t.Lister != nil || t.Prober != nil
}

// Options controls one sync run.
type Options struct {
	// Full sends every local record without asking the target first.
	Full bool
	// Changed also re-sends records whose remote fingerprint differs.
	Changed bool
	// Verify re-runs reconciliation after a successful upload.
	Verify bool
	// Prune deletes superseded records from the target once it is in sync.
	// Other remote ids with no local record are never touched.
	Prune bool
	// ListTimeout bounds a whole reconciliation pass. Zero means no timeout.
	ListTimeout   time.Duration
	ProbePageSize int
}

// Result is the outcome of a sync run.
type Result struct {
	Target string          `json:"target"`
	Plan   *reconcile.Plan `json:"plan,omitempty"`
	// Sent is the size of the work list handed to the uploader.
	Sent     int            `json:"sent"`
	UpToDate bool           `json:"up_to_date"`
	Report   *upload.Report `json:"report,omitempty"`
	// StillMissing lists ids the verification pass did not find remotely.
	StillMissing []int64 `json:"still_missing,omitempty"`
	// StillChanged lists ids whose remote fingerprint still differs after upload.
	StillChanged []int64 `json:"still_changed,omitempty"`
	Verified     bool    `json:"verified"`
	// Pruned counts superseded ids deleted from the target.
	Pruned int `json:"pruned,omitempty"`
}

// Runner performs sync runs from one source.
type Runner struct {
	source Source
	logger *slog.Logger
}

// NewRunner creates a Runner over source.
func NewRunner(source Source, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{source: source, logger: logger}
}

// Sync reconciles the target against the source and uploads the difference
// through u. Nothing is sent when the target already holds every record.
func (r *Runner) Sync(ctx context.Context, target Target, u *upload.Uploader, opts Options) (*Result, error) {
	if target.Writer == nil {
		return nil, upload.Configuration("target %q has no writer", target.Name)
	}
	if !opts.Full && !target.canReconcile() {
		return nil, upload.Configuration("target %q can neither list nor probe its ids; use a full sync", target.Name)
	}
	if opts.Prune && target.Deleter == nil {
		return nil, upload.Configuration("target %q cannot delete records; sync without pruning", target.Name)
	}
	lg := r.logger.With("target", target.Name)
	res := &Result{Target: target.Name}

	local, err := r.source.LocalIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load local ids: %w", err)
	}

	work := local
	if !opts.Full {
		plan, err := r.Plan(ctx, target, local, opts)
		if err != nil {
			return nil, err
		}
		res.Plan = plan
		lg.Info("reconciled",
			"local", plan.Local,
			"remote", plan.Remote,
			"missing", len(plan.Missing),
			"changed", len(plan.Changed),
			"extra", plan.Extra)
		if plan.Extra > 0 {
			lg.Warn("remote holds ids with no local record; they are left in place", "extra", plan.Extra)
		}
		if plan.UpToDate() {
			res.UpToDate = true
			lg.Info("target is up to date; nothing to send")
			return res, r.prune(ctx, target, opts, res, lg)
		}
		work = plan.Work()
		// A changed record may sit below a halted run's checkpoint.
		u.Resend(plan.Changed)
	}

	records, err := r.source.Records(ctx, work)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	if len(records) != len(work) {
		lg.Warn("some ids vanished from the local store before upload", "wanted", len(work), "loaded", len(records))
	}
	res.Sent = len(records)

	report, err := u.Run(ctx, records)
	res.Report = report
	if err != nil {
		return res, err
	}

	if f, ok := target.Writer.(Flusher); ok {
		if err := f.Flush(ctx); err != nil {
			return res, fmt.Errorf("flush %s: %w", target.Name, err)
		}
	}
	if err := r.prune(ctx, target, opts, res, lg); err != nil {
		return res, err
	}

	if opts.Verify && target.canReconcile() {
		verify, err := r.Plan(ctx, target, local, Options{
			Changed:       opts.Changed,
			ListTimeout:   opts.ListTimeout,
			ProbePageSize: opts.ProbePageSize,
		})
		if err != nil {
			return res, fmt.Errorf("verify: %w", err)
		}
		res.Verified = true
		res.StillMissing = verify.Missing
		res.StillChanged = verify.Changed
		switch {
		case len(verify.Missing) > 0:
			lg.Warn("verification found records still missing", "missing", len(verify.Missing), "first", verify.Missing[0])
		case len(verify.Changed) > 0:
			lg.Warn("verification found records still out of date", "changed", len(verify.Changed), "first", verify.Changed[0])
		default:
			lg.Info("verification passed", "remote", verify.Remote)
		}
	}
	return res, nil
}

// prune deletes every superseded record from the target. It runs only after
// the target holds the segments that replaced them.
func (r *Runner) prune(ctx context.Context, target Target, opts Options, res *Result, lg *slog.Logger) error {
	if !opts.Prune {
		return nil
	}
	ids, err := r.source.SupersededIDs(ctx)
	if err != nil {
		return fmt.Errorf("load superseded ids: %w", err)
	}
	for start := 0; start < len(ids); start += prunePageSize {
		end := min(start+prunePageSize, len(ids))
		if err := target.Deleter.DeleteIDs(ctx, ids[start:end]); err != nil {
			return fmt.Errorf("prune %s: %w", target.Name, err)
		}
		res.Pruned = end
	}
	if len(ids) > 0 {
		lg.Info("pruned superseded records", "ids", len(ids))
	}
	return nil
}

// Plan asks the target what it holds and diffs it against local. A failed
// listing or probe is returned as a reconcile.QueryError and never read as
// an empty remote.
func (r *Runner) Plan(ctx context.Context, target Target, local []int64, opts Options) (*reconcile.Plan, error) {
	if opts.ListTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ListTimeout)
		defer cancel()
	}

	var (
		remote *reconcile.RemoteSet
		err    error
	)
	switch {
	case target.Lister != nil:
		remote, err = reconcile.FetchRemote(ctx, target.Lister)
	case target.Prober != nil:
		pageSize := opts.ProbePageSize
		if pageSize <= 0 {
			pageSize = DefaultProbePageSize
		}
		remote, err = reconcile.ProbeRemote(ctx, target.Prober, local, pageSize)
	default:
		return nil, upload.Configuration("target %q can neither list nor probe its ids", target.Name)
	}
	if err != nil {
		return nil, err
	}

	var fingerprints map[int64]string
	if opts.Changed {
		if remote.Fingerprints == nil {
			r.logger.Warn("target does not report fingerprints; changed records cannot be detected", "target", target.Name)
		} else if fingerprints, err = r.source.LocalFingerprints(ctx); err != nil {
			return nil, fmt.Errorf("load local fingerprints: %w", err)
		}
	}

	plan := reconcile.Diff(local, fingerprints, remote)
	return &plan, nil
}

// ExitCode maps a sync error to a process exit status: 2 configuration,
// 3 halted run or failed reconciliation, 130 interrupted, 1 anything else.
func ExitCode(err error) int {
	var fatal *upload.FatalError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, upload.ErrInterrupted), errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, upload.ErrConfiguration):
		return 2
	case errors.As(err, &fatal), errors.Is(err, reconcile.ErrQuery):
		return 3
	default:
		return 1
	}
}
