// Package reconcile computes which local records a remote store is missing.
package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrQuery indicates the remote id listing could not be obtained.
// It is always fatal: an unknown remote state is never treated as empty.
var ErrQuery = errors.New("remote listing query failed")

// QueryError wraps a failed listing or probe call.
type QueryError struct {
	Cursor string
	Err    error
}

func (e *QueryError) Error() string {
	if e.Cursor != "" {
		return fmt.Sprintf("%v at cursor %q: %v", ErrQuery, e.Cursor, e.Err)
	}
	return fmt.Sprintf("%v: %v", ErrQuery, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrQuery) true for every QueryError.
func (e *QueryError) Is(target error) bool { return target == ErrQuery }

// Page is one page of a remote listing. An empty Next ends the listing.
type Page struct {
	IDs []int64
	// Fingerprints is optional; stores that keep a content hash fill it.
	Fingerprints map[int64]string
	Next         string
}

// Lister enumerates the ids held by a remote store.
type Lister interface {
	ListIDs(ctx context.Context, cursor string) (Page, error)
}

// Prober reports which of the given ids exist remotely. It serves stores that
// can look records up by id but cannot enumerate them.
type Prober interface {
	ExistingIDs(ctx context.Context, ids []int64) ([]int64, error)
}

// RemoteSet is what a remote store is known to hold.
type RemoteSet struct {
	IDs          []int64
	Fingerprints map[int64]string
}

// FetchRemote pages through l until the listing ends.
func FetchRemote(ctx context.Context, l Lister) (*RemoteSet, error) {
	set := &RemoteSet{}
	cursor := ""
	for {
		page, err := l.ListIDs(ctx, cursor)
		if err != nil {
			return nil, &QueryError{Cursor: cursor, Err: err}
		}
		set.IDs = append(set.IDs, page.IDs...)
		if page.Fingerprints != nil {
			if set.Fingerprints == nil {
				set.Fingerprints = make(map[int64]string, len(page.Fingerprints))
			}
			for id, fp := range page.Fingerprints {
				set.Fingerprints[id] = fp
			}
		}
		if page.Next == "" {
			return set, nil
		}
		if page.Next == cursor {
			return nil, &QueryError{Cursor: cursor, Err: errors.New("listing cursor did not advance")}
		}
		cursor = page.Next
	}
}

// ProbeRemote asks p about candidates in groups of pageSize.
func ProbeRemote(ctx context.Context, p Prober, candidates []int64, pageSize int) (*RemoteSet, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	set := &RemoteSet{}
	for start := 0; start < len(candidates); start += pageSize {
		end := min(start+pageSize, len(candidates))
		found, err := p.ExistingIDs(ctx, candidates[start:end])
		if err != nil {
			return nil, &QueryError{Cursor: fmt.Sprintf("probe:%d", start), Err: err}
		}
		set.IDs = append(set.IDs, found...)
	}
	return set, nil
}

// Missing returns local − remote in ascending order without duplicates.
func Missing[T cmp.Ordered](local, remote []T) []T {
	have := make(map[T]struct{}, len(remote))
	for _, id := range remote {
		have[id] = struct{}{}
	}
	out := make([]T, 0, len(local))
	for _, id := range local {
		if _, ok := have[id]; !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Plan is the outcome of comparing local and remote state.
type Plan struct {
	Local  int
	Remote int
	// Missing holds local ids absent remotely, ascending.
	Missing []int64
	// Changed holds ids present on both sides whose fingerprints differ, ascending.
	Changed []int64
	// Extra counts remote ids with no local counterpart. They are reported, never deleted.
	Extra int
}

// Work returns the ids to send: Missing and Changed merged in ascending order.
func (p Plan) Work() []int64 {
	if len(p.Changed) == 0 {
		return p.Missing
	}
	out := make([]int64, 0, len(p.Missing)+len(p.Changed))
	out = append(out, p.Missing...)
	out = append(out, p.Changed...)
	slices.Sort(out)
	return slices.Compact(out)
}

// UpToDate reports whether nothing needs to be sent.
func (p Plan) UpToDate() bool {
	return len(p.Missing) == 0 && len(p.Changed) == 0
}

// Diff compares local ids against a remote set. When localFingerprints and
// the remote set both carry fingerprints, differing records are reported as
// Changed.
func Diff(local []int64, localFingerprints map[int64]string, remote *RemoteSet) Plan {
	plan := Plan{
		Local:   len(local),
		Remote:  len(remote.IDs),
		Missing: Missing(local, remote.IDs),
		Extra:   len(Missing(remote.IDs, local)),
	}
	if localFingerprints == nil || remote.Fingerprints == nil {
		return plan
	}
	for id, fp := range remote.Fingerprints {
		if want, ok := localFingerprints[id]; ok && want != fp {
			plan.Changed = append(plan.Changed, id)
		}
	}
	slices.Sort(plan.Changed)
	return plan
}
