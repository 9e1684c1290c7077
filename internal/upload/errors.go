package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Common errors returned by the uploader and remote targets.
var (
	// ErrTransient marks a failure worth retrying (timeout, 5xx, reset connection).
	ErrTransient = errors.New("transient remote error")

	// ErrPermanent marks a request the remote rejected as malformed. Never retried.
	ErrPermanent = errors.New("permanent remote error")

	// ErrConfiguration indicates a missing credential or invalid parameter.
	ErrConfiguration = errors.New("configuration error")

	// ErrInterrupted indicates the run was cancelled by the caller.
	ErrInterrupted = errors.New("upload interrupted")

	// ErrRetriesExhausted indicates a batch kept failing until the attempt limit.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// RemoteError is a failed call that carries an HTTP-style status code.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (status %d): %s", e.StatusCode, e.Message)
}

// HTTPStatusCode exposes the status to Classify.
func (e *RemoteError) HTTPStatusCode() int { return e.StatusCode }

type classifiedError struct {
	kind error
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() []error { return []error{e.kind, e.err} }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: ErrPermanent, err: err}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: ErrTransient, err: err}
}

// Configuration marks err as a configuration error.
func Configuration(format string, args ...any) error {
	return &classifiedError{kind: ErrConfiguration, err: fmt.Errorf(format, args...)}
}

// statusCoder is implemented by errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatusCode() int
}

// grpcStatuser is implemented by gRPC and gax API errors.
type grpcStatuser interface {
	GRPCStatus() *status.Status
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}

// IsTransient reports whether err is worth retrying. Unrecognised errors
// are treated as transient; the attempt limit still bounds them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrConfiguration) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return transientHTTPStatus(sc.HTTPStatusCode())
	}
	var gs grpcStatuser
	if errors.As(err, &gs) {
		return transientGRPCCode(gs.GRPCStatus().Code())
	}
	return true
}

func transientHTTPStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}

func transientGRPCCode(code codes.Code) bool {
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition,
		codes.OutOfRange, codes.Unimplemented:
		return false
	default:
		return true
	}
}

// FatalError reports a halted run: the batch that failed, how far the run
// got and the checkpoint to resume from.
type FatalError struct {
	BatchNumber      int
	FirstID          int64
	LastID           int64
	Attempts         int
	BatchesConfirmed int
	RecordsConfirmed int
	Checkpoint       string
	Err              error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("batch %d (ids %d-%d) failed after %d attempt(s); %d batch(es) confirmed: %v",
		e.BatchNumber, e.FirstID, e.LastID, e.Attempts, e.BatchesConfirmed, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
