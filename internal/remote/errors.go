package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a remote failure so the connection manager can decide
// between retry, honoring a server wait, or immediate propagation.
type ErrorKind int

const (
	// KindTransient covers network blips and timeouts; retried with backoff.
	KindTransient ErrorKind = iota
	// KindRateLimited means the server explicitly requested a wait.
	KindRateLimited
	// KindFatal covers permanent failures (access denied, entity gone);
	// never retried.
	KindFatal
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a structured error returned from remote operations. It carries
// the classified kind and, for rate limits, the server-specified wait.
type Error struct {
	// Kind is the classified failure kind.
	Kind ErrorKind
	// RetryAfter is the server-specified wait for KindRateLimited.
	RetryAfter time.Duration
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("remote %s error", e.Kind)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable transient failure.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// RateLimited wraps err as a server-requested wait of at least retryAfter.
func RateLimited(retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// Fatal wraps err as a permanent, non-retryable failure.
func Fatal(err error) *Error {
	return &Error{Kind: KindFatal, Err: err}
}

// Classify returns the error kind for any error. Unclassified errors are
// treated as transient so an unknown blip gets the benefit of a retry;
// context cancellation is fatal since retrying a canceled call cannot help.
func Classify(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}
	return KindTransient
}

// RetryAfterOf returns the server-specified wait if err carries one.
func RetryAfterOf(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}
