// Package failure classifies errors into the kinds the jobs act on:
// transient errors are retried, permanent errors are skipped per item and
// fatal errors stop the job that hit them.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind is the classification of an error
type Kind int

const (
	// KindTransient covers timeouts, remote throttling and temporary store
	// unavailability. The call site that produced it retries with backoff.
	KindTransient Kind = iota
	// KindPermanent covers per-item failures such as malformed records or a
	// missing identity. They are logged, counted and skipped.
	KindPermanent
	// KindFatal stops the job that observed it.
	KindFatal
)

// String returns the kind name used in logs
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error wraps an error with its classification.
type Error struct {
	Kind Kind
	Err  error
	// RetryAfter is a remote hint for the earliest retry. Zero means no hint.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " failure"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as transient. A nil err stays nil.
func Transient(err error) error {
	return wrap(KindTransient, err)
}

// TransientAfter marks err as transient with a retry hint.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err, RetryAfter: after}
}

// Permanent marks err as permanent for the item it concerns.
func Permanent(err error) error {
	return wrap(KindPermanent, err)
}

// Fatal marks err as fatal for the calling job.
func Fatal(err error) error {
	return wrap(KindFatal, err)
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the classification of err. The outermost classified error
// in the chain wins. Unclassified errors are treated as transient, except
// context cancellation which is fatal because the job is shutting down.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindTransient
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsPermanent reports whether err concerns a single item only
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}

// IsFatal reports whether err must stop the calling job
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
