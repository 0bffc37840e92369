// Package jobs contains the recurring jobs of the mirror.
//
// There are five of them: the creation and creator syncs walk the mirrored
// store and refresh every record, the discovery poll inserts what the
// discovery surface shows, the chart differ turns ranked lists into
// positional events and the sampler records readings at fixed clock
// boundaries. Each job runs one cycle per Run call; scheduling the cycles
// is the coordinator's business.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/stacklok/catalog-mirror/internal/credential"
	"github.com/stacklok/catalog-mirror/internal/failure"
)

//go:generate mockgen -destination=mocks/mock_job.go -package=mocks -source=job.go Job,BoundaryWaiter

// Job names
const (
	NameCreationSync  = "creation-sync"
	NameCreatorSync   = "creator-sync"
	NameDiscoveryPoll = "discovery-poll"
	NameChartDiff     = "chart-diff"
	NameSampler       = "sampler"
)

// Names lists every job name
func Names() []string {
	return []string{NameCreationSync, NameCreatorSync, NameDiscoveryPoll, NameChartDiff, NameSampler}
}

// Failure reasons
const (
	ReasonCredentialExpired      = "CredentialExpired"
	ReasonReauthorizationMissing = "ReauthorizationRequired"
	ReasonFetchFailed            = "FetchFailed"
	ReasonStorageFailed          = "StorageFailed"
	ReasonCancelled              = "Cancelled"
)

// DefaultShutdownTimeout bounds how long in-flight work may run after the
// job was asked to stop
const DefaultShutdownTimeout = 30 * time.Second

// Result summarises one cycle of a job
type Result struct {
	Processed int
	Changed   int
	Errored   int
}

func (r *Result) add(processed, changed, errored int) {
	r.Processed += processed
	r.Changed += changed
	r.Errored += errored
}

// String returns the cycle summary used in logs and job status
func (r *Result) String() string {
	return fmt.Sprintf("processed %d, changed %d, errored %d", r.Processed, r.Changed, r.Errored)
}

// Error is a failure that ended a job cycle
type Error struct {
	Err     error
	Message string
	Reason  string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Terminal reports whether the job cannot recover without an operator
func (e *Error) Terminal() bool {
	return e != nil && e.Reason == ReasonReauthorizationMissing
}

// Job is one recurring job
type Job interface {
	// Name returns the job name
	Name() string
	// Run performs one cycle. Per-item failures are counted in the result;
	// the error is reserved for failures that ended the cycle.
	Run(ctx context.Context) (*Result, *Error)
}

// BoundaryWaiter is implemented by jobs that run at clock boundaries
// instead of at a jittered interval
type BoundaryWaiter interface {
	// WaitForBoundary blocks until the job is due
	WaitForBoundary(ctx context.Context) error
}

// newError classifies the error that ended a cycle
func newError(job string, err error, fallbackReason string) *Error {
	reason := fallbackReason
	switch {
	case errors.Is(err, credential.ErrReauthorizationRequired):
		reason = ReasonReauthorizationMissing
	case errors.Is(err, credential.ErrCredentialExpired):
		reason = ReasonCredentialExpired
	case errors.Is(err, context.Canceled):
		reason = ReasonCancelled
	}
	return &Error{
		Err:     err,
		Message: fmt.Sprintf("%s: %v", job, err),
		Reason:  reason,
	}
}

// graceful returns a context for in-flight work. It outlives ctx by at most
// grace, so an item being processed when ctx is cancelled may finish.
func graceful(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(grace, cancel)
	})
	return work, func() {
		stop()
		cancel()
	}
}

// fatal returns the first error in errs that must end the cycle
func fatal(errs ...error) error {
	for _, err := range errs {
		if failure.IsFatal(err) {
			return err
		}
	}
	return nil
}

// options shared by every job
type options struct {
	pageSize          int
	parallelism       int
	shutdownTimeout   time.Duration
	suppressColdStart bool
	clock             clock.Clock
}

// Option configures a job
type Option func(*options)

// WithPageSize sets the number of records handled per page
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithParallelism caps the number of concurrent fetches of one page. The
// endpoint class still applies its own ceiling.
func WithParallelism(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithShutdownTimeout sets how long in-flight work may run after stop
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithSuppressColdStart drops the chart events of the first snapshot of a
// scope
func WithSuppressColdStart(suppress bool) Option {
	return func(o *options) {
		o.suppressColdStart = suppress
	}
}

// WithClock sets the clock used for timestamps and boundaries
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func newOptions(opts []Option) options {
	o := options{
		pageSize:        100,
		parallelism:     8,
		shutdownTimeout: DefaultShutdownTimeout,
		clock:           clock.RealClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
