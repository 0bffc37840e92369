// Package ratelimit schedules outbound calls under per-endpoint-class
// throughput policies and retries transient failures with backoff.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/catalog-mirror/internal/failure"
	"github.com/stacklok/catalog-mirror/internal/telemetry"
)

// ErrUnknownClass is returned when work is scheduled on an unconfigured class
var ErrUnknownClass = errors.New("unknown endpoint class")

// Work is one unit of outbound work. It may be invoked more than once when
// retried.
type Work func(ctx context.Context) error

// Scheduler runs work under the policy of its endpoint class
type Scheduler struct {
	classes map[string]*class
	metrics *telemetry.SchedulerMetrics
}

type class struct {
	name string
	cfg  ClassConfig
	gate gate

	// A Retry-After answer pauses the whole class, not just the caller
	mu        sync.Mutex
	coolUntil time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithMetrics records calls, retries and waits
func WithMetrics(m *telemetry.SchedulerMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// NewScheduler creates a scheduler for the given endpoint classes
func NewScheduler(classes map[string]ClassConfig, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{classes: make(map[string]*class, len(classes))}
	for name, cfg := range classes {
		if name == "" {
			return nil, fmt.Errorf("endpoint class name is required")
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint class %s: %w", name, err)
		}
		s.classes[name] = &class{name: name, cfg: cfg, gate: newGate(cfg)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Classes returns the configured class names in sorted order
func (s *Scheduler) Classes() []string {
	names := make([]string, 0, len(s.classes))
	for name := range s.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schedule runs work under the policy of className. Transient failures are
// retried with exponential backoff, each attempt re-entering the class
// policy. Permanent and fatal failures return at once. When retries run
// out the last failure is returned.
func (s *Scheduler) Schedule(ctx context.Context, className string, work Work) error {
	c, ok := s.classes[className]
	if !ok {
		return failure.Fatal(fmt.Errorf("%w %q", ErrUnknownClass, className))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = orDefault(c.cfg.InitialBackoff, DefaultInitialBackoff)
	b.MaxInterval = orDefault(c.cfg.MaxBackoff, DefaultMaxBackoff)

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		if err := c.waitCooldown(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		start := time.Now()
		release, err := c.gate.acquire(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		s.metrics.RecordWait(ctx, c.name, time.Since(start))

		err = work(ctx)
		release()

		if err == nil {
			s.metrics.RecordCall(ctx, c.name, "ok")
			return struct{}{}, nil
		}
		kind := failure.KindOf(err)
		s.metrics.RecordCall(ctx, c.name, kind.String())
		if kind != failure.KindTransient || ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if after := failure.RetryAfterOf(err); after > 0 {
			c.cooldown(after)
			return struct{}{}, retryAfter(err, after)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.maxRetries())+1), // #nosec G115 -- validated non-negative
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.metrics.RecordRetry(ctx, c.name)
			slog.Debug("Retrying call",
				"class", c.name,
				"attempt", attempts,
				"next", next,
				"error", err)
		}),
	)
	if err != nil && attempts > 1 && failure.IsTransient(err) {
		slog.Warn("Call failed after retries", "class", c.name, "attempts", attempts, "error", err)
	}
	return err
}

// Do runs fn under the policy of className and returns its value
func Do[T any](ctx context.Context, s *Scheduler, className string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.Schedule(ctx, className, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *class) cooldown(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until := time.Now().Add(d); until.After(c.coolUntil) {
		c.coolUntil = until
	}
}

func (c *class) waitCooldown(ctx context.Context) error {
	c.mu.Lock()
	until := c.coolUntil
	c.mu.Unlock()

	d := time.Until(until)
	if d <= 0 {
		return nil
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

// retryAfterError carries the original failure and the backoff override.
// backoff finds the override with errors.As; callers still see the failure.
type retryAfterError struct {
	err   error
	after *backoff.RetryAfterError
}

func retryAfter(err error, d time.Duration) error {
	return &retryAfterError{err: err, after: &backoff.RetryAfterError{Duration: d}}
}

func (e *retryAfterError) Error() string {
	return e.err.Error()
}

func (e *retryAfterError) Unwrap() []error {
	return []error{e.err, e.after}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
