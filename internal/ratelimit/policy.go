package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Policy selects how calls of an endpoint class are paced
type Policy string

const (
	// PolicyFixedDelay allows at most one call start per Interval, in
	// submission order, with no burst
	PolicyFixedDelay Policy = "fixed-delay"
	// PolicyStaggered allows up to MaxConcurrent calls in flight, each start
	// at least Stagger after the previous start
	PolicyStaggered Policy = "staggered"
	// PolicyUnbounded applies no delay; MaxConcurrent still caps the calls
	// in flight to protect this process
	PolicyUnbounded Policy = "unbounded"
)

const (
	// DefaultMaxConcurrent caps in-flight calls when a class sets no ceiling
	DefaultMaxConcurrent = 16
	// DefaultMaxRetries is the retry count used when a class sets none
	DefaultMaxRetries = 3
	// DefaultInitialBackoff is the first retry delay
	DefaultInitialBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff caps a single retry delay
	DefaultMaxBackoff = 30 * time.Second
)

// ClassConfig is the pacing and retry policy of one endpoint class
type ClassConfig struct {
	Policy        Policy
	Interval      time.Duration
	Stagger       time.Duration
	MaxConcurrent int
	// MaxRetries is the number of retries after the first attempt.
	// Nil uses DefaultMaxRetries; zero disables retries.
	MaxRetries     *int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Validate checks the class configuration
func (c ClassConfig) Validate() error {
	switch c.Policy {
	case PolicyFixedDelay:
		if c.Interval <= 0 {
			return fmt.Errorf("policy %s requires a positive interval", c.Policy)
		}
	case PolicyStaggered:
		if c.Stagger < 0 {
			return fmt.Errorf("policy %s requires a non-negative stagger", c.Policy)
		}
	case PolicyUnbounded:
	default:
		return fmt.Errorf("unknown policy %q", c.Policy)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("maxConcurrent must not be negative, got %d", c.MaxConcurrent)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative, got %d", *c.MaxRetries)
	}
	return nil
}

func (c ClassConfig) maxRetries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

func (c ClassConfig) maxConcurrent() int64 {
	if c.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return int64(c.MaxConcurrent)
}

// gate admits one call start. The returned release must be called once the
// call finished.
type gate interface {
	acquire(ctx context.Context) (release func(), err error)
}

func newGate(cfg ClassConfig) gate {
	switch cfg.Policy {
	case PolicyFixedDelay:
		return &fixedDelayGate{limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1)}
	case PolicyStaggered:
		g := &staggeredGate{sem: semaphore.NewWeighted(cfg.maxConcurrent())}
		if cfg.Stagger > 0 {
			g.limiter = rate.NewLimiter(rate.Every(cfg.Stagger), 1)
		}
		return g
	default:
		return &unboundedGate{sem: semaphore.NewWeighted(cfg.maxConcurrent())}
	}
}

// fixedDelayGate spaces call starts by the interval. Limiter reservations
// are taken in call order, so waiting callers are admitted FIFO.
type fixedDelayGate struct {
	limiter *rate.Limiter
}

func (g *fixedDelayGate) acquire(ctx context.Context) (func(), error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return func() {}, nil
}

// staggeredGate holds a concurrency slot and then waits for its start offset
type staggeredGate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func (g *staggeredGate) acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.sem.Release(1)
			return nil, err
		}
	}
	return func() { g.sem.Release(1) }, nil
}

type unboundedGate struct {
	sem *semaphore.Weighted
}

func (g *unboundedGate) acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}
