package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/catalog-mirror/internal/failure"
)

func intPtr(i int) *int {
	return &i
}

func newTestScheduler(t *testing.T, classes map[string]ClassConfig) *Scheduler {
	t.Helper()
	s, err := NewScheduler(classes)
	require.NoError(t, err)
	return s
}

func TestNewScheduler_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  ClassConfig
	}{
		{name: "fixed delay without interval", cfg: ClassConfig{Policy: PolicyFixedDelay}},
		{name: "unknown policy", cfg: ClassConfig{Policy: "burst"}},
		{name: "negative stagger", cfg: ClassConfig{Policy: PolicyStaggered, Stagger: -time.Second}},
		{name: "negative concurrency", cfg: ClassConfig{Policy: PolicyUnbounded, MaxConcurrent: -1}},
		{name: "negative retries", cfg: ClassConfig{Policy: PolicyUnbounded, MaxRetries: intPtr(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewScheduler(map[string]ClassConfig{"c": tt.cfg})
			assert.Error(t, err)
		})
	}

	_, err := NewScheduler(map[string]ClassConfig{"": {Policy: PolicyUnbounded}})
	assert.Error(t, err)
}

func TestScheduler_FixedDelayLowerBound(t *testing.T) {
	t.Parallel()

	const (
		units    = 10
		interval = 20 * time.Millisecond
	)
	s := newTestScheduler(t, map[string]ClassConfig{
		"creations": {Policy: PolicyFixedDelay, Interval: interval},
	})

	var (
		mu    sync.Mutex
		order []int
	)
	start := time.Now()
	for i := range units {
		err := s.Schedule(context.Background(), "creations", func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, (units-1)*interval, "nine gaps between ten calls")
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestScheduler_FixedDelayConcurrentSubmitters(t *testing.T) {
	t.Parallel()

	const interval = 20 * time.Millisecond
	s := newTestScheduler(t, map[string]ClassConfig{
		"creations": {Policy: PolicyFixedDelay, Interval: interval},
	})

	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Schedule(context.Background(), "creations", func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			}))
		}()
	}
	wg.Wait()

	require.Len(t, starts, 5)
	first, last := starts[0], starts[0]
	for _, ts := range starts {
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), 4*interval-2*time.Millisecond)
}

func TestScheduler_ConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	for _, policy := range []Policy{PolicyStaggered, PolicyUnbounded} {
		t.Run(string(policy), func(t *testing.T) {
			t.Parallel()

			s := newTestScheduler(t, map[string]ClassConfig{
				"discovery": {Policy: policy, MaxConcurrent: 2, Stagger: time.Millisecond},
			})

			var inFlight, peak atomic.Int32
			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, s.Schedule(context.Background(), "discovery", func(context.Context) error {
						n := inFlight.Add(1)
						for {
							p := peak.Load()
							if n <= p || peak.CompareAndSwap(p, n) {
								break
							}
						}
						time.Sleep(20 * time.Millisecond)
						inFlight.Add(-1)
						return nil
					}))
				}()
			}
			wg.Wait()

			assert.LessOrEqual(t, peak.Load(), int32(2))
			assert.GreaterOrEqual(t, peak.Load(), int32(1))
		})
	}
}

func TestScheduler_StaggeredSpacing(t *testing.T) {
	t.Parallel()

	const stagger = 15 * time.Millisecond
	s := newTestScheduler(t, map[string]ClassConfig{
		"charts": {Policy: PolicyStaggered, MaxConcurrent: 4, Stagger: stagger},
	})

	start := time.Now()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Schedule(context.Background(), "charts", func(context.Context) error { return nil }))
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 3*stagger)
}

func TestScheduler_Retries(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")

	tests := []struct {
		name         string
		maxRetries   *int
		failures     int
		kind         func(error) error
		wantAttempts int32
		wantErr      bool
	}{
		{
			name:         "transient failures are retried until success",
			failures:     2,
			kind:         failure.Transient,
			wantAttempts: 3,
		},
		{
			name:         "retries run out",
			maxRetries:   intPtr(2),
			failures:     10,
			kind:         failure.Transient,
			wantAttempts: 3,
			wantErr:      true,
		},
		{
			name:         "permanent failures are not retried",
			failures:     10,
			kind:         failure.Permanent,
			wantAttempts: 1,
			wantErr:      true,
		},
		{
			name:         "fatal failures are not retried",
			failures:     10,
			kind:         failure.Fatal,
			wantAttempts: 1,
			wantErr:      true,
		},
		{
			name:         "zero retries",
			maxRetries:   intPtr(0),
			failures:     1,
			kind:         failure.Transient,
			wantAttempts: 1,
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newTestScheduler(t, map[string]ClassConfig{
				"creators": {
					Policy:         PolicyUnbounded,
					MaxRetries:     tt.maxRetries,
					InitialBackoff: time.Millisecond,
					MaxBackoff:     5 * time.Millisecond,
				},
			})

			var attempts atomic.Int32
			err := s.Schedule(context.Background(), "creators", func(context.Context) error {
				if int(attempts.Add(1)) <= tt.failures {
					return tt.kind(errBoom)
				}
				return nil
			})

			assert.Equal(t, tt.wantAttempts, attempts.Load())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errBoom, "the last failure is surfaced")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduler_RetryAfter(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, map[string]ClassConfig{
		"creations": {Policy: PolicyUnbounded, InitialBackoff: time.Millisecond},
	})

	const hint = 60 * time.Millisecond
	var attempts atomic.Int32
	start := time.Now()
	err := s.Schedule(context.Background(), "creations", func(context.Context) error {
		if attempts.Add(1) == 1 {
			return failure.TransientAfter(errors.New("429"), hint)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.GreaterOrEqual(t, time.Since(start), hint)
}

func TestScheduler_RetryAfterExhaustedKeepsFailure(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, map[string]ClassConfig{
		"creations": {Policy: PolicyUnbounded, MaxRetries: intPtr(1)},
	})

	errThrottled := errors.New("throttled")
	err := s.Schedule(context.Background(), "creations", func(context.Context) error {
		return failure.TransientAfter(errThrottled, time.Millisecond)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errThrottled)
	assert.True(t, failure.IsTransient(err))
	assert.Equal(t, "throttled", err.Error())
}

func TestScheduler_UnknownClass(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, nil)
	err := s.Schedule(context.Background(), "nope", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownClass)
	assert.True(t, failure.IsFatal(err))
}

func TestScheduler_ContextCancelled(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, map[string]ClassConfig{
		"creations": {Policy: PolicyFixedDelay, Interval: time.Hour},
	})
	// Consume the single burst token
	require.NoError(t, s.Schedule(context.Background(), "creations", func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := s.Schedule(ctx, "creations", func(context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestDo(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, map[string]ClassConfig{"discovery": {Policy: PolicyUnbounded}})

	got, err := Do(context.Background(), s, "discovery", func(context.Context) ([]string, error) {
		return []string{"a", "b"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	_, err = Do(context.Background(), s, "discovery", func(context.Context) (int, error) {
		return 0, failure.Permanent(errors.New("bad"))
	})
	assert.True(t, failure.IsPermanent(err))

	assert.Equal(t, []string{"discovery"}, s.Classes())
}
