// Package coordinator runs the recurring jobs, each in its own loop, and
// records their status.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/stacklok/catalog-mirror/internal/jobs"
	"github.com/stacklok/catalog-mirror/internal/jobs/state"
	"github.com/stacklok/catalog-mirror/internal/telemetry"
)

const (
	// DefaultInterval is used for jobs configured without an interval
	DefaultInterval = time.Minute
	// defaultJitter is the maximum relative offset applied to an interval
	defaultJitter = 0.1
)

// ErrUnknownJob is returned by RunOnce for a job that is not scheduled
var ErrUnknownJob = errors.New("unknown job")

// Coordinator manages the scheduling and execution of the jobs
type Coordinator interface {
	// Start begins running every job.
	// Blocks until context is cancelled or every job stopped.
	Start(ctx context.Context) error

	// Stop gracefully stops the coordinator and all job loops
	Stop() error

	// RunOnce runs one cycle of the named job and records its status
	RunOnce(ctx context.Context, name string) (*jobs.Result, error)
}

// Schedule binds a job to its interval. Jobs that implement
// jobs.BoundaryWaiter ignore the interval and run at their boundaries.
type Schedule struct {
	Job      jobs.Job
	Interval time.Duration
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	schedules []Schedule
	statusSvc state.StatusService
	jitter    float64

	// Lifecycle management
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}

	metrics *telemetry.JobMetrics
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithJobMetrics sets the job metrics for the coordinator
func WithJobMetrics(metrics *telemetry.JobMetrics) Option {
	return func(c *defaultCoordinator) {
		c.metrics = metrics
	}
}

// WithJitter sets the maximum relative offset applied to job intervals.
// 0.1 spreads a 10 minute interval over 9 to 11 minutes.
func WithJitter(fraction float64) Option {
	return func(c *defaultCoordinator) {
		c.jitter = fraction
	}
}

// New creates a new coordinator with injected dependencies
func New(statusSvc state.StatusService, schedules []Schedule, opts ...Option) Coordinator {
	c := &defaultCoordinator{
		schedules: schedules,
		statusSvc: statusSvc,
		jitter:    defaultJitter,
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// nextInterval returns the interval with a random jitter applied, so jobs
// sharing an interval do not hit the remote APIs in lockstep.
func (c *defaultCoordinator) nextInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxOffset := time.Duration(float64(interval) * c.jitter)
	if maxOffset <= 0 {
		return interval
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for jitter
	offset := time.Duration(rand.Int64N(int64(2*maxOffset))) - maxOffset
	return interval + offset
}

func (c *defaultCoordinator) names() []string {
	names := make([]string, len(c.schedules))
	for i, s := range c.schedules {
		names[i] = s.Job.Name()
	}
	return names
}

// Start begins running every job
func (c *defaultCoordinator) Start(ctx context.Context) error {
	slog.Info("Starting job coordinator", "job_count", len(c.schedules))

	coordCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		close(c.done)
		slog.Info("Job coordinator shutting down")
	}()

	if err := c.statusSvc.Initialize(ctx, c.names()); err != nil {
		return fmt.Errorf("failed to initialize job status: %w", err)
	}

	var wg sync.WaitGroup
	for _, s := range c.schedules {
		wg.Go(func() {
			c.loop(coordCtx, s)
		})
	}
	wg.Wait()
	return nil
}

// Stop gracefully stops the coordinator
func (c *defaultCoordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping job coordinator")
		cancel()
		// Wait for every job loop to finish
		<-c.done
	}
	return nil
}

// RunOnce runs one cycle of the named job
func (c *defaultCoordinator) RunOnce(ctx context.Context, name string) (*jobs.Result, error) {
	for _, s := range c.schedules {
		if s.Job.Name() != name {
			continue
		}
		if err := c.statusSvc.Initialize(ctx, []string{name}); err != nil {
			return nil, fmt.Errorf("failed to initialize job status: %w", err)
		}
		res, jobErr := c.runJob(ctx, s.Job)
		if jobErr != nil {
			return res, jobErr
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// loop runs one job until the context is cancelled or the job fails in a
// way it cannot recover from
func (c *defaultCoordinator) loop(ctx context.Context, s Schedule) {
	name := s.Job.Name()
	waiter, aligned := s.Job.(jobs.BoundaryWaiter)
	if aligned {
		slog.Info("Job runs at clock boundaries", "job", name)
	} else {
		slog.Info("Configured job interval", "job", name, "interval", s.Interval)
	}

	for {
		if aligned {
			if err := waiter.WaitForBoundary(ctx); err != nil {
				if ctx.Err() == nil {
					slog.Error("Failed to wait for boundary, stopping job", "job", name, "error", err)
				}
				return
			}
		}

		_, jobErr := c.runJob(ctx, s.Job)
		if ctx.Err() != nil {
			return
		}
		if jobErr.Terminal() {
			slog.Error("Job stopped, operator action required", "job", name, "reason", jobErr.Reason)
			return
		}

		if !aligned {
			timer := time.NewTimer(c.nextInterval(s.Interval))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// runJob executes one cycle and records its status
func (c *defaultCoordinator) runJob(ctx context.Context, job jobs.Job) (*jobs.Result, *jobs.Error) {
	name := job.Name()
	startTime := time.Now()

	// Status writes outlive a shutdown so the final phase is recorded
	statusCtx := context.WithoutCancel(ctx)

	var attempt int
	_, err := c.statusSvc.UpdateStatusAtomically(statusCtx, name, func(st *state.JobStatus) bool {
		st.Phase = state.PhaseRunning
		st.Message = "Cycle in progress"
		st.Reason = ""
		st.LastRun = &startTime
		st.AttemptCount++
		attempt = st.AttemptCount
		return true
	})
	if err != nil {
		slog.Warn("Failed to persist running status", "job", name, "error", err)
	}

	slog.Info("Starting job cycle", "job", name, "attempt", attempt)

	result, jobErr := job.Run(ctx)
	if result == nil {
		result = &jobs.Result{}
	}
	duration := time.Since(startTime)
	c.metrics.RecordCycle(ctx, name, duration,
		int64(result.Processed), int64(result.Changed), int64(result.Errored), jobErr == nil)

	now := time.Now()
	_, err = c.statusSvc.UpdateStatusAtomically(statusCtx, name, func(st *state.JobStatus) bool {
		st.Processed = result.Processed
		st.Changed = result.Changed
		st.Errored = result.Errored
		switch {
		case jobErr == nil:
			st.Phase = state.PhaseComplete
			st.Message = result.String()
			st.Reason = ""
			st.LastSuccess = &now
			st.AttemptCount = 0
		case jobErr.Terminal() || jobErr.Reason == jobs.ReasonCancelled:
			st.Phase = state.PhaseStopped
			st.Message = jobErr.Message
			st.Reason = jobErr.Reason
		default:
			st.Phase = state.PhaseFailed
			st.Message = jobErr.Message
			st.Reason = jobErr.Reason
		}
		return true
	})
	if err != nil {
		slog.Error("Error updating job status", "job", name, "error", err)
	}

	switch {
	case jobErr == nil:
		slog.Info("Job cycle complete",
			"job", name,
			"processed", result.Processed,
			"changed", result.Changed,
			"errored", result.Errored,
			"duration", duration)
	case jobErr.Reason == jobs.ReasonCancelled:
		slog.Info("Job cycle cancelled", "job", name, "processed", result.Processed)
	default:
		slog.Error("Job cycle failed",
			"job", name,
			"reason", jobErr.Reason,
			"processed", result.Processed,
			"errored", result.Errored,
			"error", jobErr.Message)
	}
	return result, jobErr
}
