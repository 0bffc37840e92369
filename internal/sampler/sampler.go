// Package sampler takes readings at fixed wall-clock boundaries.
package sampler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"k8s.io/utils/clock"

	"github.com/stacklok/catalog-mirror/internal/model"
)

// NextBoundary returns the first instant after now that is an exact multiple
// of interval, counted in UTC. A now that sits on a boundary returns the
// following one.
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	return now.UTC().Truncate(interval).Add(interval)
}

// Sampler waits for boundaries and turns readings into samples
type Sampler struct {
	clock clock.Clock
}

// Option configures a Sampler
type Option func(*Sampler)

// WithClock sets the clock boundaries are computed and awaited on
func WithClock(c clock.Clock) Option {
	return func(s *Sampler) {
		s.clock = c
	}
}

// New creates a sampler on the real clock
func New(opts ...Option) *Sampler {
	s := &Sampler{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WaitForNextBoundary blocks until the next boundary and returns it. The
// returned time is the boundary itself, however late the wake-up was.
// Boundaries passed while nobody was waiting are not reported.
func (s *Sampler) WaitForNextBoundary(ctx context.Context, interval time.Duration) (time.Time, error) {
	if interval <= 0 {
		return time.Time{}, fmt.Errorf("sampling interval must be positive, got %s", interval)
	}
	boundary := NextBoundary(s.clock.Now(), interval)
	timer := s.clock.NewTimer(boundary.Sub(s.clock.Now()))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-timer.C():
		return boundary, nil
	}
}

// Sample returns one sample per entity with a reading, tagged with boundary.
// Sample ids derive from the subject and the boundary, so writing the same
// boundary twice is idempotent.
func (*Sampler) Sample(boundary time.Time, readings map[string]model.Fields) []model.Sample {
	ids := make([]string, 0, len(readings))
	for id, values := range readings {
		if id == "" || values == nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	boundary = boundary.UTC()
	out := make([]model.Sample, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Sample{
			ID:        SampleID(id, boundary),
			SubjectID: id,
			Boundary:  boundary,
			Values:    readings[id].Clone(),
		})
	}
	return out
}

// SampleID returns the id of the sample of subject at boundary
func SampleID(subject string, boundary time.Time) string {
	return subject + "@" + boundary.UTC().Format(time.RFC3339)
}
