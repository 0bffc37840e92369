package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stacklok/catalog-mirror/internal/store"
	"github.com/stacklok/catalog-mirror/internal/walker"
)

// ErrJobNotFound is returned when a job has no status.
var ErrJobNotFound = errors.New("job not found")

type storeStatusService struct {
	store store.Store
	// One process owns the statuses; the mutex makes read-modify-write
	// updates atomic within it.
	mu sync.Mutex
}

// NewStoreStatusService creates a status service backed by the job_status
// collection
func NewStoreStatusService(s store.Store) StatusService {
	return &storeStatusService{store: s}
}

func (s *storeStatusService) Initialize(ctx context.Context, jobs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		st, err := s.get(ctx, job)
		if errors.Is(err, ErrJobNotFound) {
			st = &JobStatus{Job: job, Phase: PhaseComplete, Message: "No cycle run yet"}
		} else if err != nil {
			return err
		} else if st.Phase == PhaseRunning {
			st.Phase = PhaseFailed
			st.Message = "Interrupted by a restart"
		} else {
			continue
		}
		if err := s.put(ctx, job, st); err != nil {
			return err
		}
	}
	return nil
}

func (s *storeStatusService) ListStatuses(ctx context.Context) (map[string]*JobStatus, error) {
	out := make(map[string]*JobStatus)
	res, err := walker.New(s.store).ForEachPage(ctx, store.CollectionJobStatus, 0, func(_ context.Context, page []store.Document) error {
		for _, doc := range page {
			var st JobStatus
			if err := doc.Decode(&st); err != nil {
				return err
			}
			out[doc.ID] = &st
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list job statuses: %w", err)
	}
	if res.Err != nil {
		return nil, fmt.Errorf("failed to decode job statuses: %w", res.Err)
	}
	return out, nil
}

func (s *storeStatusService) GetStatus(ctx context.Context, job string) (*JobStatus, error) {
	return s.get(ctx, job)
}

func (s *storeStatusService) UpdateStatus(ctx context.Context, job string, status *JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, job, status)
}

func (s *storeStatusService) UpdateStatusAtomically(
	ctx context.Context,
	job string,
	testAndUpdateFn func(status *JobStatus) bool,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.get(ctx, job)
	if err != nil {
		return false, err
	}
	if !testAndUpdateFn(st) {
		return false, nil
	}
	if err := s.put(ctx, job, st); err != nil {
		return false, err
	}
	return true, nil
}

func (s *storeStatusService) get(ctx context.Context, job string) (*JobStatus, error) {
	doc, err := s.store.Get(ctx, store.CollectionJobStatus, job)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, job)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status of %s: %w", job, err)
	}
	var st JobStatus
	if err := doc.Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *storeStatusService) put(ctx context.Context, job string, st *JobStatus) error {
	st.Job = job
	doc, err := store.NewDocument(job, st)
	if err != nil {
		return err
	}
	results, err := s.store.BulkUpsert(ctx, store.CollectionJobStatus, []store.Document{doc})
	if err != nil {
		return fmt.Errorf("failed to save status of %s: %w", job, err)
	}
	if failed := store.Failed(results); len(failed) > 0 {
		return fmt.Errorf("failed to save status of %s: %w", job, failed[0].Err)
	}
	return nil
}
