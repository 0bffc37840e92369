// Package state persists the status of the recurring jobs.
package state

import (
	"context"
)

// StatusService provides methods for inspecting and updating job status.
//
//go:generate mockgen -destination=mocks/mock_status_service.go -package=mocks github.com/stacklok/catalog-mirror/internal/jobs/state StatusService
type StatusService interface {
	// Initialize creates a status for every job that has none. A job left
	// Running by a previous process is marked Failed.
	Initialize(ctx context.Context, jobs []string) error
	// ListStatuses lists all available job statuses.
	ListStatuses(ctx context.Context) (map[string]*JobStatus, error)
	// GetStatus returns the status of the named job.
	GetStatus(ctx context.Context, job string) (*JobStatus, error)
	// UpdateStatus overrides the status of the named job.
	UpdateStatus(ctx context.Context, job string, status *JobStatus) error
	// UpdateStatusAtomically fetches the status of the named job, applies
	// testAndUpdateFn and stores the result if the function reports a
	// change, all as one atomic action. It returns whether the status was
	// changed.
	UpdateStatusAtomically(
		ctx context.Context,
		job string,
		testAndUpdateFn func(status *JobStatus) bool,
	) (bool, error)
}
