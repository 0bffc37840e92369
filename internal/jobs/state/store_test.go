package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/catalog-mirror/internal/store"
	"github.com/stacklok/catalog-mirror/internal/store/memory"
)

func TestStoreStatusService_Initialize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewStoreStatusService(memory.New())

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, svc.Initialize(ctx, []string{"a", "b"}))
	require.NoError(t, svc.UpdateStatus(ctx, "a", &JobStatus{Phase: PhaseRunning, LastRun: &now}))
	require.NoError(t, svc.UpdateStatus(ctx, "b", &JobStatus{Phase: PhaseComplete, Processed: 4}))

	// A restart finds "a" mid-cycle
	require.NoError(t, svc.Initialize(ctx, []string{"a", "b", "c"}))

	statuses, err := svc.ListStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.Equal(t, PhaseFailed, statuses["a"].Phase)
	assert.Equal(t, "Interrupted by a restart", statuses["a"].Message)
	require.NotNil(t, statuses["a"].LastRun)
	assert.True(t, now.Equal(*statuses["a"].LastRun))

	assert.Equal(t, PhaseComplete, statuses["b"].Phase)
	assert.Equal(t, 4, statuses["b"].Processed, "settled statuses are kept")

	assert.Equal(t, "c", statuses["c"].Job)
	assert.Equal(t, PhaseComplete, statuses["c"].Phase)
}

func TestStoreStatusService_GetStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewStoreStatusService(memory.New())

	_, err := svc.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, svc.UpdateStatus(ctx, "sampler", &JobStatus{Phase: PhaseFailed, Reason: "FetchFailed"}))
	st, err := svc.GetStatus(ctx, "sampler")
	require.NoError(t, err)
	assert.Equal(t, "sampler", st.Job)
	assert.Equal(t, "FetchFailed", st.Reason)
}

func TestStoreStatusService_UpdateStatusAtomically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewStoreStatusService(memory.New())
	require.NoError(t, svc.Initialize(ctx, []string{"job"}))

	changed, err := svc.UpdateStatusAtomically(ctx, "job", func(st *JobStatus) bool {
		if st.Phase == PhaseRunning {
			return false
		}
		st.Phase = PhaseRunning
		st.AttemptCount++
		return true
	})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.UpdateStatusAtomically(ctx, "job", func(st *JobStatus) bool {
		return st.Phase != PhaseRunning
	})
	require.NoError(t, err)
	assert.False(t, changed)

	st, err := svc.GetStatus(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, 1, st.AttemptCount)

	_, err = svc.UpdateStatusAtomically(ctx, "missing", func(*JobStatus) bool { return true })
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStoreStatusService_ListStatusesReportsUndecodableStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memory.New()
	svc := NewStoreStatusService(s)

	require.NoError(t, svc.UpdateStatus(ctx, "sampler", &JobStatus{Phase: PhaseComplete}))
	results, err := s.BulkUpsert(ctx, store.CollectionJobStatus, []store.Document{
		{ID: "broken", Data: []byte(`["not", "a", "status"]`)},
	})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	statuses, err := svc.ListStatuses(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Nil(t, statuses)
}
