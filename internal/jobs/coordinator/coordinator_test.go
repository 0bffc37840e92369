package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/catalog-mirror/internal/credential"
	"github.com/stacklok/catalog-mirror/internal/jobs"
	"github.com/stacklok/catalog-mirror/internal/jobs/mocks"
	"github.com/stacklok/catalog-mirror/internal/jobs/state"
	statemocks "github.com/stacklok/catalog-mirror/internal/jobs/state/mocks"
	"github.com/stacklok/catalog-mirror/internal/store/memory"
)

func newJob(ctrl *gomock.Controller, name string) *mocks.MockJob {
	job := mocks.NewMockJob(ctrl)
	job.EXPECT().Name().Return(name).AnyTimes()
	return job
}

func TestRunOnce_Success(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	statusSvc := state.NewStoreStatusService(memory.New())

	job := newJob(ctrl, jobs.NameCreationSync)
	job.EXPECT().Run(gomock.Any()).Return(&jobs.Result{Processed: 10, Changed: 2, Errored: 1}, nil)

	c := New(statusSvc, []Schedule{{Job: job, Interval: time.Minute}})
	res, err := c.RunOnce(ctx, jobs.NameCreationSync)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Processed)

	st, err := statusSvc.GetStatus(ctx, jobs.NameCreationSync)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseComplete, st.Phase)
	assert.Equal(t, "processed 10, changed 2, errored 1", st.Message)
	assert.Equal(t, 2, st.Changed)
	assert.Equal(t, 1, st.Errored)
	assert.Zero(t, st.AttemptCount)
	assert.NotNil(t, st.LastRun)
	assert.NotNil(t, st.LastSuccess)
}

func TestRunOnce_Failure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	statusSvc := state.NewStoreStatusService(memory.New())

	job := newJob(ctrl, jobs.NameChartDiff)
	jobErr := &jobs.Error{Err: assert.AnError, Message: "chart-diff: boom", Reason: jobs.ReasonFetchFailed}
	job.EXPECT().Run(gomock.Any()).Return(&jobs.Result{Processed: 1, Errored: 1}, jobErr).Times(2)

	c := New(statusSvc, []Schedule{{Job: job}})
	for range 2 {
		_, err := c.RunOnce(ctx, jobs.NameChartDiff)
		require.ErrorIs(t, err, assert.AnError)
	}

	st, err := statusSvc.GetStatus(ctx, jobs.NameChartDiff)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseFailed, st.Phase)
	assert.Equal(t, jobs.ReasonFetchFailed, st.Reason)
	assert.Equal(t, "chart-diff: boom", st.Message)
	assert.Equal(t, 2, st.AttemptCount)
	assert.Nil(t, st.LastSuccess)
}

func TestRunOnce_UnknownJob(t *testing.T) {
	t.Parallel()
	c := New(state.NewStoreStatusService(memory.New()), nil)
	_, err := c.RunOnce(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestStart_InitializeFailure(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	statusSvc := statemocks.NewMockStatusService(ctrl)
	statusSvc.EXPECT().Initialize(gomock.Any(), []string{jobs.NameSampler}).Return(assert.AnError)

	c := New(statusSvc, []Schedule{{Job: newJob(ctrl, jobs.NameSampler)}})
	err := c.Start(context.Background())
	require.ErrorIs(t, err, assert.AnError)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	statusSvc := state.NewStoreStatusService(memory.New())

	ran := make(chan struct{}, 100)
	job := newJob(ctrl, jobs.NameDiscoveryPoll)
	job.EXPECT().Run(gomock.Any()).DoAndReturn(func(context.Context) (*jobs.Result, *jobs.Error) {
		ran <- struct{}{}
		return &jobs.Result{}, nil
	}).MinTimes(2)

	c := New(statusSvc, []Schedule{{Job: job, Interval: 5 * time.Millisecond}}, WithJitter(0))
	started := make(chan error, 1)
	go func() {
		started <- c.Start(context.Background())
	}()

	for range 2 {
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatal("job did not run")
		}
	}
	require.NoError(t, c.Stop())
	require.NoError(t, <-started)
}

func TestStart_TerminalErrorStopsJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	statusSvc := state.NewStoreStatusService(memory.New())

	job := newJob(ctrl, jobs.NameCreatorSync)
	job.EXPECT().Run(gomock.Any()).Return(&jobs.Result{}, &jobs.Error{
		Err:     credential.ErrReauthorizationRequired,
		Message: "creator-sync: reauthorization required",
		Reason:  jobs.ReasonReauthorizationMissing,
	}).Times(1)

	c := New(statusSvc, []Schedule{{Job: job, Interval: time.Millisecond}})
	require.NoError(t, c.Start(ctx), "Start returns once every job stopped")

	st, err := statusSvc.GetStatus(ctx, jobs.NameCreatorSync)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseStopped, st.Phase)
	assert.Equal(t, jobs.ReasonReauthorizationMissing, st.Reason)
}

type alignedJob struct {
	*mocks.MockJob
	*mocks.MockBoundaryWaiter
}

func TestStart_BoundaryJobWaitsFirst(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	statusSvc := state.NewStoreStatusService(memory.New())

	job := alignedJob{MockJob: newJob(ctrl, jobs.NameSampler), MockBoundaryWaiter: mocks.NewMockBoundaryWaiter(ctrl)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		job.MockBoundaryWaiter.EXPECT().WaitForBoundary(gomock.Any()).Return(nil),
		job.MockJob.EXPECT().Run(gomock.Any()).Return(&jobs.Result{Processed: 3, Changed: 3}, nil),
		job.MockBoundaryWaiter.EXPECT().WaitForBoundary(gomock.Any()).DoAndReturn(func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}),
	)

	c := New(statusSvc, []Schedule{{Job: job}})
	require.NoError(t, c.Start(ctx))

	st, err := statusSvc.GetStatus(context.Background(), jobs.NameSampler)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Changed)
}

func TestNextInterval(t *testing.T) {
	t.Parallel()

	c := &defaultCoordinator{jitter: 0.1}
	for range 100 {
		d := c.nextInterval(10 * time.Minute)
		assert.GreaterOrEqual(t, d, 9*time.Minute)
		assert.Less(t, d, 11*time.Minute)
	}
	assert.InDelta(t, float64(DefaultInterval), float64(c.nextInterval(0)), float64(6*time.Second))

	c.jitter = 0
	assert.Equal(t, time.Minute, c.nextInterval(time.Minute))
}
