package app

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/catalog-mirror/internal/config"
	"github.com/stacklok/catalog-mirror/internal/jobs"
	"github.com/stacklok/catalog-mirror/internal/jobs/coordinator"
	"github.com/stacklok/catalog-mirror/internal/jobs/state"
	"github.com/stacklok/catalog-mirror/internal/store/memory"
	"github.com/stacklok/catalog-mirror/internal/telemetry"
)

// mockCoordinator implements the coordinator.Coordinator interface for testing
type mockCoordinator struct {
	mu          sync.Mutex
	startCalled bool
	stopCalled  bool
	ran         []string
	startErr    error
	stopErr     error
}

func (m *mockCoordinator) Start(ctx context.Context) error {
	m.mu.Lock()
	m.startCalled = true
	err := m.startErr
	m.mu.Unlock()

	<-ctx.Done()
	return err
}

func (m *mockCoordinator) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalled = true
	return m.stopErr
}

func (m *mockCoordinator) RunOnce(_ context.Context, name string) (*jobs.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ran = append(m.ran, name)
	return &jobs.Result{Processed: 1}, nil
}

func (m *mockCoordinator) wasStartCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalled
}

func (m *mockCoordinator) wasStopCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalled
}

// createTestApp creates a MirrorApp with a mocked coordinator. It builds the
// struct directly so no job or credential wiring is needed.
func createTestApp(t *testing.T, addr string) *MirrorApp {
	t.Helper()

	s := memory.New()
	cfg := &config.Config{Storage: config.StorageConfig{Type: config.StorageTypeMemory}}

	appCtx, cancel := context.WithCancel(context.Background())

	appCfg := &mirrorAppConfig{
		config:         cfg,
		store:          s,
		telemetry:      telemetry.Noop(),
		address:        addr,
		requestTimeout: 10 * time.Second,
		readTimeout:    10 * time.Second,
		writeTimeout:   15 * time.Second,
		idleTimeout:    60 * time.Second,
	}

	server, err := buildHTTPServer(appCfg, state.NewStoreStatusService(s), nil)
	require.NoError(t, err)

	return &MirrorApp{
		config: cfg,
		components: &AppComponents{
			Coordinator: &mockCoordinator{},
			Store:       s,
		},
		httpServer: server,
		ctx:        appCtx,
		cancelFunc: cancel,
	}
}

func coordinatorOf(app *MirrorApp) *mockCoordinator {
	return app.components.Coordinator.(*mockCoordinator)
}

func TestMirrorApp_StartWithListener(t *testing.T) {
	t.Parallel()

	app := createTestApp(t, ":0")

	// Reserve a free port, then release it for the server
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	actualAddr := listener.Addr().String()
	require.NoError(t, listener.Close())
	app.httpServer.Addr = actualAddr

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start()
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + actualAddr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	assert.Eventually(t, coordinatorOf(app).wasStartCalled, time.Second, 10*time.Millisecond,
		"job coordinator should be started")

	require.NoError(t, app.Stop(5*time.Second))

	select {
	case startErr := <-errChan:
		require.NoError(t, startErr)
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}
}

func TestMirrorApp_Stop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		timeout time.Duration
		start   bool
	}{
		{name: "graceful shutdown with normal timeout", timeout: 5 * time.Second, start: true},
		{name: "graceful shutdown with short timeout", timeout: time.Second, start: true},
		{name: "stop without starting first", timeout: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := createTestApp(t, "127.0.0.1:0")

			if tt.start {
				errChan := make(chan error, 1)
				go func() {
					errChan <- app.Start()
				}()
				time.Sleep(100 * time.Millisecond)
			}

			require.NoError(t, app.Stop(tt.timeout))
			assert.True(t, coordinatorOf(app).wasStopCalled(), "job coordinator Stop should be called")
			assert.ErrorIs(t, app.ctx.Err(), context.Canceled)
		})
	}
}

func TestMirrorApp_StopIdempotent(t *testing.T) {
	t.Parallel()

	app := createTestApp(t, "127.0.0.1:0")

	require.NoError(t, app.Stop(5*time.Second))
	assert.NotPanics(t, func() {
		_ = app.Stop(5 * time.Second)
	})
}

func TestMirrorApp_StopWithNilCancelFunc(t *testing.T) {
	t.Parallel()

	app := createTestApp(t, ":0")
	app.cancelFunc = nil

	require.NoError(t, app.Stop(5*time.Second))
}

func TestMirrorApp_RunOnce(t *testing.T) {
	t.Parallel()

	app := createTestApp(t, ":0")

	res, err := app.RunOnce(context.Background(), jobs.NameSampler)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{jobs.NameSampler}, coordinatorOf(app).ran)
}

func TestMirrorApp_Getters(t *testing.T) {
	t.Parallel()

	app := createTestApp(t, ":8080")

	require.NotNil(t, app.GetConfig())
	assert.Equal(t, config.StorageTypeMemory, app.GetConfig().Storage.Type)
	require.NotNil(t, app.GetHTTPServer())
	assert.Equal(t, ":8080", app.GetHTTPServer().Addr)
}

func TestMirrorApp_StartError_AddressInUse(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	app := createTestApp(t, listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start()
	}()

	select {
	case startErr := <-errChan:
		require.Error(t, startErr)
		assert.Contains(t, startErr.Error(), "HTTP server failed")
	case <-time.After(5 * time.Second):
		_ = app.Stop(time.Second)
		t.Fatal("Expected Start() to fail due to port in use")
	}
	_ = app.Stop(time.Second)
}

// Verify that Coordinator interface is properly defined
var _ coordinator.Coordinator = (*mockCoordinator)(nil)
