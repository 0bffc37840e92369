package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/catalog-mirror/internal/api"
	"github.com/stacklok/catalog-mirror/internal/credential"
	"github.com/stacklok/catalog-mirror/internal/jobs/state/mocks"
	"github.com/stacklok/catalog-mirror/internal/store/memory"
)

type healthyCredential struct{}

func (healthyCredential) Status() credential.Status {
	return credential.Status{State: credential.StateHealthy}
}

func TestNewServer(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	var seen []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("catalog_mirror_up 1\n"))
	})

	server := api.NewServer(memory.New(), mocks.NewMockStatusService(ctrl), healthyCredential{},
		api.WithMiddlewares(mw, api.LoggingMiddleware),
		api.WithMetricsHandler(metrics))

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{path: "/health", wantStatus: http.StatusOK, wantBody: "healthy"},
		{path: "/readiness", wantStatus: http.StatusOK, wantBody: "ready"},
		{path: "/metrics", wantStatus: http.StatusOK, wantBody: "catalog_mirror_up"},
		{path: "/stats/samples", wantStatus: http.StatusOK, wantBody: `"count":0`},
		{path: "/unknown", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(http.MethodGet, tt.path, nil)
		require.NoError(t, err)
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)

		assert.Equal(t, tt.wantStatus, rr.Code, tt.path)
		assert.Contains(t, rr.Body.String(), tt.wantBody, tt.path)
	}
	assert.Len(t, seen, len(tests))
}

func TestNewServer_WithoutMetrics(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	server := api.NewServer(memory.New(), mocks.NewMockStatusService(ctrl), nil)
	req, err := http.NewRequest(http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
