package common

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorResponse(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteErrorResponse(rr, "boom", http.StatusBadGateway)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "boom", body.Error)
}

func TestPathParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr string
	}{
		{name: "plain", path: "/items/creations", want: "creations"},
		{name: "encoded", path: "/items/chart%5Fevents", want: "chart_events"},
		{name: "whitespace", path: "/items/a%20b", wantErr: "cannot contain whitespace"},
		{name: "blank", path: "/items/%20", wantErr: "cannot be empty"},
		{name: "bad encoding", path: "/items/%zz", wantErr: "invalid URL encoding"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var (
				got string
				err error
			)
			r := chi.NewRouter()
			r.Get("/items/{name}", func(_ http.ResponseWriter, req *http.Request) {
				got, err = PathParam(req, "name")
			})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.URL.RawPath = tt.path
			req.URL.Path = tt.path
			r.ServeHTTP(httptest.NewRecorder(), req)

			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
