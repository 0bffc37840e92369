// Package v0 provides the ops API handlers of the mirror.
package v0

import (
	"log/slog"
	"net/http"
	"slices"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/catalog-mirror/internal/api/common"
	"github.com/stacklok/catalog-mirror/internal/credential"
	"github.com/stacklok/catalog-mirror/internal/jobs/state"
	"github.com/stacklok/catalog-mirror/internal/store"
	"github.com/stacklok/catalog-mirror/internal/versions"
)

// CredentialReporter reports the health of the managed credential.
// *credential.Manager implements it.
type CredentialReporter interface {
	Status() credential.Status
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Jobs       []*state.JobStatus `json:"jobs"`
	Credential credential.Status  `json:"credential"`
}

// StatsResponse is the body of GET /stats/{collection}
type StatsResponse struct {
	Collection string `json:"collection"`
	Field      string `json:"field,omitempty"`
	*store.AggregateResult
}

// statsCollections are the collections /stats may summarise
var statsCollections = []string{
	store.CollectionCreations,
	store.CollectionCreators,
	store.CollectionChangelog,
	store.CollectionChartSnapshots,
	store.CollectionChartEvents,
	store.CollectionSamples,
}

// Routes serves the monitoring endpoints
type Routes struct {
	store     store.Store
	statusSvc state.StatusService
	creds     CredentialReporter
}

// NewRoutes creates a new Routes instance
func NewRoutes(s store.Store, statusSvc state.StatusService, creds CredentialReporter) *Routes {
	return &Routes{store: s, statusSvc: statusSvc, creds: creds}
}

// Router serves /health, /readiness, /version, /status and /stats/{collection}
func Router(s store.Store, statusSvc state.StatusService, creds CredentialReporter) http.Handler {
	routes := NewRoutes(s, statusSvc, creds)

	r := chi.NewRouter()
	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(creds))
	r.Get("/version", versionHandler)
	r.Get("/status", routes.getStatus)
	r.Get("/stats/{collection}", routes.getStats)
	return r
}

// getStatus handles GET /status
func (rr *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := rr.statusSvc.ListStatuses(r.Context())
	if err != nil {
		slog.Error("Failed to list job statuses", "error", err)
		common.WriteErrorResponse(w, "Failed to list job statuses", http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{Jobs: make([]*state.JobStatus, 0, len(statuses))}
	for _, s := range statuses {
		resp.Jobs = append(resp.Jobs, s)
	}
	sort.Slice(resp.Jobs, func(i, j int) bool { return resp.Jobs[i].Job < resp.Jobs[j].Job })
	if rr.creds != nil {
		resp.Credential = rr.creds.Status()
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

// getStats handles GET /stats/{collection}?field=platform.visits
func (rr *Routes) getStats(w http.ResponseWriter, r *http.Request) {
	collection, err := common.PathParam(r, "collection")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !slices.Contains(statsCollections, collection) {
		common.WriteErrorResponse(w, "Unknown collection "+collection, http.StatusNotFound)
		return
	}

	field := r.URL.Query().Get("field")
	res, err := rr.store.Aggregate(r.Context(), collection, store.AggregateQuery{Field: field})
	if err != nil {
		slog.Error("Failed to aggregate collection", "collection", collection, "field", field, "error", err)
		common.WriteErrorResponse(w, "Failed to aggregate "+collection, http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, StatsResponse{Collection: collection, Field: field, AggregateResult: res}, http.StatusOK)
}

// healthHandler reports that the process is up
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, map[string]string{"status": "healthy"}, http.StatusOK)
}

// readinessHandler fails while the credential is expired: no job can make
// progress until an operator re-authorizes
func readinessHandler(creds CredentialReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if creds != nil && creds.Status().State == credential.StateExpired {
			common.WriteErrorResponse(w, "Mirror not ready: "+credential.ErrReauthorizationRequired.Error(), http.StatusServiceUnavailable)
			return
		}
		common.WriteJSONResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
	}
}

// versionHandler reports build information
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}
