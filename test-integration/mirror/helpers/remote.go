package helpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// BootstrapRefreshToken is the refresh token the fake remote accepts
	BootstrapRefreshToken = "bootstrap"
	// AccessToken is the access token the fake remote issues
	AccessToken = "access"
)

// Creation is a creation served by the fake remote
type Creation struct {
	ID        string
	Name      string
	CreatorID string
	Playing   int
}

// FakeRemote serves the token endpoint and the remote APIs the mirror polls.
// Its content can be changed while the mirror runs.
type FakeRemote struct {
	server *httptest.Server

	mu         sync.Mutex
	creations  map[string]Creation
	creators   map[string]string
	discovered []string
	chart      []string
	rejectAll  bool

	tokenCalls atomic.Int32
	apiCalls   atomic.Int32
}

// NewFakeRemote starts an empty fake remote
func NewFakeRemote() *FakeRemote {
	f := &FakeRemote{
		creations: make(map[string]Creation),
		creators:  make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", f.handleToken)
	mux.HandleFunc("GET /creations/{id}", f.authorized(f.handleCreation))
	mux.HandleFunc("GET /creators/{id}", f.authorized(f.handleCreator))
	mux.HandleFunc("GET /discovery", f.authorized(f.handleDiscovery))
	mux.HandleFunc("GET /charts/featured/eu", f.authorized(f.handleChart))
	mux.HandleFunc("GET /readings", f.authorized(f.handleReadings))
	f.server = httptest.NewServer(mux)
	return f
}

// URL returns the base URL of the fake remote
func (f *FakeRemote) URL() string {
	return f.server.URL
}

// Close stops the fake remote
func (f *FakeRemote) Close() {
	f.server.Close()
}

// PutCreation adds or replaces a creation
func (f *FakeRemote) PutCreation(c Creation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creations[c.ID] = c
}

// PutCreator adds or replaces a creator
func (f *FakeRemote) PutCreator(id, displayName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[id] = displayName
}

// SetDiscovery sets the creation ids shown on the discovery surface
func (f *FakeRemote) SetDiscovery(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovered = ids
}

// SetChart sets the ranked ids of the featured/eu chart
func (f *FakeRemote) SetChart(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chart = ids
}

// RejectRefreshTokens makes the token endpoint answer invalid_grant
func (f *FakeRemote) RejectRefreshTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectAll = true
}

// TokenCalls returns the number of token requests served
func (f *FakeRemote) TokenCalls() int {
	return int(f.tokenCalls.Load())
}

// APICalls returns the number of authorized API requests served
func (f *FakeRemote) APICalls() int {
	return int(f.apiCalls.Load())
}

func (f *FakeRemote) handleToken(w http.ResponseWriter, r *http.Request) {
	f.tokenCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	f.mu.Lock()
	reject := f.rejectAll
	f.mu.Unlock()
	if reject || r.PostForm.Get("refresh_token") != BootstrapRefreshToken {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  AccessToken,
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": BootstrapRefreshToken,
	})
}

func (f *FakeRemote) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+AccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.apiCalls.Add(1)
		next(w, r)
	}
}

func (f *FakeRemote) handleCreation(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	c, ok := f.creations[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, creationBody(c))
}

func (f *FakeRemote) handleCreator(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f.mu.Lock()
	name, ok := f.creators[id]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "displayName": name})
}

func (f *FakeRemote) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	data := make([]map[string]any, 0, len(f.discovered))
	for _, id := range f.discovered {
		if c, ok := f.creations[id]; ok {
			data = append(data, creationBody(c))
		}
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (f *FakeRemote) handleChart(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	entries := make([]map[string]string, 0, len(f.chart))
	for _, id := range f.chart {
		entries = append(entries, map[string]string{"id": id})
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (f *FakeRemote) handleReadings(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data := []map[string]any{}
	for id := range strings.SplitSeq(r.URL.Query().Get("ids"), ",") {
		if c, ok := f.creations[id]; ok {
			data = append(data, map[string]any{"id": c.ID, "playing": c.Playing})
		}
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func creationBody(c Creation) map[string]any {
	return map[string]any{
		"id":      c.ID,
		"name":    c.Name,
		"creator": map[string]string{"id": c.CreatorID},
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
