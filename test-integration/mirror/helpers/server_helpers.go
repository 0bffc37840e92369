package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onsi/gomega"

	v0 "github.com/stacklok/catalog-mirror/internal/api/v0"
	mirror "github.com/stacklok/catalog-mirror/internal/app"
	"github.com/stacklok/catalog-mirror/internal/config"
	"github.com/stacklok/catalog-mirror/internal/jobs"
	"github.com/stacklok/catalog-mirror/internal/jobs/state"
)

// MirrorTestHelper manages the mirror lifecycle for testing
type MirrorTestHelper struct {
	ctx        context.Context
	configPath string
	baseURL    string
	httpClient *http.Client
	app        *mirror.MirrorApp
	port       int
}

// NewMirrorTestHelper creates a helper serving the ops API on a free port
func NewMirrorTestHelper(ctx context.Context, configPath string) *MirrorTestHelper {
	port := FreePort()
	return &MirrorTestHelper{
		ctx:        ctx,
		configPath: configPath,
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		port: port,
	}
}

// FreePort returns a TCP port nothing listens on
func FreePort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	defer func() {
		_ = l.Close()
	}()
	return l.Addr().(*net.TCPAddr).Port
}

// StartServer builds the mirror and starts its jobs and ops API
func (s *MirrorTestHelper) StartServer() error {
	cfg, err := config.LoadConfig(config.WithConfigPath(s.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := mirror.NewMirrorApp(s.ctx,
		mirror.WithConfig(cfg),
		mirror.WithAddress(fmt.Sprintf("127.0.0.1:%d", s.port)),
	)
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	s.app = app

	go func() {
		if err := app.Start(); err != nil {
			// The test fails when it tries to connect
			fmt.Fprintf(os.Stderr, "Server start failed: %v\n", err)
		}
	}()
	return nil
}

// StopServer gracefully stops the mirror
func (s *MirrorTestHelper) StopServer() error {
	if s.app != nil {
		return s.app.Stop(5 * time.Second)
	}
	return nil
}

// WaitForServerReady waits for the ops API to accept requests
func (s *MirrorTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := s.httpClient.Get(s.baseURL + "/health")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 100*time.Millisecond).Should(gomega.Succeed(), "Server should be ready")
}

// RunOnce runs one cycle of the named job outside its schedule
func (s *MirrorTestHelper) RunOnce(name string) (*jobs.Result, error) {
	return s.app.RunOnce(s.ctx, name)
}

// GetReadiness makes a GET request to /readiness
func (s *MirrorTestHelper) GetReadiness() (*http.Response, error) {
	return s.httpClient.Get(s.baseURL + "/readiness")
}

// GetStatus returns the decoded body of GET /status
func (s *MirrorTestHelper) GetStatus() (*v0.StatusResponse, error) {
	var out v0.StatusResponse
	if err := s.getJSON("/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobStatus returns the status of one job, or nil when it is not reported
func (s *MirrorTestHelper) JobStatus(name string) (*state.JobStatus, error) {
	st, err := s.GetStatus()
	if err != nil {
		return nil, err
	}
	for _, job := range st.Jobs {
		if job.Job == name {
			return job, nil
		}
	}
	return nil, nil
}

// GetStats returns the decoded body of GET /stats/{collection}
func (s *MirrorTestHelper) GetStats(collection, field string) (*v0.StatsResponse, error) {
	path := "/stats/" + collection
	if field != "" {
		path += "?field=" + field
	}
	var out v0.StatsResponse
	if err := s.getJSON(path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Count returns the number of documents in collection
func (s *MirrorTestHelper) Count(collection string) (int64, error) {
	st, err := s.GetStats(collection, "")
	if err != nil {
		return 0, err
	}
	return st.Count, nil
}

func (s *MirrorTestHelper) getJSON(path string, out any) error {
	resp, err := s.httpClient.Get(s.baseURL + path)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// JobSet selects the jobs a test configuration enables
type JobSet struct {
	CreationSync  bool
	CreatorSync   bool
	DiscoveryPoll bool
	ChartDiff     bool
	Sampler       bool
	// SampleIDs restricts the sampler to these ids
	SampleIDs []string
}

// WriteConfigYAML writes a configuration that points every API at remoteURL
// and enables the jobs in set. It returns the config file path.
func WriteConfigYAML(dir, remoteURL string, set JobSet) string {
	tokenFile := filepath.Join(dir, "refresh-token")
	gomega.Expect(os.WriteFile(tokenFile, []byte(BootstrapRefreshToken+"\n"), 0600)).To(gomega.Succeed())

	var sampleIDs string
	if len(set.SampleIDs) > 0 {
		sampleIDs = fmt.Sprintf("\n    ids: [%s]", strings.Join(set.SampleIDs, ", "))
	}

	content := fmt.Sprintf(`storage:
  type: memory

credential:
  tokenURL: %[1]s/token
  clientId: catalog-mirror
  refreshTokenFile: %[2]s

apis:
  creations:
    baseURL: %[1]s
    path: /creations/{id}
    mapping:
      owner:
        title: name
  creators:
    baseURL: %[1]s
    path: /creators/{id}
    mapping:
      owner:
        displayName: displayName
  discovery:
    baseURL: %[1]s
    path: /discovery
    items: data
    creatorId: creator.id
    mapping:
      owner:
        title: name
  charts:
    baseURL: %[1]s
    path: /charts/{surface}/{region}
    items: entries
    itemId: id
  samples:
    baseURL: %[1]s
    path: /readings
    items: data
    itemId: id
    fields:
      playing: playing

endpointClasses:
  default:
    policy: unbounded
    maxRetries: 0

jobs:
  creationSync:
    enabled: %[3]t
    interval: 1h
  creatorSync:
    enabled: %[4]t
    interval: 1h
  discoveryPoll:
    enabled: %[5]t
    interval: 1h
  chartDiff:
    enabled: %[6]t
    interval: 1h
    suppressColdStart: true
    scopes:
      - surface: featured
        region: eu
  sampler:
    enabled: %[7]t
    interval: 24h%[8]s
`, remoteURL, tokenFile,
		set.CreationSync, set.CreatorSync, set.DiscoveryPoll, set.ChartDiff, set.Sampler, sampleIDs)

	path := filepath.Join(dir, "config.yaml")
	gomega.Expect(os.WriteFile(path, []byte(content), 0600)).To(gomega.Succeed())
	return path
}
