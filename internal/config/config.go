// Package config provides configuration loading and management for the mirror.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/catalog-mirror/internal/fetch"
	"github.com/stacklok/catalog-mirror/internal/model"
	"github.com/stacklok/catalog-mirror/internal/ratelimit"
	"github.com/stacklok/catalog-mirror/internal/telemetry"
)

const (
	// StorageTypePostgres stores documents in PostgreSQL JSONB tables
	StorageTypePostgres = "postgres"

	// StorageTypeMongo stores documents in MongoDB collections
	StorageTypeMongo = "mongo"

	// StorageTypeMemory keeps documents in process memory
	StorageTypeMemory = "memory"
)

// EnvPrefix is the prefix of every environment variable the mirror reads
const EnvPrefix = "CATALOG_MIRROR"

// Environment variables consulted when no secret file is configured
const (
	EnvDatabasePassword = "CATALOG_MIRROR_DATABASE_PASSWORD"
	EnvMongoURI         = "CATALOG_MIRROR_MONGO_URI"
	EnvClientSecret     = "CATALOG_MIRROR_CLIENT_SECRET"
	EnvRefreshToken     = "CATALOG_MIRROR_REFRESH_TOKEN"
)

const (
	// DefaultServerAddress is where the ops API listens
	DefaultServerAddress = ":8080"

	// DefaultClass is the endpoint class used by jobs that name none
	DefaultClass = "default"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Credential CredentialConfig `yaml:"credential"`
	APIs       APIsConfig       `yaml:"apis"`

	// EndpointClasses maps a class name to its pacing policy. Jobs refer
	// to classes by name.
	EndpointClasses map[string]EndpointClassConfig `yaml:"endpointClasses"`

	Jobs      JobsConfig        `yaml:"jobs"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
	Server    ServerConfig      `yaml:"server"`
}

// StorageConfig selects and configures the document store
type StorageConfig struct {
	// Type is one of postgres, mongo or memory
	Type     string          `yaml:"type"`
	Postgres *DatabaseConfig `yaml:"postgres,omitempty"`
	Mongo    *MongoConfig    `yaml:"mongo,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the minimum number of idle connections kept in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from the CATALOG_MIRROR_DATABASE_PASSWORD environment variable
func (d *DatabaseConfig) GetPassword() (string, error) {
	return secret(d.PasswordFile, EnvDatabasePassword, "database password")
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	), nil
}

// MongoConfig defines MongoDB connection settings
type MongoConfig struct {
	// URIFile is the path to a file containing the connection URI. The URI
	// usually carries credentials, so it is never read from the YAML itself.
	URIFile string `yaml:"uriFile,omitempty"`

	// Database is the database holding the mirror collections
	Database string `yaml:"database"`
}

// GetURI returns the connection URI from URIFile or CATALOG_MIRROR_MONGO_URI
func (m *MongoConfig) GetURI() (string, error) {
	return secret(m.URIFile, EnvMongoURI, "mongo URI")
}

// CredentialConfig configures the OAuth2 credential used by every fetch
type CredentialConfig struct {
	TokenURL string   `yaml:"tokenURL"`
	ClientID string   `yaml:"clientId"`
	Scopes   []string `yaml:"scopes,omitempty"`

	// ClientSecretFile falls back to CATALOG_MIRROR_CLIENT_SECRET
	ClientSecretFile string `yaml:"clientSecretFile,omitempty"`

	// RefreshTokenFile holds the refresh token used when no credential has
	// been persisted yet. Falls back to CATALOG_MIRROR_REFRESH_TOKEN.
	RefreshTokenFile string `yaml:"refreshTokenFile,omitempty"`

	// RefreshMargin is how long before expiry the access token is renewed
	RefreshMargin time.Duration `yaml:"refreshMargin,omitempty"`
}

// GetClientSecret returns the OAuth2 client secret. A public client has
// none, so a missing secret is not an error.
func (c *CredentialConfig) GetClientSecret() (string, error) {
	if c.ClientSecretFile == "" && os.Getenv(EnvClientSecret) == "" {
		return "", nil
	}
	return secret(c.ClientSecretFile, EnvClientSecret, "client secret")
}

// GetBootstrapRefreshToken returns the refresh token to start from, or ""
// when none is configured
func (c *CredentialConfig) GetBootstrapRefreshToken() (string, error) {
	if c.RefreshTokenFile == "" && os.Getenv(EnvRefreshToken) == "" {
		return "", nil
	}
	return secret(c.RefreshTokenFile, EnvRefreshToken, "refresh token")
}

// APIsConfig holds the remote endpoints and how their responses map onto
// records
type APIsConfig struct {
	Creations fetch.EntityEndpoint    `yaml:"creations"`
	Creators  fetch.EntityEndpoint    `yaml:"creators"`
	Discovery fetch.DiscoveryEndpoint `yaml:"discovery"`
	Charts    fetch.ChartEndpoint     `yaml:"charts"`
	Samples   fetch.SampleEndpoint    `yaml:"samples"`
}

// EndpointClassConfig is the YAML form of a ratelimit.ClassConfig
type EndpointClassConfig struct {
	// Policy is one of fixed-delay, staggered or unbounded
	Policy         string        `yaml:"policy"`
	Interval       time.Duration `yaml:"interval,omitempty"`
	Stagger        time.Duration `yaml:"stagger,omitempty"`
	MaxConcurrent  int           `yaml:"maxConcurrent,omitempty"`
	MaxRetries     *int          `yaml:"maxRetries,omitempty"`
	InitialBackoff time.Duration `yaml:"initialBackoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"maxBackoff,omitempty"`
}

// ClassConfig converts the YAML form into the scheduler configuration
func (e EndpointClassConfig) ClassConfig() ratelimit.ClassConfig {
	return ratelimit.ClassConfig{
		Policy:         ratelimit.Policy(e.Policy),
		Interval:       e.Interval,
		Stagger:        e.Stagger,
		MaxConcurrent:  e.MaxConcurrent,
		MaxRetries:     e.MaxRetries,
		InitialBackoff: e.InitialBackoff,
		MaxBackoff:     e.MaxBackoff,
	}
}

// ClassConfigs returns the scheduler configuration of every endpoint class
func (c *Config) ClassConfigs() map[string]ratelimit.ClassConfig {
	out := make(map[string]ratelimit.ClassConfig, len(c.EndpointClasses))
	for name, cls := range c.EndpointClasses {
		out[name] = cls.ClassConfig()
	}
	return out
}

// JobsConfig configures the recurring jobs
type JobsConfig struct {
	// ShutdownTimeout bounds in-flight work after a stop request
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout,omitempty"`

	// Parallelism caps concurrent fetches within one page
	Parallelism int `yaml:"parallelism,omitempty"`

	CreationSync  JobConfig        `yaml:"creationSync"`
	CreatorSync   JobConfig        `yaml:"creatorSync"`
	DiscoveryPoll JobConfig        `yaml:"discoveryPoll"`
	ChartDiff     ChartJobConfig   `yaml:"chartDiff"`
	Sampler       SamplerJobConfig `yaml:"sampler"`
}

// JobConfig holds the settings every job shares
type JobConfig struct {
	// Enabled defaults to true
	Enabled *bool `yaml:"enabled,omitempty"`

	// Interval between cycles. For the sampler it is the boundary period.
	Interval time.Duration `yaml:"interval,omitempty"`

	PageSize int `yaml:"pageSize,omitempty"`

	// Class is the endpoint class the job's calls are scheduled on
	Class string `yaml:"class,omitempty"`

	// IgnoredFields are tracked field paths ("owner.title") excluded from
	// change detection
	IgnoredFields []string `yaml:"ignoredFields,omitempty"`
}

// IsEnabled reports whether the job runs
func (j JobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// GetClass returns the endpoint class, DefaultClass when unset
func (j JobConfig) GetClass() string {
	if j.Class == "" {
		return DefaultClass
	}
	return j.Class
}

// ChartJobConfig configures the chart differ
type ChartJobConfig struct {
	JobConfig `yaml:",inline"`

	Scopes []model.Scope `yaml:"scopes"`

	// SuppressColdStart drops the events of the first snapshot of a scope
	SuppressColdStart bool `yaml:"suppressColdStart,omitempty"`
}

// SamplerJobConfig configures the sampler
type SamplerJobConfig struct {
	JobConfig `yaml:",inline"`

	// IDs are the sampled entities. Empty samples every stored creation.
	IDs []string `yaml:"ids,omitempty"`
}

// ServerConfig configures the ops API
type ServerConfig struct {
	Address string `yaml:"address,omitempty"`
}

// GetAddress returns the listen address, DefaultServerAddress when unset
func (s ServerConfig) GetAddress() string {
	if s.Address == "" {
		return DefaultServerAddress
	}
	return s.Address
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if len(c.EndpointClasses) == 0 {
		return fmt.Errorf("at least one endpoint class must be configured")
	}
	for name, cls := range c.EndpointClasses {
		if err := cls.ClassConfig().Validate(); err != nil {
			return fmt.Errorf("endpointClasses.%s: %w", name, err)
		}
	}

	if err := c.validateJobs(); err != nil {
		return err
	}

	if c.Credential.TokenURL == "" {
		return fmt.Errorf("credential.tokenURL is required")
	}
	if c.Credential.ClientID == "" {
		return fmt.Errorf("credential.clientId is required")
	}
	if c.Credential.RefreshMargin < 0 {
		return fmt.Errorf("credential.refreshMargin must not be negative")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Type {
	case StorageTypePostgres:
		if c.Storage.Postgres == nil {
			return fmt.Errorf("storage.postgres is required when storage.type is %s", StorageTypePostgres)
		}
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres: host and database are required")
		}
	case StorageTypeMongo:
		if c.Storage.Mongo == nil || c.Storage.Mongo.Database == "" {
			return fmt.Errorf("storage.mongo.database is required when storage.type is %s", StorageTypeMongo)
		}
	case StorageTypeMemory:
	case "":
		return fmt.Errorf("storage.type is required")
	default:
		return fmt.Errorf("storage.type must be one of %s, %s or %s, got %q",
			StorageTypePostgres, StorageTypeMongo, StorageTypeMemory, c.Storage.Type)
	}
	return nil
}

func (c *Config) validateJobs() error {
	j := c.Jobs
	if j.ShutdownTimeout < 0 {
		return fmt.Errorf("jobs.shutdownTimeout must not be negative")
	}

	checks := []struct {
		name    string
		job     JobConfig
		baseURL string
	}{
		{name: "creationSync", job: j.CreationSync, baseURL: c.APIs.Creations.BaseURL},
		{name: "creatorSync", job: j.CreatorSync, baseURL: c.APIs.Creators.BaseURL},
		{name: "discoveryPoll", job: j.DiscoveryPoll, baseURL: c.APIs.Discovery.BaseURL},
		{name: "chartDiff", job: j.ChartDiff.JobConfig, baseURL: c.APIs.Charts.BaseURL},
		{name: "sampler", job: j.Sampler.JobConfig, baseURL: c.APIs.Samples.BaseURL},
	}
	for _, chk := range checks {
		if !chk.job.IsEnabled() {
			continue
		}
		prefix := "jobs." + chk.name
		if chk.job.Interval < 0 {
			return fmt.Errorf("%s: interval must not be negative", prefix)
		}
		if chk.job.PageSize < 0 {
			return fmt.Errorf("%s: pageSize must not be negative", prefix)
		}
		if _, ok := c.EndpointClasses[chk.job.GetClass()]; !ok {
			return fmt.Errorf("%s: unknown endpoint class %q", prefix, chk.job.GetClass())
		}
		if chk.baseURL == "" {
			return fmt.Errorf("%s: the api it polls has no baseURL", prefix)
		}
	}

	if j.ChartDiff.IsEnabled() {
		if len(j.ChartDiff.Scopes) == 0 {
			return fmt.Errorf("jobs.chartDiff: at least one scope is required")
		}
		seen := make(map[string]bool, len(j.ChartDiff.Scopes))
		for i, s := range j.ChartDiff.Scopes {
			if s.Surface == "" {
				return fmt.Errorf("jobs.chartDiff.scopes[%d]: surface is required", i)
			}
			if seen[s.Key()] {
				return fmt.Errorf("jobs.chartDiff.scopes[%d]: duplicate scope %s", i, s)
			}
			seen[s.Key()] = true
		}
	}

	if j.Sampler.IsEnabled() && j.Sampler.Interval <= 0 {
		return fmt.Errorf("jobs.sampler: interval is required")
	}
	return nil
}

// secret reads a value from file, or from env when file is empty. File
// content is trimmed of surrounding whitespace.
func secret(file, env, what string) (string, error) {
	if file != "" {
		data, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return "", fmt.Errorf("failed to read %s from file %s: %w", what, file, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no %s configured: set a file or the %s environment variable", what, env)
}
