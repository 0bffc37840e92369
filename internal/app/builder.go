package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/stacklok/catalog-mirror/internal/api"
	v0 "github.com/stacklok/catalog-mirror/internal/api/v0"
	"github.com/stacklok/catalog-mirror/internal/app/storage"
	"github.com/stacklok/catalog-mirror/internal/config"
	"github.com/stacklok/catalog-mirror/internal/credential"
	"github.com/stacklok/catalog-mirror/internal/fetch"
	"github.com/stacklok/catalog-mirror/internal/httpclient"
	"github.com/stacklok/catalog-mirror/internal/jobs"
	"github.com/stacklok/catalog-mirror/internal/jobs/coordinator"
	"github.com/stacklok/catalog-mirror/internal/jobs/state"
	"github.com/stacklok/catalog-mirror/internal/model"
	"github.com/stacklok/catalog-mirror/internal/ratelimit"
	"github.com/stacklok/catalog-mirror/internal/reconcile"
	"github.com/stacklok/catalog-mirror/internal/store"
	"github.com/stacklok/catalog-mirror/internal/telemetry"
)

// TracerName names the tracer of the fetchers, the jobs and the stores
const TracerName = "github.com/stacklok/catalog-mirror"

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// MirrorAppOptions is a function that configures the mirror app builder
type MirrorAppOptions func(*mirrorAppConfig) error

// mirrorAppConfig collects the builder inputs. Every component can be
// injected; anything left nil is built from the configuration.
type mirrorAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	store     store.Store
	refresher credential.Refresher
	transport http.RoundTripper
	telemetry *telemetry.Telemetry
	clock     clock.Clock
	migrate   bool

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
}

func baseConfig(opts ...MirrorAppOptions) (*mirrorAppConfig, error) {
	cfg := &mirrorAppConfig{
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
		clock:          clock.RealClock{},
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.Server.GetAddress()
	}
	if cfg.telemetry == nil {
		cfg.telemetry = telemetry.Noop()
	}

	return cfg, nil
}

// NewMirrorApp wires every component of the mirror from the configuration
func NewMirrorApp(
	ctx context.Context,
	opts ...MirrorAppOptions,
) (*MirrorApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	tracer := cfg.telemetry.Tracer(TracerName)

	if cfg.store == nil {
		cfg.store, err = storage.Open(ctx, &cfg.config.Storage,
			storage.WithTracer(tracer),
			storage.WithMigrations(cfg.migrate))
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}

	// Ensure the store is closed on error
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			if err := cfg.store.Close(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Failed to close storage", "error", err)
			}
		}
	}()

	creds, err := buildCredentialManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential manager: %w", err)
	}

	schedules, err := buildJobs(cfg, creds, tracer)
	if err != nil {
		return nil, fmt.Errorf("failed to build jobs: %w", err)
	}

	statusSvc := state.NewStoreStatusService(cfg.store)

	jobMetrics, err := telemetry.NewJobMetrics(cfg.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create job metrics: %w", err)
	}
	coord := coordinator.New(statusSvc, schedules, coordinator.WithJobMetrics(jobMetrics))

	httpServer, err := buildHTTPServer(cfg, statusSvc, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	return &MirrorApp{
		config: cfg.config,
		components: &AppComponents{
			Coordinator: coord,
			Store:       cfg.store,
			Credentials: creds,
		},
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address, overriding server.address
func WithAddress(addr string) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithStore injects an open store instead of opening the configured one.
// The app takes ownership and closes it on Stop.
func WithStore(s store.Store) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.store = s
		return nil
	}
}

// WithRefresher replaces the OAuth2 refresh-token grant
func WithRefresher(r credential.Refresher) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.refresher = r
		return nil
	}
}

// WithTransport sets the round tripper of the fetch client
func WithTransport(rt http.RoundTripper) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.transport = rt
		return nil
	}
}

// WithTelemetry sets the tracer and meter providers. The caller keeps
// ownership and shuts them down.
func WithTelemetry(t *telemetry.Telemetry) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// WithClock sets the clock of the credential manager and the jobs
func WithClock(c clock.Clock) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		if c == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		cfg.clock = c
		return nil
	}
}

// WithMigrations applies pending postgres migrations when the store is opened
func WithMigrations(migrate bool) MirrorAppOptions {
	return func(cfg *mirrorAppConfig) error {
		cfg.migrate = migrate
		return nil
	}
}

// buildCredentialManager builds the manager that authorizes every fetch
func buildCredentialManager(b *mirrorAppConfig) (*credential.Manager, error) {
	credCfg := b.config.Credential

	if b.refresher == nil {
		secret, err := credCfg.GetClientSecret()
		if err != nil {
			return nil, err
		}
		refresher, err := credential.NewOAuth2Refresher(credential.OAuth2Config{
			TokenURL:     credCfg.TokenURL,
			ClientID:     credCfg.ClientID,
			ClientSecret: secret,
			Scopes:       credCfg.Scopes,
		}, &http.Client{Timeout: credential.DefaultRefreshTimeout})
		if err != nil {
			return nil, err
		}
		b.refresher = refresher
	}

	bootstrap, err := credCfg.GetBootstrapRefreshToken()
	if err != nil {
		return nil, err
	}

	opts := []credential.Option{
		credential.WithClock(b.clock),
		credential.WithPersister(credential.NewStorePersister(b.store, credential.DefaultCredentialKey)),
		credential.WithBootstrapRefreshToken(bootstrap),
	}
	if credCfg.RefreshMargin > 0 {
		opts = append(opts, credential.WithRefreshMargin(credCfg.RefreshMargin))
	}
	return credential.NewManager(b.refresher, opts...)
}

// buildJobs builds every enabled job and its schedule
func buildJobs(
	b *mirrorAppConfig,
	creds *credential.Manager,
	tracer trace.Tracer,
) ([]coordinator.Schedule, error) {
	slog.Info("Initializing jobs")
	cfg := b.config

	schedMetrics, err := telemetry.NewSchedulerMetrics(b.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler metrics: %w", err)
	}
	scheduler, err := ratelimit.NewScheduler(cfg.ClassConfigs(), ratelimit.WithMetrics(schedMetrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	clientOpts := []httpclient.Option{httpclient.WithTokenSource(creds)}
	if b.transport != nil {
		clientOpts = append(clientOpts, httpclient.WithTransport(b.transport))
	}
	client := httpclient.NewDefaultClient(httpclient.DefaultTimeout, clientOpts...)
	fetchOpts := []fetch.Option{fetch.WithTracer(tracer)}

	jobOpts := func(jc config.JobConfig) []jobs.Option {
		return []jobs.Option{
			jobs.WithPageSize(jc.PageSize),
			jobs.WithParallelism(cfg.Jobs.Parallelism),
			jobs.WithShutdownTimeout(cfg.Jobs.ShutdownTimeout),
			jobs.WithClock(b.clock),
		}
	}

	var schedules []coordinator.Schedule
	add := func(job jobs.Job, jc config.JobConfig) {
		interval := jc.Interval
		if interval <= 0 {
			interval = coordinator.DefaultInterval
		}
		schedules = append(schedules, coordinator.Schedule{Job: job, Interval: interval})
		slog.Info("Job enabled", "job", job.Name(), "class", jc.GetClass())
	}

	creations, err := reconcile.New(b.store, model.KindCreation, jobs.NameCreationSync,
		reconcile.WithIgnoredFields(cfg.Jobs.CreationSync.IgnoredFields...), reconcile.WithClock(b.clock))
	if err != nil {
		return nil, err
	}
	creators, err := reconcile.New(b.store, model.KindCreator, jobs.NameCreatorSync,
		reconcile.WithIgnoredFields(cfg.Jobs.CreatorSync.IgnoredFields...), reconcile.WithClock(b.clock))
	if err != nil {
		return nil, err
	}

	entityJobs := []struct {
		name       string
		kind       model.EntityKind
		endpoint   fetch.EntityEndpoint
		jc         config.JobConfig
		reconciler *reconcile.Reconciler
	}{
		{jobs.NameCreationSync, model.KindCreation, cfg.APIs.Creations, cfg.Jobs.CreationSync, creations},
		{jobs.NameCreatorSync, model.KindCreator, cfg.APIs.Creators, cfg.Jobs.CreatorSync, creators},
	}
	for _, ej := range entityJobs {
		if !ej.jc.IsEnabled() {
			continue
		}
		fetcher, err := fetch.NewEntityClient(client, ej.kind, ej.endpoint, fetchOpts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ej.name, err)
		}
		add(jobs.NewEntitySync(ej.name, b.store, ej.reconciler, fetcher, scheduler,
			ej.jc.GetClass(), tracer, jobOpts(ej.jc)...), ej.jc)
	}

	if jc := cfg.Jobs.DiscoveryPoll; jc.IsEnabled() {
		// Discovered records are attributed to the discovery poll
		discCreations, err := reconcile.New(b.store, model.KindCreation, jobs.NameDiscoveryPoll,
			reconcile.WithIgnoredFields(cfg.Jobs.CreationSync.IgnoredFields...), reconcile.WithClock(b.clock))
		if err != nil {
			return nil, err
		}
		discCreators, err := reconcile.New(b.store, model.KindCreator, jobs.NameDiscoveryPoll,
			reconcile.WithIgnoredFields(cfg.Jobs.CreatorSync.IgnoredFields...), reconcile.WithClock(b.clock))
		if err != nil {
			return nil, err
		}
		fetcher, err := fetch.NewDiscoveryClient(client, cfg.APIs.Discovery, fetchOpts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", jobs.NameDiscoveryPoll, err)
		}
		add(jobs.NewDiscoveryPoll(b.store, discCreations, discCreators, fetcher, scheduler,
			jc.GetClass(), tracer, jobOpts(jc)...), jc)
	}

	if jc := cfg.Jobs.ChartDiff; jc.IsEnabled() {
		fetcher, err := fetch.NewChartClient(client, cfg.APIs.Charts, fetchOpts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", jobs.NameChartDiff, err)
		}
		opts := append(jobOpts(jc.JobConfig), jobs.WithSuppressColdStart(jc.SuppressColdStart))
		add(jobs.NewChartDiff(b.store, fetcher, scheduler, jc.GetClass(), jc.Scopes, tracer, opts...), jc.JobConfig)
	}

	if jc := cfg.Jobs.Sampler; jc.IsEnabled() {
		fetcher, err := fetch.NewSampleClient(client, cfg.APIs.Samples, fetchOpts...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", jobs.NameSampler, err)
		}
		sampler, err := jobs.NewSampler(b.store, fetcher, scheduler, jc.GetClass(), jc.Interval, jc.IDs,
			tracer, jobOpts(jc.JobConfig)...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", jobs.NameSampler, err)
		}
		add(sampler, jc.JobConfig)
	}

	slog.Info("Jobs initialized", "enabled", len(schedules))
	return schedules, nil
}

// buildHTTPServer builds the ops API server with router and middleware
func buildHTTPServer(
	b *mirrorAppConfig,
	statusSvc state.StatusService,
	creds *credential.Manager,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Prepended to capture every request, including panics and timeouts
	otelMiddleware, err := telemetry.HTTPMiddleware(b.telemetry.TracerProvider(), b.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry middleware: %w", err)
	}
	middlewares := append([]func(http.Handler) http.Handler{otelMiddleware}, b.middlewares...)

	serverOpts := []api.ServerOption{api.WithMiddlewares(middlewares...)}
	if h := b.telemetry.MetricsHandler(); h != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(h))
		slog.Info("Prometheus scrape endpoint enabled", "path", "/metrics")
	}
	var reporter v0.CredentialReporter
	if creds != nil {
		reporter = creds
	}
	router := api.NewServer(b.store, statusSvc, reporter, serverOpts...)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
