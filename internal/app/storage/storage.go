// Package storage opens the document store selected by the configuration.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/catalog-mirror/database"
	"github.com/stacklok/catalog-mirror/internal/config"
	"github.com/stacklok/catalog-mirror/internal/store"
	"github.com/stacklok/catalog-mirror/internal/store/memory"
	mongostore "github.com/stacklok/catalog-mirror/internal/store/mongo"
	"github.com/stacklok/catalog-mirror/internal/store/postgres"
)

// Option configures how the store is opened
type Option func(*options)

type options struct {
	tracer  trace.Tracer
	migrate bool
}

// WithTracer sets the OpenTelemetry tracer of the store. If not set,
// tracing is disabled.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithMigrations applies pending postgres migrations before the pool is
// opened. Other backends ignore it.
func WithMigrations(migrate bool) Option {
	return func(o *options) {
		o.migrate = migrate
	}
}

// Open returns the configured store. The caller owns it and must Close it.
func Open(ctx context.Context, cfg *config.StorageConfig, opts ...Option) (store.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage configuration is required")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	switch cfg.Type {
	case config.StorageTypePostgres:
		return openPostgres(ctx, cfg.Postgres, o)
	case config.StorageTypeMongo:
		return openMongo(ctx, cfg.Mongo, o)
	case config.StorageTypeMemory:
		slog.Warn("Using in-memory storage, nothing survives a restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %q", cfg.Type)
	}
}

func openPostgres(ctx context.Context, cfg *config.DatabaseConfig, o *options) (store.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres configuration is required for storage type %s", config.StorageTypePostgres)
	}
	connStr, err := cfg.GetConnectionString()
	if err != nil {
		return nil, err
	}

	if o.migrate {
		if err := Migrate(connStr); err != nil {
			return nil, err
		}
	}

	pool, err := buildConnectionPool(ctx, cfg, connStr)
	if err != nil {
		return nil, err
	}
	s, err := postgres.New(pool, postgres.WithTracer(o.tracer))
	if err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("Postgres storage ready", "host", cfg.Host, "database", cfg.Database)
	return s, nil
}

// Migrate applies every pending migration to the database at connStr
func Migrate(connStr string) error {
	m, err := database.NewFromConnectionString(connStr)
	if err != nil {
		return err
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("Failed to close migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()
	if err := database.MigrateUp(m); err != nil {
		return err
	}
	version, dirty, err := m.Version()
	if err == nil {
		slog.Info("Database schema up to date", "version", version, "dirty", dirty)
	}
	return nil
}

// buildConnectionPool creates a connection pool with the configured limits
func buildConnectionPool(ctx context.Context, cfg *config.DatabaseConfig, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database connection string: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	slog.Info("Database connection pool created successfully")
	return pool, nil
}

func openMongo(ctx context.Context, cfg *config.MongoConfig, o *options) (store.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mongo configuration is required for storage type %s", config.StorageTypeMongo)
	}
	uri, err := cfg.GetURI()
	if err != nil {
		return nil, err
	}
	s, err := mongostore.Connect(ctx, uri, cfg.Database, mongostore.WithTracer(o.tracer))
	if err != nil {
		return nil, err
	}
	slog.Info("Mongo storage ready", "database", cfg.Database)
	return s, nil
}
