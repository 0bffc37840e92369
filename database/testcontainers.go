package database

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tclog "github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type nopLogger struct{}

func (*nopLogger) Printf(_ string, _ ...any) {}

var _ tclog.Logger = (*nopLogger)(nil)

var (
	dbName = "testdb"
	dbUser = "testuser"
	dbPass = "testpass"
)

// SetupTestDBContainer starts a Postgres container and returns a pool
// connected to it. Migrations are not applied.
func SetupTestDBContainer(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	postgresContainer, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPass),
		postgres.BasicWaitStrategies(),
		tc.WithLogger(&nopLogger{}),
	)
	require.NoError(t, err)

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanupFunc := func() {
		pool.Close()
		tc.CleanupContainer(t, postgresContainer)
	}

	return pool, cleanupFunc
}

// SetupTestDB starts a Postgres container with the schema applied.
func SetupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	ctx := context.Background()
	pool, cleanup := SetupTestDBContainer(t, ctx)

	m, err := GetMigrate(pool.Config().ConnString())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, MigrateUp(m))
	// Exercise the down path before handing the schema out
	require.NoError(t, MigrateDown(m, 1))
	require.NoError(t, MigrateUp(m))

	return pool, cleanup
}
