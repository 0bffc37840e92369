// Package database provides the schema migrations for the postgres store.
package database

import (
	"embed"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	// Registers the pgx5:// scheme
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationsFromSource returns a migration source driver from the embedded migrations.
func migrationsFromSource() (source.Driver, error) {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return d, nil
}

// Migrator is the interface for the migration tooling.
type Migrator interface {
	Up() error
	Down() error
	Steps(int) error
	Version() (uint, bool, error)
	Close() (error, error)
}

// GetMigrate returns a migration instance for the given postgres connection string.
// Both postgres:// and postgresql:// URLs are accepted.
func GetMigrate(connString string) (*migrate.Migrate, error) {
	d, err := migrationsFromSource()
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, migrateURL(connString))
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// NewFromConnectionString returns a Migrator for the given connection string.
func NewFromConnectionString(connString string) (Migrator, error) {
	return GetMigrate(connString)
}

func migrateURL(connString string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(connString, prefix); ok {
			return "pgx5://" + rest
		}
	}
	return connString
}
