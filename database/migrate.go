package database

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang-migrate/migrate/v4"
)

// MigrateUp applies every pending migration. An up-to-date schema is not an error.
func MigrateUp(m Migrator) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// MigrateDown reverts numSteps migrations, or all of them when numSteps is zero.
func MigrateDown(m Migrator, numSteps uint) error {
	var err error
	if numSteps == 0 {
		err = m.Down()
	} else {
		if numSteps > math.MaxInt {
			return fmt.Errorf("number of steps exceeds maximum allowed value")
		}
		err = m.Steps(-1 * int(numSteps)) // #nosec G115 -- overflow checked above
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert migrations: %w", err)
	}
	return nil
}
