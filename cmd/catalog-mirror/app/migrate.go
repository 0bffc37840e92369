package app

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stacklok/catalog-mirror/database"
	"github.com/stacklok/catalog-mirror/internal/config"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long:  `Database migration tool for managing the postgres schema. Use with 'up' or 'down' subcommands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")

	migrateUpCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		Long: `Apply all pending database migrations to bring the schema up to date.
The connection parameters are read from storage.postgres in the config file.`,
		RunE: runMigrateUp,
	}

	migrateDownCmd := &cobra.Command{
		Use:   "down",
		Short: "Migrate the database down",
		Long: `Migrate the database schema down by reverting migrations.
WARNING: This operation can result in data loss. Use with caution.

Examples:
  # Migrate down by 1 step
  catalog-mirror migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way (WARNING: destroys all data)
  catalog-mirror migrate down --config config.yaml --yes`,
		RunE: runMigrateDown,
	}
	migrateDownCmd.Flags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	return migrateCmd
}

// setupMigration loads the config and opens a migrator on its postgres store
func setupMigration(cmd *cobra.Command) (*config.DatabaseConfig, database.Migrator, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Type != config.StorageTypePostgres || cfg.Storage.Postgres == nil {
		return nil, nil, fmt.Errorf("migrations apply to postgres storage only, configured storage is %q", cfg.Storage.Type)
	}

	connString, err := cfg.Storage.Postgres.GetConnectionString()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build connection string: %w", err)
	}
	m, err := database.NewFromConnectionString(connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return cfg.Storage.Postgres, m, nil
}

func closeMigrator(m database.Migrator) {
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		slog.Warn("Error closing migrator", "source_error", srcErr, "database_error", dbErr)
	}
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	db, m, err := setupMigration(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	prompt := fmt.Sprintf("About to apply migrations to database %s@%s:%d/%s. Continue?",
		db.User, db.Host, db.Port, db.Database)
	if ok, err := confirmed(cmd, prompt); err != nil || !ok {
		return err
	}

	slog.Info("Applying database migrations...")
	if err := database.MigrateUp(m); err != nil {
		return err
	}
	displayMigrationVersion(m, false)
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	_, m, err := setupMigration(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}

	var prompt string
	if numSteps == 0 {
		prompt = "WARNING: This will migrate down ALL steps and may result in complete data loss. Continue?"
	} else {
		prompt = fmt.Sprintf("WARNING: This will migrate down %d step(s) and may result in data loss. Continue?", numSteps)
	}
	if ok, err := confirmed(cmd, prompt); err != nil || !ok {
		return err
	}

	if numSteps == 0 {
		slog.Warn("Migrating down all steps - this will remove all schema!")
	} else {
		slog.Info("Migrating down", "steps", numSteps)
	}
	if err := database.MigrateDown(m, numSteps); err != nil {
		return err
	}
	displayMigrationVersion(m, numSteps == 0)
	return nil
}

// confirmed asks the user unless --yes was given
func confirmed(cmd *cobra.Command, prompt string) (bool, error) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return true, nil
	}
	if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), prompt) {
		slog.Info("Migration cancelled by user")
		return false, nil
	}
	return true, nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(out, "%s (yes/no): ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "yes", "y":
		return true
	default:
		return false
	}
}

func displayMigrationVersion(m database.Migrator, allDown bool) {
	version, dirty, err := m.Version()
	if err != nil {
		if allDown {
			slog.Info("Database schema has been completely removed")
		} else {
			slog.Warn("Failed to get migration version", "error", err)
		}
		return
	}

	if dirty {
		slog.Warn("Database is in a dirty state, manual intervention may be required", "version", version)
	} else {
		slog.Info("Current migration version", "version", version)
	}
}
