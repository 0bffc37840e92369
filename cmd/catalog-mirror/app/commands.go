// Package app provides the command line interface of the catalog mirror.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/catalog-mirror/internal/config"
	"github.com/stacklok/catalog-mirror/internal/versions"
)

// NewRootCmd creates the root command with every subcommand attached
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "catalog-mirror",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Polling mirror of a remote creation catalog",
		Long: `catalog-mirror keeps a local copy of a remote catalog of creations and
their creators. It polls the remote APIs on a schedule, records every field
change in a changelog, turns ranked charts into positional events and samples
live readings at fixed clock boundaries.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "",
		"Path to configuration file (YAML format). Falls back to "+config.EnvPrefix+"_CONFIG")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRunOnceCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig loads the configuration named by --config or CATALOG_MIRROR_CONFIG
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlag("config", cmd.Flags().Lookup("config")); err != nil {
		return nil, fmt.Errorf("failed to bind config flag: %w", err)
	}

	path := v.GetString("config")
	if path == "" {
		return nil, fmt.Errorf("a configuration file is required: set --config or %s_CONFIG", config.EnvPrefix)
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration", "path", path, "storage", cfg.Storage.Type)
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), info.String())
			return err
		},
	}
	versionCmd.Flags().String("format", "", "Output format (json)")
	return versionCmd
}
