// Package cli defines the beacon-api command tree.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"beacon/api/internal/config"
	"beacon/api/internal/logging"
	"beacon/api/internal/store"
)

// Options stores global CLI options shared between commands.
type Options struct {
	EnvFile   string
	LogLevel  string
	LogFormat string
}

// Execute builds the root command and runs it with args.
func Execute(args []string) error {
	opts := &Options{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func newRootCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "beacon-api",
		Short:         "Beacon API server",
		Long:          "beacon-api serves dashboard comments, project browsing and omnibar search for Beacon.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.EnvFile != "" {
				if err := os.Setenv("BEACON_ENV_FILE", opts.EnvFile); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.LogLevel = opts.LogLevel
			}
			if opts.LogFormat != "" {
				cfg.LogFormat = opts.LogFormat
			}
			logger := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			ctx := context.WithValue(cmd.Context(), configKey{}, cfg)
			ctx = context.WithValue(ctx, loggerKey{}, logger)
			cmd.SetContext(ctx)
			logger.Debug("configuration loaded", "addr", cfg.Addr, "log_level", cfg.LogLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "Path to an env file (overrides BEACON_ENV_FILE)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "Log format (text, json); overrides LOG_FORMAT")

	cmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newReindexCommand(),
	)
	return cmd
}

type configKey struct{}

type loggerKey struct{}

// ConfigFromContext returns the configuration loaded by the root command.
func ConfigFromContext(ctx context.Context) config.Config {
	if cfg, ok := ctx.Value(configKey{}).(config.Config); ok {
		return cfg
	}
	return config.Config{}
}

// LoggerFromContext extracts a logger from the context or falls back to the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// openDatabase connects and brings the schema up to date.
func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, int, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, 0, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrationsCount(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, 0, fmt.Errorf("migrations failed: %w", err)
	}
	return db, applied, nil
}
