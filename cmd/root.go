// Package cmd defines the CLI commands of the harvest executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/logging"
	"github.com/JakeFAU/stackharvest/internal/server"
)

type envKeyType string

const envKey envKeyType = "env"

// env is the loaded configuration and logger shared by every subcommand.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp builds the process services. Tests replace it to avoid dialing Redis.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error) {
	return server.Build(ctx, cfg, logger)
}

type rootFlags struct {
	configFile string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Distributed Stack Overflow question harvester",
		Long: `harvest coordinates a fleet of scraping workers through a Redis task queue.
Workers claim page ranges, scrape listing pages, store new questions and report
back; a health server, a monitor and a fleet scaler keep the run on track.`,
		SilenceUsage: true,

		// Runs before every subcommand: environment, configuration and logger.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(flags)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, e))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(
		newWorkerCmd(),
		newServeCmd(),
		newRunCmd(),
		newScaleCmd(),
		newMigrateCmd(),
		newExportCmd(),
	)
	return cmd
}

func loadEnv(flags *rootFlags) (*env, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", flags.envFile, err)
		}
	}
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	logger, err := logging.New(cfg.Logging.Development, level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// buildApp resolves the environment and builds the process services.
func buildApp(cmd *cobra.Command) (*server.App, error) {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return nil, err
	}
	app, err := newApp(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return app, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
