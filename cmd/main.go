package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"commitwatch/config"
	"commitwatch/logger"
	"commitwatch/service"
)

var (
	envFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "commitwatch",
		Short: "Watch GitHub repositories and announce new commits on Telegram",
		Long: `commitwatch polls GitHub for new commits on the repositories its Telegram
users subscribe to and sends each subscriber a message per new commit.

Configuration comes from the environment and an optional .env file.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default: $COMMITWATCH_ENV_FILE or .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the monitoring loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(true)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := context.Background()
			ser, err := service.NewService(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer func() {
				if err := ser.Close(); err != nil {
					logger.Error("Error during service shutdown", zap.Error(err))
				}
			}()

			return ser.Start(ctx)
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Check every monitored repository once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(true)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ser, err := service.NewService(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := ser.Close(); err != nil {
					logger.Error("Error during service shutdown", zap.Error(err))
				}
			}()

			report, err := ser.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"sweep %s: %d repositories, %d new commits, %d messages, %d fetch failures, %d store failures, %d delivery failures (%s)\n",
				report.ID, report.Repos, report.NewCommits, report.Messages,
				report.FetchFailures, report.StoreFailures, report.DeliveryFailures, report.Duration)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			database, err := service.OpenStore(context.Background(), cfg, logger.GetLogger())
			if err != nil {
				return err
			}
			defer database.Close()

			logger.Info("Migrations applied", zap.String("driver", cfg.DBDriver))
			return nil
		},
	}
}

// setup loads configuration and initializes the global logger.
func setup(requireBot bool) (*config.Config, error) {
	cfg := config.NewConfig()
	if envFile != "" {
		cfg.SetEnvFile(envFile)
	}
	if err := cfg.Load(requireBot); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := logger.Initialize(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
