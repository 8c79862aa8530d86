package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"commitwatch/config"
	"commitwatch/db"
	"commitwatch/detector"
	"commitwatch/github"
	"commitwatch/logger"
	"commitwatch/monitor"
	"commitwatch/notify"
	"commitwatch/telegram"
)

// shutdownTimeout bounds how long Stop waits for the poller and the running
// repository step.
const shutdownTimeout = 30 * time.Second

// Service errors
var (
	ErrServiceInit     = fmt.Errorf("service initialization error")
	ErrServiceShutdown = fmt.Errorf("service shutdown error")
)

// ConnectionTester is the startup probe of the remote source.
type ConnectionTester interface {
	TestConnection(ctx context.Context) (string, error)
}

// Service represents the main application service
type Service struct {
	config    *config.Config
	database  *db.DB
	client    *github.Client
	scheduler *monitor.Scheduler
	commands  *Commands
	bot       *telegram.Bot
	log       *zap.Logger
}

// OpenStore connects to the configured database and applies migrations.
func OpenStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*db.DB, error) {
	database, err := db.Open(ctx, cfg.DBDriver, StoreDSN(cfg), db.Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		DefaultLocale:   cfg.DefaultLocale,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

// StoreDSN returns the connection string for the configured driver.
func StoreDSN(cfg *config.Config) string {
	if cfg.DBDriver == config.DriverPostgres {
		return cfg.PostgresDSN()
	}
	return db.SQLiteDSN(cfg.DatabasePath)
}

// NewService wires every component from cfg. With offline set the bot only
// sends messages and never polls, which is what one-shot sweeps need.
func NewService(ctx context.Context, cfg *config.Config, offline bool) (*Service, error) {
	log := logger.GetLogger()

	database, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize database: %w", ErrServiceInit, err)
	}

	client, err := github.NewClient(cfg.GitHubToken, github.Options{
		BaseURL:           cfg.GitHubBaseURL,
		Timeout:           cfg.RemoteTimeout,
		PageSize:          cfg.CommitPageSize,
		DetailConcurrency: cfg.DetailConcurrency,
		Logger:            log,
	})
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to create GitHub client: %w", ErrServiceInit, err)
	}

	catalog, err := notify.NewCatalog(cfg.DefaultLocale, cfg.LocalesDir, log)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to load locales: %w", ErrServiceInit, err)
	}

	bot, err := telegram.NewBot(cfg.BotToken, telegram.BotOptions{
		AllowList: cfg.AdminChatIDs,
		Offline:   offline,
		Logger:    log,
	})
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to create Telegram bot: %w", ErrServiceInit, err)
	}

	formatter := notify.NewFormatter(catalog)
	formatter.ShowFiles = cfg.ShowFiles
	formatter.WebBase = github.WebBaseURL(cfg.GitHubBaseURL)
	fanout := notify.NewFanout(
		telegram.NewSink(bot.Sender(), cfg.SinkRate, log),
		formatter,
		cfg.CommitBatchCap,
		cfg.MessageDelay,
		log,
	)

	det := detector.New(client, database,
		detector.WithLookback(cfg.FirstCheckWindow),
		detector.WithLogger(log))

	scheduler := monitor.New(database, det, fanout, monitor.Options{
		Interval:      cfg.CheckInterval,
		DefaultLocale: catalog.DefaultLocale(),
		Logger:        log,
	})

	commands := NewCommands(database, client, scheduler, catalog, log)
	bot.Register(telegram.NewHandler(commands, catalog, scheduler.Interval(), log))

	log.Info("Service initialized successfully",
		zap.String("db_driver", cfg.DBDriver),
		zap.Duration("check_interval", cfg.CheckInterval),
		zap.Duration("first_check_window", cfg.FirstCheckWindow),
		zap.Int("admin_chats", len(cfg.AdminChatIDs)))

	return &Service{
		config:    cfg,
		database:  database,
		client:    client,
		scheduler: scheduler,
		commands:  commands,
		bot:       bot,
		log:       log,
	}, nil
}

// Start checks the GitHub connection, starts monitoring and the bot, and blocks
// until SIGINT, SIGTERM or ctx cancellation. It then stops the bot before the
// scheduler.
func (s *Service) Start(ctx context.Context) error {
	if err := CheckConnection(ctx, s.client, s.log); err != nil {
		return err
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrServiceInit, err)
	}
	s.bot.Start(ctx)

	s.waitForShutdown(ctx)
	return s.stop()
}

// RunOnce performs a single sweep over every monitored repository.
func (s *Service) RunOnce(ctx context.Context) (monitor.SweepReport, error) {
	if err := CheckConnection(ctx, s.client, s.log); err != nil {
		return monitor.SweepReport{}, err
	}
	return s.scheduler.Sweep(ctx), nil
}

// CheckConnection probes the remote source. Bad credentials are fatal; any
// other failure is only logged since the remote may recover later.
func CheckConnection(ctx context.Context, remote ConnectionTester, log *zap.Logger) error {
	log = logger.OrNop(log)

	login, err := remote.TestConnection(ctx)
	switch {
	case err == nil:
		log.Info("Connected to GitHub", zap.String("login", login))
		return nil
	case errors.Is(err, github.ErrRemoteAuth):
		log.Error("GitHub rejected the token", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrServiceInit, err)
	default:
		log.Warn("GitHub connection test failed, continuing", zap.Error(err))
		return nil
	}
}

// waitForShutdown waits for the shutdown signal
func (s *Service) waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		s.log.Info("Shutdown signal received, initiating graceful shutdown", zap.String("signal", sig.String()))
	case <-ctx.Done():
		s.log.Info("Context cancelled, initiating graceful shutdown")
	}
}

func (s *Service) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.bot.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrServiceShutdown, err)
	}
	return nil
}

// Close performs cleanup operations
func (s *Service) Close() error {
	s.log.Info("Closing service")
	if err := s.database.Close(); err != nil {
		return fmt.Errorf("%w: failed to close database: %v", ErrServiceShutdown, err)
	}
	return nil
}
