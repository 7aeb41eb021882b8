package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inspired27/aldidata/internal/cache"
	"github.com/inspired27/aldidata/internal/config"
	"github.com/inspired27/aldidata/internal/metrics"
	"github.com/inspired27/aldidata/internal/portal"
	"github.com/inspired27/aldidata/internal/progress"
	"github.com/inspired27/aldidata/internal/schedule"
	"github.com/inspired27/aldidata/internal/scheduler"
	"github.com/inspired27/aldidata/internal/server"
	"github.com/inspired27/aldidata/internal/status"
	"github.com/inspired27/aldidata/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the aldidata server",
	Long:  `Start the aldidata server: HTTP API, metrics endpoint, and the schedule-driven cap changer.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting aldidata")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Progress store
	ops, err := openProgressStore(cfg.Progress)
	if err != nil {
		return fmt.Errorf("failed to initialize progress store: %w", err)
	}
	defer func() {
		if err := ops.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close progress store")
		}
	}()
	logger.Info().Str("type", cfg.Progress.Type).Msg("Progress store initialized")

	// Portal transport and session
	client := portal.NewClient(portal.ClientConfig{
		RequestTimeout: config.Duration(cfg.Portal.RequestTimeout, 30*time.Second),
		HeadTimeout:    config.Duration(cfg.Portal.HeadTimeout, 5*time.Second),
	})
	session := portal.NewSession(client, portal.SessionConfig{
		OverviewURL:  cfg.Portal.OverviewURL,
		LoginPageURL: cfg.Portal.LoginPageURL,
		LoginPostURL: cfg.Portal.LoginPostURL,
		BalanceURL:   cfg.Portal.BalanceURL,
		Username:     cfg.Portal.Username,
		Password:     cfg.Portal.Password,
		SessionOKTTL: config.Duration(cfg.Portal.SessionOKTTL, 15*time.Minute),
		PollInterval: config.Duration(cfg.Portal.PollInterval, 2*time.Second),
		PollTimeout:  config.Duration(cfg.Portal.PollTimeout, 45*time.Second),
	}, nil, logger)

	// Caches
	statusCache := cache.NewStatusCache(config.Duration(cfg.Cache.StatusTTL, 20*time.Second))
	limitCache := cache.NewLimitCache(config.Duration(cfg.Cache.LimitTTL, 30*time.Minute))

	// Schedule matrix store
	matrixStore := schedule.NewFileStore(cfg.Schedule.MatrixPath, cfg.LineNumbers(), logger)
	if _, err := matrixStore.Load(); err != nil {
		return fmt.Errorf("failed to load schedule matrix: %w", err)
	}
	logger.Info().Str("path", cfg.Schedule.MatrixPath).Msg("Schedule matrix loaded")

	// Status service
	svc := status.NewService(session, statusCache, limitCache, matrixStore, status.Config{
		Lines:   cfg.LineNumbers(),
		Labels:  cfg.LineLabels(),
		Workers: cfg.Portal.BalanceWorkers,
	}, logger)

	// Scheduler: fires cap changes from the matrix. The flock keeps a second
	// process from double-firing when more than one instance runs.
	sched := scheduler.New(matrixStore, func(line, value string) error {
		_, err := svc.SetLimitAndWait(line, value, nil)
		return err
	}, cfg.Schedule.LockPath, cfg.Schedule.WatchFile, logger)

	acquired, err := sched.Start()
	if err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if acquired {
		defer sched.Stop()
		logger.Info().Msg("Scheduler started")
	} else {
		logger.Info().Msg("Scheduler lock held elsewhere, running without scheduler")
	}

	// Metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	defer func() {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}()

	// API server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := server.NewServer(server.Config{
		ListenAddr:    apiAddr,
		PortalBaseURL: cfg.Portal.BaseURL,
	}, svc, session, ops, matrixStore, logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if acquired {
		apiServer.OnMatrixChange(func() {
			if err := sched.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to rebuild jobs after matrix save")
			}
		})
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	logger.Info().
		Str("api", apiAddr).
		Str("metrics", metricsAddr).
		Int("lines", len(cfg.Lines)).
		Msg("aldidata started")

	// Signal handling loop
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, reloading schedule matrix...")
			if err := sched.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload schedule matrix")
			} else {
				logger.Info().Msg("Schedule matrix reloaded")
			}
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		}
		break
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop API server")
	}

	logger.Info().Msg("aldidata stopped")
	return nil
}

// openProgressStore creates the configured progress store backend.
func openProgressStore(cfg config.ProgressConfig) (progress.Store, error) {
	retention := config.Duration(cfg.Retention, progress.DefaultRetention)
	switch cfg.Type {
	case "redis":
		return progress.OpenRedis(cfg.Redis, retention)
	default:
		return progress.NewMemoryStore(retention), nil
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
