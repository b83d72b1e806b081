package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wagate/internal/config"
	"wagate/internal/constants"
	"wagate/internal/database"
	"wagate/internal/realtime"
	"wagate/internal/retry"
	"wagate/internal/service"
	"wagate/internal/tracing"
	"wagate/pkg/broker"
	"wagate/pkg/whatsapp"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("wagate %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting wagate")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// Initialize OpenTelemetry tracing
	tracingManager := tracing.NewManager(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize database with exponential backoff retry
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	})

	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	jobBroker, err := broker.NewRedisBroker(cfg.Broker.RedisURL,
		time.Duration(cfg.Broker.JobStateTTLSec)*time.Second, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to job broker: %w", err)
	}
	defer jobBroker.Close()

	waClient := whatsapp.NewClient(cfg.WhatsApp.APIBaseURL, cfg.WhatsApp.APIVersion,
		cfg.WhatsApp.AccessToken, time.Duration(cfg.WhatsApp.TimeoutSec)*time.Second)

	hub := realtime.NewHub(logger)
	var rtServer *realtime.Server
	if cfg.Realtime.Enabled {
		rtServer = realtime.NewServer(hub, cfg.Realtime.ViewerTokens,
			time.Duration(cfg.Realtime.HeartbeatIntervalSec)*time.Second, logger)
	}

	dispatcher := service.NewDispatcher(db, jobBroker, service.DispatcherConfig{
		QueueName:         cfg.Broker.QueueName,
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		WatchdogInterval:  time.Duration(cfg.Dispatch.WatchdogIntervalSec) * time.Second,
		StuckThreshold:    time.Duration(cfg.Dispatch.StuckThresholdSec) * time.Second,
		ProcessingReclaim: time.Duration(cfg.Dispatch.ProcessingReclaimSec) * time.Second,
		WatchdogBatchSize: cfg.Dispatch.WatchdogBatchSize,
	}, logger)
	go dispatcher.StartWatchdog(ctx)
	defer dispatcher.Stop()

	workers := service.NewWorkerPool(db, db, db, jobBroker, waClient, hub, service.WorkerPoolConfig{
		PoolSize:     cfg.Dispatch.WorkerPoolSize,
		QueueName:    cfg.Broker.QueueName,
		DequeueBlock: time.Duration(cfg.Dispatch.DequeueBlockSec) * time.Second,
	}, logger)
	workers.Start(ctx)
	defer workers.Wait()

	webhookService := service.NewWebhookService(db, db, db, db, hub, waClient, cfg.WhatsApp.Senders, logger)

	scheduler := service.NewScheduler(db, cfg.RetentionDays, cfg.Server.CleanupIntervalHours, logger)
	go scheduler.Start(ctx)
	defer scheduler.Stop()

	server := NewServer(cfg, dispatcher, webhookService, db, jobBroker, hub, rtServer, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server shutdown error: %v", err)
	}

	logger.Info("wagate stopped")
	return nil
}
