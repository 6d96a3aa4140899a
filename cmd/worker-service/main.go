package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/catalog-enricher/internal/app"
	"github.com/cuongbtq/catalog-enricher/internal/config"
	"github.com/cuongbtq/catalog-enricher/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("dispatch", cfg.Dispatch.Mode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := app.InitDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store, err := app.InitStorage(ctx, &cfg.Database, dbClient, appLogger.Logger)
	if err != nil {
		return err
	}

	orch := app.NewOrchestrator(cfg, store, appLogger.Logger)

	// with local dispatch the API never publishes, so this runner only polls the store
	var source worker.MessageSource
	if cfg.Dispatch.Mode == config.DispatchRabbitMQ {
		rabbitClient, err := app.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		source = rabbitClient

		appLogger.Info("RabbitMQ connection established")
	}

	workerInstance := app.NewWorker(cfg, orch, source, appLogger.Logger)

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		// unfinished jobs stay running and are re-claimed after stale_after
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Duration("timeout", cfg.Worker.ShutdownTimeout),
		)
	}

	appLogger.Info("Worker service shutdown complete", slog.String("db_stats", dbClient.Stats()))
	return nil
}
