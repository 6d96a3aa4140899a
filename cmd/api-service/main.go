package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/catalog-enricher/internal/api/handler"
	"github.com/cuongbtq/catalog-enricher/internal/api/router"
	"github.com/cuongbtq/catalog-enricher/internal/app"
	"github.com/cuongbtq/catalog-enricher/internal/config"
	"github.com/cuongbtq/catalog-enricher/internal/dispatch"
	"github.com/cuongbtq/catalog-enricher/internal/orchestrator"
	"github.com/cuongbtq/catalog-enricher/internal/worker"
	"github.com/cuongbtq/catalog-enricher/shared/database"
	"github.com/cuongbtq/catalog-enricher/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// the in-process runner needs the worker settings as well
	validate := cfg.ValidateAPIConfig
	if cfg.Dispatch.Mode == config.DispatchLocal {
		validate = cfg.Validate
	}
	if err := validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := app.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("dispatch", cfg.Dispatch.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	var (
		rabbitClient *rabbitmq.Client
		runner       *worker.Worker
		runnerWG     sync.WaitGroup
	)

	switch cfg.Dispatch.Mode {
	case config.DispatchRabbitMQ:
		rabbitClient, err = app.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		orch.SetDispatcher(dispatch.NewRabbitMQ(rabbitClient, appLogger.Logger))
		appLogger.Info("RabbitMQ connection established")
	default:
		runner = app.NewWorker(cfg, orch, nil, appLogger.Logger)
		orch.SetDispatcher(dispatch.NewLocal(runner, appLogger.Logger))

		runnerWG.Add(1)
		go func() {
			defer runnerWG.Done()
			if err := runner.Start(ctx); err != nil {
				appLogger.Error("Job runner stopped", slog.Any("error", err))
			}
		}()
	}

	r := initRouter(cfg, appLogger.Logger, orch, dbClient, rabbitClient)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		runErr = err
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		runErr = errors.Join(runErr, err)
	}

	if runner != nil {
		stopRunner(runner, &runnerWG, cfg.Worker.ShutdownTimeout, appLogger.Logger)
	}

	appLogger.Info("Server shutdown complete", slog.String("db_stats", dbClient.Stats()))
	return runErr
}

// stopRunner waits for in-flight jobs to reach a checkpoint. Jobs still running afterwards keep
// their running status and are re-claimed once their heartbeat goes stale.
func stopRunner(runner *worker.Worker, wg *sync.WaitGroup, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		runner.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Job runner stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Job runner shutdown timeout exceeded, forcing exit")
	}
}

type serviceHealth struct {
	db     *database.Client
	rabbit *rabbitmq.Client
}

func (h serviceHealth) HealthCheck(ctx context.Context) error {
	if err := h.db.HealthCheck(ctx); err != nil {
		return err
	}
	if h.rabbit != nil && !h.rabbit.IsConnected() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, orch *orchestrator.Orchestrator, dbClient *database.Client, rabbitClient *rabbitmq.Client) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Jobs:        orch,
		Health:      serviceHealth{db: dbClient, rabbit: rabbitClient},
		ServiceName: cfg.App.Name,
	})
}
