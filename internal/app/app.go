// Package app wires configuration into the components shared by the service binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/catalog-enricher/internal/config"
	"github.com/cuongbtq/catalog-enricher/internal/crawler"
	"github.com/cuongbtq/catalog-enricher/internal/merger"
	"github.com/cuongbtq/catalog-enricher/internal/orchestrator"
	"github.com/cuongbtq/catalog-enricher/internal/pricelist"
	"github.com/cuongbtq/catalog-enricher/internal/storage"
	"github.com/cuongbtq/catalog-enricher/internal/worker"
	"github.com/cuongbtq/catalog-enricher/shared/database"
	"github.com/cuongbtq/catalog-enricher/shared/logger"
	"github.com/cuongbtq/catalog-enricher/shared/rabbitmq"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// InitDatabase opens the configured database
func InitDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	return database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// InitStorage builds the job store and applies the schema when auto_migrate is set.
func InitStorage(ctx context.Context, cfg *config.DatabaseConfig, client *database.Client, logger *slog.Logger) (*storage.Storage, error) {
	store := storage.NewStorage(client.GetDB(), logger)
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return store, nil
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// NewOrchestrator assembles crawler, merger and price-list reader around the store.
func NewOrchestrator(cfg *config.Config, store *storage.Storage, logger *slog.Logger) *orchestrator.Orchestrator {
	c := crawler.New(crawler.Config{
		UserAgent:         cfg.Crawler.UserAgent,
		RequestTimeout:    cfg.Crawler.RequestTimeout,
		RequestsPerSecond: cfg.Crawler.RequestsPerSecond,
		Burst:             cfg.Crawler.Burst,
		MaxBodyBytes:      cfg.Crawler.MaxBodyBytes,
	}, &http.Client{}, logger)

	m := merger.New(store, c, merger.Config{
		Concurrency:     cfg.Enrichment.ItemConcurrency,
		MaxRetries:      cfg.Enrichment.MaxRetries,
		RetryBackoff:    cfg.Enrichment.RetryBackoff,
		MaxRetryBackoff: cfg.Enrichment.MaxRetryBackoff,
	}, logger)

	return orchestrator.New(store, m, pricelist.NewReader(cfg.Pricelists.DataDir), orchestrator.Config{
		MaxActiveJobs: cfg.Enrichment.MaxActiveJobs,
		StaleAfter:    cfg.Worker.StaleAfter,
	}, logger)
}

// NewWorker builds a job runner for orch. source may be nil for an in-process runner.
func NewWorker(cfg *config.Config, orch *orchestrator.Orchestrator, source worker.MessageSource, logger *slog.Logger) *worker.Worker {
	return worker.NewWorker(&worker.Config{
		Logger:            logger,
		Executor:          orch,
		Source:            source,
		QueueName:         cfg.RabbitMQ.Queue.Name,
		WorkerID:          WorkerID(),
		Concurrency:       cfg.Worker.Concurrency,
		QueueSize:         cfg.Worker.QueueSize,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		PollInterval:      cfg.Worker.PollInterval,
	})
}

// WorkerID identifies this process in jobs.worker_id.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
