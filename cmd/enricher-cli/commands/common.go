package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/cuongbtq/catalog-enricher/internal/app"
	"github.com/cuongbtq/catalog-enricher/internal/config"
	"github.com/cuongbtq/catalog-enricher/internal/dispatch"
	"github.com/cuongbtq/catalog-enricher/internal/orchestrator"
	"github.com/cuongbtq/catalog-enricher/internal/storage"
	"github.com/cuongbtq/catalog-enricher/shared/database"
	"github.com/cuongbtq/catalog-enricher/shared/logger"
	"github.com/cuongbtq/catalog-enricher/shared/rabbitmq"
)

// AppContext holds what a command needs: configuration, the store and the orchestrator
type AppContext struct {
	Config       *config.Config
	Logger       *logger.Logger
	DB           *database.Client
	Store        *storage.Storage
	Orchestrator *orchestrator.Orchestrator

	rabbit *rabbitmq.Client
}

// NewAppContext loads the configuration named by --config and opens the database.
// Unlike the services it never migrates implicitly; use the migrate command.
func NewAppContext(ctx context.Context, cmd *cli.Command) (*AppContext, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateDatabaseConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// command output goes to stdout, so logs stay on stderr
	appLogger, err := logger.New(&logger.Config{
		Level:  cmd.String("log-level"),
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	dbClient, err := app.InitDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	return &AppContext{
		Config:       cfg,
		Logger:       appLogger,
		DB:           dbClient,
		Store:        store,
		Orchestrator: app.NewOrchestrator(cfg, store, appLogger.Logger),
	}, nil
}

// EnableDispatch publishes created jobs when the deployment runs the RabbitMQ worker service.
// With local dispatch the job waits in queued for a runner's poller.
func (ac *AppContext) EnableDispatch() error {
	if ac.Config.Dispatch.Mode != config.DispatchRabbitMQ {
		return nil
	}

	client, err := app.InitRabbitMQ(&ac.Config.RabbitMQ, ac.Logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	ac.rabbit = client
	ac.Orchestrator.SetDispatcher(dispatch.NewRabbitMQ(client, ac.Logger.Logger))
	return nil
}

// Close releases the connections held by the context
func (ac *AppContext) Close() {
	if ac.rabbit != nil {
		ac.rabbit.Close()
	}
	if ac.DB != nil {
		ac.DB.Close()
	}
}

func (ac *AppContext) log() *slog.Logger {
	return ac.Logger.Logger
}

func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func newTable(cmd *cli.Command) *tablewriter.Table {
	return tablewriter.NewWriter(output(cmd))
}
