package database

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite3"
)

// Config holds database connection configuration
type Config struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	Path            string // sqlite file path
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client represents a database client
type Client struct {
	db     *sqlx.DB
	config *Config
	logger *slog.Logger
}

// NewClient opens the database and verifies the connection
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	driver := config.Driver
	if driver == "" {
		driver = DriverPostgres
	}

	dsn, err := buildDSN(driver, config)
	if err != nil {
		return nil, err
	}

	logger.Info("Connecting to database",
		slog.String("driver", driver),
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("database", config.Database),
		slog.String("path", config.Path),
	)

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		logger.Error("Failed to open database",
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite allows a single writer; one connection avoids SQLITE_BUSY between our own goroutines
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("Failed to ping database",
			slog.Any("error", err),
		)
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == DriverSQLite {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", "PRAGMA foreign_keys=ON;"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	logger.Info("Successfully connected to database",
		slog.String("driver", driver),
		slog.Int("max_open_conns", db.Stats().MaxOpenConnections),
	)

	return &Client{
		db:     db,
		config: config,
		logger: logger,
	}, nil
}

func buildDSN(driver string, config *Config) (string, error) {
	switch driver {
	case DriverPostgres:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			config.Host,
			config.Port,
			config.User,
			config.Password,
			config.Database,
			config.SSLMode,
		), nil
	case DriverPgx:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(config.User, config.Password),
			Host:     fmt.Sprintf("%s:%d", config.Host, config.Port),
			Path:     config.Database,
			RawQuery: url.Values{"sslmode": []string{config.SSLMode}}.Encode(),
		}
		return u.String(), nil
	case DriverSQLite:
		if strings.TrimSpace(config.Path) == "" {
			return "", fmt.Errorf("sqlite path is required")
		}
		return config.Path, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// DriverName reports which driver the pool was opened with.
func (c *Client) DriverName() string {
	return c.db.DriverName()
}

// Close closes the database connection
func (c *Client) Close() error {
	c.logger.Info("Closing database connection")

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close database connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("Database connection closed successfully")
	return nil
}

// Ping checks the database connection
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Stats returns database statistics
func (c *Client) Stats() string {
	stats := c.db.Stats()
	return fmt.Sprintf(
		"MaxOpenConns: %d, OpenConns: %d, InUse: %d, Idle: %d, WaitCount: %d, WaitDuration: %s",
		stats.MaxOpenConnections,
		stats.OpenConnections,
		stats.InUse,
		stats.Idle,
		stats.WaitCount,
		stats.WaitDuration,
	)
}

// HealthCheck performs a health check on the database
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := c.db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("database query health check failed: %w", err)
	}

	return nil
}
