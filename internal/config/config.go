package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Dispatch modes
const (
	DispatchLocal    = "local"
	DispatchRabbitMQ = "rabbitmq"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Crawler    CrawlerConfig    `yaml:"crawler"`
	Pricelists PricelistsConfig `yaml:"pricelists"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres, pgx or sqlite3
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// IsSQLite reports whether the embedded store is configured.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite3"
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds job runner configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	QueueSize         int           `yaml:"queue_size"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DispatchConfig selects how accepted jobs reach a runner
type DispatchConfig struct {
	Mode string `yaml:"mode"`
}

// EnrichmentConfig holds job admission and merger settings
type EnrichmentConfig struct {
	MaxActiveJobs   int           `yaml:"max_active_jobs"`
	ItemConcurrency int           `yaml:"item_concurrency"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// CrawlerConfig holds vendor fetch settings
type CrawlerConfig struct {
	UserAgent         string        `yaml:"user_agent"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

// PricelistsConfig locates price-list data files
type PricelistsConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// zero is a meaningful max_retries, so its default is seeded before decoding
	config := Config{Enrichment: EnrichmentConfig{MaxRetries: 1}}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills tunables left unset in the file.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Dispatch.Mode == "" {
		c.Dispatch.Mode = DispatchLocal
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 2
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 64
	}
	if c.Worker.JobTimeout <= 0 {
		c.Worker.JobTimeout = 2 * time.Hour
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 10 * time.Second
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = 15 * time.Second
	}
	if c.Worker.StaleAfter <= 0 {
		c.Worker.StaleAfter = 6 * c.Worker.HeartbeatInterval
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}

	if c.Enrichment.MaxActiveJobs <= 0 {
		c.Enrichment.MaxActiveJobs = 10
	}
	if c.Enrichment.ItemConcurrency <= 0 {
		c.Enrichment.ItemConcurrency = 4
	}
	if c.Enrichment.MaxRetries < 0 {
		c.Enrichment.MaxRetries = 0
	}
	if c.Enrichment.RetryBackoff <= 0 {
		c.Enrichment.RetryBackoff = time.Second
	}
	if c.Enrichment.MaxRetryBackoff <= 0 {
		c.Enrichment.MaxRetryBackoff = 30 * time.Second
	}

	if c.Crawler.UserAgent == "" {
		c.Crawler.UserAgent = "Mozilla/5.0 (compatible; CatalogEnricher/1.0)"
	}
	if c.Crawler.RequestTimeout <= 0 {
		c.Crawler.RequestTimeout = 10 * time.Second
	}
	if c.Crawler.RequestsPerSecond <= 0 {
		c.Crawler.RequestsPerSecond = 2
	}
	if c.Crawler.Burst <= 0 {
		c.Crawler.Burst = 1
	}
	if c.Crawler.MaxBodyBytes <= 0 {
		c.Crawler.MaxBodyBytes = 5 << 20
	}
}

// Validate checks everything both services need.
func (c *Config) Validate() error {
	if err := c.ValidateAPIConfig(); err != nil {
		return err
	}
	return c.ValidateWorkerConfig()
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Enrichment.MaxActiveJobs <= 0 {
		return fmt.Errorf("enrichment max_active_jobs must be greater than 0")
	}

	return c.validateDispatch()
}

// ValidateWorkerConfig checks the settings the job runner depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_after must be greater than heartbeat_interval")
	}

	if c.Enrichment.ItemConcurrency <= 0 {
		return fmt.Errorf("enrichment item_concurrency must be greater than 0")
	}

	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler request_timeout must be greater than 0")
	}

	return c.validateDispatch()
}

// ValidateDatabaseConfig checks the database section only; admin tooling needs nothing else.
func (c *Config) ValidateDatabaseConfig() error {
	return c.validateDatabase()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite3")
		}
		return nil
	case "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateDispatch() error {
	switch c.Dispatch.Mode {
	case DispatchLocal:
		return nil
	case DispatchRabbitMQ:
	default:
		return fmt.Errorf("unsupported dispatch mode: %q", c.Dispatch.Mode)
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
