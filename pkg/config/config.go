package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
		Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP server timeout"`
	} `yaml:"server" json:"server" jsonschema:"description=Server configuration"`

	Database struct {
		DSN             string `yaml:"dsn" json:"dsn" jsonschema:"default=file:opds-tools.db?cache=shared&mode=rwc,description=Job store connection string"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
	} `yaml:"database" json:"database" jsonschema:"description=Job store configuration"`

	Crawl CrawlConfig `yaml:"crawl" json:"crawl" jsonschema:"description=Feed crawling configuration"`

	Jobs JobsConfig `yaml:"jobs" json:"jobs" jsonschema:"description=Analysis job retention configuration"`
}

// CrawlConfig holds feed crawling settings
type CrawlConfig struct {
	Timeout    time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP timeout per page fetch"`
	Attempts   int           `yaml:"attempts" json:"attempts" jsonschema:"default=3,minimum=1,description=Retry attempts per Accept header on transient failures"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" jsonschema:"default=500ms,description=Initial backoff delay between retries"`
	MaxPages   int           `yaml:"max_pages" json:"max_pages" jsonschema:"default=0,minimum=0,description=Default page limit per crawl (0 means unlimited)"`
	Workers    int           `yaml:"workers" json:"workers" jsonschema:"default=5,minimum=1,description=Fetch pool size in parallel mode"`
	Parallel   bool          `yaml:"parallel" json:"parallel" jsonschema:"default=false,description=Fetch discovered pages concurrently"`
	UserAgent  string        `yaml:"user_agent" json:"user_agent" jsonschema:"default=opds-tools/1.0,description=User agent for feed requests"`
}

// JobsConfig holds analysis job store settings
type JobsConfig struct {
	Retention       time.Duration `yaml:"retention" json:"retention" jsonschema:"default=24h,description=How long finished jobs are kept"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" jsonschema:"default=1h,description=How often expired jobs are purged"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()

	// validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// verify against embedded schema
	if err := VerifyAgainstEmbeddedSchema(&cfg); err != nil {
		// log warning but don't fail - schema validation is supplementary
		fmt.Printf("warning: schema validation failed: %v\n", err)
	}

	return &cfg, nil
}

// SetDefaults fills zero-valued fields with defaults.
func (c *Config) SetDefaults() {
	// set defaults for server
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 30 * time.Second
	}

	// set defaults for database
	if c.Database.DSN == "" {
		c.Database.DSN = "file:opds-tools.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 3600
	}

	// set defaults for crawl
	if c.Crawl.Timeout == 0 {
		c.Crawl.Timeout = 30 * time.Second
	}
	if c.Crawl.Attempts == 0 {
		c.Crawl.Attempts = 3
	}
	if c.Crawl.RetryDelay == 0 {
		c.Crawl.RetryDelay = 500 * time.Millisecond
	}
	if c.Crawl.Workers == 0 {
		c.Crawl.Workers = 5
	}
	if c.Crawl.UserAgent == "" {
		c.Crawl.UserAgent = "opds-tools/1.0"
	}

	// set defaults for jobs
	if c.Jobs.Retention == 0 {
		c.Jobs.Retention = 24 * time.Hour
	}
	if c.Jobs.CleanupInterval == 0 {
		c.Jobs.CleanupInterval = time.Hour
	}
}

// validate checks configuration for correctness
func validate(cfg *Config) error {
	// validate server config
	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server timeout must be at least 1 second")
	}

	// validate crawl config
	if cfg.Crawl.Timeout < time.Second {
		return fmt.Errorf("crawl.timeout must be at least 1 second")
	}
	if cfg.Crawl.Attempts < 1 {
		return fmt.Errorf("crawl.attempts must be at least 1")
	}
	if cfg.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be non-negative")
	}
	if cfg.Crawl.Workers < 1 {
		return fmt.Errorf("crawl.workers must be at least 1")
	}

	// validate jobs config
	if cfg.Jobs.Retention < time.Minute {
		return fmt.Errorf("jobs.retention must be at least 1 minute")
	}

	return nil
}

// GetServerConfig returns server configuration
func (c *Config) GetServerConfig() (listen string, timeout time.Duration) {
	return c.Server.Listen, c.Server.Timeout
}

// GetCrawlConfig returns feed crawling configuration
func (c *Config) GetCrawlConfig() CrawlConfig {
	return c.Crawl
}

// GetJobsConfig returns job store configuration
func (c *Config) GetJobsConfig() JobsConfig {
	return c.Jobs
}
