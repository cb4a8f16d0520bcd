// Package config loads daemon configuration from a YAML file with ADFLOW_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// WorkerConfig configures the claim-poll worker.
type WorkerConfig struct {
	// ID identifies the worker in claims. Empty means auto-generated.
	ID string `yaml:"id"`

	// LeaseTTL is the claim lease duration.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// PollInterval is the sleep between empty claim scans.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Config is the daemon configuration.
type Config struct {
	// Backend selects the run-store backend: memory, sqlite, postgres or
	// redis.
	Backend string `yaml:"backend"`

	// DSN is the backend connection string: a file path for sqlite, a
	// postgres URL, or a host:port for redis. Ignored for memory.
	DSN string `yaml:"dsn"`

	// ArtifactDSN is the SQLite or Postgres database holding the module
	// artifact tables. Defaults to DSN for the sql backends and to a local
	// sqlite file otherwise.
	ArtifactDSN string `yaml:"artifact_dsn"`

	// ListenAddr is the HTTP API listen address.
	ListenAddr string `yaml:"listen_addr"`

	Worker WorkerConfig `yaml:"worker"`

	// QCThreshold is the minimum review score the default reviewer accepts.
	QCThreshold int `yaml:"qc_threshold"`
}

// Default returns the configuration used when no file or overrides are
// given: an in-process sqlite setup suitable for local development.
func Default() Config {
	return Config{
		Backend:     BackendSQLite,
		DSN:         "adflow.db",
		ListenAddr:  ":8080",
		QCThreshold: 70,
		Worker: WorkerConfig{
			LeaseTTL:     30 * time.Second,
			PollInterval: 2 * time.Second,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// ADFLOW_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ADFLOW_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("ADFLOW_DSN"); v != "" {
		c.DSN = v
	}
	if v := os.Getenv("ADFLOW_ARTIFACT_DSN"); v != "" {
		c.ArtifactDSN = v
	}
	if v := os.Getenv("ADFLOW_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("ADFLOW_WORKER_ID"); v != "" {
		c.Worker.ID = v
	}
	if v := os.Getenv("ADFLOW_LEASE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ADFLOW_LEASE_TTL: %w", err)
		}
		c.Worker.LeaseTTL = d
	}
	if v := os.Getenv("ADFLOW_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ADFLOW_POLL_INTERVAL: %w", err)
		}
		c.Worker.PollInterval = d
	}
	if v := os.Getenv("ADFLOW_QC_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ADFLOW_QC_THRESHOLD: %w", err)
		}
		c.QCThreshold = n
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend != BackendMemory && c.DSN == "" {
		return fmt.Errorf("backend %q requires a dsn", c.Backend)
	}
	if c.Worker.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.QCThreshold < 0 || c.QCThreshold > 100 {
		return fmt.Errorf("qc_threshold must be within [0,100]")
	}
	return nil
}

// ArtifactDatabase returns the DSN of the SQL database the module stores
// use, falling back per backend.
func (c *Config) ArtifactDatabase() string {
	if c.ArtifactDSN != "" {
		return c.ArtifactDSN
	}
	switch c.Backend {
	case BackendSQLite, BackendPostgres:
		return c.DSN
	default:
		return "adflow_artifacts.db"
	}
}
