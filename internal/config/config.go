// Package config loads engine configuration from a YAML file with
// environment-variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	SES      SESConfig      `yaml:"ses"`
}

// ServerConfig holds the ops HTTP listener settings (/healthz, /stats).
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig is optional. When a URL is set, the send gate becomes a shared
// Redis gate so multiple worker processes honor one aggregate rate.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// EngineConfig holds the delivery engine tuning knobs.
type EngineConfig struct {
	PollIntervalSeconds    int     `yaml:"poll_interval_seconds"`
	BatchSize              int     `yaml:"batch_size"`
	Workers                int     `yaml:"workers"`
	EmailsPerSecond        float64 `yaml:"emails_per_second"`
	RetryAttempts          int     `yaml:"retry_attempts"`
	BackoffBaseSeconds     int     `yaml:"backoff_base_seconds"`
	AttemptTimeoutSeconds  int     `yaml:"attempt_timeout_seconds"`
	ClaimBatchSize         int     `yaml:"claim_batch_size"`
	RecoveryIntervalSecond int     `yaml:"recovery_interval_seconds"`
}

// SESConfig holds AWS SES credentials and sender identity.
type SESConfig struct {
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	FromName       string `yaml:"from_name"`
	FromEmail      string `yaml:"from_email"`
	DefaultSubject string `yaml:"default_subject"`
}

// ListenAddr returns the ops HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PollInterval returns the scheduler poll period.
func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSeconds) * time.Second
}

// BackoffBase returns the base delay for exponential retry backoff.
func (e EngineConfig) BackoffBase() time.Duration {
	return time.Duration(e.BackoffBaseSeconds) * time.Second
}

// AttemptTimeout returns the hard per-attempt deadline.
func (e EngineConfig) AttemptTimeout() time.Duration {
	return time.Duration(e.AttemptTimeoutSeconds) * time.Second
}

// RecoveryInterval returns how often the queue recovery pass runs.
func (e EngineConfig) RecoveryInterval() time.Duration {
	return time.Duration(e.RecoveryIntervalSecond) * time.Second
}

// MaxAttempts returns the total attempt budget: one initial attempt plus the
// configured retries.
func (e EngineConfig) MaxAttempts() int { return 1 + e.RetryAttempts }

// Load reads configuration from the given YAML file, then applies environment
// overrides. A missing file is not an error; defaults plus environment are
// enough to run.
func Load(path string) (*Config, error) {
	// Best-effort .env for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.applyDefaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults() // re-fill anything the file explicitly zeroed

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetimeMinutes == 0 {
		c.Database.ConnMaxLifetimeMinutes = 5
	}
	if c.Engine.PollIntervalSeconds == 0 {
		c.Engine.PollIntervalSeconds = 60
	}
	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = 10
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = 10
	}
	if c.Engine.EmailsPerSecond == 0 {
		c.Engine.EmailsPerSecond = 10
	}
	if c.Engine.RetryAttempts == 0 {
		c.Engine.RetryAttempts = 3
	}
	if c.Engine.BackoffBaseSeconds == 0 {
		c.Engine.BackoffBaseSeconds = 2
	}
	if c.Engine.AttemptTimeoutSeconds == 0 {
		c.Engine.AttemptTimeoutSeconds = 120
	}
	if c.Engine.ClaimBatchSize == 0 {
		c.Engine.ClaimBatchSize = 10
	}
	if c.Engine.RecoveryIntervalSecond == 0 {
		c.Engine.RecoveryIntervalSecond = 120
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-east-1"
	}
	if c.SES.DefaultSubject == "" {
		c.SES.DefaultSubject = "You have a new update"
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" && c.SES.AccessKey == "" {
		c.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" && c.SES.SecretKey == "" {
		c.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.SES.Region = v
	}
}

// Validate checks invariants the engine depends on.
func (c *Config) Validate() error {
	if c.Engine.EmailsPerSecond <= 0 {
		return fmt.Errorf("engine.emails_per_second must be positive")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Engine.RetryAttempts < 0 {
		return fmt.Errorf("engine.retry_attempts must not be negative")
	}
	return nil
}
