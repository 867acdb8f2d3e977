// Package config loads and validates server configuration from environment
// variables layered over an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	Signing   SigningConfig   `yaml:"signing" envconfig:"SIGNING"`
	Webhook   WebhookConfig   `yaml:"webhook" envconfig:"WEBHOOK"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig contains the relational store configuration.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME" default:"30m"`
}

// RedisConfig contains the shared rate-limit counter store configuration.
// When Addr is empty the server falls back to in-process counters, which is
// only correct for a single gateway instance.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB" default:"0"`
}

// SigningConfig contains the Ed25519 key material for license grants and the
// CRL. Keys are base64url-encoded; the private key is the 32-byte seed.
type SigningConfig struct {
	PrivateKeyB64 string `yaml:"private_key_b64" envconfig:"PRIVATE_KEY_B64"`
	PublicKeyB64  string `yaml:"public_key_b64" envconfig:"PUBLIC_KEY_B64"`
	KeyVersion    int    `yaml:"key_version" envconfig:"KEY_VERSION" default:"1"`
}

// WebhookConfig contains the payment provider delivery secret.
type WebhookConfig struct {
	Secret    string        `yaml:"secret" envconfig:"SECRET"`
	Tolerance time.Duration `yaml:"tolerance" envconfig:"TOLERANCE" default:"5m"`
}

// AuthConfig contains the session token secret and admin credentials for
// operator endpoints.
type AuthConfig struct {
	SessionSecret string `yaml:"session_secret" envconfig:"SESSION_SECRET"`
	AdminKey      string `yaml:"admin_key" envconfig:"ADMIN_KEY"`
}

// RateLimitConfig contains the sliding-window limits enforced by the
// activation gateway, plus the coarse global token bucket.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	GlobalRPS     float64       `yaml:"global_rps" envconfig:"GLOBAL_RPS" default:"100"`
	GlobalBurst   int           `yaml:"global_burst" envconfig:"GLOBAL_BURST" default:"50"`
	PerIP         int           `yaml:"per_ip" envconfig:"PER_IP" default:"30"`
	PerIPWindow   time.Duration `yaml:"per_ip_window" envconfig:"PER_IP_WINDOW" default:"15m"`
	PerKey        int           `yaml:"per_key" envconfig:"PER_KEY" default:"10"`
	PerKeyWindow  time.Duration `yaml:"per_key_window" envconfig:"PER_KEY_WINDOW" default:"15m"`
	Global        int           `yaml:"global" envconfig:"GLOBAL" default:"1000"`
	GlobalWindow  time.Duration `yaml:"global_window" envconfig:"GLOBAL_WINDOW" default:"1m"`
	PerUser       int           `yaml:"per_user" envconfig:"PER_USER" default:"30"`
	PerUserWindow time.Duration `yaml:"per_user_window" envconfig:"PER_USER_WINDOW" default:"24h"`
	CRL           int           `yaml:"crl" envconfig:"CRL" default:"10"`
	CRLWindow     time.Duration `yaml:"crl_window" envconfig:"CRL_WINDOW" default:"1h"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// Load loads configuration from environment variables and an optional
// config file. Environment takes precedence over file values.
func Load() (*Config, error) {
	var cfg Config

	if path := configFilePath(); path != "" {
		fileCfg, err := loadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = *fileCfg
	}

	if err := envconfig.Process("VOX", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate enforces the invariants a running server depends on. Missing
// signing keys or webhook secrets are configuration errors: the server must
// fail loudly at startup rather than degrade to unsigned artifacts.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be configured")
	}
	if c.Signing.PrivateKeyB64 == "" || c.Signing.PublicKeyB64 == "" {
		return fmt.Errorf("signing keys must be configured (run keygen and set VOX_SIGNING_PRIVATE_KEY_B64 / VOX_SIGNING_PUBLIC_KEY_B64)")
	}
	if c.Signing.KeyVersion < 1 {
		return fmt.Errorf("signing key version must be >= 1")
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret must be configured")
	}
	return nil
}

// configFilePath returns the first config file found in the conventional
// locations, or empty if none exists.
func configFilePath() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns a configuration suitable for tests.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "file::memory:?cache=shared",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Signing: SigningConfig{KeyVersion: 1},
		Webhook: WebhookConfig{Tolerance: 5 * time.Minute},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			GlobalRPS:     100,
			GlobalBurst:   50,
			PerIP:         30,
			PerIPWindow:   15 * time.Minute,
			PerKey:        10,
			PerKeyWindow:  15 * time.Minute,
			Global:        1000,
			GlobalWindow:  time.Minute,
			PerUser:       30,
			PerUserWindow: 24 * time.Hour,
			CRL:           10,
			CRLWindow:     time.Hour,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/app.log",
		},
	}
}
