// Package config defines the top-level configuration for the desk daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DESKD_* environment variables.
type Config struct {
	Vendor   VendorConfig   `toml:"vendor"`
	Engine   EngineConfig   `toml:"engine"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// VendorConfig holds the market data vendor endpoints and credentials. The
// API secret can be supplied raw or as an encrypted file plus password.
type VendorConfig struct {
	RestHost            string `toml:"rest_host"`
	WsHost              string `toml:"ws_host"`
	ApiKey              string `toml:"api_key"`
	ApiSecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
}

// EngineConfig holds valuation engine timing parameters.
type EngineConfig struct {
	SweepInterval duration `toml:"sweep_interval"`
	PollInterval  duration `toml:"poll_interval"`
	SimTick       duration `toml:"sim_tick"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the cold
// archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PipelineConfig holds background job parameters: portfolio history
// sampling and the cold-storage archiver.
type PipelineConfig struct {
	Enabled          bool     `toml:"enabled"`
	HistoryInterval  duration `toml:"history_interval"`
	ArchiveCron      string   `toml:"archive_cron"`
	ArchiveAfterDays int      `toml:"archive_after_days"`
	ArchiveBatchSize int      `toml:"archive_batch_size"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	ApiToken           string   `toml:"api_token"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	DedupWindow       duration `toml:"dedup_window"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Vendor: VendorConfig{
			RestHost: "https://api.optionsfeed.example.com",
			WsHost:   "wss://stream.optionsfeed.example.com/v1",
		},
		Engine: EngineConfig{
			SweepInterval: duration{time.Second},
			PollInterval:  duration{15 * time.Second},
			SimTick:       duration{time.Second},
		},
		Database: DatabaseConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "optiondesk",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "optiondesk-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Pipeline: PipelineConfig{
			Enabled:          true,
			HistoryInterval:  duration{time.Minute},
			ArchiveCron:      "0 3 * * *",
			ArchiveAfterDays: 30,
			ArchiveBatchSize: 100,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events:      []string{"position_entered", "position_exited", "health_stale", "error"},
			DedupWindow: duration{5 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":    true,
	"sim":     true,
	"server":  true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// needsVendor reports whether the mode consumes the live vendor feed.
func needsVendor(mode string) bool {
	return mode == "live" || mode == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, sim, server, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Vendor credentials are only mandatory when the live feed runs.
	if needsVendor(mode) {
		if c.Vendor.RestHost == "" {
			errs = append(errs, "vendor: rest_host must not be empty for mode "+c.Mode)
		}
		if c.Vendor.WsHost == "" {
			errs = append(errs, "vendor: ws_host must not be empty for mode "+c.Mode)
		}
		if c.Vendor.ApiKey == "" {
			errs = append(errs, "vendor: api_key is required for mode "+c.Mode)
		}
		if c.Vendor.ApiSecret == "" && c.Vendor.EncryptedSecretPath == "" {
			errs = append(errs, "vendor: either api_secret or encrypted_secret_path must be set for mode "+c.Mode)
		}
	}
	if c.Vendor.EncryptedSecretPath != "" && c.Vendor.SecretPassword == "" {
		errs = append(errs, "vendor: secret_password is required when encrypted_secret_path is set")
	}

	// Engine timing
	if c.Engine.SweepInterval.Duration <= 0 {
		errs = append(errs, "engine: sweep_interval must be > 0")
	}
	if c.Engine.PollInterval.Duration <= 0 {
		errs = append(errs, "engine: poll_interval must be > 0")
	}
	if c.Engine.SimTick.Duration <= 0 {
		errs = append(errs, "engine: sim_tick must be > 0")
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Only the archiver touches object storage.
	if mode == "archive" || (mode == "full" && c.Pipeline.Enabled) {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Pipeline
	if c.Pipeline.Enabled {
		if c.Pipeline.HistoryInterval.Duration <= 0 {
			errs = append(errs, "pipeline: history_interval must be > 0 when enabled")
		}
		if c.Pipeline.ArchiveCron == "" {
			errs = append(errs, "pipeline: archive_cron must not be empty when enabled")
		}
		if c.Pipeline.ArchiveAfterDays < 1 {
			errs = append(errs, "pipeline: archive_after_days must be >= 1")
		}
		if c.Pipeline.ArchiveBatchSize < 1 {
			errs = append(errs, "pipeline: archive_batch_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMinute < 1 {
			errs = append(errs, "server: rate_limit_per_minute must be >= 1")
		}
	}

	// Chat credentials come in pairs.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
