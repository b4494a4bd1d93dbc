package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DESKD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DESKD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Vendor ──
	setStr(&cfg.Vendor.RestHost, "DESKD_VENDOR_REST_HOST")
	setStr(&cfg.Vendor.WsHost, "DESKD_VENDOR_WS_HOST")
	setStr(&cfg.Vendor.ApiKey, "DESKD_VENDOR_API_KEY")
	setStr(&cfg.Vendor.ApiSecret, "DESKD_VENDOR_API_SECRET")
	setStr(&cfg.Vendor.EncryptedSecretPath, "DESKD_VENDOR_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Vendor.SecretPassword, "DESKD_VENDOR_SECRET_PASSWORD")

	// ── Engine ──
	setDuration(&cfg.Engine.SweepInterval, "DESKD_ENGINE_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.PollInterval, "DESKD_ENGINE_POLL_INTERVAL")
	setDuration(&cfg.Engine.SimTick, "DESKD_ENGINE_SIM_TICK")

	// ── Database ──
	setStr(&cfg.Database.DSN, "DESKD_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DESKD_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "DESKD_DATABASE_HOST")
	setInt(&cfg.Database.Port, "DESKD_DATABASE_PORT")
	setStr(&cfg.Database.Database, "DESKD_DATABASE_NAME")
	setStr(&cfg.Database.User, "DESKD_DATABASE_USER")
	setStr(&cfg.Database.Password, "DESKD_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "DESKD_DATABASE_SSLMODE")
	setStr(&cfg.Database.SSLMode, "DESKD_DATABASE_SSL_MODE") // compatibility alias
	setInt(&cfg.Database.PoolMaxConns, "DESKD_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "DESKD_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "DESKD_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "DESKD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DESKD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DESKD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DESKD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DESKD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DESKD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "DESKD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DESKD_S3_REGION")
	setStr(&cfg.S3.Bucket, "DESKD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DESKD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DESKD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DESKD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DESKD_S3_FORCE_PATH_STYLE")

	// ── Pipeline ──
	setBool(&cfg.Pipeline.Enabled, "DESKD_PIPELINE_ENABLED")
	setDuration(&cfg.Pipeline.HistoryInterval, "DESKD_PIPELINE_HISTORY_INTERVAL")
	setStr(&cfg.Pipeline.ArchiveCron, "DESKD_PIPELINE_ARCHIVE_CRON")
	setInt(&cfg.Pipeline.ArchiveAfterDays, "DESKD_PIPELINE_ARCHIVE_AFTER_DAYS")
	setInt(&cfg.Pipeline.ArchiveBatchSize, "DESKD_PIPELINE_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DESKD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DESKD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DESKD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiToken, "DESKD_SERVER_API_TOKEN")
	setInt(&cfg.Server.RateLimitPerMinute, "DESKD_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DESKD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DESKD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DESKD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "DESKD_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.DedupWindow, "DESKD_NOTIFY_DEDUP_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "DESKD_MODE")
	setStr(&cfg.LogLevel, "DESKD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
