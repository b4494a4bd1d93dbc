package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
mode = "sim"
log_level = "debug"

[engine]
sweep_interval = "2s"
poll_interval = "30s"

[database]
host = "db.internal"
port = 5433

[server]
port = 9090
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Mode != "sim" {
		t.Errorf("Mode=%q want=sim", cfg.Mode)
	}
	if cfg.Engine.SweepInterval.Duration != 2*time.Second {
		t.Errorf("SweepInterval=%v want=2s", cfg.Engine.SweepInterval.Duration)
	}
	if cfg.Engine.PollInterval.Duration != 30*time.Second {
		t.Errorf("PollInterval=%v want=30s", cfg.Engine.PollInterval.Duration)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("Database=%s:%d want=db.internal:5433", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port=%d want=9090", cfg.Server.Port)
	}

	// Untouched sections keep their defaults.
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr=%q want default localhost:6379", cfg.Redis.Addr)
	}
	if cfg.Engine.SimTick.Duration != time.Second {
		t.Errorf("SimTick=%v want default 1s", cfg.Engine.SimTick.Duration)
	}
	if !cfg.Database.RunMigrations {
		t.Errorf("RunMigrations lost its default")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
mode = "sim"

[vendor]
api_key = "from-file"

[redis]
addr = "file:6379"
`)

	t.Setenv("DESKD_VENDOR_API_KEY", "from-env")
	t.Setenv("DESKD_REDIS_ADDR", "env:6380")
	t.Setenv("DESKD_ENGINE_POLL_INTERVAL", "45s")
	t.Setenv("DESKD_DATABASE_RUN_MIGRATIONS", "false")
	t.Setenv("DESKD_SERVER_CORS_ORIGINS", "https://desk.example.com, https://ops.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Vendor.ApiKey != "from-env" {
		t.Errorf("Vendor.ApiKey=%q want=from-env", cfg.Vendor.ApiKey)
	}
	if cfg.Redis.Addr != "env:6380" {
		t.Errorf("Redis.Addr=%q want=env:6380", cfg.Redis.Addr)
	}
	if cfg.Engine.PollInterval.Duration != 45*time.Second {
		t.Errorf("PollInterval=%v want=45s", cfg.Engine.PollInterval.Duration)
	}
	if cfg.Database.RunMigrations {
		t.Errorf("RunMigrations=true want env override false")
	}
	want := []string{"https://desk.example.com", "https://ops.example.com"}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != want[0] || cfg.Server.CORSOrigins[1] != want[1] {
		t.Errorf("CORSOrigins=%v want=%v", cfg.Server.CORSOrigins, want)
	}
}

func TestValidate_SimModeNeedsNoVendorCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "sim"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("sim mode should validate without vendor credentials: %v", err)
	}
}

func TestValidate_LiveModeRequiresVendorCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("live mode validated without credentials")
	}
	if !strings.Contains(err.Error(), "vendor: api_key is required") {
		t.Errorf("error does not mention missing api_key: %v", err)
	}

	cfg.Vendor.ApiKey = "key"
	cfg.Vendor.ApiSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("live mode with credentials failed: %v", err)
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "nonsense"
	cfg.LogLevel = "loud"
	cfg.Redis.Addr = ""
	cfg.Server.Port = 99999

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	for _, frag := range []string{"unknown mode", "unknown log_level", "redis: addr", "server: port"} {
		if !strings.Contains(err.Error(), frag) {
			t.Errorf("error missing %q: %v", frag, err)
		}
	}
}

func TestValidate_EncryptedSecretNeedsPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "sim"
	cfg.Vendor.EncryptedSecretPath = "/etc/deskd/secret.enc"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "secret_password is required") {
		t.Fatalf("missing password not caught: %v", err)
	}

	cfg.Vendor.SecretPassword = "pw"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("password set but validation failed: %v", err)
	}
}

func TestValidate_TelegramPair(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "sim"
	cfg.Notify.TelegramToken = "tok"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "telegram_token and telegram_chat_id") {
		t.Fatalf("lone telegram token not caught: %v", err)
	}

	cfg.Notify.TelegramChatID = "42"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("paired telegram credentials failed: %v", err)
	}
}

func TestRedactedConfig_MasksSecretsOnly(t *testing.T) {
	cfg := Defaults()
	cfg.Vendor.ApiKey = "vendor-key"
	cfg.Vendor.ApiSecret = "vendor-secret"
	cfg.Database.Password = "db-pass"
	cfg.Redis.Password = "redis-pass"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.ApiToken = "server-token"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"vendor api key":    red.Vendor.ApiKey,
		"vendor api secret": red.Vendor.ApiSecret,
		"db password":       red.Database.Password,
		"redis password":    red.Redis.Password,
		"s3 secret":         red.S3.SecretKey,
		"server token":      red.Server.ApiToken,
		"telegram token":    red.Notify.TelegramToken,
	} {
		if got != "***" {
			t.Errorf("%s not redacted: %q", name, got)
		}
	}

	if red.Database.Host != cfg.Database.Host {
		t.Errorf("non-secret field changed: %q", red.Database.Host)
	}
	if cfg.Vendor.ApiSecret != "vendor-secret" {
		t.Errorf("original mutated: %q", cfg.Vendor.ApiSecret)
	}

	// Mutating the redacted copy's slices must not leak back.
	red.Notify.Events[0] = "changed"
	if cfg.Notify.Events[0] == "changed" {
		t.Errorf("events slice shared with original")
	}
}
