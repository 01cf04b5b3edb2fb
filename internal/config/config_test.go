package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
database:
  dsn: "file:test.db"
jwt:
  secret: "s3cret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Limits.LoginPerHour != 5 || cfg.Limits.GeneratePerHour != 20 {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
	if cfg.Limits.LockoutThreshold != 5 || cfg.LockoutDuration() != 30*time.Minute {
		t.Fatalf("lockout = %+v", cfg.Limits)
	}
	if cfg.Provider.Timeout != 55*time.Second {
		t.Fatalf("provider timeout = %v", cfg.Provider.Timeout)
	}
	if cfg.JWTExpiry() != 72*time.Hour {
		t.Fatalf("jwt expiry = %v", cfg.JWTExpiry())
	}
}

func TestLoadParsesFullFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  listen_addr: ":9000"
database:
  dsn: "postgres://app@localhost/app"
redis:
  addr: "localhost:6379"
  db: 2
jwt:
  secret: "s3cret"
  expiry_hours: 24
stripe:
  webhook_secret: "whsec_test"
  price_credits:
    price_basic: 100
    price_pro: 500
provider:
  base_url: "https://letters.internal"
  timeout: 30s
limits:
  login_per_hour: 10
  generate_per_hour: 50
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
	if got := cfg.Stripe.PriceCredits["price_pro"]; got != 500 {
		t.Fatalf("price_pro credits = %d", got)
	}
	if cfg.Provider.Timeout != 30*time.Second {
		t.Fatalf("provider timeout = %v", cfg.Provider.Timeout)
	}
	if cfg.Limits.LoginPerHour != 10 || cfg.Limits.GeneratePerHour != 50 {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
database:
  dsn: "file:file.db"
jwt:
  secret: "from-file"
`)
	t.Setenv("BM_DATABASE_DSN", "postgres://env@localhost/app")
	t.Setenv("BM_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://env@localhost/app" {
		t.Fatalf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.JWT.Secret != "from-env" {
		t.Fatalf("jwt secret = %q", cfg.JWT.Secret)
	}
}

func TestValidateRequiresDSN(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); !errors.Is(err, ErrMissingDSN) {
		t.Fatalf("err = %v, want ErrMissingDSN", err)
	}
}
