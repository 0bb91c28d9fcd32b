package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"API_ADDR", "PLANSYNC_STORE", "DATABASE_URL", "PLANSYNC_MIGRATIONS_DIR", "REDIS_URL",
		"PLANSYNC_SCHEMA_FILE", "PLANSYNC_HISTORY_DIR", "PLANSYNC_CORS_ORIGIN", "PLANSYNC_SHUTDOWN_SECONDS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Addr != ":8787" || cfg.Store != StorePostgres || cfg.CORSOrigin != "*" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MigrationsDir != "" || cfg.RedisURL != "" || cfg.SchemaFile != "" {
		t.Fatalf("optional settings should be empty: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("shutdown timeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("PLANSYNC_STORE", "Redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("PLANSYNC_HISTORY_DIR", "/var/lib/plansync")
	t.Setenv("PLANSYNC_SHUTDOWN_SECONDS", "3")

	cfg := Load()
	if cfg.Addr != ":9000" || cfg.Store != StoreRedis || cfg.RedisURL != "redis://cache:6379/2" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.HistoryDir != "/var/lib/plansync" || cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestGetenvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("PLANSYNC_SHUTDOWN_SECONDS", "soon")
	if got := getenvInt("PLANSYNC_SHUTDOWN_SECONDS", 7); got != 7 {
		t.Fatalf("getenvInt = %d", got)
	}
}
