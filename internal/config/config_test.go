package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "REDIS_URL", "CONCURRENCY", "QUEUES", "FETCH_TIMEOUT", "SHUTDOWN_TIMEOUT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("unexpected default RedisURL: %s", cfg.RedisURL)
	}
	if cfg.Concurrency != 5 {
		t.Errorf("unexpected default Concurrency: %d", cfg.Concurrency)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0] != "default" {
		t.Errorf("unexpected default Queues: %v", cfg.Queues)
	}
	if cfg.FetchTimeout != 2*time.Second {
		t.Errorf("unexpected default FetchTimeout: %v", cfg.FetchTimeout)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t, "CONCURRENCY", "QUEUES", "REDIS_URL")
	os.Setenv("CONCURRENCY", "12")
	os.Setenv("QUEUES", "critical, default, low")
	os.Setenv("REDIS_URL", "redis://redis.internal:6380")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Concurrency != 12 {
		t.Errorf("expected Concurrency=12, got %d", cfg.Concurrency)
	}
	want := []string{"critical", "default", "low"}
	if len(cfg.Queues) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.Queues)
	}
	for i := range want {
		if cfg.Queues[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.Queues)
		}
	}
	if cfg.RedisURL != "redis://redis.internal:6380" {
		t.Errorf("unexpected RedisURL: %s", cfg.RedisURL)
	}
}

func TestLoadResolvesRedisURLThroughProviderIndirection(t *testing.T) {
	clearEnv(t, "REDIS_URL", "REDIS_URL_ENV", "REDIS_URL_FROM_PROVIDER")
	os.Setenv("REDIS_URL_ENV", "REDIS_URL_FROM_PROVIDER")
	os.Setenv("REDIS_URL_FROM_PROVIDER", "redis://provider.internal:6381")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RedisURL != "redis://provider.internal:6381" {
		t.Errorf("expected RedisURL resolved through REDIS_URL_ENV indirection, got %s", cfg.RedisURL)
	}
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	clearEnv(t, "CONCURRENCY")
	os.Setenv("CONCURRENCY", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for CONCURRENCY=0")
	}
}
