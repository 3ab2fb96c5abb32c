package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != "8081" {
		t.Errorf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.SelfCheckinBefore != 10*time.Minute || cfg.SelfCheckinAfter != 10*time.Minute {
		t.Errorf("self check-in offsets = %v/%v", cfg.SelfCheckinBefore, cfg.SelfCheckinAfter)
	}
	if cfg.WindowDefaultDuration != 2*time.Minute {
		t.Errorf("WindowDefaultDuration = %v", cfg.WindowDefaultDuration)
	}
	if cfg.QueueKey != "attendance:checkins" {
		t.Errorf("QueueKey = %q", cfg.QueueKey)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("WINDOW_DEFAULT_DURATION", "3m")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("QUEUE_BACKEND", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != "9000" {
		t.Errorf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.WindowDefaultDuration != 3*time.Minute {
		t.Errorf("WindowDefaultDuration = %v", cfg.WindowDefaultDuration)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Errorf("WorkerConcurrency = %d", cfg.WorkerConcurrency)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.QueueBackend != "memory" {
		t.Errorf("QueueBackend = %q", cfg.QueueBackend)
	}
}

func TestValidateRejects(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]func(*App){
		"empty key":     func(a *App) { a.JWTSigningKey = "" },
		"bad timezone":  func(a *App) { a.Timezone = "Mars/Olympus" },
		"bad queue":     func(a *App) { a.QueueBackend = "kafka" },
		"bad store":     func(a *App) { a.StoreBackend = "sqlite" },
		"zero workers":  func(a *App) { a.WorkerConcurrency = 0 },
		"zero duration": func(a *App) { a.WindowDefaultDuration = 0 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
