package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("expected 30s cache ttl, got %v", cfg.CacheTTL)
	}
	if cfg.NATSSubject != "kuji.events" {
		t.Errorf("unexpected subject %s", cfg.NATSSubject)
	}
	if cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Errorf("unexpected log defaults %s/%s", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BADGER_PATH", "/var/lib/kuji")
	t.Setenv("DRAW_RETRY_MAX_ELAPSED", "500ms")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.BadgerPath != "/var/lib/kuji" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.DrawRetryMaxElapsed != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %v", cfg.DrawRetryMaxElapsed)
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("CACHE_TTL", "soon")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"short sealing key", map[string]string{"SEED_SEALING_KEY": "abcd"}, "SEED_SEALING_KEY"},
		{"redis without postgres", map[string]string{"REDIS_URL": "redis://localhost:6379"}, "REDIS_URL"},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
		{"zero timeout", map[string]string{"REQUEST_TIMEOUT": "0s"}, "REQUEST_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
