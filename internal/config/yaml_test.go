package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tollgate.yaml")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}

	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("LoadYAMLConfig: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("got port %d, want 8080", cfg.Server.Port)
	}
	if cfg.Auth.MaxAPIKeys != 3 {
		t.Errorf("got max keys %d, want 3", cfg.Auth.MaxAPIKeys)
	}
	if cfg.RateLimit.Tiers["enterprise"] != 120 {
		t.Errorf("got enterprise tier %d, want 120", cfg.RateLimit.Tiers["enterprise"])
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TOLLGATE_TEST_SECRET", "s3cret")
	path := filepath.Join(t.TempDir(), "tollgate.yaml")
	content := "auth:\n  jwt_secret: ${TOLLGATE_TEST_SECRET}\nstore:\n  driver: postgres\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("LoadYAMLConfig: %v", err)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("got secret %q, want s3cret", cfg.Auth.JWTSecret)
	}
	if cfg.Store.Driver != DriverPostgres {
		t.Errorf("got driver %q, want postgres", cfg.Store.Driver)
	}
	// Unset fields keep their defaults.
	if cfg.Audit.BatchSize != 100 {
		t.Errorf("got batch size %d, want 100", cfg.Audit.BatchSize)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", time.Second},
		{"5m", 5 * time.Minute},
		{"bogus", time.Second},
		{"-1s", time.Second},
	}
	for _, tt := range tests {
		if got := Duration(tt.in, time.Second); got != tt.want {
			t.Errorf("Duration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
