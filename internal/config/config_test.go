package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Slots != 4 {
		t.Errorf("Slots: got %d, want 4", cfg.Slots)
	}
	if cfg.FrameDivisor != 2 {
		t.Errorf("FrameDivisor: got %d, want 2", cfg.FrameDivisor)
	}
	if cfg.ConsolidateEvery != 3*time.Minute {
		t.Errorf("ConsolidateEvery: got %s, want 3m", cfg.ConsolidateEvery)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aircap.yaml")
	body := "slots: 2\nsource_prefix: Cam\nrecordings_root: /tmp/rec\nframe_divisor: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Slots != 2 {
		t.Errorf("Slots: got %d, want 2", cfg.Slots)
	}
	if cfg.SourcePrefix != "Cam" {
		t.Errorf("SourcePrefix: got %q, want Cam", cfg.SourcePrefix)
	}
	if cfg.RecordingsRoot != "/tmp/rec" {
		t.Errorf("RecordingsRoot: got %q", cfg.RecordingsRoot)
	}
	if cfg.FrameDivisor != 3 {
		t.Errorf("FrameDivisor: got %d, want 3", cfg.FrameDivisor)
	}
	// Fields absent from the file keep their defaults.
	if cfg.QueueSize != 60 {
		t.Errorf("QueueSize: got %d, want 60", cfg.QueueSize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aircap.yaml")
	if err := os.WriteFile(path, []byte("recordings_root: /tmp/from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AIRCAP_ROOT", "/tmp/from-env")
	t.Setenv("AIRCAP_FRAME_DIVISOR", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RecordingsRoot != "/tmp/from-env" {
		t.Errorf("RecordingsRoot: got %q, want env value", cfg.RecordingsRoot)
	}
	if cfg.FrameDivisor != 5 {
		t.Errorf("FrameDivisor: got %d, want 5", cfg.FrameDivisor)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero slots", func(c *Config) { c.Slots = 0 }},
		{"empty prefix", func(c *Config) { c.SourcePrefix = "" }},
		{"empty root", func(c *Config) { c.RecordingsRoot = "" }},
		{"zero divisor", func(c *Config) { c.FrameDivisor = 0 }},
		{"zero fps", func(c *Config) { c.TargetFPS = 0 }},
		{"zero interval", func(c *Config) { c.ConsolidateEvery = 0 }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
		{"zero part duration", func(c *Config) { c.PartDuration = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
