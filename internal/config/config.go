// Package config defines the aircap configuration value object. Components
// receive a Config at construction; nothing reads ambient global state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable of the capture pipeline. Zero values are filled
// in by Default; Load layers an optional YAML file and AIRCAP_* environment
// overrides on top.
type Config struct {
	// Slots is the number of device slots created at startup. Each slot
	// advertises its own service and records into its own directory.
	Slots int `yaml:"slots"`

	// SourcePrefix names slot sources: "<prefix>1", "<prefix>2", ...
	SourcePrefix string `yaml:"source_prefix"`

	// RecordingsRoot is the base directory for all recording sessions.
	RecordingsRoot string `yaml:"recordings_root"`

	// DefaultSessionName is used when a session is started without an
	// explicit name. Empty means auto-generate a sequential name scoped
	// to the current date directory.
	DefaultSessionName string `yaml:"default_session_name"`

	// FrameDivisor is the frame-rate governor ratio: one non-keyframe out
	// of every FrameDivisor is retained. 1 disables dropping.
	FrameDivisor int `yaml:"frame_divisor"`

	// TargetFPS is the recorded frame rate, used only as the assumed
	// duration of the first frame of each segment.
	TargetFPS int `yaml:"target_fps"`

	// ConsolidateEvery is the interval between rolling consolidation passes
	// while a session is active.
	ConsolidateEvery time.Duration `yaml:"consolidate_every"`

	// QueueSize is the per-source recorder queue depth in access units.
	QueueSize int `yaml:"queue_size"`

	// EnqueueRetries and EnqueueRetryDelay bound the wait when a recorder
	// queue is full. After the retries are exhausted the frame is dropped
	// and counted.
	EnqueueRetries    int           `yaml:"enqueue_retries"`
	EnqueueRetryDelay time.Duration `yaml:"enqueue_retry_delay"`

	// PartDuration is how much media accumulates in memory before a
	// container fragment is flushed to the open segment file.
	PartDuration time.Duration `yaml:"part_duration"`

	// MetricsAddr is the Prometheus listen address. Empty disables the
	// metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() Config {
	return Config{
		Slots:             4,
		SourcePrefix:      "AirCap",
		RecordingsRoot:    "recordings",
		FrameDivisor:      2,
		TargetFPS:         15,
		ConsolidateEvery:  3 * time.Minute,
		QueueSize:         60,
		EnqueueRetries:    20,
		EnqueueRetryDelay: 5 * time.Millisecond,
		PartDuration:      time.Second,
		MetricsAddr:       "",
	}
}

// Load builds a Config from defaults, an optional YAML file (path may be
// empty), and AIRCAP_* environment overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AIRCAP_ROOT"); v != "" {
		c.RecordingsRoot = v
	}
	if v := os.Getenv("AIRCAP_SESSION_NAME"); v != "" {
		c.DefaultSessionName = v
	}
	if v := os.Getenv("AIRCAP_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Slots = n
		}
	}
	if v := os.Getenv("AIRCAP_FRAME_DIVISOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FrameDivisor = n
		}
	}
	if v := os.Getenv("AIRCAP_CONSOLIDATE_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ConsolidateEvery = d
		}
	}
	if v := os.Getenv("AIRCAP_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Slots < 1 {
		return fmt.Errorf("slots must be >= 1, got %d", c.Slots)
	}
	if c.SourcePrefix == "" {
		return fmt.Errorf("source_prefix must not be empty")
	}
	if c.RecordingsRoot == "" {
		return fmt.Errorf("recordings_root must not be empty")
	}
	if c.FrameDivisor < 1 {
		return fmt.Errorf("frame_divisor must be >= 1, got %d", c.FrameDivisor)
	}
	if c.TargetFPS < 1 {
		return fmt.Errorf("target_fps must be >= 1, got %d", c.TargetFPS)
	}
	if c.ConsolidateEvery <= 0 {
		return fmt.Errorf("consolidate_every must be positive, got %s", c.ConsolidateEvery)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be >= 1, got %d", c.QueueSize)
	}
	if c.PartDuration <= 0 {
		return fmt.Errorf("part_duration must be positive, got %s", c.PartDuration)
	}
	return nil
}
