// Package config loads device and server configuration: struct defaults,
// then an optional YAML file, then FIELDSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names an explicit config file.
const ConfigPathEnvVar = "FIELDSYNC_CONFIG"

// Config is the device configuration.
type Config struct {
	DataDir    string           `koanf:"data_dir"`
	Server     ServerConn       `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Sync       SyncConfig       `koanf:"sync"`
	Retry      RetryConfig      `koanf:"retry"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	Network    NetworkConfig    `koanf:"network"`
	Sampler    SamplerConfig    `koanf:"sampler"`
	Device     DeviceConfig     `koanf:"device"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Status     StatusConfig     `koanf:"status"`
	Webhook    WebhookConfig    `koanf:"webhook"`
}

// ServerConn locates the remote endpoint. Device id and key fall back to the
// stored credentials when empty.
type ServerConn struct {
	URL       string `koanf:"url"`
	DeviceID  string `koanf:"device_id"`
	DeviceKey string `koanf:"device_key"`
}

// LogConfig controls logging. File enables a rotating log file.
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// SyncConfig controls sync passes.
type SyncConfig struct {
	Interval          time.Duration `koanf:"interval"`
	BatchLimit        int           `koanf:"batch_limit"`
	MaxAttempts       int           `koanf:"max_attempts"`
	MaxBatchesPerPass int           `koanf:"max_batches_per_pass"`
	HandlerTimeout    time.Duration `koanf:"handler_timeout"`
	Retention         time.Duration `koanf:"retention"`
	PurgeInterval     time.Duration `koanf:"purge_interval"`
	HistoryKeep       int           `koanf:"history_keep"`
}

// RetryConfig is the per-call retry policy.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Jitter      float64       `koanf:"jitter"`
}

// BreakerConfig configures the per-class circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	Window           time.Duration `koanf:"window"`
	Cooldown         time.Duration `koanf:"cooldown"`
	MaxCooldown      time.Duration `koanf:"max_cooldown"`
}

// NetworkConfig configures probing and connectivity triggers.
type NetworkConfig struct {
	ProbeInterval      time.Duration `koanf:"probe_interval"`
	ProbeTimeout       time.Duration `koanf:"probe_timeout"`
	Transport          string        `koanf:"transport"` // empty = detect from interfaces
	MinTriggerInterval time.Duration `koanf:"min_trigger_interval"`
}

// SamplerConfig configures location sampling.
type SamplerConfig struct {
	Enabled        bool          `koanf:"enabled"`
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
	ErrorCooldown  time.Duration `koanf:"error_cooldown"`
	MaxFatalErrors int           `koanf:"max_fatal_errors"`
}

// DeviceConfig describes platform capabilities.
type DeviceConfig struct {
	LocationPermission string `koanf:"location_permission"`
	CameraPermission   string `koanf:"camera_permission"`
	// PowerSupply is the sysfs battery directory; empty = autodetect.
	PowerSupply string `koanf:"power_supply"`
	// ReplayFile is a JSON-lines file of fixes fed to the sampler.
	ReplayFile string `koanf:"replay_file"`
}

// CheckpointConfig configures checkpoint verification.
type CheckpointConfig struct {
	MaxDistanceM float64 `koanf:"max_distance_m"`
}

// WebhookConfig configures pass notifications. An empty URL disables them.
type WebhookConfig struct {
	URL          string `koanf:"url"`
	Secret       string `koanf:"secret"`
	OnlyProblems bool   `koanf:"only_problems"`
}

// StatusConfig configures the local status server.
type StatusConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// Default returns the device defaults.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Server:  ServerConn{URL: "http://localhost:8080"},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Sync: SyncConfig{
			Interval:          15 * time.Minute,
			BatchLimit:        50,
			MaxAttempts:       5,
			MaxBatchesPerPass: 20,
			HandlerTimeout:    10 * time.Minute,
			Retention:         7 * 24 * time.Hour,
			PurgeInterval:     6 * time.Hour,
			HistoryKeep:       500,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			Multiplier:  2,
			MaxDelay:    time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           5 * time.Minute,
			Cooldown:         30 * time.Second,
			MaxCooldown:      10 * time.Minute,
		},
		Network: NetworkConfig{
			ProbeInterval:      30 * time.Second,
			ProbeTimeout:       5 * time.Second,
			MinTriggerInterval: 30 * time.Second,
		},
		Sampler: SamplerConfig{
			Enabled:        true,
			AcquireTimeout: 30 * time.Second,
			ErrorCooldown:  60 * time.Second,
			MaxFatalErrors: 3,
		},
		Device: DeviceConfig{
			LocationPermission: "not_determined",
			CameraPermission:   "not_determined",
		},
		Checkpoint: CheckpointConfig{MaxDistanceM: 50},
		Status:     StatusConfig{Enabled: true, Listen: "127.0.0.1:7464"},
		Webhook:    WebhookConfig{OnlyProblems: true},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fieldsync")
	}
	return ".fieldsync"
}

// Load builds the device config. path may be empty, in which case
// FIELDSYNC_CONFIG and then <data_dir>/config.yaml are tried.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := load(Default(), "FIELDSYNC_", path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func load(defaults any, prefix, path string, out any) error {
	k := koanf.New(".")

	// Layer 1: defaults
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	if path == "" {
		dataDir := k.String("data_dir")
		if v := os.Getenv(prefix + "DATA_DIR"); v != "" {
			dataDir = v
		}
		path = findConfigFile(dataDir)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment, FIELDSYNC_SYNC__BATCH_LIMIT -> sync.batch_limit
	if err := k.Load(env.Provider(prefix, ".", envTransform(prefix)), nil); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("unmarshal configuration: %w", err)
	}
	return nil
}

func envTransform(prefix string) func(string) string {
	return func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, prefix))
		return strings.ReplaceAll(key, "__", ".")
	}
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile(dataDir string) string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range []string{
		filepath.Join(dataDir, "config.yaml"),
		filepath.Join(dataDir, "config.yml"),
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate rejects values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Sync.BatchLimit <= 0 {
		errs = append(errs, errors.New("sync.batch_limit must be positive"))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, errors.New("sync.max_attempts must be positive"))
	}
	if c.Sync.Interval != 0 && c.Sync.Interval < time.Second {
		errs = append(errs, errors.New("sync.interval must be at least 1s or 0 to disable"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be >= 1"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, errors.New("retry.jitter must be in [0, 1)"))
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	if c.Breaker.MaxCooldown < c.Breaker.Cooldown {
		errs = append(errs, errors.New("breaker.max_cooldown must be >= breaker.cooldown"))
	}
	if c.Sampler.MaxFatalErrors <= 0 {
		errs = append(errs, errors.New("sampler.max_fatal_errors must be positive"))
	}
	if c.Webhook.URL != "" && !strings.HasPrefix(c.Webhook.URL, "http://") && !strings.HasPrefix(c.Webhook.URL, "https://") {
		errs = append(errs, errors.New("webhook.url must be an http(s) URL"))
	}
	for name, v := range map[string]string{
		"device.location_permission": c.Device.LocationPermission,
		"device.camera_permission":   c.Device.CameraPermission,
	} {
		switch v {
		case "granted", "denied", "not_determined":
		default:
			errs = append(errs, fmt.Errorf("%s must be granted, denied or not_determined, got %q", name, v))
		}
	}
	switch c.Network.Transport {
	case "", "none", "wifi", "cellular", "ethernet", "other":
	default:
		errs = append(errs, fmt.Errorf("network.transport %q is not a known transport", c.Network.Transport))
	}
	if c.Checkpoint.MaxDistanceM <= 0 {
		errs = append(errs, errors.New("checkpoint.max_distance_m must be positive"))
	}
	return errors.Join(errs...)
}

// DBPath is the record store location.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "fieldsync.db") }

// BlobDir is the photo content store location.
func (c *Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }
