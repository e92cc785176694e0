// Package config loads fleetrun's runtime configuration from an optional
// YAML file overlaid with environment variables, following the layering
// the original Python services used (module-level settings with
// os.getenv defaults) adapted to a single typed struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the scheduler, API server, and worker.
type Config struct {
	StoreDir              string        `yaml:"storeDir"`
	APIAddr               string        `yaml:"apiAddr"`
	DeviceWorkspace       string        `yaml:"deviceWorkspace"`
	CacheDir              string        `yaml:"cacheDir"`
	AdbPath               string        `yaml:"adbPath"`
	StaleAfter            time.Duration `yaml:"staleAfter"`
	SchedulerTick         time.Duration `yaml:"schedulerTick"`
	DeviceRefreshInterval time.Duration `yaml:"deviceRefreshInterval"`
	LogLevel              string        `yaml:"logLevel"`
	LogJSON               bool          `yaml:"logJSON"`
}

// InputArchiveDir is the on-disk location for uploaded input archives.
func (c Config) InputArchiveDir() string { return filepath.Join(c.CacheDir, "input_archive") }

// OutputArchiveDir is the on-disk location for collected output archives.
func (c Config) OutputArchiveDir() string { return filepath.Join(c.CacheDir, "output_archive") }

// LogDir is the on-disk location for per-task stdout/stderr logs.
func (c Config) LogDir() string { return filepath.Join(c.CacheDir, "log") }

// EmptyFilePath is a zero-byte sentinel packed into every archive so a
// task with no real inputs/outputs still produces a non-empty tar.
func (c Config) EmptyFilePath() string { return filepath.Join(c.CacheDir, "__empty.txt") }

const emptyFilename = "__empty.txt"

// EmptyFilename is the sentinel's name inside an archive, excluded on extract.
func EmptyFilename() string { return emptyFilename }

// Default returns the baseline configuration: the original server and
// client settings modules' port (10813) and ~/.cache layout, with the
// device workspace and cache directory named after fleetrun.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	cacheDir := filepath.Join(home, ".cache", "fleetrun")
	return Config{
		StoreDir:              filepath.Join(cacheDir, "store"),
		APIAddr:               "0.0.0.0:10813",
		DeviceWorkspace:       "/data/local/tmp/fleetrun",
		CacheDir:              cacheDir,
		AdbPath:               "adb",
		StaleAfter:            10 * time.Second,
		SchedulerTick:         100 * time.Millisecond,
		DeviceRefreshInterval: 30 * time.Second,
		LogLevel:              "info",
		LogJSON:               false,
	}
}

// Load builds a Config starting from Default, overlaying an optional YAML
// file, then overlaying environment variables — the same precedence order
// (defaults < file < env) the teacher's `apply` command and the original
// settings modules both assume.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	overlayEnv(&cfg)

	for _, dir := range []string{cfg.StoreDir, cfg.CacheDir, cfg.InputArchiveDir(), cfg.OutputArchiveDir(), cfg.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return cfg, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if _, err := os.Create(cfg.EmptyFilePath()); err != nil {
		return cfg, fmt.Errorf("create sentinel file: %w", err)
	}

	return cfg, nil
}

func overlayEnv(cfg *Config) {
	if v := os.Getenv("FLEETRUN_STORE_DIR"); v != "" {
		cfg.StoreDir = v
	}
	if v := os.Getenv("FLEETRUN_API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("FLEETRUN_DEVICE_WORKSPACE"); v != "" {
		cfg.DeviceWorkspace = v
	}
	if v := os.Getenv("FLEETRUN_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("FLEETRUN_ADB_PATH"); v != "" {
		cfg.AdbPath = v
	}
	if v := os.Getenv("FLEETRUN_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StaleAfter = d
		}
	}
	if v := os.Getenv("FLEETRUN_SCHEDULER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SchedulerTick = d
		}
	}
	if v := os.Getenv("FLEETRUN_DEVICE_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DeviceRefreshInterval = d
		}
	}
	if v := os.Getenv("FLEETRUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLEETRUN_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogJSON = b
		}
	}
}
