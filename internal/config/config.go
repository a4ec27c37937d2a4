// Package config loads and saves the daemon configuration
// (~/.wafleet/config.toml).
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wafleet/config.toml.
type Config struct {
	// Clients lists the phone numbers managed at startup.
	Clients []string `toml:"clients"`

	HTTP      HTTP      `toml:"http"`
	Watchdog  Watchdog  `toml:"watchdog"`
	Reconnect Reconnect `toml:"reconnect"`
	Media     Media     `toml:"media"`
}

// HTTP configures the API listener.
type HTTP struct {
	ListenAddr string `toml:"listen_addr"`
}

// Watchdog configures the health monitor.
type Watchdog struct {
	IntervalSec     int `toml:"interval_sec"`
	ProbeTimeoutSec int `toml:"probe_timeout_sec"`
	MaxQRAgeSec     int `toml:"max_qr_age_sec"`
	MaxInitSec      int `toml:"max_init_sec"`
	MaxStateAgeSec  int `toml:"max_state_age_sec"`
}

// Reconnect configures the backoff policy.
type Reconnect struct {
	BaseDelayMs   int     `toml:"base_delay_ms"`
	MaxDelayMs    int     `toml:"max_delay_ms"`
	Multiplier    float64 `toml:"multiplier"`
	MaxAttempts   int     `toml:"max_attempts"`
	JitterFactor  float64 `toml:"jitter_factor"`
	MinSpacingMs  int     `toml:"min_spacing_ms"`
}

// Media configures the download pipeline.
type Media struct {
	Workers         int `toml:"workers"`
	JobTimeoutSec   int `toml:"job_timeout_sec"`
	QuickTimeoutSec int `toml:"quick_timeout_sec"`
	RetentionMin    int `toml:"retention_min"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTP{ListenAddr: "127.0.0.1:8471"},
		Watchdog: Watchdog{
			IntervalSec:     60,
			ProbeTimeoutSec: 5,
			MaxQRAgeSec:     180,
			MaxInitSec:      300,
			MaxStateAgeSec:  900,
		},
		Reconnect: Reconnect{
			BaseDelayMs:  5000,
			MaxDelayMs:   300000,
			Multiplier:   2,
			MaxAttempts:  10,
			JitterFactor: 0.1,
			MinSpacingMs: 2000,
		},
		Media: Media{
			Workers:         3,
			JobTimeoutSec:   30,
			QuickTimeoutSec: 3,
			RetentionMin:    60,
		},
	}
}

// Load reads config from the given path, layering the file over Default().
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// WatchdogInterval returns the watchdog tick as a duration.
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Watchdog.IntervalSec) * time.Second
}
