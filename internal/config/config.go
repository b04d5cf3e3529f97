package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.dailyfix/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Bridge     BridgeConfig     `toml:"bridge"`
	Connection ConnectionConfig `toml:"connection"`
	Timeline   TimelineConfig   `toml:"timeline"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// BridgeConfig holds bridge service endpoints and credentials.
type BridgeConfig struct {
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url"`
	Token       string `toml:"token"`
}

// ConnectionConfig tunes the pairing lifecycle.
type ConnectionConfig struct {
	QRTTLSeconds       int `toml:"qr_ttl_seconds"`
	PollIntervalMillis int `toml:"poll_interval_ms"`
	PollCapSeconds     int `toml:"poll_cap_seconds"`
}

// TimelineConfig tunes message pagination.
type TimelineConfig struct {
	InitialLimit int `toml:"initial_limit"`
	PageSize     int `toml:"page_size"`
	HighWater    int `toml:"high_water"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Default returns a config populated with built-in defaults.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Connection: ConnectionConfig{
			QRTTLSeconds:       60,
			PollIntervalMillis: 2000,
			PollCapSeconds:     300,
		},
		Timeline: TimelineConfig{
			InitialLimit: 500,
			PageSize:     100,
			HighWater:    200,
		},
	}
}

// Load reads config from the given path, overlaying built-in defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
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

// QRTTL returns the QR expiry countdown as a duration.
func (c ConnectionConfig) QRTTL() time.Duration {
	return time.Duration(c.QRTTLSeconds) * time.Second
}

// PollInterval returns the status poll interval as a duration.
func (c ConnectionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// PollCap returns the total polling budget as a duration.
func (c ConnectionConfig) PollCap() time.Duration {
	return time.Duration(c.PollCapSeconds) * time.Second
}
