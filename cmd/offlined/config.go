package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all offlined configuration. Values come from the YAML file,
// then environment variables override, then defaults fill the gaps.
type Config struct {
	Listen   string `yaml:"listen" env:"OFFLINED_LISTEN"`
	DataDir  string `yaml:"data_dir" env:"OFFLINED_DATA_DIR"`
	LogLevel string `yaml:"log_level" env:"OFFLINED_LOG_LEVEL"`

	Remote   RemoteConfig `yaml:"remote"`
	Probe    ProbeConfig  `yaml:"probe"`
	Proxy    ProxyConfig  `yaml:"proxy"`
	Sync     SyncConfig   `yaml:"sync"`
	Precache []string     `yaml:"precache" env:"OFFLINED_PRECACHE" envSeparator:","`
}

// RemoteConfig locates the incident service.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url" env:"OFFLINED_REMOTE_BASE_URL"`
}

// ProbeConfig controls the connectivity probe.
type ProbeConfig struct {
	URL      string        `yaml:"url" env:"OFFLINED_PROBE_URL"`
	Interval time.Duration `yaml:"interval" env:"OFFLINED_PROBE_INTERVAL"`
	Timeout  time.Duration `yaml:"timeout" env:"OFFLINED_PROBE_TIMEOUT"`
}

// ProxyConfig controls request classification and the caching transport.
type ProxyConfig struct {
	AppHost     string        `yaml:"app_host" env:"OFFLINED_APP_HOST"`
	APIHosts    []string      `yaml:"api_hosts" env:"OFFLINED_API_HOSTS" envSeparator:","`
	APIPrefixes []string      `yaml:"api_prefixes" env:"OFFLINED_API_PREFIXES" envSeparator:","`
	TileHosts   []string      `yaml:"tile_hosts" env:"OFFLINED_TILE_HOSTS" envSeparator:","`
	CDNHosts    []string      `yaml:"cdn_hosts" env:"OFFLINED_CDN_HOSTS" envSeparator:","`
	APITimeout  time.Duration `yaml:"api_timeout" env:"OFFLINED_API_TIMEOUT"`
	MaxBody     int64         `yaml:"max_body" env:"OFFLINED_MAX_BODY"`
}

// SyncConfig controls background reconciliation and housekeeping.
type SyncConfig struct {
	Interval      time.Duration `yaml:"interval" env:"OFFLINED_SYNC_INTERVAL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"OFFLINED_SWEEP_INTERVAL"`
	LogRetention  time.Duration `yaml:"log_retention" env:"OFFLINED_LOG_RETENTION"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8787"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = "http://localhost:8080"
	}
	if c.Probe.URL == "" {
		c.Probe.URL = c.Remote.BaseURL + "/health"
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = 15 * time.Second
	}
	if c.Probe.Timeout <= 0 {
		c.Probe.Timeout = 5 * time.Second
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 5 * time.Minute
	}
	if c.Sync.SweepInterval <= 0 {
		c.Sync.SweepInterval = 10 * time.Minute
	}
	if c.Sync.LogRetention <= 0 {
		c.Sync.LogRetention = 30 * 24 * time.Hour
	}
}

// storePath is the database holding pending records, cached data and the
// sync event log.
func (c *Config) storePath() string {
	return filepath.Join(c.DataDir, "offline.db")
}

// cachePath is the database holding response cache namespaces.
func (c *Config) cachePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// loadConfig reads the optional YAML file, applies environment overrides
// and fills defaults.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.defaults()
	return cfg, nil
}
