// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kkyr/fig"
)

const (
	configEnv = "VENDORLOC"

	DefaultDesktopID = "vendorloc"
)

// Config represents the application's configuration structure.
type Config struct {
	LogLevel slog.Level `fig:"loglevel" default:"0"`

	Device struct {
		// Allowed values: gpsd, geoclue, file
		Provider     string `fig:"provider" default:"gpsd"`
		GPSDHost     string `fig:"gpsd_host" default:"localhost"`
		GPSDPort     string `fig:"gpsd_port" default:"2947"`
		DesktopID    string `fig:"desktop_id"`
		PositionFile string `fig:"position_file"`
	} `fig:"device"`

	Tracking struct {
		// Allowed values: low, balanced, high
		Accuracy string `fig:"accuracy" default:"balanced"`
		// Coarse thresholds suited to a slow-moving vendor or customer.
		TimeInterval     time.Duration `fig:"time_interval" default:"30s"`
		DistanceInterval float64       `fig:"distance_interval" default:"50"`
		FixTimeout       time.Duration `fig:"fix_timeout" default:"15s"`
	} `fig:"tracking"`

	Backend struct {
		// Allowed values: sqlite, rest, dynamodb
		Type       string `fig:"type" default:"sqlite"`
		SQLitePath string `fig:"sqlite_path"`
		REST       struct {
			Endpoint string `fig:"endpoint"`
			APIKey   string `fig:"apikey"`
		} `fig:"rest"`
		DynamoDB struct {
			Region         string `fig:"region" default:"us-east-1"`
			PositionsTable string `fig:"positions_table" default:"vendorloc_positions"`
			HistoryTable   string `fig:"history_table" default:"vendorloc_position_history"`
		} `fig:"dynamodb"`
	} `fig:"backend"`

	Nearby struct {
		// Endpoint and APIKey default to the REST backend settings.
		Endpoint        string        `fig:"endpoint"`
		APIKey          string        `fig:"apikey"`
		DefaultRadiusKm float64       `fig:"default_radius_km" default:"5"`
		MaxRadiusKm     float64       `fig:"max_radius_km" default:"50"`
		CacheHitTTL     time.Duration `fig:"cache_hit_ttl" default:"1m"`
		CacheMissTTL    time.Duration `fig:"cache_miss_ttl" default:"15s"`
	} `fig:"nearby"`

	Session struct {
		SyncInterval time.Duration `fig:"sync_interval" default:"5m"`
		// The position is refreshed after the system resumed from sleep unless disabled.
		DisableResumeRefresh bool `fig:"disable_resume_refresh"`
	} `fig:"session"`
}

// NewFromFile loads the configuration from the given file in path, with environment overrides.
func NewFromFile(path, file string) (*Config, error) {
	conf := new(Config)
	_, err := os.Stat(filepath.Join(path, file))
	if err != nil {
		return conf, fmt.Errorf("failed to read Config: %w", err)
	}
	if err = fig.Load(conf, fig.Dirs(path), fig.File(file), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

// New loads the configuration from defaults and environment variables only.
func New() (*Config, error) {
	conf := new(Config)
	if err := fig.Load(conf, fig.AllowNoFile(), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

// Validate checks the configuration and fills in derived defaults.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Device.Provider) {
	case "gpsd", "geoclue":
	case "file":
		if c.Device.PositionFile == "" {
			home, _ := os.UserHomeDir()
			c.Device.PositionFile = filepath.Join(home, ".config", "vendorloc", "position")
		}
	default:
		return fmt.Errorf("invalid device provider: %s", c.Device.Provider)
	}
	if c.Device.DesktopID == "" {
		c.Device.DesktopID = DefaultDesktopID
	}

	switch strings.ToLower(c.Tracking.Accuracy) {
	case "low", "balanced", "high":
	default:
		return fmt.Errorf("invalid tracking accuracy: %s", c.Tracking.Accuracy)
	}
	if c.Tracking.TimeInterval < time.Second {
		return fmt.Errorf("invalid tracking time interval: %s", c.Tracking.TimeInterval)
	}
	if c.Tracking.DistanceInterval < 0 {
		return fmt.Errorf("invalid tracking distance interval: %f", c.Tracking.DistanceInterval)
	}
	if c.Tracking.FixTimeout <= 0 {
		return fmt.Errorf("invalid fix timeout: %s", c.Tracking.FixTimeout)
	}

	switch strings.ToLower(c.Backend.Type) {
	case "sqlite":
		if c.Backend.SQLitePath == "" {
			home, _ := os.UserHomeDir()
			c.Backend.SQLitePath = filepath.Join(home, ".local", "share", "vendorloc", "vendorloc.db")
		}
	case "rest":
		if c.Backend.REST.Endpoint == "" {
			return fmt.Errorf("rest backend requires an endpoint")
		}
	case "dynamodb":
		if c.Backend.DynamoDB.PositionsTable == "" || c.Backend.DynamoDB.HistoryTable == "" {
			return fmt.Errorf("dynamodb backend requires positions and history table names")
		}
	default:
		return fmt.Errorf("invalid backend type: %s", c.Backend.Type)
	}

	if c.Nearby.Endpoint == "" {
		c.Nearby.Endpoint = c.Backend.REST.Endpoint
	}
	if c.Nearby.APIKey == "" {
		c.Nearby.APIKey = c.Backend.REST.APIKey
	}
	if c.Nearby.DefaultRadiusKm <= 0 || c.Nearby.MaxRadiusKm <= 0 {
		return fmt.Errorf("nearby radius values must be positive")
	}
	if c.Nearby.DefaultRadiusKm > c.Nearby.MaxRadiusKm {
		return fmt.Errorf("nearby default radius %f exceeds max radius %f", c.Nearby.DefaultRadiusKm,
			c.Nearby.MaxRadiusKm)
	}
	if c.Session.SyncInterval < time.Second {
		return fmt.Errorf("invalid session sync interval: %s", c.Session.SyncInterval)
	}

	return nil
}
