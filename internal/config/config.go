// Package config loads the service configuration from a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// DefaultSyncInterval is used when sync_interval_seconds is absent or zero.
const DefaultSyncInterval = 60 * time.Second

// Source describes one subgraph endpoint and the entities pulled from it.
type Source struct {
	Name       string
	SubgraphID string
	// Entities maps catalogue entity names to destination tables.
	Entities map[string]string
}

// Config is the full service configuration.
type Config struct {
	APIKey       string
	DBPath       string
	ListenAddr   string
	SnapshotPath string
	SyncInterval time.Duration
	Sources      []Source
}

type fileConfig struct {
	APIKey              string                `json:"api_key"`
	DBPath              string                `json:"db_path"`
	ListenAddr          string                `json:"listen_addr"`
	SnapshotPath        string                `json:"snapshot_path"`
	SyncIntervalSeconds int                   `json:"sync_interval_seconds"`
	Sources             map[string]fileSource `json:"sources"`
}

type fileSource struct {
	SubgraphID string            `json:"subgraph_id"`
	Enabled    bool              `json:"enabled"`
	Entities   map[string]string `json:"entities"`
}

// Load reads and validates a config file. Disabled sources are dropped.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config JSON and applies defaults.
func Parse(data []byte) (*Config, error) {
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if fc.APIKey == "" {
		return nil, fmt.Errorf("config: api_key is required")
	}
	if fc.DBPath == "" {
		return nil, fmt.Errorf("config: db_path is required")
	}

	cfg := &Config{
		APIKey:       fc.APIKey,
		DBPath:       fc.DBPath,
		ListenAddr:   fc.ListenAddr,
		SnapshotPath: fc.SnapshotPath,
		SyncInterval: time.Duration(fc.SyncIntervalSeconds) * time.Second,
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8001"
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = "rebuild.bin"
	}

	names := make([]string, 0, len(fc.Sources))
	for name := range fc.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fs := fc.Sources[name]
		if !fs.Enabled {
			continue
		}
		if fs.SubgraphID == "" {
			return nil, fmt.Errorf("config: source %q has no subgraph_id", name)
		}
		cfg.Sources = append(cfg.Sources, Source{
			Name:       name,
			SubgraphID: fs.SubgraphID,
			Entities:   fs.Entities,
		})
	}

	return cfg, nil
}

// PnlSource returns the source that feeds the pnl_condition table, if any.
func (c *Config) PnlSource() (Source, bool) {
	for _, src := range c.Sources {
		for _, table := range src.Entities {
			if table == "pnl_condition" {
				return src, true
			}
		}
	}
	return Source{}, false
}
