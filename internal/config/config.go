package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

type Config struct {
	// WatchRoot is the monitored tool's home directory, holding the
	// session logs and the settings file.
	WatchRoot    string `json:"watch_root"`
	SettingsPath string `json:"settings_path"`

	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`

	DebounceMS    int  `json:"debounce_ms"`
	RetentionDays int  `json:"retention_days"`
	Workers       int  `json:"workers"`
	Verbose       bool `json:"verbose"`

	// LegacyStatsCachePath points at the stats cache written by earlier
	// versions of the monitored tool; used only to seed an empty store.
	LegacyStatsCachePath string `json:"legacy_stats_cache_path"`
}

func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	toolDir := filepath.Join(home, ".claude")
	return Config{
		WatchRoot:            toolDir,
		SettingsPath:         filepath.Join(toolDir, "settings.json"),
		ListenAddr:           "127.0.0.1:8787",
		DBPath:               filepath.Join(ConfigDir(), "tokenwatch.db"),
		DebounceMS:           500,
		RetentionDays:        90,
		Workers:              4,
		LegacyStatsCachePath: filepath.Join(toolDir, "stats-cache.json"),
	}
}

func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "tokenwatch")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tokenwatch")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if cfg.WatchRoot == "" {
		cfg.WatchRoot = defaults.WatchRoot
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = filepath.Join(cfg.WatchRoot, "settings.json")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaults.DBPath
	}
	if cfg.DebounceMS <= 0 {
		cfg.DebounceMS = defaults.DebounceMS
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaults.RetentionDays
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	return cfg, nil
}

func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

func SaveTo(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func (c Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
