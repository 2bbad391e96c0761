package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cptspacemanspiff/vitals-monitor/internal/storage"
)

const (
	minCollectionIntervalSeconds = 1
	maxCollectionIntervalSeconds = 3600
	minReadTimeoutMillis         = 50
	maxReadTimeoutMillis         = 60000
	minWallClockJumpSeconds      = 1
	maxWallClockJumpSeconds      = 3600
)

const appDir = "vitals"

type Config struct {
	Storage    StorageConfig    `toml:"storage"`
	Collection CollectionConfig `toml:"collection"`
	History    HistoryConfig    `toml:"history"`
}

type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

type CollectionConfig struct {
	IntervalSeconds               int `toml:"interval_seconds"`
	ReadTimeoutMillis             int `toml:"read_timeout_millis"`
	WallClockJumpThresholdSeconds int `toml:"wall_clock_jump_threshold_seconds"`
}

type HistoryConfig struct {
	DefaultWindow string `toml:"default_window"`
}

// Interval returns the sampling period.
func (c CollectionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// ReadTimeout returns the bound on a single hardware read.
func (c CollectionConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMillis) * time.Millisecond
}

// JumpThreshold returns the gap between samples logged as a wall-clock jump.
func (c CollectionConfig) JumpThreshold() time.Duration {
	return time.Duration(c.WallClockJumpThresholdSeconds) * time.Second
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: DefaultDBPath(),
		},
		Collection: CollectionConfig{
			IntervalSeconds:               2,
			ReadTimeoutMillis:             1500,
			WallClockJumpThresholdSeconds: 15,
		},
		History: HistoryConfig{
			DefaultWindow: "1h",
		},
	}
}

// DefaultDBPath is vitals/vitals.db under $XDG_DATA_HOME, falling back to
// ~/.local/share.
func DefaultDBPath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local/share"), appDir, "vitals.db")
}

// DefaultConfigPath is vitals/config.toml under $XDG_CONFIG_HOME, falling
// back to ~/.config.
func DefaultConfigPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appDir, "config.toml")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), fallback)
	}
	return filepath.Join(home, fallback)
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return NormalizeAndValidate(cfg)
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NormalizeAndValidate(DefaultConfig())
	}
	return cfg, err
}

func NormalizeAndValidate(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	sanitized := *cfg

	var err error
	sanitized.Storage.DBPath, err = sanitizePath("storage.db_path", sanitized.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	if err := validateRange("collection.interval_seconds", sanitized.Collection.IntervalSeconds, minCollectionIntervalSeconds, maxCollectionIntervalSeconds); err != nil {
		return nil, err
	}
	if err := validateRange("collection.read_timeout_millis", sanitized.Collection.ReadTimeoutMillis, minReadTimeoutMillis, maxReadTimeoutMillis); err != nil {
		return nil, err
	}
	if err := validateRange("collection.wall_clock_jump_threshold_seconds", sanitized.Collection.WallClockJumpThresholdSeconds, minWallClockJumpSeconds, maxWallClockJumpSeconds); err != nil {
		return nil, err
	}

	sanitized.History.DefaultWindow = strings.TrimSpace(sanitized.History.DefaultWindow)
	if _, err := storage.ParseWindow(sanitized.History.DefaultWindow); err != nil {
		return nil, fmt.Errorf("history.default_window: %w", err)
	}

	return &sanitized, nil
}

func Save(path string, cfg *Config) error {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return fmt.Errorf("config path must not be empty")
	}

	sanitized, err := NormalizeAndValidate(cfg)
	if err != nil {
		return err
	}

	var data bytes.Buffer
	if err := toml.NewEncoder(&data).Encode(sanitized); err != nil {
		return fmt.Errorf("encode config TOML: %w", err)
	}

	dir := filepath.Dir(trimmedPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data.Bytes()); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, trimmedPath); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	tmpPath = ""

	return nil
}

func sanitizePath(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	cleaned := filepath.Clean(trimmed)
	if !filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%s must be an absolute path, got %q", name, value)
	}
	return cleaned, nil
}

func validateRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}

	return nil
}
