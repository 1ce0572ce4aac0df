package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/chatcache/internal/convid"
)

// Duration is a time.Duration written as a string ("15s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents ~/.chatcache/config.toml.
type Config struct {
	// Self is the local user's ship, used as the author of local writes.
	Self             string   `toml:"self"`
	PageSize         int      `toml:"page_size"`
	WriteTimeout     Duration `toml:"write_timeout"`
	InvalidateWindow Duration `toml:"invalidate_window"`
	LogLevel         string   `toml:"log_level"`
	LogPath          string   `toml:"log_path"`
	SourceDB         string   `toml:"source_db"`
	// MetricsAddr, when set, serves Prometheus metrics on that address.
	MetricsAddr string `toml:"metrics_addr"`
}

// BaseDir returns ~/.chatcache.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatcache")
}

// Path returns the default config file path.
func Path() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		Self:             "~zod",
		PageSize:         50,
		WriteTimeout:     Duration{15 * time.Second},
		InvalidateWindow: Duration{300 * time.Millisecond},
		LogLevel:         "info",
		LogPath:          filepath.Join(BaseDir(), "logs", "chatcache.log"),
		SourceDB:         filepath.Join(BaseDir(), "source.db"),
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// an error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := convid.ValidateShip(c.Self); err != nil {
		return fmt.Errorf("self: %w", err)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.WriteTimeout.Duration <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout)
	}
	if c.InvalidateWindow.Duration <= 0 {
		return fmt.Errorf("invalidate_window must be positive, got %s", c.InvalidateWindow)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
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
