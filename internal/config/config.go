package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obd2-logger/internal/can"
	"github.com/shaunagostinho/obd2-logger/internal/obd"
	"github.com/shaunagostinho/obd2-logger/internal/sink"
)

// Config holds all logger configuration.
type Config struct {
	// Bus transport
	Bus can.Config `yaml:"bus" toml:"bus" json:"bus"`

	// Diagnostic protocol
	OBD OBDConfig `yaml:"obd" toml:"obd" json:"obd"`

	// Signal database; empty uses the embedded OBD2 database
	Catalog CatalogConfig `yaml:"catalog" toml:"catalog" json:"catalog"`

	// Polled parameters, in polling order
	Parameters []obd.Entry `yaml:"parameters" toml:"parameters" json:"parameters"`

	// Sinks
	Influx sink.InfluxConfig `yaml:"influx" toml:"influx" json:"influx"`
	Redis  sink.RedisConfig  `yaml:"redis" toml:"redis" json:"redis"`
	SQLite sink.SQLiteConfig `yaml:"sqlite" toml:"sqlite" json:"sqlite"`
	CSV    sink.CSVConfig    `yaml:"csv" toml:"csv" json:"csv"`

	// Live view + metrics
	Server ServerConfig `yaml:"server" toml:"server" json:"server"`

	// Logging
	Log LogConfig `yaml:"log" toml:"log" json:"log"`

	path string // file path the config was loaded from
}

type OBDConfig struct {
	RequestID         uint32 `yaml:"request_id" toml:"request_id" json:"requestId"`
	FilterMask        uint32 `yaml:"filter_mask" toml:"filter_mask" json:"filterMask"`
	ResponseTimeoutMs int    `yaml:"response_timeout_ms" toml:"response_timeout_ms" json:"responseTimeoutMs"`
	CycleIntervalMs   int    `yaml:"cycle_interval_ms" toml:"cycle_interval_ms" json:"cycleIntervalMs"`
	Measurement       string `yaml:"measurement" toml:"measurement" json:"measurement"`
}

type CatalogConfig struct {
	Path string `yaml:"path" toml:"path" json:"path"`
}

type ServerConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" json:"listenAddr"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`    // debug, info, warn, error
	Format string `yaml:"format" toml:"format" json:"format"` // text or json
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	params := make([]obd.Entry, len(obd.DefaultTable))
	copy(params, obd.DefaultTable)
	return &Config{
		Bus: can.Config{
			Kind:     can.KindSocketCAN,
			Channel:  "can0",
			PortPath: "/dev/ttyACM0",
			BaudRate: 115200,
			Bitrate:  500000,
		},
		OBD: OBDConfig{
			RequestID:         obd.RequestID,
			FilterMask:        obd.FilterMask,
			ResponseTimeoutMs: 1000,
			CycleIntervalMs:   0,
			Measurement:       "obd2",
		},
		Parameters: params,
		Influx: sink.InfluxConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     8086,
			Database: "logger_db",
		},
		Redis: sink.RedisConfig{
			Addr:       "localhost:6379",
			Channel:    "obd2",
			HistoryLen: 1000,
		},
		SQLite: sink.SQLiteConfig{
			Path: "/var/lib/obd2-logger/obd2.db",
		},
		CSV: sink.CSVConfig{
			Path:    "/var/log/obd2-logger",
			MaxRows: 100_000,
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a YAML or TOML file (chosen by extension), then
// applies .env and environment variable overrides. A missing file falls back
// to defaults; a file that exists but does not parse is an error.
func Load(path string) (*Config, []string, error) {
	cfg := DefaultConfig()
	cfg.path = path

	var notes []string
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		notes = append(notes, fmt.Sprintf("no config at %s, using defaults", path))
	case err != nil:
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		notes = append(notes, fmt.Sprintf("loaded from %s", path))
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		if loadEnvFile(ep) {
			notes = append(notes, fmt.Sprintf("loaded .env from %s", ep))
		}
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()
	return cfg, notes, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// Strip surrounding quotes
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || v == "true" || v == "yes"
		}
	}

	// Bus
	str("BUS_KIND", &c.Bus.Kind)
	str("BUS_CHANNEL", &c.Bus.Channel)
	str("BUS_PORT", &c.Bus.PortPath)
	num("BUS_BAUD", &c.Bus.BaudRate)
	num("BUS_BITRATE", &c.Bus.Bitrate)

	// Protocol + catalog
	num("RESPONSE_TIMEOUT_MS", &c.OBD.ResponseTimeoutMs)
	num("CYCLE_INTERVAL_MS", &c.OBD.CycleIntervalMs)
	str("CATALOG_PATH", &c.Catalog.Path)

	// Influx
	flag("INFLUX_ENABLED", &c.Influx.Enabled)
	str("INFLUX_HOST", &c.Influx.Host)
	num("INFLUX_PORT", &c.Influx.Port)
	str("INFLUX_USER", &c.Influx.Username)
	str("INFLUX_PASSWORD", &c.Influx.Password)
	str("INFLUX_DB", &c.Influx.Database)

	// Redis
	flag("REDIS_ENABLED", &c.Redis.Enabled)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_CHANNEL", &c.Redis.Channel)

	// SQLite + CSV
	flag("SQLITE_ENABLED", &c.SQLite.Enabled)
	str("SQLITE_PATH", &c.SQLite.Path)
	flag("CSV_ENABLED", &c.CSV.Enabled)
	str("CSV_PATH", &c.CSV.Path)

	// Server + logging
	str("LISTEN_ADDR", &c.Server.ListenAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
}

// Validate checks the config for values the logger cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Bus.Kind {
	case can.KindSocketCAN:
		if c.Bus.Channel == "" {
			errs = append(errs, errors.New("bus.channel required for socketcan"))
		}
	case can.KindSLCAN:
		if c.Bus.PortPath == "" {
			errs = append(errs, errors.New("bus.port_path required for slcan"))
		}
	case can.KindDemo:
	default:
		errs = append(errs, fmt.Errorf("bus.kind %q must be socketcan, slcan or demo", c.Bus.Kind))
	}

	if c.OBD.RequestID == 0 || c.OBD.RequestID > 0x7FF {
		errs = append(errs, fmt.Errorf("obd.request_id 0x%X is not a standard identifier", c.OBD.RequestID))
	}
	if c.OBD.FilterMask == 0 || c.OBD.FilterMask > 0x7FF {
		errs = append(errs, fmt.Errorf("obd.filter_mask 0x%X out of range", c.OBD.FilterMask))
	}
	if c.OBD.ResponseTimeoutMs <= 0 {
		errs = append(errs, errors.New("obd.response_timeout_ms must be > 0"))
	}
	if c.OBD.CycleIntervalMs < 0 {
		errs = append(errs, errors.New("obd.cycle_interval_ms must be >= 0"))
	}

	if len(c.Parameters) == 0 {
		errs = append(errs, errors.New("at least one parameter required"))
	}
	seen := make(map[string]bool, len(c.Parameters))
	for i, p := range c.Parameters {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("parameters[%d]: name required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("parameters[%d]: duplicate name %s", i, p.Name))
		}
		seen[p.Name] = true
	}

	if c.Influx.Enabled && c.Influx.Database == "" {
		errs = append(errs, errors.New("influx.database required"))
	}
	if c.Server.Enabled && c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Redacted serializes the config for the API with secrets masked.
func (c *Config) Redacted() ([]byte, error) {
	cp := *c
	cp.Parameters = append([]obd.Entry(nil), c.Parameters...)
	if cp.Influx.Password != "" {
		cp.Influx.Password = "***"
	}
	if cp.Redis.Password != "" {
		cp.Redis.Password = "***"
	}
	return json.Marshal(&cp)
}
