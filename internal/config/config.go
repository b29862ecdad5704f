// Package config loads daemon configuration with the precedence
// ENV > file > defaults and supports hot reloading of the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Listen           string `yaml:"listen"`
	WebListen        string `yaml:"web_listen"`
	Database         string `yaml:"database"`
	MaxConnections   int    `yaml:"max_connections"`
	LogLevel         string `yaml:"log_level"`
	LogDir           string `yaml:"log_dir"`
	LogRetentionDays int    `yaml:"log_retention_days"`

	TLS     TLSConfig      `yaml:"tls"`
	Drivers []DriverConfig `yaml:"drivers"`
	Scan    ScanConfig     `yaml:"scan"`
	Tune    TuneConfig     `yaml:"tune"`
}

// TLSConfig enables TLS on the BNDP listener. When ServerCert and
// ServerKey are empty a self-signed pair is generated on first start.
type TLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CACert            string `yaml:"ca_cert"`
	ServerCert        string `yaml:"server_cert"`
	ServerKey         string `yaml:"server_key"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

// DriverConfig registers one tuner driver.
type DriverConfig struct {
	Path         string `yaml:"path"`
	Group        string `yaml:"group"`
	MaxInstances int    `yaml:"max_instances"`
	ScanPriority int    `yaml:"scan_priority"`
}

// ScanConfig controls the catalog scanners.
type ScanConfig struct {
	Enabled            bool `yaml:"enabled"`
	OnStart            bool `yaml:"on_start"`
	IntervalHours      int  `yaml:"interval_hours"`
	PassiveEnabled     bool `yaml:"passive_enabled"`
	PassiveOnExclusive bool `yaml:"passive_on_exclusive"`
}

// TuneConfig controls tune-and-verify behaviour.
type TuneConfig struct {
	SignalTimeout time.Duration `yaml:"signal_timeout"`
	SignalPoll    time.Duration `yaml:"signal_poll"`
	SignalMin     float64       `yaml:"signal_min"`
	PacketTimeout time.Duration `yaml:"packet_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:           ":48521",
		WebListen:        ":48580",
		Database:         "bonproxy.db",
		MaxConnections:   32,
		LogLevel:         "info",
		LogRetentionDays: 7,
		Scan: ScanConfig{
			Enabled:            true,
			IntervalHours:      24,
			PassiveEnabled:     true,
			PassiveOnExclusive: true,
		},
		Tune: TuneConfig{
			SignalTimeout: 3 * time.Second,
			SignalPoll:    100 * time.Millisecond,
			SignalMin:     5.0,
			PacketTimeout: 2 * time.Second,
		},
	}
}

// Loader loads configuration with precedence ENV > file > defaults.
type Loader struct {
	configPath string
}

func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load builds the effective configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", l.configPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", l.configPath, err)
		}
	}

	l.mergeEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (l *Loader) mergeEnv(cfg *Config) {
	cfg.Listen = envString("BONPROXY_LISTEN", cfg.Listen)
	cfg.WebListen = envString("BONPROXY_WEB_LISTEN", cfg.WebListen)
	cfg.Database = envString("BONPROXY_DATABASE", cfg.Database)
	cfg.MaxConnections = envInt("BONPROXY_MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.LogLevel = envString("BONPROXY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogDir = envString("BONPROXY_LOG_DIR", cfg.LogDir)
	cfg.LogRetentionDays = envInt("BONPROXY_LOG_RETENTION_DAYS", cfg.LogRetentionDays)
	cfg.TLS.Enabled = envBool("BONPROXY_TLS_ENABLED", cfg.TLS.Enabled)
	cfg.TLS.CACert = envString("BONPROXY_TLS_CA_CERT", cfg.TLS.CACert)
	cfg.TLS.ServerCert = envString("BONPROXY_TLS_SERVER_CERT", cfg.TLS.ServerCert)
	cfg.TLS.ServerKey = envString("BONPROXY_TLS_SERVER_KEY", cfg.TLS.ServerKey)
	cfg.TLS.RequireClientCert = envBool("BONPROXY_TLS_REQUIRE_CLIENT_CERT", cfg.TLS.RequireClientCert)
	cfg.Scan.Enabled = envBool("BONPROXY_SCAN_ENABLED", cfg.Scan.Enabled)
	cfg.Scan.OnStart = envBool("BONPROXY_SCAN_ON_START", cfg.Scan.OnStart)
	cfg.Scan.IntervalHours = envInt("BONPROXY_SCAN_INTERVAL_HOURS", cfg.Scan.IntervalHours)
	cfg.Scan.PassiveEnabled = envBool("BONPROXY_SCAN_PASSIVE", cfg.Scan.PassiveEnabled)
	cfg.Scan.PassiveOnExclusive = envBool("BONPROXY_SCAN_PASSIVE_ON_EXCLUSIVE", cfg.Scan.PassiveOnExclusive)
}

// Validate rejects configurations the daemon cannot start with.
func Validate(cfg Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("config: listen address required")
	}
	if cfg.Database == "" {
		return fmt.Errorf("config: database path required")
	}
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("config: max_connections must be positive")
	}
	if cfg.TLS.Enabled && (cfg.TLS.ServerCert == "") != (cfg.TLS.ServerKey == "") {
		return fmt.Errorf("config: tls server_cert and server_key must be set together")
	}
	if cfg.TLS.RequireClientCert && cfg.TLS.CACert == "" {
		return fmt.Errorf("config: require_client_cert needs ca_cert")
	}
	for i, d := range cfg.Drivers {
		if d.Path == "" {
			return fmt.Errorf("config: drivers[%d]: path required", i)
		}
		if d.MaxInstances < 0 {
			return fmt.Errorf("config: drivers[%d]: max_instances must not be negative", i)
		}
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
