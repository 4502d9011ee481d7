// Package config loads flutterbridge settings from defaults, an optional
// JSON/YAML file, FLUTTERBRIDGE_* environment variables and command line flags,
// in increasing order of precedence. Durations accept Go duration strings or
// bare numbers of milliseconds; lists accept comma separated values or a JSON
// array.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/shaharia-lab/flutterbridge/jsonrpc"
)

const EnvPrefix = "FLUTTERBRIDGE"

var ErrInvalidConfig = errors.New("invalid configuration")

// FlagKeys maps command line flag names to configuration keys. Load binds
// every flag of this table that the flag set defines.
var FlagKeys = map[string]string{
	"log-level":        "log.level",
	"log-format":       "log.format",
	"transport":        "server.transport",
	"address":          "server.address",
	"host":             "discovery.host",
	"port-start":       "discovery.port_start",
	"port-end":         "discovery.port_end",
	"probe-timeout":    "discovery.probe_timeout",
	"concurrency":      "discovery.concurrency",
	"process-scan":     "discovery.process_scan",
	"connect-timeout":  "vmservice.connect_timeout",
	"call-timeout":     "vmservice.call_timeout",
	"wire-version-key": "wire.version_field",
	"history-driver":   "history.driver",
	"history-dsn":      "history.dsn",
}

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Wire      WireConfig      `mapstructure:"wire"`
	VMService VMServiceConfig `mapstructure:"vmservice"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	History   HistoryConfig   `mapstructure:"history"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	Address   string `mapstructure:"address"`
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
}

// WireConfig selects the envelope version key spoken with the tool client.
type WireConfig struct {
	VersionField string `mapstructure:"version_field"`
}

type VMServiceConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	VersionField   string        `mapstructure:"version_field"`
}

type DiscoveryConfig struct {
	Host         string        `mapstructure:"host"`
	PortStart    int           `mapstructure:"port_start"`
	PortEnd      int           `mapstructure:"port_end"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	Concurrency  int           `mapstructure:"concurrency"`
	// Rate caps probes per second; zero means unlimited.
	Rate         float64  `mapstructure:"rate"`
	Burst        int      `mapstructure:"burst"`
	ProcessScan  bool     `mapstructure:"process_scan"`
	ProcessNames []string `mapstructure:"process_names"`
}

// HistoryConfig selects where discovered instances are remembered: none,
// memory, sqlite3 (DSN is a file path) or postgres (DSN is a connection URL).
type HistoryConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "zerolog")

	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("server.name", "flutterbridge")
	v.SetDefault("server.version", "0.1.0")

	v.SetDefault("wire.version_field", jsonrpc.Default.VersionField)

	v.SetDefault("vmservice.connect_timeout", 5*time.Second)
	v.SetDefault("vmservice.call_timeout", 30*time.Second)
	v.SetDefault("vmservice.version_field", jsonrpc.Standard.VersionField)

	v.SetDefault("discovery.host", "127.0.0.1")
	v.SetDefault("discovery.port_start", 8080)
	v.SetDefault("discovery.port_end", 8200)
	v.SetDefault("discovery.probe_timeout", 500*time.Millisecond)
	v.SetDefault("discovery.concurrency", 64)
	v.SetDefault("discovery.rate", 0)
	v.SetDefault("discovery.burst", 1)
	v.SetDefault("discovery.process_scan", false)
	v.SetDefault("discovery.process_names", []string{"dart", "flutter"})

	v.SetDefault("history.driver", "memory")
	v.SetDefault("history.dsn", "")
}

// Load builds the configuration. path may be empty; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decoderConfig()); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decoderConfig() viper.DecoderConfigOption {
	return viper.DecodeHook(decodeHook())
}

// Validate checks every field for a usable value.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.Log.Level, "debug", "info", "warn", "error"), "log.level %q is not one of debug, info, warn, error", c.Log.Level)
	check(oneOf(c.Log.Format, "zerolog", "logrus", "zap", "slog", "text"), "log.format %q is not supported", c.Log.Format)

	check(oneOf(c.Server.Transport, "stdio", "sse"), "server.transport %q must be stdio or sse", c.Server.Transport)
	check(c.Server.Transport != "sse" || c.Server.Address != "", "server.address is required for the sse transport")
	check(c.Server.Name != "", "server.name must not be empty")

	check(c.Wire.VersionField != "", "wire.version_field must not be empty")
	check(c.VMService.VersionField != "", "vmservice.version_field must not be empty")
	check(c.VMService.ConnectTimeout > 0, "vmservice.connect_timeout must be positive")
	check(c.VMService.CallTimeout > 0, "vmservice.call_timeout must be positive")

	d := c.Discovery
	check(d.Host != "", "discovery.host must not be empty")
	check(d.PortStart >= 1024 && d.PortStart <= 65535, "discovery.port_start %d must lie within 1024-65535", d.PortStart)
	check(d.PortEnd >= 1024 && d.PortEnd <= 65535, "discovery.port_end %d must lie within 1024-65535", d.PortEnd)
	check(d.PortStart <= d.PortEnd, "discovery.port_start must not exceed discovery.port_end")
	check(d.ProbeTimeout >= 100*time.Millisecond && d.ProbeTimeout <= 5*time.Second,
		"discovery.probe_timeout %s must lie within 100ms-5s", d.ProbeTimeout)
	check(d.Concurrency >= 1, "discovery.concurrency must be at least 1")
	check(d.Rate >= 0, "discovery.rate must not be negative")
	check(d.Rate == 0 || d.Burst >= 1, "discovery.burst must be at least 1 when a rate is set")

	check(oneOf(c.History.Driver, "none", "memory", "sqlite3", "postgres"), "history.driver %q must be none, memory, sqlite3 or postgres", c.History.Driver)
	check(!oneOf(c.History.Driver, "sqlite3", "postgres") || c.History.DSN != "", "history.dsn is required for the %s driver", c.History.Driver)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// WireDialect is the dialect spoken with the tool client.
func (c *Config) WireDialect() jsonrpc.Dialect {
	return jsonrpc.DialectFor(c.Wire.VersionField)
}

// VMDialect is the dialect spoken with Dart VM services.
func (c *Config) VMDialect() jsonrpc.Dialect {
	return jsonrpc.DialectFor(c.VMService.VersionField)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
