// Package config loads service settings from defaults, an optional TOML
// file, an optional .env file and FINANCE_* environment variables, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all service configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Store  StoreConfig  `toml:"store"`
	AMQP   AMQPConfig   `toml:"amqp"`
	Log    LogConfig    `toml:"log"`
}

type ServerConfig struct {
	Port           int      `toml:"port"`
	RequestTimeout Duration `toml:"request_timeout"`
	// AllowedOrigins feeds CORS. Empty means any origin.
	AllowedOrigins []string `toml:"allowed_origins,omitempty"`
}

// StoreConfig selects the backend. Driver is memory, sqlite or postgres.
type StoreConfig struct {
	Driver       string `toml:"driver"`
	SQLiteDir    string `toml:"sqlite_dir"`
	PostgresDSN  string `toml:"postgres_dsn,omitempty"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

// AMQPConfig is optional; an empty URL disables event publishing.
// RoutingPrefix heads every routing key: "<prefix>.<tenant>.<event type>".
type AMQPConfig struct {
	URL           string `toml:"url,omitempty"`
	Exchange      string `toml:"exchange"`
	RoutingPrefix string `toml:"routing_prefix"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration lets TOML files say "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			RequestTimeout: Duration{30 * time.Second},
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			SQLiteDir:    "./data",
			MaxOpenConns: 10,
		},
		AMQP: AMQPConfig{
			Exchange:      "finance",
			RoutingPrefix: "finance",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty, and a missing .env
// file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides cfg with FINANCE_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var problems []string
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %q is not a number", key, v))
				return
			}
			*dst = n
		}
	}

	num("FINANCE_PORT", &cfg.Server.Port)
	if v, ok := lookup("FINANCE_REQUEST_TIMEOUT"); ok {
		if err := cfg.Server.RequestTimeout.UnmarshalText([]byte(v)); err != nil {
			problems = append(problems, fmt.Sprintf("FINANCE_REQUEST_TIMEOUT: %v", err))
		}
	}
	if v, ok := lookup("FINANCE_ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	str("FINANCE_STORE_DRIVER", &cfg.Store.Driver)
	str("FINANCE_SQLITE_DIR", &cfg.Store.SQLiteDir)
	str("FINANCE_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	num("FINANCE_MAX_OPEN_CONNS", &cfg.Store.MaxOpenConns)
	str("FINANCE_AMQP_URL", &cfg.AMQP.URL)
	str("FINANCE_AMQP_EXCHANGE", &cfg.AMQP.Exchange)
	str("FINANCE_AMQP_ROUTING_PREFIX", &cfg.AMQP.RoutingPrefix)
	str("FINANCE_LOG_LEVEL", &cfg.Log.Level)
	str("FINANCE_LOG_FORMAT", &cfg.Log.Format)

	if len(problems) > 0 {
		return fmt.Errorf("invalid environment:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the configuration and returns every problem at once.
func (c Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid port %d: must be between 1 and 65535", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "request timeout must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLiteDir == "" {
			errs = append(errs, "SQLite directory cannot be empty when using sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			errs = append(errs, "Postgres DSN cannot be empty when using postgres driver")
		} else if u, err := url.Parse(c.Store.PostgresDSN); err != nil {
			errs = append(errs, fmt.Sprintf("invalid Postgres DSN: %v", err))
		} else if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			errs = append(errs, fmt.Sprintf("invalid Postgres DSN scheme '%s': must be 'postgres' or 'postgresql'", u.Scheme))
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid store driver '%s': must be one of [memory sqlite postgres]", c.Store.Driver))
	}
	if c.Store.MaxOpenConns < 0 {
		errs = append(errs, "max open connections cannot be negative")
	}

	if c.AMQP.URL != "" {
		if u, err := url.Parse(c.AMQP.URL); err != nil {
			errs = append(errs, fmt.Sprintf("invalid AMQP URL: %v", err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			errs = append(errs, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
		}
		if c.AMQP.Exchange == "" {
			errs = append(errs, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQP.RoutingPrefix == "" || strings.ContainsAny(c.AMQP.RoutingPrefix, "*#") {
			errs = append(errs, fmt.Sprintf("invalid AMQP routing prefix '%s': must be non-empty without wildcards", c.AMQP.RoutingPrefix))
		}
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format '%s': must be 'json' or 'console'", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
