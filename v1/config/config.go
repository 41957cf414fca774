// Package config loads the YAML configuration of replicactl.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-replica/v1/reducers"
)

// Backend names.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
	BackendKafka  = "kafka"
)

// ErrUnknownReducer is returned by Config.Reducer for an undeclared name.
var ErrUnknownReducer = errors.New("reducer not configured")

// Config is the full replicactl configuration.
type Config struct {
	InstanceID string                       `yaml:"instance_id"`
	LogLevel   string                       `yaml:"log_level"`
	Store      StoreConfig                  `yaml:"store"`
	Broadcast  BroadcastConfig              `yaml:"broadcast"`
	Changes    ChangesConfig                `yaml:"changes"`
	Reducers   map[string]ReducerConfig     `yaml:"reducers"`
	HTTP       HTTPConfig                   `yaml:"http"`
	Trace      bool                         `yaml:"trace"`
}

// StoreConfig selects the persistent store.
type StoreConfig struct {
	Backend    string        `yaml:"backend"`
	RedisAddr  string        `yaml:"redis_addr"`
	SQLitePath string        `yaml:"sqlite_path"`
	Prefix     string        `yaml:"prefix"`
	Timeout    time.Duration `yaml:"timeout"`
}

// BroadcastConfig selects the broadcast bus.
type BroadcastConfig struct {
	Backend          string        `yaml:"backend"`
	RedisAddr        string        `yaml:"redis_addr"`
	NATSURL          string        `yaml:"nats_url"`
	KafkaBrokers     []string      `yaml:"kafka_brokers"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// ChangesConfig selects the store change bus.
type ChangesConfig struct {
	Backend      string        `yaml:"backend"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Retention    time.Duration `yaml:"retention"`
}

// ReducerConfig declares one reducer: the state a fresh key starts from and
// an expression per action type.
type ReducerConfig struct {
	Initial any               `yaml:"initial"`
	Actions map[string]string `yaml:"actions"`
}

// HTTPConfig configures replicactl serve.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration running everything in memory.
func Default() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{Backend: BackendMemory, Timeout: 5 * time.Second},
		Broadcast: BroadcastConfig{
			Backend:          BackendMemory,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Changes: ChangesConfig{
			Backend:      BackendMemory,
			PollInterval: 200 * time.Millisecond,
			Retention:    10 * time.Minute,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load reads path on top of Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes data on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store: redis_addr is required for the redis backend"))
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store: sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown backend %q", c.Store.Backend))
	}

	switch c.Broadcast.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.Broadcast.RedisAddr == "" && c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("broadcast: redis_addr is required for the redis backend"))
		}
	case BackendNATS:
		if c.Broadcast.NATSURL == "" {
			errs = append(errs, errors.New("broadcast: nats_url is required for the nats backend"))
		}
	case BackendKafka:
		if len(c.Broadcast.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("broadcast: kafka_brokers is required for the kafka backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("broadcast: unknown backend %q", c.Broadcast.Backend))
	}
	if c.Broadcast.BreakerThreshold < 0 {
		errs = append(errs, errors.New("broadcast: breaker_threshold must not be negative"))
	}

	switch c.Changes.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.Store.Backend != BackendRedis {
			errs = append(errs, errors.New("changes: the redis backend requires the redis store"))
		}
	case BackendSQLite:
		if c.Store.Backend != BackendSQLite {
			errs = append(errs, errors.New("changes: the sqlite backend requires the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("changes: unknown backend %q", c.Changes.Backend))
	}

	for name, r := range c.Reducers {
		if _, err := reducers.Compile(r.Actions); err != nil {
			errs = append(errs, fmt.Errorf("reducers: %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// BroadcastRedisAddr returns the Redis address of the broadcast bus,
// defaulting to the store's.
func (c *Config) BroadcastRedisAddr() string {
	if c.Broadcast.RedisAddr != "" {
		return c.Broadcast.RedisAddr
	}
	return c.Store.RedisAddr
}

// Reducer compiles the reducer declared under name and returns it with its
// initial state.
func (c *Config) Reducer(name string) (*reducers.Program, any, error) {
	r, ok := c.Reducers[name]
	if !ok {
		return nil, nil, fmt.Errorf("%q: %w", name, ErrUnknownReducer)
	}
	prog, err := reducers.Compile(r.Actions)
	if err != nil {
		return nil, nil, err
	}
	return prog, r.Initial, nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Empty means
// info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}
