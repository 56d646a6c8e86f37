// Package config loads presenced settings from a yaml file overlaid by
// PRESENCE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	BusLocal = "local"
	BusHub   = "hub"
	BusRedis = "redis"
)

type Config struct {
	Server struct {
		// Addr is used by a standalone worker; coordinated workers listen on BasePort+i.
		Addr     string `yaml:"addr" env:"ADDR"`
		BasePort int    `yaml:"base_port" env:"BASE_PORT"`
		// CoordinatorAddr is where the coordinator serves the hub bus relay.
		CoordinatorAddr string `yaml:"coordinator_addr" env:"COORDINATOR_ADDR"`
		Workers         int    `yaml:"workers" env:"WORKERS"`
	} `yaml:"server" envPrefix:"SERVER_"`

	Presence struct {
		LivenessTimeout   time.Duration `yaml:"liveness_timeout" env:"LIVENESS_TIMEOUT"`
		SendInterval      time.Duration `yaml:"send_interval" env:"SEND_INTERVAL"`
		BroadcastInterval time.Duration `yaml:"broadcast_interval" env:"BROADCAST_INTERVAL"`
		DedupTTL          time.Duration `yaml:"dedup_ttl" env:"DEDUP_TTL"`
		DepartOnClose     bool          `yaml:"depart_on_close" env:"DEPART_ON_CLOSE"`
	} `yaml:"presence"`

	Log struct {
		Driver string `yaml:"driver" env:"DRIVER"`
		DSN    string `yaml:"dsn" env:"DSN"`
	} `yaml:"event_log" envPrefix:"EVENT_LOG_"`

	Bus struct {
		Kind  string `yaml:"kind" env:"KIND"`
		Redis struct {
			Addr    string `yaml:"addr" env:"ADDR"`
			DB      int    `yaml:"db" env:"DB"`
			Channel string `yaml:"channel" env:"CHANNEL"`
		} `yaml:"redis" envPrefix:"REDIS_"`
	} `yaml:"bus" envPrefix:"BUS_"`

	Logging struct {
		Env   string `yaml:"env" env:"ENV"`
		Level string `yaml:"level" env:"LEVEL"`
	} `yaml:"logging" envPrefix:"LOGGING_"`
}

// EnvPrefix is prepended to every environment variable, e.g. PRESENCE_SERVER_WORKERS.
const EnvPrefix = "PRESENCE_"

// Default returns the configuration used when nothing is set.
func Default() Config {
	var c Config
	c.Server.Addr = "localhost:8080"
	c.Server.BasePort = 10000
	c.Server.CoordinatorAddr = "localhost:9999"
	c.Server.Workers = runtime.NumCPU()
	c.Presence.LivenessTimeout = 5 * time.Second
	c.Presence.SendInterval = 100 * time.Millisecond
	c.Presence.BroadcastInterval = time.Second
	c.Presence.DedupTTL = time.Minute
	c.Log.Driver = "sqlite"
	c.Log.DSN = "presence.sqlite3"
	c.Bus.Kind = BusHub
	c.Bus.Redis.Addr = "localhost:6379"
	c.Bus.Redis.Channel = "presence:fanout"
	c.Logging.Env = "dev"
	c.Logging.Level = "info"
	return c
}

// Load reads path when it exists, then applies environment overrides and validates.
// An empty path skips the file.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, &c); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Workers < 1 {
		errs = append(errs, fmt.Errorf("server.workers must be at least 1"))
	}
	if c.Server.BasePort < 1 || c.Server.BasePort+c.Server.Workers > 65535 {
		errs = append(errs, fmt.Errorf("server.base_port %d leaves no room for %d workers", c.Server.BasePort, c.Server.Workers))
	}
	if c.Presence.LivenessTimeout <= 0 {
		errs = append(errs, fmt.Errorf("presence.liveness_timeout must be positive"))
	}
	if c.Presence.SendInterval <= 0 {
		errs = append(errs, fmt.Errorf("presence.send_interval must be positive"))
	}
	if c.Presence.BroadcastInterval <= 0 {
		errs = append(errs, fmt.Errorf("presence.broadcast_interval must be positive"))
	}
	switch c.Log.Driver {
	case "sqlite", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("event_log.driver %q must be sqlite, postgres or memory", c.Log.Driver))
	}
	switch c.Bus.Kind {
	case BusLocal, BusHub:
	case BusRedis:
		if c.Bus.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("bus.redis.addr is required for the redis bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.kind %q must be local, hub or redis", c.Bus.Kind))
	}
	return errors.Join(errs...)
}
