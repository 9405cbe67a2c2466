/*
Package config loads server settings from the environment.

Values come from, in order of precedence: environment variables, an optional
.env file in the working directory, then the defaults below.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	LockLocal = "local"
	LockRedis = "redis"

	EventsLog  = "log"
	EventsAMQP = "amqp"
)

type Config struct {
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPPort int    `mapstructure:"HTTP_PORT"`

	DBDriver    string `mapstructure:"DB_DRIVER"`
	DBPath      string `mapstructure:"DB_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	LockBackend string        `mapstructure:"LOCK_BACKEND"`
	RedisURL    string        `mapstructure:"REDIS_URL"`
	LockTTL     time.Duration `mapstructure:"LOCK_TTL"`

	EventsBackend string `mapstructure:"EVENTS_BACKEND"`
	AMQPURL       string `mapstructure:"AMQP_URL"`
	AMQPExchange  string `mapstructure:"AMQP_EXCHANGE"`

	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepWorkers  int           `mapstructure:"SWEEP_WORKERS"`
	AutoAdvance   bool          `mapstructure:"AUTO_ADVANCE"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"APP_ENV", "LOG_LEVEL", "HTTP_PORT",
	"DB_DRIVER", "DB_PATH", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"LOCK_BACKEND", "REDIS_URL", "LOCK_TTL",
	"EVENTS_BACKEND", "AMQP_URL", "AMQP_EXCHANGE",
	"SWEEP_INTERVAL", "SWEEP_WORKERS", "AUTO_ADVANCE",
	"CORS_ORIGINS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("DB_PATH", "billing.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("LOCK_BACKEND", LockLocal)
	v.SetDefault("LOCK_TTL", "30s")
	v.SetDefault("EVENTS_BACKEND", EventsLog)
	v.SetDefault("AMQP_EXCHANGE", "billing.ledger")
	v.SetDefault("SWEEP_INTERVAL", "5m")
	v.SetDefault("SWEEP_WORKERS", 4)
	v.SetDefault("AUTO_ADVANCE", false)
	v.SetDefault("CORS_ORIGINS", "*")
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitOrigins(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitOrigins(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool { return c.Env == "development" }

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.HTTPPort) }

// Validate checks backend selections and the settings each backend needs.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.HTTPPort)
	}

	switch c.DBDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required when DB_DRIVER is %q", DriverSQLite)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is %q", DriverPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q, %q or %q, got %q", DriverMemory, DriverSQLite, DriverPostgres, c.DBDriver)
	}

	switch c.LockBackend {
	case LockLocal:
	case LockRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND is %q", LockRedis)
		}
		if c.LockTTL <= 0 {
			return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockLocal, LockRedis, c.LockBackend)
	}

	switch c.EventsBackend {
	case EventsLog:
	case EventsAMQP:
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when EVENTS_BACKEND is %q", EventsAMQP)
		}
		if c.AMQPExchange == "" {
			return fmt.Errorf("AMQP_EXCHANGE is required when EVENTS_BACKEND is %q", EventsAMQP)
		}
	default:
		return fmt.Errorf("EVENTS_BACKEND must be %q or %q, got %q", EventsLog, EventsAMQP, c.EventsBackend)
	}

	if c.SweepWorkers < 1 {
		return fmt.Errorf("SWEEP_WORKERS must be at least 1, got %d", c.SweepWorkers)
	}
	return nil
}
