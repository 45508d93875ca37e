/*
Package config loads server configuration.

PRECEDENCE (lowest to highest):
  1. Built-in defaults
  2. .env file in the working directory (optional)
  3. LCFS_* environment variables
  4. Command-line flags

KEYS:
  LCFS_PORT               -port       HTTP port (8080)
  LCFS_DB_PATH            -db         SQLite path, ":memory:" allowed (lcfs.db)
  LCFS_LOG_LEVEL          -log-level  logrus level (info)
  LCFS_JWT_SIGNING_KEY    -jwt-key    HS256 key for bearer tokens
  LCFS_TRANSITION_YEAR                first non-legacy period; overrides the reference data
  LCFS_REFERENCE_DATA     -reference  reference data JSON; empty uses embedded defaults
  LCFS_LOCK_BACKEND       -lock       local | redis | postgres (local)
  LCFS_REDIS_URL                      host:port for the redis lock
  LCFS_REDIS_PASSWORD
  LCFS_POSTGRES_URL                   DSN for the postgres advisory lock
  LCFS_KAFKA_BROKERS                  comma separated; enables the Kafka email sender
  LCFS_KAFKA_TOPIC                    (lcfs.notifications.email)
  LCFS_DELIVERY_INTERVAL              email delivery tick (30s)
  LCFS_DELIVERY_BATCH                 emails per tick (50)
  LCFS_SEED                           load demo data on start (false)
*/
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type LockBackend string

const (
	LockLocal    LockBackend = "local"
	LockRedis    LockBackend = "redis"
	LockPostgres LockBackend = "postgres"
)

type Config struct {
	Port           int
	DBPath         string
	LogLevel       string
	JWTSigningKey  string
	TransitionYear string
	ReferenceData  string

	LockBackend   LockBackend
	RedisURL      string
	RedisPassword string
	PostgresURL   string

	KafkaBrokers []string
	KafkaTopic   string

	DeliveryInterval time.Duration
	DeliveryBatch    int

	Seed bool
}

// Load reads .env, the environment and then args (without the program name).
func Load(args []string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Config{
		Port:             envInt("LCFS_PORT", 8080),
		DBPath:           env("LCFS_DB_PATH", "lcfs.db"),
		LogLevel:         env("LCFS_LOG_LEVEL", "info"),
		JWTSigningKey:    env("LCFS_JWT_SIGNING_KEY", ""),
		TransitionYear:   env("LCFS_TRANSITION_YEAR", ""),
		ReferenceData:    env("LCFS_REFERENCE_DATA", ""),
		LockBackend:      LockBackend(env("LCFS_LOCK_BACKEND", string(LockLocal))),
		RedisURL:         env("LCFS_REDIS_URL", "localhost:6379"),
		RedisPassword:    env("LCFS_REDIS_PASSWORD", ""),
		PostgresURL:      env("LCFS_POSTGRES_URL", ""),
		KafkaTopic:       env("LCFS_KAFKA_TOPIC", "lcfs.notifications.email"),
		DeliveryInterval: envDuration("LCFS_DELIVERY_INTERVAL", 30*time.Second),
		DeliveryBatch:    envInt("LCFS_DELIVERY_BATCH", 50),
		Seed:             envBool("LCFS_SEED", false),
	}
	if brokers := env("LCFS_KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.JWTSigningKey, "jwt-key", cfg.JWTSigningKey, "HS256 signing key")
	fs.StringVar(&cfg.ReferenceData, "reference", cfg.ReferenceData, "reference data JSON file")
	lock := fs.String("lock", string(cfg.LockBackend), "group lock backend: local, redis or postgres")
	fs.BoolVar(&cfg.Seed, "seed", cfg.Seed, "load demo organizations and subscriptions")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.LockBackend = LockBackend(*lock)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.LockBackend {
	case LockLocal, LockRedis:
	case LockPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("LCFS_POSTGRES_URL is required for the postgres lock backend")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.LockBackend)
	}
	if c.JWTSigningKey == "" {
		return fmt.Errorf("LCFS_JWT_SIGNING_KEY is required")
	}
	if c.TransitionYear != "" {
		if _, err := strconv.Atoi(c.TransitionYear); err != nil || len(c.TransitionYear) != 4 {
			return fmt.Errorf("invalid LCFS_TRANSITION_YEAR %q", c.TransitionYear)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DeliveryBatch <= 0 {
		return fmt.Errorf("LCFS_DELIVERY_BATCH must be positive")
	}
	return nil
}

// NewLogger returns a JSON logger at level; unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(env(key, "")); err == nil {
		return n
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(env(key, "")); err == nil {
		return b
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(env(key, "")); err == nil {
		return d
	}
	return def
}
