// Package config loads process configuration from the environment.
//
// Values may be pre-populated from a .env file. Variables already present
// in the environment win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"ledger-transfer/pkg/events"
	"ledger-transfer/pkg/ledger/postgres"
	"ledger-transfer/pkg/lock"
	"ledger-transfer/pkg/transfer"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is everything transferd needs to start.
type Config struct {
	// Port the HTTP gateway listens on.
	Port int

	Postgres postgres.Config

	// RedisAddr enables the distributed account lock when set.
	RedisAddr     string
	RedisPassword string

	// RabbitMQURL enables transfer event publishing when set.
	RabbitMQURL      string
	RabbitMQExchange string

	UnitTimeout  time.Duration
	LockTimeout  time.Duration
	AuditTimeout time.Duration

	// SeedDemoAccounts inserts the demo accounts into an empty ledger.
	SeedDemoAccounts bool

	// MetricsNamespace prefixes every Prometheus metric.
	MetricsNamespace string

	// AccountFilterRefresh is how often the account id filter is rebuilt.
	// Zero disables the periodic rebuild.
	AccountFilterRefresh time.Duration
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	engine := transfer.DefaultConfig()
	return Config{
		Port:             8080,
		Postgres:         postgres.DefaultConfig(),
		RabbitMQExchange: events.DefaultRabbitConfig().Exchange,
		UnitTimeout:      engine.UnitTimeout,
		LockTimeout:      engine.LockTimeout,
		AuditTimeout:     engine.AuditTimeout,
		SeedDemoAccounts: true,
		MetricsNamespace: "ledger",

		AccountFilterRefresh: time.Minute,
	}
}

// Load reads files into the environment (".env" when none are given),
// then builds a Config from it. Missing files are not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment alone.
// Every malformed variable is reported, not just the first.
func FromEnv() (Config, error) {
	c := Default()
	var errs error

	c.Port = envInt("PORT", c.Port, &errs)

	c.Postgres.Host = envString("POSTGRES_HOST", c.Postgres.Host)
	c.Postgres.Port = envInt("POSTGRES_PORT", c.Postgres.Port, &errs)
	c.Postgres.User = envString("POSTGRES_USER", c.Postgres.User)
	c.Postgres.Password = envString("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Postgres.Database = envString("POSTGRES_DB", c.Postgres.Database)
	c.Postgres.SSLMode = envString("POSTGRES_SSLMODE", c.Postgres.SSLMode)
	c.Postgres.MaxOpenConns = envInt("POSTGRES_MAX_OPEN_CONNS", c.Postgres.MaxOpenConns, &errs)

	c.RedisAddr = envString("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envString("REDIS_PASSWORD", c.RedisPassword)
	c.RabbitMQURL = envString("RABBITMQ_URL", c.RabbitMQURL)
	c.RabbitMQExchange = envString("RABBITMQ_EXCHANGE", c.RabbitMQExchange)

	c.UnitTimeout = envDuration("TRANSFER_UNIT_TIMEOUT", c.UnitTimeout, &errs)
	c.LockTimeout = envDuration("TRANSFER_LOCK_TIMEOUT", c.LockTimeout, &errs)
	c.AuditTimeout = envDuration("TRANSFER_AUDIT_TIMEOUT", c.AuditTimeout, &errs)

	c.SeedDemoAccounts = envBool("SEED_DEMO_ACCOUNTS", c.SeedDemoAccounts, &errs)
	c.MetricsNamespace = envString("METRICS_NAMESPACE", c.MetricsNamespace)
	c.AccountFilterRefresh = envDuration("ACCOUNT_FILTER_REFRESH", c.AccountFilterRefresh, &errs)

	if errs != nil {
		return Config{}, errs
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs error
	if c.Port <= 0 || c.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("%w: PORT %d out of range", ErrInvalidConfig, c.Port))
	}
	if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("%w: POSTGRES_PORT %d out of range", ErrInvalidConfig, c.Postgres.Port))
	}
	if c.Postgres.Host == "" || c.Postgres.Database == "" {
		errs = multierr.Append(errs, fmt.Errorf("%w: postgres host and database are required", ErrInvalidConfig))
	}
	for name, d := range map[string]time.Duration{
		"TRANSFER_UNIT_TIMEOUT":  c.UnitTimeout,
		"TRANSFER_LOCK_TIMEOUT":  c.LockTimeout,
		"TRANSFER_AUDIT_TIMEOUT": c.AuditTimeout,
	} {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name))
		}
	}
	if c.AccountFilterRefresh < 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: ACCOUNT_FILTER_REFRESH must not be negative", ErrInvalidConfig))
	}
	return errs
}

// Address is the listen address for the HTTP gateway.
func (c Config) Address() string {
	return ":" + strconv.Itoa(c.Port)
}

// Transfer returns the engine configuration.
func (c Config) Transfer() transfer.Config {
	tc := transfer.DefaultConfig()
	tc.UnitTimeout = c.UnitTimeout
	tc.LockTimeout = c.LockTimeout
	tc.AuditTimeout = c.AuditTimeout
	return tc
}

// Redis returns the lock configuration. Only meaningful when RedisAddr is set.
func (c Config) Redis() lock.RedisLockerConfig {
	rc := lock.DefaultRedisLockerConfig()
	rc.Addr = c.RedisAddr
	rc.Password = c.RedisPassword
	return rc
}

// RabbitMQ returns the event sink configuration. Only meaningful when RabbitMQURL is set.
func (c Config) RabbitMQ() events.RabbitConfig {
	rc := events.DefaultRabbitConfig()
	rc.URL = c.RabbitMQURL
	rc.Exchange = c.RabbitMQExchange
	return rc
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *error) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v))
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration, errs *error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfig, key, v))
		return fallback
	}
	return d
}

func envBool(key string, fallback bool, errs *error) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, key, v))
		return fallback
	}
	return b
}
