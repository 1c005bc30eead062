// Package config provides configuration loading and management for the balance server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/balance-server/internal/telemetry"
)

const (
	// EnvPrefix is the prefix for environment variables read by the server
	EnvPrefix = "BALANCE"

	// PasswordEnvVar is the environment variable holding the database password
	PasswordEnvVar = "BALANCE_DATABASE_PASSWORD"
)

const (
	defaultAddress         = ":4000"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second

	defaultSSLMode         = "require"
	defaultMaxOpenConns    = 25
	defaultConnMaxLifetime = 5 * time.Minute
	defaultMaxConnIdleTime = 10 * time.Second
	defaultConnectTimeout  = 10 * time.Second
	defaultAcquireTimeout  = 30 * time.Second
	defaultLockTimeout     = 5 * time.Second

	defaultInitialBackoff        = 100 * time.Millisecond
	defaultMaxBackoff            = 30 * time.Second
	defaultStableAfter           = 10 * time.Second
	defaultMaxConsecutiveCrashes = 5
	defaultBreakerCooldown       = time.Minute

	defaultSeedAccounts   = 1000
	defaultInitialBalance = 10000
	defaultWaitTimeout    = 2 * time.Minute
	defaultStaleAfter     = 5 * time.Minute
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Server    *ServerConfig     `yaml:"server,omitempty"`
	Database  *DatabaseConfig   `yaml:"database"`
	Workers   *WorkersConfig    `yaml:"workers,omitempty"`
	Bootstrap *BootstrapConfig  `yaml:"bootstrap,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// ServerConfig defines the HTTP listener settings shared by every worker
type ServerConfig struct {
	// Address is the TCP address the worker pool listens on
	Address string `yaml:"address,omitempty"`

	ReadTimeout     string `yaml:"readTimeout,omitempty"`
	WriteTimeout    string `yaml:"writeTimeout,omitempty"`
	RequestTimeout  string `yaml:"requestTimeout,omitempty"`
	IdleTimeout     string `yaml:"idleTimeout,omitempty"`
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// URL is a complete postgres:// connection URL. When set it takes
	// precedence over the discrete connection fields below.
	URL string `yaml:"url,omitempty"`

	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns bounds the pool of every worker process
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the number of connections kept open when idle
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`

	// MaxConnIdleTime is how long an idle connection is kept before release
	MaxConnIdleTime string `yaml:"maxConnIdleTime,omitempty"`

	// ConnectTimeout bounds establishing a new connection
	ConnectTimeout string `yaml:"connectTimeout,omitempty"`

	// AcquireTimeout bounds a whole balance mutation, including the wait
	// for a free pool connection
	AcquireTimeout string `yaml:"acquireTimeout,omitempty"`

	// LockTimeout bounds the wait for an account row lock
	LockTimeout string `yaml:"lockTimeout,omitempty"`
}

// WorkersConfig defines the supervised worker pool
type WorkersConfig struct {
	// Count is the number of worker processes. Defaults to the number of CPUs.
	Count int `yaml:"count,omitempty"`

	Restart *RestartConfig `yaml:"restart,omitempty"`

	// ShutdownTimeout is how long the supervisor waits for workers to exit
	// before killing them
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
}

// RestartConfig defines how crashed workers are restarted
type RestartConfig struct {
	InitialBackoff string `yaml:"initialBackoff,omitempty"`
	MaxBackoff     string `yaml:"maxBackoff,omitempty"`

	// StableAfter is the uptime after which an exit no longer counts as a crash
	StableAfter string `yaml:"stableAfter,omitempty"`

	// MaxConsecutiveCrashes opens the slot's circuit breaker
	MaxConsecutiveCrashes uint32 `yaml:"maxConsecutiveCrashes,omitempty"`

	// BreakerCooldown is how long an open breaker pauses restarts
	BreakerCooldown string `yaml:"breakerCooldown,omitempty"`
}

// BootstrapConfig defines the one-time schema setup and seeding
type BootstrapConfig struct {
	// SeedAccounts is the number of accounts created by seeding
	SeedAccounts int32 `yaml:"seedAccounts,omitempty"`

	// InitialBalance is the balance of every seeded account, in minor units
	InitialBalance int64 `yaml:"initialBalance,omitempty"`

	// WaitTimeout bounds how long a worker waits for another worker's bootstrap
	WaitTimeout string `yaml:"waitTimeout,omitempty"`

	// StaleAfter is the age after which an unrefreshed claim may be taken over
	StaleAfter string `yaml:"staleAfter,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error

	if c.Database == nil {
		errs = append(errs, fmt.Errorf("database configuration is required"))
	} else if err := c.Database.validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}

	if c.Server != nil {
		errs = append(errs, validateDurations("server", map[string]string{
			"readTimeout":     c.Server.ReadTimeout,
			"writeTimeout":    c.Server.WriteTimeout,
			"requestTimeout":  c.Server.RequestTimeout,
			"idleTimeout":     c.Server.IdleTimeout,
			"shutdownTimeout": c.Server.ShutdownTimeout,
		}))
	}

	if c.Workers != nil {
		if c.Workers.Count < 0 {
			errs = append(errs, fmt.Errorf("workers: count must not be negative, got %d", c.Workers.Count))
		}
		errs = append(errs, validateDurations("workers", map[string]string{
			"shutdownTimeout": c.Workers.ShutdownTimeout,
		}))
		if r := c.Workers.Restart; r != nil {
			errs = append(errs, validateDurations("workers.restart", map[string]string{
				"initialBackoff":  r.InitialBackoff,
				"maxBackoff":      r.MaxBackoff,
				"stableAfter":     r.StableAfter,
				"breakerCooldown": r.BreakerCooldown,
			}))
		}
	}

	if c.Bootstrap != nil {
		if c.Bootstrap.SeedAccounts < 0 {
			errs = append(errs, fmt.Errorf("bootstrap: seedAccounts must not be negative"))
		}
		if c.Bootstrap.InitialBalance < 0 {
			errs = append(errs, fmt.Errorf("bootstrap: initialBalance must not be negative"))
		}
		errs = append(errs, validateDurations("bootstrap", map[string]string{
			"waitTimeout": c.Bootstrap.WaitTimeout,
			"staleAfter":  c.Bootstrap.StaleAfter,
		}))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

func (d *DatabaseConfig) validate() error {
	if d.URL != "" {
		if _, err := url.Parse(d.URL); err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
	} else {
		if d.Host == "" {
			return fmt.Errorf("host is required")
		}
		if d.Port == 0 {
			return fmt.Errorf("port is required")
		}
		if d.User == "" {
			return fmt.Errorf("user is required")
		}
		if d.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if d.MaxOpenConns < 0 || d.MaxIdleConns < 0 {
		return fmt.Errorf("connection counts must not be negative")
	}
	if d.MaxIdleConns > 0 && d.MaxOpenConns > 0 && d.MaxIdleConns > d.MaxOpenConns {
		return fmt.Errorf("maxIdleConns (%d) must not exceed maxOpenConns (%d)", d.MaxIdleConns, d.MaxOpenConns)
	}

	return validateDurations("", map[string]string{
		"connMaxLifetime": d.ConnMaxLifetime,
		"maxConnIdleTime": d.MaxConnIdleTime,
		"connectTimeout":  d.ConnectTimeout,
		"acquireTimeout":  d.AcquireTimeout,
		"lockTimeout":     d.LockTimeout,
	})
}

// validateDurations checks that every non-empty value parses as a positive duration
func validateDurations(prefix string, values map[string]string) error {
	var errs []error
	for name, value := range values {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be a valid duration (e.g., '30s', '5m'): %w", qualify(prefix, name), err))
			continue
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", qualify(prefix, name), value))
		}
	}
	return errors.Join(errs...)
}

func qualify(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// durationOr parses value, returning def when it is empty or invalid.
// Values are validated on load, so the fallback only covers unset fields.
func durationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetServer returns the server configuration, never nil
func (c *Config) GetServer() *ServerConfig {
	if c.Server == nil {
		return &ServerConfig{}
	}
	return c.Server
}

// GetWorkers returns the workers configuration, never nil
func (c *Config) GetWorkers() *WorkersConfig {
	if c.Workers == nil {
		return &WorkersConfig{}
	}
	return c.Workers
}

// GetBootstrap returns the bootstrap configuration, never nil
func (c *Config) GetBootstrap() *BootstrapConfig {
	if c.Bootstrap == nil {
		return &BootstrapConfig{}
	}
	return c.Bootstrap
}

// GetAddress returns the listen address, using ":4000" if not specified
func (s *ServerConfig) GetAddress() string {
	if s.Address == "" {
		return defaultAddress
	}
	return s.Address
}

// GetReadTimeout returns the HTTP read timeout
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return durationOr(s.ReadTimeout, defaultReadTimeout)
}

// GetWriteTimeout returns the HTTP write timeout
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return durationOr(s.WriteTimeout, defaultWriteTimeout)
}

// GetRequestTimeout returns the per-request handler timeout
func (s *ServerConfig) GetRequestTimeout() time.Duration {
	return durationOr(s.RequestTimeout, defaultRequestTimeout)
}

// GetIdleTimeout returns the keep-alive idle timeout
func (s *ServerConfig) GetIdleTimeout() time.Duration {
	return durationOr(s.IdleTimeout, defaultIdleTimeout)
}

// GetShutdownTimeout returns the graceful HTTP shutdown timeout
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return durationOr(s.ShutdownTimeout, defaultShutdownTimeout)
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from BALANCE_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(PasswordEnvVar); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s environment variable", PasswordEnvVar,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	if d.URL != "" {
		return d.URL, nil
	}

	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = defaultSSLMode
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// GetMaxOpenConns returns the pool size of a single worker
func (d *DatabaseConfig) GetMaxOpenConns() int32 {
	if d.MaxOpenConns == 0 {
		return defaultMaxOpenConns
	}
	return d.MaxOpenConns
}

// GetConnMaxLifetime returns the maximum lifetime of a pooled connection
func (d *DatabaseConfig) GetConnMaxLifetime() time.Duration {
	return durationOr(d.ConnMaxLifetime, defaultConnMaxLifetime)
}

// GetMaxConnIdleTime returns how long an idle connection is kept
func (d *DatabaseConfig) GetMaxConnIdleTime() time.Duration {
	return durationOr(d.MaxConnIdleTime, defaultMaxConnIdleTime)
}

// GetConnectTimeout returns the timeout for establishing a connection
func (d *DatabaseConfig) GetConnectTimeout() time.Duration {
	return durationOr(d.ConnectTimeout, defaultConnectTimeout)
}

// GetAcquireTimeout returns the deadline applied to a whole balance mutation
func (d *DatabaseConfig) GetAcquireTimeout() time.Duration {
	return durationOr(d.AcquireTimeout, defaultAcquireTimeout)
}

// GetLockTimeout returns the row lock wait bound
func (d *DatabaseConfig) GetLockTimeout() time.Duration {
	return durationOr(d.LockTimeout, defaultLockTimeout)
}

// GetCount returns the number of workers, defaulting to the number of CPUs
func (w *WorkersConfig) GetCount() int {
	if w.Count <= 0 {
		return runtime.NumCPU()
	}
	return w.Count
}

// GetShutdownTimeout returns how long workers get to exit on shutdown
func (w *WorkersConfig) GetShutdownTimeout() time.Duration {
	return durationOr(w.ShutdownTimeout, defaultShutdownTimeout)
}

// GetRestart returns the restart policy configuration, never nil
func (w *WorkersConfig) GetRestart() *RestartConfig {
	if w.Restart == nil {
		return &RestartConfig{}
	}
	return w.Restart
}

// GetInitialBackoff returns the first restart delay after a crash
func (r *RestartConfig) GetInitialBackoff() time.Duration {
	return durationOr(r.InitialBackoff, defaultInitialBackoff)
}

// GetMaxBackoff returns the upper bound of the restart delay
func (r *RestartConfig) GetMaxBackoff() time.Duration {
	return durationOr(r.MaxBackoff, defaultMaxBackoff)
}

// GetStableAfter returns the uptime after which an exit is not a crash
func (r *RestartConfig) GetStableAfter() time.Duration {
	return durationOr(r.StableAfter, defaultStableAfter)
}

// GetMaxConsecutiveCrashes returns the crash count that opens the breaker
func (r *RestartConfig) GetMaxConsecutiveCrashes() uint32 {
	if r.MaxConsecutiveCrashes == 0 {
		return defaultMaxConsecutiveCrashes
	}
	return r.MaxConsecutiveCrashes
}

// GetBreakerCooldown returns how long an open breaker pauses restarts
func (r *RestartConfig) GetBreakerCooldown() time.Duration {
	return durationOr(r.BreakerCooldown, defaultBreakerCooldown)
}

// GetSeedAccounts returns the number of seeded accounts
func (b *BootstrapConfig) GetSeedAccounts() int32 {
	if b.SeedAccounts == 0 {
		return defaultSeedAccounts
	}
	return b.SeedAccounts
}

// GetInitialBalance returns the balance of each seeded account
func (b *BootstrapConfig) GetInitialBalance() int64 {
	if b.InitialBalance == 0 {
		return defaultInitialBalance
	}
	return b.InitialBalance
}

// GetWaitTimeout returns how long a worker waits for a sibling's bootstrap
func (b *BootstrapConfig) GetWaitTimeout() time.Duration {
	return durationOr(b.WaitTimeout, defaultWaitTimeout)
}

// GetStaleAfter returns the age at which an unrefreshed claim is abandoned
func (b *BootstrapConfig) GetStaleAfter() time.Duration {
	return durationOr(b.StaleAfter, defaultStaleAfter)
}
