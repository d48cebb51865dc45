// Package config provides configuration loading and management for the
// publication server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
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

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Registry      RegistryConfig     `yaml:"registry"`
	Habilitations HabilitationConfig `yaml:"habilitations"`
	Database      *DatabaseConfig    `yaml:"database,omitempty"`
	SMTP          *SMTPConfig        `yaml:"smtp,omitempty"`
	Scheduler     SchedulerConfig    `yaml:"scheduler,omitempty"`
	API           APIConfig          `yaml:"api,omitempty"`
}

// RegistryConfig defines how to reach the national deposit registry
type RegistryConfig struct {
	// Endpoint is the base URL of the revision registry API
	Endpoint string `yaml:"endpoint"`

	// TokenFile is the path to a file containing the bearer token.
	// BAL_REGISTRY_TOKEN is used when no file is configured.
	TokenFile string `yaml:"tokenFile,omitempty"`

	// Timeout is the per-request timeout (e.g. "30s")
	Timeout string `yaml:"timeout,omitempty"`
}

// HabilitationConfig defines how to reach the habilitation service
type HabilitationConfig struct {
	// Endpoint is the base URL of the habilitation API
	Endpoint string `yaml:"endpoint"`

	// TokenFile is the path to a file containing the bearer token.
	// BAL_HABILITATION_TOKEN is used when no file is configured.
	TokenFile string `yaml:"tokenFile,omitempty"`
}

// SMTPConfig defines the notification relay. When absent, notifications are
// logged instead of sent.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Addr returns the relay address in host:port form.
func (s *SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SchedulerConfig defines the timing of the reconciliation passes. All
// durations are strings accepted by time.ParseDuration.
type SchedulerConfig struct {
	// DetectInterval is the cadence of the outdated and conflict detectors
	DetectInterval string `yaml:"detectInterval,omitempty"`

	// SyncInterval is the cadence of the sync-outdated batch
	SyncInterval string `yaml:"syncInterval,omitempty"`

	// DebounceWindow keeps recently-edited records out of the batch
	DebounceWindow string `yaml:"debounceWindow,omitempty"`

	// SettleDelay is the conflict detector's post-watermark wait
	SettleDelay string `yaml:"settleDelay,omitempty"`

	// PurgeHour is the local hour of the daily demo purge (0-23)
	PurgeHour int `yaml:"purgeHour,omitempty"`
}

// Scheduler defaults, matching the cadence of the reference deployment.
const (
	DefaultDetectInterval = 30 * time.Second
	DefaultSyncInterval   = 5 * time.Minute
	DefaultDebounceWindow = 2 * time.Hour
	DefaultSettleDelay    = 5 * time.Second
	DefaultPurgeHour      = 2
)

// GetDetectInterval returns the detector cadence.
func (s *SchedulerConfig) GetDetectInterval() time.Duration {
	return parseDurationOr(s.DetectInterval, DefaultDetectInterval)
}

// GetSyncInterval returns the batch cadence.
func (s *SchedulerConfig) GetSyncInterval() time.Duration {
	return parseDurationOr(s.SyncInterval, DefaultSyncInterval)
}

// GetDebounceWindow returns the batch debounce window.
func (s *SchedulerConfig) GetDebounceWindow() time.Duration {
	return parseDurationOr(s.DebounceWindow, DefaultDebounceWindow)
}

// GetSettleDelay returns the conflict detector settle delay.
func (s *SchedulerConfig) GetSettleDelay() time.Duration {
	return parseDurationOr(s.SettleDelay, DefaultSettleDelay)
}

// GetPurgeHour returns the purge trigger hour.
func (s *SchedulerConfig) GetPurgeHour() int {
	if s.PurgeHour < 0 || s.PurgeHour > 23 {
		return DefaultPurgeHour
	}
	if s.PurgeHour == 0 {
		return DefaultPurgeHour
	}
	return s.PurgeHour
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// APIConfig defines the admin/ops HTTP surface
type APIConfig struct {
	// Address is the listen address, ":8080" by default
	Address string `yaml:"address,omitempty"`

	// AdminTokenFile is the path to a file containing the static bearer
	// token protecting the task surface. BAL_ADMIN_TOKEN is used when no
	// file is configured.
	AdminTokenFile string `yaml:"adminTokenFile,omitempty"`
}

// GetAddress returns the listen address.
func (a *APIConfig) GetAddress() string {
	if a.Address == "" {
		return ":8080"
	}
	return a.Address
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing
	// whitespace. BAL_DATABASE_PASSWORD is used when no file is configured.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum size of the connection pool
	MaxConns int32 `yaml:"maxConns,omitempty"`
}

// GetPassword returns the database password, preferring PasswordFile over
// the BAL_DATABASE_PASSWORD environment variable.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("BAL_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or BAL_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string. The password
// is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
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

// readToken resolves a secret from a file path or an environment variable.
func readToken(tokenFile, envVar string) (string, error) {
	if tokenFile != "" {
		data, err := os.ReadFile(filepath.Clean(tokenFile))
		if err != nil {
			return "", fmt.Errorf("failed to read token from file %s: %w", tokenFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv(envVar), nil
}

// GetRegistryToken returns the deposit registry bearer token.
func (c *Config) GetRegistryToken() (string, error) {
	return readToken(c.Registry.TokenFile, "BAL_REGISTRY_TOKEN")
}

// GetHabilitationToken returns the habilitation service bearer token.
func (c *Config) GetHabilitationToken() (string, error) {
	return readToken(c.Habilitations.TokenFile, "BAL_HABILITATION_TOKEN")
}

// GetAdminToken returns the admin API bearer token.
func (c *Config) GetAdminToken() (string, error) {
	return readToken(c.API.AdminTokenFile, "BAL_ADMIN_TOKEN")
}

// GetRegistryTimeout returns the registry per-request timeout, zero meaning
// the client default.
func (c *Config) GetRegistryTimeout() time.Duration {
	return parseDurationOr(c.Registry.Timeout, 0)
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

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Registry.Endpoint == "" {
		return fmt.Errorf("registry endpoint is required")
	}
	if err := validateEndpoint(c.Registry.Endpoint, "registry"); err != nil {
		return err
	}

	if c.Habilitations.Endpoint == "" {
		return fmt.Errorf("habilitations endpoint is required")
	}
	if err := validateEndpoint(c.Habilitations.Endpoint, "habilitations"); err != nil {
		return err
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port == 0 {
		return fmt.Errorf("database port is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	for name, value := range map[string]string{
		"detectInterval": c.Scheduler.DetectInterval,
		"syncInterval":   c.Scheduler.SyncInterval,
		"debounceWindow": c.Scheduler.DebounceWindow,
		"settleDelay":    c.Scheduler.SettleDelay,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("scheduler.%s: invalid duration %q", name, value)
		}
	}
	if c.Scheduler.PurgeHour < 0 || c.Scheduler.PurgeHour > 23 {
		return fmt.Errorf("scheduler.purgeHour must be between 0 and 23")
	}

	if c.SMTP != nil {
		if c.SMTP.Host == "" || c.SMTP.Port == 0 || c.SMTP.From == "" {
			return fmt.Errorf("smtp requires host, port and from")
		}
	}

	return nil
}

func validateEndpoint(endpoint, name string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%s endpoint is not a valid URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s endpoint must use http or https", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s endpoint is missing a host", name)
	}
	return nil
}
