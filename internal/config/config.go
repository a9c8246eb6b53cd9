package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvJWTSecret    = "JWT_SECRET"
	EnvJWTExpiry    = "JWT_EXPIRY"
	EnvLogLevel     = "LOG_LEVEL"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.JWT
		}
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}

// Session lock backends.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging output settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// PlansConfig holds configured quotas per plan identifier.
type PlansConfig struct {
	Limits map[string]int `yaml:"limits"`
}

// UsageConfig holds accounting window settings.
type UsageConfig struct {
	Timezone string `yaml:"timezone"`
}

// RedisConfig holds connection settings for the Redis lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SessionLockConfig holds per-user lock tuning.
type SessionLockConfig struct {
	Backend      string        `yaml:"backend"`
	WaitTimeout  time.Duration `yaml:"wait-timeout"`
	MaxHold      time.Duration `yaml:"max-hold"`
	PollInterval time.Duration `yaml:"poll-interval"`
	Redis        RedisConfig   `yaml:"redis"`
}

// SessionConfig holds idle session thresholds.
type SessionConfig struct {
	WarnAfter   time.Duration `yaml:"warn-after"`
	ExpireAfter time.Duration `yaml:"expire-after"`
}

// AuditConfig holds the sync auditor schedule.
type AuditConfig struct {
	Schedule    string `yaml:"schedule"`
	Concurrency int    `yaml:"concurrency"`
}

// SweepConfig holds the idle session sweep schedule.
type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

// WatcherConfig holds settings and config polling intervals.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll-interval"`
}

// FileConfig is the full YAML configuration file.
type FileConfig struct {
	Server       ServerConfig      `yaml:"server"`
	Log          LogConfig         `yaml:"log"`
	Plans        PlansConfig       `yaml:"plans"`
	Usage        UsageConfig       `yaml:"usage"`
	SessionLock  SessionLockConfig `yaml:"session-lock"`
	Session      SessionConfig     `yaml:"session"`
	Audit        AuditConfig       `yaml:"audit"`
	SessionSweep SweepConfig       `yaml:"session-sweep"`
	Watcher      WatcherConfig     `yaml:"watcher"`
}

// Defaults returns a FileConfig populated with default values.
func Defaults() FileConfig {
	return FileConfig{
		Server: ServerConfig{Port: 8318},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Plans: PlansConfig{Limits: map[string]int{}},
		Usage: UsageConfig{Timezone: "UTC"},
		SessionLock: SessionLockConfig{
			Backend:      LockBackendMemory,
			WaitTimeout:  10 * time.Second,
			MaxHold:      30 * time.Second,
			PollInterval: 100 * time.Millisecond,
			Redis:        RedisConfig{Prefix: "rf:lock"},
		},
		Session: SessionConfig{
			WarnAfter:   20 * time.Minute,
			ExpireAfter: 30 * time.Minute,
		},
		Audit:        AuditConfig{Schedule: "0 3 * * *", Concurrency: 4},
		SessionSweep: SweepConfig{Schedule: "@every 1m"},
		Watcher:      WatcherConfig{PollInterval: 15 * time.Second},
	}
}

// Load reads the YAML config file, applies defaults and environment overrides.
// A missing file yields the defaults.
func Load(configPath string) (FileConfig, error) {
	cfg := Defaults()

	data, errRead := os.ReadFile(configPath)
	if errRead != nil && !errors.Is(errRead, os.ErrNotExist) {
		return FileConfig{}, fmt.Errorf("read config file: %w", errRead)
	}
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return FileConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	}

	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.Log.Level = level
	}

	cfg.normalize()
	if errValidate := cfg.Validate(); errValidate != nil {
		return FileConfig{}, errValidate
	}
	return cfg, nil
}

func (c *FileConfig) normalize() {
	defaults := Defaults()
	if c.Server.Port <= 0 {
		c.Server.Port = defaults.Server.Port
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Plans.Limits == nil {
		c.Plans.Limits = map[string]int{}
	}
	normalizedLimits := make(map[string]int, len(c.Plans.Limits))
	for plan, limit := range c.Plans.Limits {
		normalizedLimits[strings.ToLower(strings.TrimSpace(plan))] = limit
	}
	c.Plans.Limits = normalizedLimits
	if strings.TrimSpace(c.Usage.Timezone) == "" {
		c.Usage.Timezone = defaults.Usage.Timezone
	}
	c.SessionLock.Backend = strings.ToLower(strings.TrimSpace(c.SessionLock.Backend))
	if c.SessionLock.Backend == "" {
		c.SessionLock.Backend = LockBackendMemory
	}
	if c.SessionLock.WaitTimeout <= 0 {
		c.SessionLock.WaitTimeout = defaults.SessionLock.WaitTimeout
	}
	if c.SessionLock.MaxHold <= 0 {
		c.SessionLock.MaxHold = defaults.SessionLock.MaxHold
	}
	if c.SessionLock.PollInterval <= 0 {
		c.SessionLock.PollInterval = defaults.SessionLock.PollInterval
	}
	if strings.TrimSpace(c.SessionLock.Redis.Prefix) == "" {
		c.SessionLock.Redis.Prefix = defaults.SessionLock.Redis.Prefix
	}
	if c.Session.WarnAfter <= 0 {
		c.Session.WarnAfter = defaults.Session.WarnAfter
	}
	if c.Session.ExpireAfter <= 0 {
		c.Session.ExpireAfter = defaults.Session.ExpireAfter
	}
	if strings.TrimSpace(c.Audit.Schedule) == "" {
		c.Audit.Schedule = defaults.Audit.Schedule
	}
	if c.Audit.Concurrency <= 0 {
		c.Audit.Concurrency = defaults.Audit.Concurrency
	}
	if strings.TrimSpace(c.SessionSweep.Schedule) == "" {
		c.SessionSweep.Schedule = defaults.SessionSweep.Schedule
	}
	if c.Watcher.PollInterval <= 0 {
		c.Watcher.PollInterval = defaults.Watcher.PollInterval
	}
}

// Validate reports configuration values that cannot be used.
func (c FileConfig) Validate() error {
	switch c.SessionLock.Backend {
	case LockBackendMemory:
	case LockBackendRedis:
		if strings.TrimSpace(c.SessionLock.Redis.Addr) == "" {
			return fmt.Errorf("session-lock: redis backend requires redis.addr")
		}
	default:
		return fmt.Errorf("session-lock: unknown backend %q", c.SessionLock.Backend)
	}
	if c.Session.ExpireAfter < c.Session.WarnAfter {
		return fmt.Errorf("session: expire-after (%s) must not be shorter than warn-after (%s)", c.Session.ExpireAfter, c.Session.WarnAfter)
	}
	for plan, limit := range c.Plans.Limits {
		if limit < 0 {
			return fmt.Errorf("plans: negative limit for %q", plan)
		}
	}
	if _, errLoc := time.LoadLocation(c.Usage.Timezone); errLoc != nil {
		return fmt.Errorf("usage: invalid timezone %q: %w", c.Usage.Timezone, errLoc)
	}
	return nil
}

// Location returns the accounting timezone, defaulting to UTC.
func (c UsageConfig) Location() *time.Location {
	loc, errLoc := time.LoadLocation(strings.TrimSpace(c.Timezone))
	if errLoc != nil || loc == nil {
		return time.UTC
	}
	return loc
}
