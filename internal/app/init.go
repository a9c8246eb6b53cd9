package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/receiptflow/receiptflow/internal/config"
	"github.com/receiptflow/receiptflow/internal/db"
	"github.com/receiptflow/receiptflow/internal/security"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// InitRequest contains parameters for writing the first config file.
type InitRequest struct {
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     int
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabasePath     string
	DatabaseSSLMode  string
	Port             int
	PlanLimits       map[string]int
}

// ErrConfigExists indicates init would overwrite an existing config file.
var ErrConfigExists = errors.New("config file already exists")

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// defaultSQLitePath is the default SQLite database file name.
const defaultSQLitePath = "receiptflow.db"

// BuildDSN builds a database DSN from the init request.
func BuildDSN(req InitRequest) (string, error) {
	switch strings.ToLower(strings.TrimSpace(req.DatabaseType)) {
	case "", "postgres":
		sslMode := req.DatabaseSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			req.DatabaseUser,
			req.DatabasePassword,
			req.DatabaseHost,
			req.DatabasePort,
			req.DatabaseName,
			sslMode,
		), nil
	case "sqlite":
		path := strings.TrimSpace(req.DatabasePath)
		if path == "" {
			path = defaultSQLitePath
		}
		return buildSQLiteDSN(path), nil
	default:
		return "", fmt.Errorf("unsupported database type")
	}
}

// buildSQLiteDSN constructs a SQLite DSN with default pragmas.
func buildSQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = defaultSQLitePath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
	}, "&")
}

// TestDatabaseConnection validates that the DSN can connect and ping.
func TestDatabaseConnection(dsn string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	defer func() {
		if errClose := sqlDB.Close(); errClose != nil {
			log.Errorf("sql db close error: %v", errClose)
		}
	}()
	return sqlDB.Ping()
}

// validateInitRequest normalizes and validates init input data.
func validateInitRequest(req *InitRequest) error {
	dbType := strings.ToLower(strings.TrimSpace(req.DatabaseType))
	if dbType == "" {
		dbType = "postgres"
	}
	req.DatabaseType = dbType

	switch dbType {
	case "postgres":
		if strings.TrimSpace(req.DatabaseHost) == "" {
			return fmt.Errorf("database host is required")
		}
		if req.DatabasePort <= 0 {
			return fmt.Errorf("invalid database port")
		}
		if strings.TrimSpace(req.DatabaseUser) == "" {
			return fmt.Errorf("database username is required")
		}
		if strings.TrimSpace(req.DatabaseName) == "" {
			return fmt.Errorf("database name is required")
		}
		if strings.TrimSpace(req.DatabasePassword) == "" {
			return fmt.Errorf("database password is required")
		}
	case "sqlite":
		if strings.TrimSpace(req.DatabasePath) == "" {
			req.DatabasePath = defaultSQLitePath
		}
	default:
		return fmt.Errorf("unsupported database type")
	}
	if req.Port <= 0 {
		req.Port = config.Defaults().Server.Port
	}
	for plan, limit := range req.PlanLimits {
		if limit < 0 {
			return fmt.Errorf("plan %s: limit must not be negative", plan)
		}
	}
	return nil
}

// configFile maps YAML fields for the generated config file.
type configFile struct {
	DatabaseDSN string       `yaml:"database-dsn"`
	Server      serverCfg    `yaml:"server"`
	JWT         jwtCfg       `yaml:"jwt"`
	Plans       plansCfg     `yaml:"plans"`
	SessionLock lockBackend  `yaml:"session-lock"`
	Log         logOutputCfg `yaml:"log"`
}

// serverCfg holds listener settings for the generated config file.
type serverCfg struct {
	Port int `yaml:"port"`
}

// jwtCfg holds JWT settings for the generated config file.
type jwtCfg struct {
	Secret string `yaml:"secret"`
	Expiry string `yaml:"expiry"`
}

// plansCfg holds plan limits for the generated config file.
type plansCfg struct {
	Limits map[string]int `yaml:"limits"`
}

// lockBackend selects the session lock backend in the generated config file.
type lockBackend struct {
	Backend string `yaml:"backend"`
}

// logOutputCfg holds logging settings for the generated config file.
type logOutputCfg struct {
	Level string `yaml:"level"`
}

// generateJWTSecret creates a random JWT secret string.
func generateJWTSecret() (string, error) {
	return security.GenerateRandomString(32)
}

// WriteConfigFile writes the initial config file to disk.
func WriteConfigFile(configPath string, dsn string, port int, limits map[string]int) error {
	secret, errSecret := generateJWTSecret()
	if errSecret != nil {
		return fmt.Errorf("generate jwt secret: %w", errSecret)
	}
	if limits == nil {
		limits = map[string]int{}
	}
	cfg := configFile{
		DatabaseDSN: dsn,
		Server:      serverCfg{Port: port},
		JWT: jwtCfg{
			Secret: secret,
			Expiry: "720h",
		},
		Plans:       plansCfg{Limits: limits},
		SessionLock: lockBackend{Backend: config.LockBackendMemory},
		Log:         logOutputCfg{Level: "info"},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}

	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}

	return nil
}

// InitConfig writes a new config file for req and migrates its database.
// It refuses to overwrite an existing config file.
func InitConfig(ctx context.Context, cfg config.AppConfig, req InitRequest) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	if ConfigExists(configPath) {
		return fmt.Errorf("%w: %s", ErrConfigExists, configPath)
	}
	if errValidate := validateInitRequest(&req); errValidate != nil {
		return errValidate
	}
	dsn, errBuild := BuildDSN(req)
	if errBuild != nil {
		return errBuild
	}
	if errTest := TestDatabaseConnection(dsn); errTest != nil {
		return fmt.Errorf("database connection failed: %w", errTest)
	}
	if errWrite := WriteConfigFile(configPath, dsn, req.Port, req.PlanLimits); errWrite != nil {
		return errWrite
	}
	if errMigrate := Migrate(ctx, config.AppConfig{ConfigPath: configPath}); errMigrate != nil {
		if errRemove := os.Remove(configPath); errRemove != nil {
			log.WithError(errRemove).Warn("remove config after failed migration")
		}
		return errMigrate
	}
	log.Infof("config written to %s", configPath)
	return nil
}
