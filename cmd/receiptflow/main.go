package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/receiptflow/receiptflow/internal/app"
	"github.com/receiptflow/receiptflow/internal/config"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if errRun := run(ctx, os.Args[1:]); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run parses flags, loads config, and dispatches to the selected mode.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("receiptflow", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", 0, "server port, overrides the config file")
	mode := fs.String("mode", "serve", "serve, migrate, audit, token or init")

	subject := fs.String("subject", "admin", "token subject (token mode)")
	perms := fs.String("perms", "", "comma separated permission keys (token mode)")
	super := fs.Bool("super", false, "issue a super admin token (token mode)")

	dbType := fs.String("db-type", "sqlite", "postgres or sqlite (init mode)")
	dbHost := fs.String("db-host", "localhost", "database host (init mode)")
	dbPort := fs.Int("db-port", 5432, "database port (init mode)")
	dbUser := fs.String("db-user", "", "database user (init mode)")
	dbPassword := fs.String("db-password", "", "database password (init mode)")
	dbName := fs.String("db-name", "", "database name (init mode)")
	dbPath := fs.String("db-path", "", "sqlite file path (init mode)")
	dbSSLMode := fs.String("db-sslmode", "", "postgres sslmode (init mode)")
	limits := fs.String("limits", "", "plan limits as plan=n,... (init mode)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	if *port != 0 {
		if errValidate := validatePort(*port); errValidate != nil {
			return errValidate
		}
	}

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}

	switch strings.ToLower(strings.TrimSpace(*mode)) {
	case "", "serve":
		configPath := config.ResolveConfigPath(appCfg.ConfigPath)
		if !app.ConfigExists(configPath) && strings.TrimSpace(os.Getenv(config.EnvDBConnection)) == "" {
			return fmt.Errorf("config file %s not found, run with -mode init first", configPath)
		}
		return app.RunServer(ctx, appCfg, *port)
	case "migrate":
		return app.Migrate(ctx, appCfg)
	case "audit":
		report, errAudit := app.RunAudit(ctx, appCfg)
		if errAudit != nil {
			return errAudit
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "token":
		token, errToken := app.IssueToken(appCfg, *subject, splitList(*perms), *super)
		if errToken != nil {
			return errToken
		}
		fmt.Println(token)
		return nil
	case "init":
		planLimits, errLimits := parseLimits(*limits)
		if errLimits != nil {
			return errLimits
		}
		return app.InitConfig(ctx, appCfg, app.InitRequest{
			DatabaseType:     *dbType,
			DatabaseHost:     *dbHost,
			DatabasePort:     *dbPort,
			DatabaseUser:     *dbUser,
			DatabasePassword: *dbPassword,
			DatabaseName:     *dbName,
			DatabasePath:     *dbPath,
			DatabaseSSLMode:  *dbSSLMode,
			Port:             *port,
			PlanLimits:       planLimits,
		})
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseLimits reads "trial=5,lite=30" into a plan limit map.
func parseLimits(raw string) (map[string]int, error) {
	parts := splitList(raw)
	if len(parts) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(parts))
	for _, part := range parts {
		plan, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid limit %q, expected plan=n", part)
		}
		var limit int
		if _, errScan := fmt.Sscanf(strings.TrimSpace(value), "%d", &limit); errScan != nil {
			return nil, fmt.Errorf("invalid limit %q: %w", part, errScan)
		}
		out[strings.ToLower(strings.TrimSpace(plan))] = limit
	}
	return out, nil
}
