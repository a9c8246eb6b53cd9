package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/receiptflow/receiptflow/internal/audit"
	"github.com/receiptflow/receiptflow/internal/config"
	"github.com/receiptflow/receiptflow/internal/db"
	internalhttp "github.com/receiptflow/receiptflow/internal/http/api/admin"
	"github.com/receiptflow/receiptflow/internal/http/api/admin/permissions"
	"github.com/receiptflow/receiptflow/internal/jobs"
	"github.com/receiptflow/receiptflow/internal/logging"
	"github.com/receiptflow/receiptflow/internal/security"
	"github.com/receiptflow/receiptflow/internal/watcher"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// shutdownTimeout bounds graceful HTTP and job shutdown.
const shutdownTimeout = 15 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	conn, errOpen := openDatabase(configPath)
	if errOpen != nil {
		return errOpen
	}
	defer closeDatabase(conn)
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.Info("migrations applied")
	return nil
}

// RunAudit runs the usage auditor once over every user and returns its report.
func RunAudit(ctx context.Context, cfg config.AppConfig) (audit.Report, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	fileCfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return audit.Report{}, errLoad
	}
	closeLog, errLog := logging.Setup(fileCfg.Log)
	if errLog != nil {
		return audit.Report{}, errLog
	}
	defer func() { _ = closeLog() }()

	conn, errOpen := openDatabase(configPath)
	if errOpen != nil {
		return audit.Report{}, errOpen
	}
	defer closeDatabase(conn)
	if ready, errReady := SchemaReady(conn); errReady != nil {
		return audit.Report{}, errReady
	} else if !ready {
		return audit.Report{}, errors.New("database schema is missing, run migrate first")
	}

	rt, errRuntime := newRuntime(conn, fileCfg, nil)
	if errRuntime != nil {
		return audit.Report{}, errRuntime
	}
	defer rt.close()
	return rt.auditor.AuditAllUsers(ctx)
}

// IssueToken signs an admin token with the configured JWT secret.
// An empty permission list with superAdmin false is rejected.
func IssueToken(cfg config.AppConfig, subject string, perms []string, superAdmin bool) (string, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	jwtConfig, _ := config.LoadJWTConfig(configPath)
	normalized := permissions.NormalizePermissions(perms)
	if errValidate := permissions.ValidatePermissions(normalized); errValidate != nil {
		return "", errValidate
	}
	if len(normalized) == 0 && !superAdmin {
		return "", errors.New("token needs at least one permission or super admin")
	}
	return security.IssueAdminToken(jwtConfig.Secret, subject, normalized, superAdmin, jwtConfig.Expiry, time.Now())
}

// RunServer boots the admin API, the settings watcher and the scheduled jobs.
// A positive portOverride replaces the configured port.
func RunServer(ctx context.Context, cfg config.AppConfig, portOverride int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	fileCfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	closeLog, errLog := logging.Setup(fileCfg.Log)
	if errLog != nil {
		return errLog
	}
	defer func() { _ = closeLog() }()

	conn, errOpen := openDatabase(configPath)
	if errOpen != nil {
		return errOpen
	}
	defer closeDatabase(conn)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	jwtConfig, _ := config.LoadJWTConfig(configPath)
	if strings.TrimSpace(jwtConfig.Secret) == "" {
		log.Warn("jwt secret is empty, admin routes will reject every token")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt, errRuntime := newRuntime(conn, fileCfg, reg)
	if errRuntime != nil {
		return errRuntime
	}
	defer rt.close()

	settingsWatcher := watcher.New(conn, configPath, fileCfg.Watcher.PollInterval, rt.reload)
	if errStart := settingsWatcher.Start(ctx); errStart != nil {
		return errStart
	}
	defer func() { _ = settingsWatcher.Stop() }()

	scheduler, errJobs := jobs.New(jobs.Config{
		AuditSchedule: fileCfg.Audit.Schedule,
		SweepSchedule: fileCfg.SessionSweep.Schedule,
		Location:      fileCfg.Usage.Location(),
	}, rt.auditor, rt.sessions)
	if errJobs != nil {
		return errJobs
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errStop := scheduler.Stop(stopCtx); errStop != nil {
			log.WithError(errStop).Warn("job scheduler did not stop in time")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	internalhttp.RegisterAdminRoutes(engine, internalhttp.Deps{
		DB:        conn,
		Usage:     rt.usage,
		Sessions:  rt.sessions,
		Auditor:   rt.auditor,
		Billing:   rt.billing,
		Gate:      rt.gate,
		LastAudit: scheduler,
	}, jwtConfig)

	port := fileCfg.Server.Port
	if portOverride > 0 {
		port = portOverride
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errServe := make(chan error, 1)
	go func() {
		errServe <- server.ListenAndServe()
	}()
	log.Infof("starting receiptflow with config=%s port=%d database=%s", configPath, port, db.DialectName(conn))

	select {
	case errListen := <-errServe:
		if errors.Is(errListen, http.ErrServerClosed) {
			return nil
		}
		return errListen
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("shutdown http server: %w", errShutdown)
	}
	log.Info("receiptflow stopped")
	return nil
}

func openDatabase(configPath string) (*gorm.DB, error) {
	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		return nil, errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return nil, errOpen
	}
	if target, errTarget := describeDSN(dsn); errTarget == nil {
		log.WithFields(target.Fields()).Debug("database opened")
	}
	return conn, nil
}

func closeDatabase(conn *gorm.DB) {
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return
	}
	if errClose := sqlDB.Close(); errClose != nil {
		log.WithError(errClose).Warn("close database failed")
	}
}
