package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/receiptflow/receiptflow/internal/audit"
	"github.com/receiptflow/receiptflow/internal/billing"
	"github.com/receiptflow/receiptflow/internal/config"
	"github.com/receiptflow/receiptflow/internal/metering"
	"github.com/receiptflow/receiptflow/internal/metrics"
	"github.com/receiptflow/receiptflow/internal/plans"
	"github.com/receiptflow/receiptflow/internal/session"
	"github.com/receiptflow/receiptflow/internal/sessionlock"
	"github.com/receiptflow/receiptflow/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// runtime holds the services shared by the server and one-shot commands.
type runtime struct {
	conn     *gorm.DB
	limits   *plans.Resolver
	metrics  *metrics.Metrics
	locks    *sessionlock.Manager
	usage    *usage.Service
	sessions *session.Store
	auditor  *audit.Auditor
	billing  *billing.Service
	gate     *metering.Gate
}

// newRuntime wires the metering services from the loaded config.
// A nil registerer disables metrics.
func newRuntime(conn *gorm.DB, cfg config.FileConfig, reg prometheus.Registerer) (*runtime, error) {
	loc := cfg.Usage.Location()

	var mt *metrics.Metrics
	if reg != nil {
		registered, errMetrics := metrics.New(reg)
		if errMetrics != nil {
			return nil, fmt.Errorf("register metrics: %w", errMetrics)
		}
		mt = registered
	}

	limits := plans.NewResolver(cfg.Plans.Limits)
	locks := sessionlock.NewManager(cfg.SessionLock, sessionlock.WithMetrics(mt))
	usageSvc := usage.NewService(conn, limits, usage.WithLocation(loc), usage.WithMetrics(mt))

	sessions := session.NewStore(conn, locks,
		session.WithIdleThresholds(cfg.Session.WarnAfter, cfg.Session.ExpireAfter),
		session.WithMetrics(mt),
	)

	return &runtime{
		conn:     conn,
		limits:   limits,
		metrics:  mt,
		locks:    locks,
		usage:    usageSvc,
		sessions: sessions,
		auditor:  audit.NewAuditor(conn, usageSvc, mt, cfg.Audit.Concurrency),
		billing:  billing.NewService(conn, usageSvc, locks),
		gate:     metering.NewGate(usageSvc, locks),
	}, nil
}

// reload applies the hot-reloadable parts of a changed config file.
func (rt *runtime) reload(cfg config.FileConfig) {
	rt.limits.SetLimits(cfg.Plans.Limits)
	if level, errLevel := log.ParseLevel(cfg.Log.Level); errLevel == nil {
		log.SetLevel(level)
	}
	log.WithField("limits", rt.limits.Limits()).Info("config reloaded")
}

// close releases lock backend connections.
func (rt *runtime) close() {
	if errClose := rt.locks.Close(); errClose != nil {
		log.WithError(errClose).Warn("close session lock backend failed")
	}
}
