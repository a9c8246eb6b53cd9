// Package jobs schedules the periodic usage audit and the idle session sweep.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/receiptflow/receiptflow/internal/audit"
	"github.com/receiptflow/receiptflow/internal/session"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Auditor reconciles cached usage for every user.
type Auditor interface {
	AuditAllUsers(ctx context.Context) (audit.Report, error)
}

// Sweeper warns and expires idle sessions.
type Sweeper interface {
	SweepIdle(ctx context.Context) (session.SweepResult, error)
}

// Config selects the job schedules. An empty schedule disables that job.
type Config struct {
	AuditSchedule string
	SweepSchedule string
	Location      *time.Location
}

// Scheduler runs jobs on cron schedules. A job never overlaps with itself.
type Scheduler struct {
	cron    *cron.Cron
	auditor Auditor
	sweeper Sweeper

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	lastAudit   *audit.Report
	lastSweepAt time.Time
}

// New builds a Scheduler and registers the configured jobs.
func New(cfg Config, auditor Auditor, sweeper Sweeper) (*Scheduler, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	cronLogger := cron.PrintfLogger(log.StandardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		auditor: auditor,
		sweeper: sweeper,
		ctx:     ctx,
		cancel:  cancel,
	}

	if schedule := strings.TrimSpace(cfg.AuditSchedule); schedule != "" && auditor != nil {
		if _, errAdd := s.cron.AddFunc(schedule, func() { _, _ = s.RunAudit(s.ctx) }); errAdd != nil {
			cancel()
			return nil, fmt.Errorf("jobs: audit schedule %q: %w", schedule, errAdd)
		}
	}
	if schedule := strings.TrimSpace(cfg.SweepSchedule); schedule != "" && sweeper != nil {
		if _, errAdd := s.cron.AddFunc(schedule, func() { _, _ = s.RunSweep(s.ctx) }); errAdd != nil {
			cancel()
			return nil, fmt.Errorf("jobs: session sweep schedule %q: %w", schedule, errAdd)
		}
	}
	return s, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Infof("job scheduler started (jobs=%d)", len(s.cron.Entries()))
}

// Stop prevents new runs, cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAudit runs the auditor once and keeps the report.
func (s *Scheduler) RunAudit(ctx context.Context) (audit.Report, error) {
	report, errAudit := s.auditor.AuditAllUsers(ctx)
	if errAudit != nil {
		log.WithError(errAudit).Warn("jobs: usage audit failed")
		return report, errAudit
	}
	s.mu.Lock()
	s.lastAudit = &report
	s.mu.Unlock()
	log.WithFields(log.Fields{
		"checked":  report.Checked,
		"fixed":    report.Fixed,
		"errors":   report.Errors,
		"duration": report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("jobs: usage audit finished")
	return report, nil
}

// RunSweep runs the idle session sweep once.
func (s *Scheduler) RunSweep(ctx context.Context) (session.SweepResult, error) {
	result, errSweep := s.sweeper.SweepIdle(ctx)
	if errSweep != nil {
		log.WithError(errSweep).Warn("jobs: session sweep failed")
	}
	s.mu.Lock()
	s.lastSweepAt = time.Now().UTC()
	s.mu.Unlock()
	if len(result.Warned) > 0 || len(result.Expired) > 0 {
		log.WithFields(log.Fields{
			"warned":  len(result.Warned),
			"expired": len(result.Expired),
		}).Info("jobs: session sweep finished")
	}
	return result, errSweep
}

// LastAudit returns the most recent successful audit report.
func (s *Scheduler) LastAudit() (audit.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastAudit == nil {
		return audit.Report{}, false
	}
	return *s.lastAudit, true
}

// LastSweep returns when the session sweep last ran, zero if never.
func (s *Scheduler) LastSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweepAt
}
