// Package audit reconciles cached usage (ledger rows and legacy counters)
// with usage recomputed from chargeable records.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/receiptflow/receiptflow/internal/metrics"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/usage"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Anomaly kinds.
const (
	AnomalyUsageExceedsLimit  = "usage_exceeds_limit"
	AnomalyMissingLedger      = "missing_ledger"
	AnomalyLedgerDrift        = "ledger_drift"
	AnomalyLegacyCounterDrift = "legacy_counter_drift"
	AnomalyUntaggedRecords    = "untagged_records"
)

// UserResult is the outcome of auditing one user.
type UserResult struct {
	UserID    uint64         `json:"user_id"`
	Month     string         `json:"month"`
	Usage     usage.Usage    `json:"usage"`
	Limit     int64          `json:"limit"`
	Anomalies []string       `json:"anomalies,omitempty"`
	Fixed     bool           `json:"fixed"`
	Changes   map[string]any `json:"changes,omitempty"`
}

// Report aggregates a run over all users.
type Report struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Checked    int               `json:"checked"`
	Fixed      int               `json:"fixed"`
	Errors     int               `json:"errors"`
	Anomalies  map[string]int    `json:"anomalies"`
	Issues     []UserResult      `json:"issues,omitempty"`
	Failures   map[uint64]string `json:"failures,omitempty"`
}

// Auditor recomputes and repairs cached usage.
type Auditor struct {
	db          *gorm.DB
	usage       *usage.Service
	metrics     *metrics.Metrics
	concurrency int
}

// NewAuditor constructs an Auditor. concurrency bounds parallel users in AuditAllUsers.
func NewAuditor(db *gorm.DB, svc *usage.Service, m *metrics.Metrics, concurrency int) *Auditor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Auditor{db: db, usage: svc, metrics: m, concurrency: concurrency}
}

// ValidateAndFixSync recomputes one user's usage and rewrites the current ledger row and
// legacy counters only where they differ. The user row stays locked for the whole check.
func (a *Auditor) ValidateAndFixSync(ctx context.Context, userID uint64) (UserResult, error) {
	result := UserResult{UserID: userID}
	errTx := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, errLock := usage.LockUser(ctx, tx, userID)
		if errLock != nil {
			return errLock
		}
		now := a.usage.Now()

		current, errCalc := a.usage.CalculateFor(ctx, tx, user, now)
		if errCalc != nil {
			return errCalc
		}
		limit, errLimit := a.usage.EffectiveLimitFor(ctx, tx, user, now)
		if errLimit != nil {
			return errLimit
		}
		result.Month = current.Month
		result.Usage = current
		result.Limit = limit

		if current.CurrentPlanTotal > limit {
			result.Anomalies = append(result.Anomalies, AnomalyUsageExceedsLimit)
		}
		if current.ByPlan[models.UnknownBucket].Total > 0 {
			result.Anomalies = append(result.Anomalies, AnomalyUntaggedRecords)
		}

		ledger, errLedger := usage.LedgerFor(ctx, tx, userID, current.Month)
		if errLedger != nil {
			return errLedger
		}
		changes := map[string]any{}
		writeLedger := false
		switch {
		case ledger == nil && current.Total > 0:
			result.Anomalies = append(result.Anomalies, AnomalyMissingLedger)
			writeLedger = true
			changes["ledger"] = "created"
		case ledger != nil:
			if diff := ledgerDiff(ledger, current, limit); len(diff) > 0 {
				result.Anomalies = append(result.Anomalies, AnomalyLedgerDrift)
				writeLedger = true
				for field, value := range diff {
					changes[field] = value
				}
			}
		}
		if writeLedger {
			if errWrite := a.usage.WriteLedger(ctx, tx, userID, current, limit); errWrite != nil {
				return errWrite
			}
		}

		if user.MonthlyReceiptCount != current.Total || user.TotalReceiptCount != current.LifetimeTotal {
			result.Anomalies = append(result.Anomalies, AnomalyLegacyCounterDrift)
			changes["monthly_receipt_count"] = [2]int64{user.MonthlyReceiptCount, current.Total}
			changes["total_receipt_count"] = [2]int64{user.TotalReceiptCount, current.LifetimeTotal}
			if errCounters := usage.WriteLegacyCounters(ctx, tx, userID, current); errCounters != nil {
				return errCounters
			}
		}

		if len(changes) > 0 {
			result.Fixed = true
			result.Changes = changes
		}
		return nil
	})
	if errTx != nil {
		return UserResult{UserID: userID}, fmt.Errorf("audit: user %d: %w", userID, errTx)
	}

	for _, anomaly := range result.Anomalies {
		a.metrics.RecordAuditAnomaly(anomaly)
	}
	if result.Fixed {
		a.metrics.RecordAuditFix()
		log.WithFields(log.Fields{
			"user_id": userID,
			"month":   result.Month,
			"changes": result.Changes,
		}).Info("audit: cached usage repaired")
	}
	if len(result.Anomalies) > 0 {
		log.WithFields(log.Fields{
			"user_id":   userID,
			"anomalies": result.Anomalies,
		}).Warn("audit: anomalies detected")
	}
	return result, nil
}

// AuditAllUsers runs ValidateAndFixSync for every user with bounded parallelism.
// A failing user is counted and does not stop the run.
func (a *Auditor) AuditAllUsers(ctx context.Context) (Report, error) {
	report := Report{
		StartedAt: a.usage.Now(),
		Anomalies: map[string]int{},
		Failures:  map[uint64]string{},
	}

	var userIDs []uint64
	if errFind := a.db.WithContext(ctx).
		Model(&models.User{}).
		Order("id ASC").
		Pluck("id", &userIDs).Error; errFind != nil {
		return report, fmt.Errorf("audit: list users: %w", errFind)
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.concurrency)
	for _, userID := range userIDs {
		userID := userID
		group.Go(func() error {
			if errCtx := groupCtx.Err(); errCtx != nil {
				return errCtx
			}
			result, errAudit := a.ValidateAndFixSync(groupCtx, userID)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if errAudit != nil {
				report.Errors++
				report.Failures[userID] = errAudit.Error()
				log.WithError(errAudit).WithField("user_id", userID).Warn("audit: user check failed")
				return nil
			}
			if result.Fixed {
				report.Fixed++
			}
			for _, anomaly := range result.Anomalies {
				report.Anomalies[anomaly]++
			}
			if result.Fixed || len(result.Anomalies) > 0 {
				report.Issues = append(report.Issues, result)
			}
			return nil
		})
	}
	errWait := group.Wait()

	sort.Slice(report.Issues, func(i, j int) bool { return report.Issues[i].UserID < report.Issues[j].UserID })
	report.FinishedAt = a.usage.Now()
	log.WithFields(log.Fields{
		"checked":   report.Checked,
		"fixed":     report.Fixed,
		"errors":    report.Errors,
		"anomalies": report.Anomalies,
	}).Info("audit: run finished")
	if errWait != nil {
		return report, fmt.Errorf("audit: %w", errWait)
	}
	return report, nil
}

func ledgerDiff(ledger *models.UsageLedger, current usage.Usage, limit int64) map[string]any {
	diff := map[string]any{}
	if ledger.ProcessedCount != current.Processed {
		diff["processed_count"] = [2]int64{ledger.ProcessedCount, current.Processed}
	}
	if ledger.SavedCount != current.Saved {
		diff["saved_count"] = [2]int64{ledger.SavedCount, current.Saved}
	}
	if ledger.TotalCount != current.Total {
		diff["total_count"] = [2]int64{ledger.TotalCount, current.Total}
	}
	if ledger.LimitCount != limit {
		diff["limit_count"] = [2]int64{ledger.LimitCount, limit}
	}
	if !ledger.Breakdown.Equal(current.ByPlan) {
		diff["breakdown"] = current.ByPlan
	}
	return diff
}
