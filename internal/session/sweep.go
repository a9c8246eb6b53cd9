package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/sessionlock"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SweepResult lists users whose sessions were warned or expired, for the notifier.
type SweepResult struct {
	Warned  []uint64 `json:"warned"`
	Expired []uint64 `json:"expired"`
}

type sweepAction int

const (
	sweepNone sweepAction = iota
	sweepWarn
	sweepExpire
)

// SweepIdle warns sessions idle past warn-after and expires those idle past expire-after.
// Expired sessions go back to idle with the pending item cleared. Each flag is set once,
// and any later activity clears it again.
func (s *Store) SweepIdle(ctx context.Context) (SweepResult, error) {
	now := s.now()
	warnBefore := now.Add(-s.warnAfter)

	var candidates []uint64
	if errFind := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("state <> ? AND expired_notice_sent = ? AND last_activity_at < ?", models.SessionIdle, false, warnBefore).
		Order("user_id ASC").
		Pluck("user_id", &candidates).Error; errFind != nil {
		return SweepResult{}, fmt.Errorf("session: find idle sessions: %w", errFind)
	}

	var result SweepResult
	var errs []error
	for _, userID := range candidates {
		action, errSweep := s.sweepOne(ctx, userID)
		if errSweep != nil {
			log.WithError(errSweep).WithField("user_id", userID).Warn("session: idle sweep failed")
			errs = append(errs, errSweep)
			continue
		}
		switch action {
		case sweepWarn:
			result.Warned = append(result.Warned, userID)
			s.metrics.RecordSessionTransition("warned")
		case sweepExpire:
			result.Expired = append(result.Expired, userID)
			s.metrics.RecordSessionTransition("expired")
		case sweepNone:
		}
	}
	return result, errors.Join(errs...)
}

func (s *Store) sweepOne(ctx context.Context, userID uint64) (sweepAction, error) {
	action := sweepNone
	errRun := s.locks.WithLock(ctx, userID, "sweep_idle", func(ctx context.Context) error {
		lease, _ := sessionlock.LeaseFromContext(ctx, sessionlock.KeyForUser(userID))
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row, errLoad := s.loadForUpdate(ctx, tx, userID)
			if errLoad != nil {
				return errLoad
			}
			if lease.Token != 0 && lease.Token < row.FenceToken {
				return ErrStaleLease
			}
			action = s.classify(row, s.now())
			updates := map[string]any{}
			switch action {
			case sweepWarn:
				updates["expiry_warning_sent"] = true
			case sweepExpire:
				updates["state"] = models.SessionIdle
				updates["pending_item"] = models.NullDocument
				updates["expiry_warning_sent"] = true
				updates["expired_notice_sent"] = true
			case sweepNone:
				return nil
			}
			if lease.Token > row.FenceToken {
				updates["fence_token"] = lease.Token
			}
			if errUpdate := tx.WithContext(ctx).
				Model(&models.Session{}).
				Where("id = ?", row.ID).
				Updates(updates).Error; errUpdate != nil {
				return fmt.Errorf("session: sweep update: %w", errUpdate)
			}
			return nil
		})
	})
	if errRun != nil {
		return sweepNone, errRun
	}
	return action, nil
}

// classify re-evaluates a locked row, since activity may have happened after the scan.
func (s *Store) classify(row *models.Session, now time.Time) sweepAction {
	if row.State == models.SessionIdle || row.ExpiredNoticeSent {
		return sweepNone
	}
	idle := now.Sub(row.LastActivityAt)
	switch {
	case idle >= s.expireAfter:
		return sweepExpire
	case idle >= s.warnAfter && !row.ExpiryWarningSent:
		return sweepWarn
	default:
		return sweepNone
	}
}
