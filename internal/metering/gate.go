// Package metering runs chargeable work behind the quota check.
package metering

import (
	"context"
	"fmt"

	"github.com/receiptflow/receiptflow/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Locker runs fn under the per-user lock.
type Locker interface {
	WithLock(ctx context.Context, userID uint64, op string, fn func(ctx context.Context) error) error
}

// PersistFunc performs the business write inside tx and returns the record to charge.
// Returning a nil record charges a fresh record of the requested kind.
// It must only use tx; other connections would block behind the open transaction.
type PersistFunc func(ctx context.Context, tx *gorm.DB) (usage.Chargeable, error)

// DeniedError carries the authorization that refused the charge. A failed check is
// reported the same way as an exhausted quota; Authorization.Err holds its cause.
type DeniedError struct {
	Authorization usage.Authorization
}

// Error implements error.
func (e *DeniedError) Error() string {
	if e.Authorization.Err != nil {
		return fmt.Sprintf("%s: authorization failed: %v", usage.ErrLimitReached, e.Authorization.Err)
	}
	return fmt.Sprintf("%s: plan %s used %d of %d", usage.ErrLimitReached, e.Authorization.PlanType, e.Authorization.Used, e.Authorization.Limit)
}

// Unwrap lets errors.Is match usage.ErrLimitReached and the failed check's cause.
func (e *DeniedError) Unwrap() []error {
	if e.Authorization.Err != nil {
		return []error{usage.ErrLimitReached, e.Authorization.Err}
	}
	return []error{usage.ErrLimitReached}
}

// Gate serializes chargeable work per user and commits it together with the usage increment.
type Gate struct {
	usage *usage.Service
	locks Locker
}

// NewGate constructs a Gate.
func NewGate(svc *usage.Service, locks Locker) *Gate {
	return &Gate{usage: svc, locks: locks}
}

// Charge acquires the user's lock, checks quota, then runs persist and the increment in one
// transaction. A denied check returns a *DeniedError wrapping usage.ErrLimitReached and
// persist is never called. Any failure rolls back both the business write and the usage.
func (g *Gate) Charge(ctx context.Context, userID uint64, kind usage.Kind, persist PersistFunc) (usage.IncrementResult, error) {
	if _, errKind := usage.ParseKind(string(kind)); errKind != nil {
		return usage.IncrementResult{}, errKind
	}

	var result usage.IncrementResult
	errLock := g.locks.WithLock(ctx, userID, "charge_"+string(kind), func(ctx context.Context) error {
		auth := g.usage.CanProcessReceipt(ctx, userID)
		if !auth.CanProcess {
			return &DeniedError{Authorization: auth}
		}

		return g.usage.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var record usage.Chargeable
			if persist != nil {
				var errPersist error
				record, errPersist = persist(ctx, tx)
				if errPersist != nil {
					return errPersist
				}
			}
			var errIncrement error
			result, errIncrement = g.usage.IncrementUsage(ctx, tx, userID, kind, record)
			return errIncrement
		})
	})
	if errLock != nil {
		log.WithError(errLock).WithFields(log.Fields{
			"user_id": userID,
			"kind":    kind,
		}).Debug("metering: charge not applied")
		return usage.IncrementResult{}, errLock
	}
	return result, nil
}
