package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/receiptflow/receiptflow/internal/models"
	"gorm.io/gorm"
)

// IncrementUsage charges a record to the user inside the caller's transaction.
//
// The user row is locked, the bucket is resolved live (unless the record was pre-tagged),
// the record is written with its tag, and the month's ledger row and legacy counters are
// rewritten from a fresh recomputation. A nil record creates an empty record of kind.
// Any error must abort tx so no partial usage is recorded.
func (s *Service) IncrementUsage(ctx context.Context, tx *gorm.DB, userID uint64, kind Kind, record Chargeable) (IncrementResult, error) {
	if tx == nil {
		return IncrementResult{}, fmt.Errorf("usage: increment requires a transaction")
	}
	if record == nil {
		record = newRecord(kind)
		if record == nil {
			return IncrementResult{}, fmt.Errorf("usage: unknown kind %q", kind)
		}
	}
	if errKind := checkKind(kind, record); errKind != nil {
		return IncrementResult{}, errKind
	}

	user, errUser := loadUser(ctx, tx, userID, true)
	if errUser != nil {
		return IncrementResult{}, errUser
	}
	now := s.Now()

	bucket, errBucket := s.bucketFor(ctx, tx, user, record, now)
	if errBucket != nil {
		return IncrementResult{}, errBucket
	}
	if errWrite := writeRecord(ctx, tx, userID, record, bucket, now); errWrite != nil {
		return IncrementResult{}, errWrite
	}

	current, errCalc := s.CalculateFor(ctx, tx, user, now)
	if errCalc != nil {
		return IncrementResult{}, errCalc
	}
	limit, errLimit := s.EffectiveLimitFor(ctx, tx, user, now)
	if errLimit != nil {
		return IncrementResult{}, errLimit
	}
	if errLedger := s.WriteLedger(ctx, tx, userID, current, limit); errLedger != nil {
		return IncrementResult{}, errLedger
	}
	if errCounters := WriteLegacyCounters(ctx, tx, userID, current); errCounters != nil {
		return IncrementResult{}, errCounters
	}

	s.metrics.RecordIncrement(string(kind), string(bucket))
	return IncrementResult{
		NewTotal:  current.CurrentPlanTotal,
		Limit:     limit,
		Remaining: remaining(limit, current.CurrentPlanTotal),
		Bucket:    bucket,
	}, nil
}

// bucketFor keeps a valid pre-assigned tag and resolves one otherwise.
func (s *Service) bucketFor(ctx context.Context, tx *gorm.DB, user *models.User, record Chargeable, now time.Time) (models.PlanType, error) {
	if tagged := record.ChargedBucket(); tagged != nil {
		if !tagged.Valid() {
			return "", fmt.Errorf("usage: record carries unknown bucket %q", *tagged)
		}
		return *tagged, nil
	}
	return s.PlanTypeToConsumeFor(ctx, tx, user, now)
}

// writeRecord inserts a new record, or tags an existing untagged one. Existing tags are never rewritten.
func writeRecord(ctx context.Context, tx *gorm.DB, userID uint64, record Chargeable, bucket models.PlanType, now time.Time) error {
	if !record.Persisted() {
		if owner := record.ChargeOwner(); owner != 0 && owner != userID {
			return fmt.Errorf("usage: record belongs to user %d, not %d", owner, userID)
		}
		record.AssignCharge(userID, bucket, now)
		if errCreate := tx.WithContext(ctx).Create(record).Error; errCreate != nil {
			return fmt.Errorf("usage: create record: %w", errCreate)
		}
		return nil
	}

	if record.ChargeOwner() != userID {
		return fmt.Errorf("usage: record belongs to user %d, not %d", record.ChargeOwner(), userID)
	}
	if record.ChargedBucket() != nil {
		return nil
	}
	res := tx.WithContext(ctx).
		Model(record).
		Where("plan_bucket IS NULL").
		Update("plan_bucket", models.PlanTypePtr(bucket))
	if res.Error != nil {
		return fmt.Errorf("usage: tag record: %w", res.Error)
	}
	return nil
}

func newRecord(kind Kind) Chargeable {
	switch kind {
	case KindProcessed:
		return &models.ProcessedReceipt{}
	case KindSaved:
		return &models.Expense{}
	default:
		return nil
	}
}

func checkKind(kind Kind, record Chargeable) error {
	switch record.(type) {
	case *models.ProcessedReceipt:
		if kind == KindProcessed {
			return nil
		}
	case *models.Expense:
		if kind == KindSaved {
			return nil
		}
	default:
		return fmt.Errorf("usage: unsupported record type %T", record)
	}
	return fmt.Errorf("usage: record %T does not match kind %q", record, kind)
}
