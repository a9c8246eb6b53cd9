package models

import (
	"time"

	"gorm.io/gorm"
)

// ProcessedReceipt records a receipt image or document that went through extraction.
// It is a chargeable activity record of kind "processed".
type ProcessedReceipt struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID     uint64    `gorm:"not null;index:idx_processed_receipts_user_created,priority:1"` // Owning user ID.
	PlanBucket *PlanType `gorm:"type:varchar(16);index"`                                        // Plan quota charged; nil for legacy rows.

	SourceRef string `gorm:"type:text"`        // Reference to the stored source file.
	Status    string `gorm:"type:varchar(32)"` // Extraction outcome.

	CreatedAt time.Time `gorm:"not null;index:idx_processed_receipts_user_created,priority:2"` // Charge timestamp.
}

// Expense records a receipt the user confirmed and saved.
// It is a chargeable activity record of kind "saved".
type Expense struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID     uint64    `gorm:"not null;index:idx_expenses_user_created,priority:1"` // Owning user ID.
	PlanBucket *PlanType `gorm:"type:varchar(16);index"`                              // Plan quota charged; nil for legacy rows.

	Merchant    string     `gorm:"type:text"`          // Merchant name.
	AmountMinor int64      `gorm:"not null;default:0"` // Amount in minor currency units.
	Currency    string     `gorm:"type:varchar(3)"`    // ISO 4217 currency code.
	Category    string     `gorm:"type:varchar(64)"`   // Expense category.
	SpentAt     *time.Time `gorm:"default:null"`       // Purchase date on the receipt.
	ReceiptID   *uint64    `gorm:"index"`              // Source processed receipt, if any.

	CreatedAt time.Time `gorm:"not null;index:idx_expenses_user_created,priority:2"` // Charge timestamp.
}

// ChargeOwner returns the owning user ID.
func (r *ProcessedReceipt) ChargeOwner() uint64 { return r.UserID }

// ChargedBucket returns the recorded plan bucket, nil for untagged rows.
func (r *ProcessedReceipt) ChargedBucket() *PlanType { return r.PlanBucket }

// AssignCharge sets the owner and bucket of an unsaved record.
func (r *ProcessedReceipt) AssignCharge(userID uint64, bucket PlanType, at time.Time) {
	r.UserID = userID
	r.PlanBucket = PlanTypePtr(bucket)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = at.UTC()
	}
}

// Persisted reports whether the record already has a row.
func (r *ProcessedReceipt) Persisted() bool { return r.ID != 0 }

// BeforeSave stores CreatedAt in UTC so it compares correctly against month bounds.
func (r *ProcessedReceipt) BeforeSave(*gorm.DB) error {
	r.CreatedAt = r.CreatedAt.UTC()
	return nil
}

// ChargeOwner returns the owning user ID.
func (e *Expense) ChargeOwner() uint64 { return e.UserID }

// ChargedBucket returns the recorded plan bucket, nil for untagged rows.
func (e *Expense) ChargedBucket() *PlanType { return e.PlanBucket }

// AssignCharge sets the owner and bucket of an unsaved record.
func (e *Expense) AssignCharge(userID uint64, bucket PlanType, at time.Time) {
	e.UserID = userID
	e.PlanBucket = PlanTypePtr(bucket)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = at.UTC()
	}
}

// Persisted reports whether the record already has a row.
func (e *Expense) Persisted() bool { return e.ID != 0 }

// BeforeSave stores CreatedAt in UTC so it compares correctly against month bounds.
func (e *Expense) BeforeSave(*gorm.DB) error {
	e.CreatedAt = e.CreatedAt.UTC()
	return nil
}
