package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// BucketUsage counts chargeable records attributed to a single plan bucket.
type BucketUsage struct {
	Processed int64 `json:"processed"`
	Saved     int64 `json:"saved"`
	Total     int64 `json:"total"`
}

// PlanBreakdown maps a plan bucket (or UnknownBucket) to its usage counts.
type PlanBreakdown map[string]BucketUsage

// Value implements driver.Valuer for database serialization.
func (b PlanBreakdown) Value() (driver.Value, error) {
	if b == nil {
		return "{}", nil
	}
	data, errMarshal := json.Marshal(map[string]BucketUsage(b))
	if errMarshal != nil {
		return nil, fmt.Errorf("plan breakdown marshal: %w", errMarshal)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database deserialization.
func (b *PlanBreakdown) Scan(value any) error {
	if b == nil {
		return fmt.Errorf("plan breakdown scan: nil receiver")
	}
	var data []byte
	switch typed := value.(type) {
	case nil:
		*b = PlanBreakdown{}
		return nil
	case []byte:
		data = typed
	case string:
		data = []byte(typed)
	default:
		return fmt.Errorf("plan breakdown scan: unsupported type %T", value)
	}
	out := PlanBreakdown{}
	if len(data) == 0 || string(data) == "null" {
		*b = out
		return nil
	}
	if errUnmarshal := json.Unmarshal(data, &out); errUnmarshal != nil {
		return fmt.Errorf("plan breakdown scan: %w", errUnmarshal)
	}
	*b = out
	return nil
}

// Equal reports whether both breakdowns hold the same non-empty buckets.
func (b PlanBreakdown) Equal(other PlanBreakdown) bool {
	left := b.compact()
	right := other.compact()
	if len(left) != len(right) {
		return false
	}
	for key, value := range left {
		if right[key] != value {
			return false
		}
	}
	return true
}

func (b PlanBreakdown) compact() map[string]BucketUsage {
	out := make(map[string]BucketUsage, len(b))
	for key, value := range b {
		if value == (BucketUsage{}) {
			continue
		}
		out[key] = value
	}
	return out
}

// UsageLedger is the cached usage snapshot for one user and one calendar month.
// Rows are recomputed from chargeable records and never deleted.
type UsageLedger struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex:idx_usage_ledgers_user_month,priority:1"`                 // Owning user ID.
	Month  string `gorm:"type:varchar(7);not null;uniqueIndex:idx_usage_ledgers_user_month,priority:2"` // Accounting month, YYYY-MM.

	ProcessedCount int64         `gorm:"not null;default:0"`               // Processed records in the window.
	SavedCount     int64         `gorm:"not null;default:0"`               // Saved records in the window.
	TotalCount     int64         `gorm:"not null;default:0"`               // Processed plus saved.
	LimitCount     int64         `gorm:"not null;default:0"`               // Effective limit at last write.
	Breakdown      PlanBreakdown `gorm:"type:jsonb;not null;default:'{}'"` // Per-bucket counts.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
