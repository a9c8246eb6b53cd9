package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SubscriptionStatus represents the billing state of a user's subscription.
type SubscriptionStatus string

// SubscriptionStatus constants define the subscription lifecycle.
const (
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// User represents a messaging-channel user and their plan state.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ChannelID   string `gorm:"type:varchar(128);not null;uniqueIndex"` // Messaging channel identity.
	DisplayName string `gorm:"type:text"`                              // Display name reported by the channel.

	Plan               PlanType           `gorm:"type:varchar(16);not null;default:'trial';index"` // Current plan.
	SubscriptionStatus SubscriptionStatus `gorm:"type:varchar(16);not null;default:'trialing'"`    // Subscription status.

	BillingCycleStart *time.Time // Current billing cycle start.
	BillingCycleEnd   *time.Time // Current billing cycle end.
	PlanUpgradedAt    *time.Time // Last plan upgrade time.

	Carryover UpgradeCarryover `gorm:"type:jsonb"` // Quota carried over from a lower tier.

	MonthlyReceiptCount int64 `gorm:"not null;default:0"` // Legacy display counter, never used for limits.
	TotalReceiptCount   int64 `gorm:"not null;default:0"` // Legacy display counter, never used for limits.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// CarryoverRecord captures the lower tier's state at the moment of an upgrade.
type CarryoverRecord struct {
	OldPlan     PlanType  `json:"old_plan"`
	OldPlanUsed int64     `json:"old_plan_used"`
	OldCycleEnd time.Time `json:"old_cycle_end"`
}

// UpgradeCarryover is an optional CarryoverRecord stored as a nullable JSON column.
type UpgradeCarryover struct {
	Record CarryoverRecord
	Valid  bool
}

// NewUpgradeCarryover wraps a record as a present carryover.
func NewUpgradeCarryover(record CarryoverRecord) UpgradeCarryover {
	return UpgradeCarryover{Record: record, Valid: true}
}

// ActiveAt returns the record when it is present and its window has not passed.
// Expired records stay stored but are ignored.
func (c UpgradeCarryover) ActiveAt(now time.Time) (CarryoverRecord, bool) {
	if !c.Valid || !c.Record.OldPlan.Valid() {
		return CarryoverRecord{}, false
	}
	if !now.Before(c.Record.OldCycleEnd) {
		return CarryoverRecord{}, false
	}
	return c.Record, true
}

// Value implements driver.Valuer for database serialization.
func (c UpgradeCarryover) Value() (driver.Value, error) {
	if !c.Valid {
		return nil, nil
	}
	data, errMarshal := json.Marshal(c.Record)
	if errMarshal != nil {
		return nil, fmt.Errorf("upgrade carryover marshal: %w", errMarshal)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database deserialization.
func (c *UpgradeCarryover) Scan(value any) error {
	if c == nil {
		return fmt.Errorf("upgrade carryover scan: nil receiver")
	}
	var data []byte
	switch typed := value.(type) {
	case nil:
		*c = UpgradeCarryover{}
		return nil
	case []byte:
		data = typed
	case string:
		data = []byte(typed)
	default:
		return fmt.Errorf("upgrade carryover scan: unsupported type %T", value)
	}
	if len(data) == 0 || string(data) == "null" || string(data) == "{}" {
		*c = UpgradeCarryover{}
		return nil
	}
	var record CarryoverRecord
	if errUnmarshal := json.Unmarshal(data, &record); errUnmarshal != nil {
		return fmt.Errorf("upgrade carryover scan: %w", errUnmarshal)
	}
	*c = UpgradeCarryover{Record: record, Valid: true}
	return nil
}
