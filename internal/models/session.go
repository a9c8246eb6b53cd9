package models

import (
	"time"

	"gorm.io/datatypes"
)

// SessionState is the conversational state of a user's session.
type SessionState string

// SessionState constants define the closed set of conversation states.
const (
	// SessionIdle waits for the next user message.
	SessionIdle SessionState = "idle"
	// SessionAwaitingReceipt expects a receipt upload.
	SessionAwaitingReceipt SessionState = "awaiting_receipt"
	// SessionProcessing is extracting a receipt.
	SessionProcessing SessionState = "processing"
	// SessionConfirming waits for the user to confirm extracted fields.
	SessionConfirming SessionState = "confirming"
	// SessionEditing waits for a corrected field value.
	SessionEditing SessionState = "editing"
)

// Valid reports whether the state belongs to the closed set.
func (s SessionState) Valid() bool {
	switch s {
	case SessionIdle, SessionAwaitingReceipt, SessionProcessing, SessionConfirming, SessionEditing:
		return true
	default:
		return false
	}
}

// Session is the per-user conversational session row.
type Session struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64       `gorm:"not null;uniqueIndex"`                     // Owning user ID.
	State  SessionState `gorm:"type:varchar(32);not null;default:'idle'"` // Conversation state.

	PendingItem JSONDocument      `gorm:"not null;default:'null'"` // In-flight receipt payload.
	Metadata    datatypes.JSONMap `gorm:"not null;default:'{}'"`   // Free-form conversation data.

	LastActivityAt    time.Time `gorm:"not null;index"`         // Last mutation time.
	ExpiryWarningSent bool      `gorm:"not null;default:false"` // Idle warning already delivered.
	ExpiredNoticeSent bool      `gorm:"not null;default:false"` // Expiry notice already delivered.

	FenceToken uint64 `gorm:"not null;default:0"` // Highest lock token that has written this row.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// HasPendingItem reports whether an in-flight receipt payload is set.
func (s *Session) HasPendingItem() bool {
	if s == nil {
		return false
	}
	return !s.PendingItem.IsNull()
}
