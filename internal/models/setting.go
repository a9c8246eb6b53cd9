package models

import "time"

// Setting stores a runtime-tunable configuration value as JSON.
type Setting struct {
	Key       string       `gorm:"type:varchar(128);primaryKey"`  // Setting key.
	Value     JSONDocument                                        // JSON encoded value.
	UpdatedAt time.Time    `gorm:"not null;autoUpdateTime;index"` // Last update timestamp.
}
