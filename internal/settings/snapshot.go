package settings

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	snapshotMu sync.RWMutex
	snapshot   = dbConfigSnapshot{values: map[string]json.RawMessage{}}
)

type dbConfigSnapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

// StoreDBConfig replaces the in-memory settings snapshot.
func StoreDBConfig(updatedAt time.Time, values map[string]json.RawMessage) {
	copied := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		copied[key] = append(json.RawMessage(nil), value...)
	}
	snapshotMu.Lock()
	snapshot = dbConfigSnapshot{updatedAt: updatedAt.UTC(), values: copied}
	snapshotMu.Unlock()
}

// DBConfigValue returns the raw JSON value stored for key.
func DBConfigValue(key string) (json.RawMessage, bool) {
	snapshotMu.RLock()
	defer snapshotMu.RUnlock()
	value, ok := snapshot.values[strings.TrimSpace(key)]
	if !ok || len(bytes.TrimSpace(value)) == 0 {
		return nil, false
	}
	return value, true
}

// DBConfigUpdatedAt returns the newest settings timestamp in the snapshot.
func DBConfigUpdatedAt() time.Time {
	snapshotMu.RLock()
	defer snapshotMu.RUnlock()
	return snapshot.updatedAt
}

// IntValue returns a non-negative integer setting.
func IntValue(key string) (int, bool) {
	raw, ok := DBConfigValue(key)
	if !ok {
		return 0, false
	}
	return ParseNonNegativeInt(raw)
}

// ParseNonNegativeInt decodes integers written as JSON numbers or numeric strings.
func ParseNonNegativeInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt >= 0
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(parsedString))
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed >= 0
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) {
			return 0, false
		}
		if parsedFloat < 0 || parsedFloat != math.Trunc(parsedFloat) {
			return 0, false
		}
		return int(parsedFloat), true
	}
	return 0, false
}
