// Package session stores the per-user conversational session row.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/receiptflow/receiptflow/internal/metrics"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/sessionlock"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidState indicates a state outside the closed set.
	ErrInvalidState = errors.New("session: invalid state")
	// ErrStaleLease indicates the caller's lease was superseded by a newer holder.
	ErrStaleLease = errors.New("session: lease superseded by a newer holder")
)

// Locker runs fn under the per-user lock.
type Locker interface {
	WithLock(ctx context.Context, userID uint64, op string, fn func(ctx context.Context) error) error
}

// Store reads and writes sessions. Every operation runs under the user's lock
// and inside a transaction that holds the session row lock.
type Store struct {
	db          *gorm.DB
	locks       Locker
	metrics     *metrics.Metrics
	nowFn       func() time.Time
	warnAfter   time.Duration
	expireAfter time.Duration
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

// WithIdleThresholds sets when idle sessions are warned and expired.
func WithIdleThresholds(warnAfter, expireAfter time.Duration) Option {
	return func(s *Store) {
		s.warnAfter = warnAfter
		s.expireAfter = expireAfter
	}
}

// WithMetrics records sweep transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB, locks Locker, opts ...Option) *Store {
	s := &Store{
		db:          db,
		locks:       locks,
		nowFn:       time.Now,
		warnAfter:   20 * time.Minute,
		expireAfter: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetSession returns the user's session, creating it on first use.
func (s *Store) GetSession(ctx context.Context, userID uint64) (*models.Session, error) {
	var out *models.Session
	errRun := s.mutate(ctx, userID, "get_session", false, func(row *models.Session) error {
		out = row
		return nil
	})
	if errRun != nil {
		return nil, errRun
	}
	return out, nil
}

// UpdateState moves the session to state and shallow-merges patch into its metadata.
// A nil patch value deletes the key.
func (s *Store) UpdateState(ctx context.Context, userID uint64, state models.SessionState, patch map[string]any) (*models.Session, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	var out *models.Session
	errRun := s.mutate(ctx, userID, "update_state", true, func(row *models.Session) error {
		row.State = state
		row.Metadata = mergeMetadata(row.Metadata, patch)
		out = row
		return nil
	})
	if errRun != nil {
		return nil, errRun
	}
	return out, nil
}

// SetPendingItem stores the in-flight receipt payload. A nil payload clears it.
func (s *Store) SetPendingItem(ctx context.Context, userID uint64, payload any) error {
	raw, errEncode := encodePending(payload)
	if errEncode != nil {
		return errEncode
	}
	return s.mutate(ctx, userID, "set_pending_item", true, func(row *models.Session) error {
		row.PendingItem = raw
		return nil
	})
}

// Reset returns the session to idle and clears its payload and metadata.
func (s *Store) Reset(ctx context.Context, userID uint64) (*models.Session, error) {
	var out *models.Session
	errRun := s.mutate(ctx, userID, "reset", true, func(row *models.Session) error {
		row.State = models.SessionIdle
		row.PendingItem = models.NullDocument
		row.Metadata = datatypes.JSONMap{}
		out = row
		return nil
	})
	if errRun != nil {
		return nil, errRun
	}
	return out, nil
}

// mutate loads or creates the row under both locks, runs apply, and saves when write is set.
func (s *Store) mutate(ctx context.Context, userID uint64, op string, write bool, apply func(row *models.Session) error) error {
	if s.locks == nil {
		return fmt.Errorf("session: nil locker")
	}
	return s.locks.WithLock(ctx, userID, op, func(ctx context.Context) error {
		lease, _ := sessionlock.LeaseFromContext(ctx, sessionlock.KeyForUser(userID))
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row, errLoad := s.loadForUpdate(ctx, tx, userID)
			if errLoad != nil {
				return errLoad
			}
			if lease.Token != 0 && lease.Token < row.FenceToken {
				log.WithFields(log.Fields{
					"user_id":     userID,
					"op":          op,
					"token":       lease.Token,
					"fence_token": row.FenceToken,
				}).Warn("session: rejecting write from superseded lease")
				return ErrStaleLease
			}
			if errApply := apply(row); errApply != nil {
				return errApply
			}
			if !write {
				return nil
			}
			if lease.Token > row.FenceToken {
				row.FenceToken = lease.Token
			}
			row.LastActivityAt = s.now()
			row.ExpiryWarningSent = false
			row.ExpiredNoticeSent = false
			return saveRow(ctx, tx, row)
		})
	})
}

func (s *Store) loadForUpdate(ctx context.Context, tx *gorm.DB, userID uint64) (*models.Session, error) {
	var row models.Session
	errFind := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&row).Error
	if errFind == nil {
		normalize(&row)
		return &row, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session: load: %w", errFind)
	}

	now := s.now()
	created := models.Session{
		UserID:         userID,
		State:          models.SessionIdle,
		PendingItem:    models.NullDocument,
		Metadata:       datatypes.JSONMap{},
		LastActivityAt: now,
	}
	if errCreate := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&created).Error; errCreate != nil {
		return nil, fmt.Errorf("session: create: %w", errCreate)
	}
	if errReload := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&row).Error; errReload != nil {
		return nil, fmt.Errorf("session: reload: %w", errReload)
	}
	normalize(&row)
	return &row, nil
}

func saveRow(ctx context.Context, tx *gorm.DB, row *models.Session) error {
	if errSave := tx.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"state":               row.State,
			"pending_item":        row.PendingItem,
			"metadata":            row.Metadata,
			"last_activity_at":    row.LastActivityAt,
			"expiry_warning_sent": row.ExpiryWarningSent,
			"expired_notice_sent": row.ExpiredNoticeSent,
			"fence_token":         row.FenceToken,
		}).Error; errSave != nil {
		return fmt.Errorf("session: save: %w", errSave)
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

func normalize(row *models.Session) {
	if len(row.PendingItem) == 0 {
		row.PendingItem = models.NullDocument
	}
	if row.Metadata == nil {
		row.Metadata = datatypes.JSONMap{}
	}
}

func mergeMetadata(current datatypes.JSONMap, patch map[string]any) datatypes.JSONMap {
	merged := make(datatypes.JSONMap, len(current)+len(patch))
	for key, value := range current {
		merged[key] = value
	}
	for key, value := range patch {
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}
	return merged
}

func encodePending(payload any) (models.JSONDocument, error) {
	switch typed := payload.(type) {
	case nil:
		return models.NullDocument, nil
	case models.JSONDocument:
		return encodeRaw(typed)
	case datatypes.JSON:
		return encodeRaw(typed)
	case json.RawMessage:
		return encodeRaw(typed)
	}
	data, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return nil, fmt.Errorf("session: encode pending item: %w", errMarshal)
	}
	return models.JSONDocument(data), nil
}

func encodeRaw(raw []byte) (models.JSONDocument, error) {
	if len(raw) == 0 {
		return models.NullDocument, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("session: pending item is not valid JSON")
	}
	return models.JSONDocument(append([]byte(nil), raw...)), nil
}
