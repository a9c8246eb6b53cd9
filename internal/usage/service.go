// Package usage computes plan usage from chargeable records, resolves quota
// carryover across upgrades, and keeps the monthly ledger in sync.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/receiptflow/receiptflow/internal/metrics"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/plans"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service answers quota questions for users. It holds no cached counters.
type Service struct {
	db      *gorm.DB
	limits  *plans.Resolver
	metrics *metrics.Metrics
	loc     *time.Location
	nowFn   func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithLocation sets the timezone that defines calendar months.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithMetrics records decisions and increments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService constructs a Service.
func NewService(db *gorm.DB, limits *plans.Resolver, opts ...Option) *Service {
	s := &Service{
		db:     db,
		limits: limits,
		loc:    time.UTC,
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying connection.
func (s *Service) DB() *gorm.DB { return s.db }

// Limits returns the plan limit resolver.
func (s *Service) Limits() *plans.Resolver { return s.limits }

// Now returns the current time in UTC.
func (s *Service) Now() time.Time { return s.nowFn().UTC() }

// MonthKey returns the accounting month of t as YYYY-MM.
func (s *Service) MonthKey(t time.Time) string {
	return t.In(s.loc).Format("2006-01")
}

// monthBounds returns the UTC start and end of the calendar month containing t.
func (s *Service) monthBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(s.loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, s.loc)
	return start.UTC(), start.AddDate(0, 1, 0).UTC()
}

// loadUser reads the user row, optionally locking it for the rest of the transaction.
func loadUser(ctx context.Context, conn *gorm.DB, userID uint64, forUpdate bool) (*models.User, error) {
	if conn == nil {
		return nil, fmt.Errorf("usage: nil db")
	}
	query := conn.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var user models.User
	if errFind := query.Where("id = ?", userID).First(&user).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("usage: load user %d: %w", userID, errFind)
	}
	return &user, nil
}

// LoadUser reads a user row without locking it.
func (s *Service) LoadUser(ctx context.Context, userID uint64) (*models.User, error) {
	return loadUser(ctx, s.db, userID, false)
}

// LockUser reads the user row inside tx and locks it until tx ends.
func LockUser(ctx context.Context, tx *gorm.DB, userID uint64) (*models.User, error) {
	return loadUser(ctx, tx, userID, true)
}
