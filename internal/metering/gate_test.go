package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/receiptflow/receiptflow/internal/config"
	"github.com/receiptflow/receiptflow/internal/dbtest"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/plans"
	"github.com/receiptflow/receiptflow/internal/sessionlock"
	"github.com/receiptflow/receiptflow/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var gateNow = time.Date(2026, time.May, 6, 10, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T, limits map[string]int) (*Gate, *usage.Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	now := func() time.Time { return gateNow }
	svc := usage.NewService(conn, plans.NewResolver(limits), usage.WithClock(now))
	locks := sessionlock.NewManager(config.Defaults().SessionLock)
	return NewGate(svc, locks), svc, conn
}

func TestChargeConcurrentIncrementsAreExact(t *testing.T) {
	gate, svc, conn := newTestGate(t, map[string]int{"pro": 1000})
	user := dbtest.CreateUser(t, conn, "pro-1", models.PlanPro)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := usage.KindProcessed
			if i%2 == 1 {
				kind = usage.KindSaved
			}
			_, errCharge := gate.Charge(ctx, user.ID, kind, nil)
			errs <- errCharge
		}(i)
	}
	wg.Wait()
	close(errs)
	for errCharge := range errs {
		require.NoError(t, errCharge)
	}

	var processed, saved int64
	require.NoError(t, conn.Model(&models.ProcessedReceipt{}).Where("user_id = ?", user.ID).Count(&processed).Error)
	require.NoError(t, conn.Model(&models.Expense{}).Where("user_id = ?", user.ID).Count(&saved).Error)
	assert.Equal(t, int64(n/2), processed)
	assert.Equal(t, int64(n/2), saved)

	ledger, err := svc.Ledger(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, ledger)
	assert.Equal(t, int64(n), ledger.TotalCount)
	assert.Equal(t, int64(n/2), ledger.ProcessedCount)
	assert.Equal(t, int64(n/2), ledger.SavedCount)

	var reloaded models.User
	require.NoError(t, conn.First(&reloaded, user.ID).Error)
	assert.Equal(t, int64(n), reloaded.MonthlyReceiptCount)
	assert.Equal(t, int64(n), reloaded.TotalReceiptCount)
}

func TestChargeDeniedAtLimitSkipsPersist(t *testing.T) {
	gate, _, conn := newTestGate(t, map[string]int{"trial": 2})
	user := dbtest.CreateUser(t, conn, "trial-1", models.PlanTrial)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := gate.Charge(ctx, user.ID, usage.KindProcessed, nil)
		require.NoError(t, err)
	}

	called := false
	_, err := gate.Charge(ctx, user.ID, usage.KindProcessed, func(ctx context.Context, tx *gorm.DB) (usage.Chargeable, error) {
		called = true
		return nil, nil
	})
	require.ErrorIs(t, err, usage.ErrLimitReached)
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, int64(2), denied.Authorization.Used)
	assert.Equal(t, int64(0), denied.Authorization.Remaining)
	assert.False(t, called)
}

func TestChargeRollsBackBusinessWriteAndUsage(t *testing.T) {
	gate, svc, conn := newTestGate(t, map[string]int{"lite": 10})
	user := dbtest.CreateUser(t, conn, "lite-1", models.PlanLite)
	ctx := context.Background()
	boom := errors.New("storage offline")

	_, err := gate.Charge(ctx, user.ID, usage.KindSaved, func(ctx context.Context, tx *gorm.DB) (usage.Chargeable, error) {
		expense := &models.Expense{UserID: user.ID, Merchant: "Corner Shop", AmountMinor: 1250, Currency: "EUR"}
		if errCreate := tx.Create(expense).Error; errCreate != nil {
			return nil, errCreate
		}
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	var expenses int64
	require.NoError(t, conn.Model(&models.Expense{}).Where("user_id = ?", user.ID).Count(&expenses).Error)
	assert.Zero(t, expenses)

	ledger, errLedger := svc.Ledger(ctx, user.ID)
	require.NoError(t, errLedger)
	assert.Nil(t, ledger)
}

func TestChargePersistedRecordIsTagged(t *testing.T) {
	gate, _, conn := newTestGate(t, map[string]int{"lite": 10})
	user := dbtest.CreateUser(t, conn, "lite-2", models.PlanLite)
	ctx := context.Background()

	var expenseID uint64
	result, err := gate.Charge(ctx, user.ID, usage.KindSaved, func(ctx context.Context, tx *gorm.DB) (usage.Chargeable, error) {
		expense := &models.Expense{UserID: user.ID, Merchant: "Bakery", AmountMinor: 480, Currency: "EUR", CreatedAt: gateNow.Add(-time.Minute)}
		if errCreate := tx.Create(expense).Error; errCreate != nil {
			return nil, errCreate
		}
		expenseID = expense.ID
		return expense, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.NewTotal)
	assert.Equal(t, int64(9), result.Remaining)
	assert.Equal(t, models.PlanLite, result.Bucket)

	var stored models.Expense
	require.NoError(t, conn.First(&stored, expenseID).Error)
	require.NotNil(t, stored.PlanBucket)
	assert.Equal(t, models.PlanLite, *stored.PlanBucket)
}

func TestChargeTreatsFailedCheckAsLimitReached(t *testing.T) {
	gate, _, conn := newTestGate(t, map[string]int{"lite": 10})
	user := dbtest.CreateUser(t, conn, "lite-4", models.PlanLite)
	require.NoError(t, conn.Migrator().DropTable(&models.Expense{}))

	called := false
	_, err := gate.Charge(context.Background(), user.ID, usage.KindProcessed, func(ctx context.Context, tx *gorm.DB) (usage.Chargeable, error) {
		called = true
		return nil, nil
	})
	require.ErrorIs(t, err, usage.ErrLimitReached)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.False(t, denied.Authorization.CanProcess)
	assert.Error(t, denied.Authorization.Err)
	assert.False(t, called)
}

func TestChargeRejectsUnknownKind(t *testing.T) {
	gate, _, conn := newTestGate(t, map[string]int{"lite": 10})
	user := dbtest.CreateUser(t, conn, "lite-3", models.PlanLite)
	_, err := gate.Charge(context.Background(), user.ID, usage.Kind("scanned"), nil)
	require.Error(t, err)
}
