package billing

import (
	"context"
	"testing"
	"time"

	"github.com/receiptflow/receiptflow/internal/config"
	"github.com/receiptflow/receiptflow/internal/dbtest"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/plans"
	"github.com/receiptflow/receiptflow/internal/sessionlock"
	"github.com/receiptflow/receiptflow/internal/usage"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var billingNow = time.Date(2026, time.April, 12, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *usage.Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	now := func() time.Time { return billingNow }
	svc := usage.NewService(conn, plans.NewResolver(map[string]int{"trial": 5, "lite": 30, "pro": 100}), usage.WithClock(now))
	locks := sessionlock.NewManager(config.Defaults().SessionLock, sessionlock.WithClock(now))
	return NewService(conn, svc, locks), svc, conn
}

func seedLite(t *testing.T, conn *gorm.DB, userID uint64, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		row := models.ProcessedReceipt{UserID: userID, PlanBucket: models.PlanTypePtr(models.PlanLite), CreatedAt: billingNow.Add(-time.Duration(i+1) * time.Hour)}
		require.NoError(t, conn.Create(&row).Error)
	}
}

func TestApplyPlanChangeRecordsCarryoverOnPaidUpgrade(t *testing.T) {
	billingSvc, usageSvc, conn := newTestService(t)
	ctx := context.Background()
	user := dbtest.CreateUser(t, conn, "lite-user", models.PlanLite)
	cycleEnd := time.Date(2026, time.April, 30, 0, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Model(&models.User{}).Where("id = ?", user.ID).Update("billing_cycle_end", cycleEnd).Error)
	seedLite(t, conn, user.ID, 27)

	newEnd := billingNow.AddDate(0, 1, 0)
	updated, err := billingSvc.ApplyPlanChange(ctx, PlanChange{
		UserID:     user.ID,
		Plan:       models.PlanPro,
		CycleStart: &billingNow,
		CycleEnd:   &newEnd,
	})
	require.NoError(t, err)
	require.Equal(t, models.PlanPro, updated.Plan)
	require.Equal(t, models.SubscriptionActive, updated.SubscriptionStatus)
	require.NotNil(t, updated.PlanUpgradedAt)
	require.True(t, updated.PlanUpgradedAt.Equal(billingNow))

	record, ok := updated.Carryover.ActiveAt(billingNow)
	require.True(t, ok)
	require.Equal(t, models.PlanLite, record.OldPlan)
	require.Equal(t, int64(27), record.OldPlanUsed)
	require.True(t, record.OldCycleEnd.Equal(cycleEnd))

	limit, err := usageSvc.EffectiveLimit(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(103), limit)
}

func TestApplyPlanChangeFromTrialHasNoCarryover(t *testing.T) {
	billingSvc, _, conn := newTestService(t)
	user := dbtest.CreateUser(t, conn, "trial-user", models.PlanTrial)
	cycleEnd := billingNow.AddDate(0, 0, 3)
	require.NoError(t, conn.Model(&models.User{}).Where("id = ?", user.ID).Update("billing_cycle_end", cycleEnd).Error)

	updated, err := billingSvc.ApplyPlanChange(context.Background(), PlanChange{UserID: user.ID, Plan: models.PlanPro})
	require.NoError(t, err)
	require.False(t, updated.Carryover.Valid)
	require.NotNil(t, updated.PlanUpgradedAt)
}

func TestApplyPlanChangeAfterCycleEndHasNoCarryover(t *testing.T) {
	billingSvc, _, conn := newTestService(t)
	user := dbtest.CreateUser(t, conn, "lapsed-lite", models.PlanLite)
	require.NoError(t, conn.Model(&models.User{}).Where("id = ?", user.ID).Update("billing_cycle_end", billingNow.Add(-time.Hour)).Error)
	seedLite(t, conn, user.ID, 3)

	updated, err := billingSvc.ApplyPlanChange(context.Background(), PlanChange{UserID: user.ID, Plan: models.PlanPro})
	require.NoError(t, err)
	require.False(t, updated.Carryover.Valid)
}

func TestApplyPlanChangeDowngradeKeepsUpgradeTimestamp(t *testing.T) {
	billingSvc, _, conn := newTestService(t)
	user := dbtest.CreateUser(t, conn, "pro-user", models.PlanPro)

	updated, err := billingSvc.ApplyPlanChange(context.Background(), PlanChange{
		UserID: user.ID,
		Plan:   models.PlanFree,
		Status: models.SubscriptionCanceled,
	})
	require.NoError(t, err)
	require.Equal(t, models.PlanFree, updated.Plan)
	require.Equal(t, models.SubscriptionCanceled, updated.SubscriptionStatus)
	require.Nil(t, updated.PlanUpgradedAt)
	require.False(t, updated.Carryover.Valid)
}

func TestApplyPlanChangeRejectsInvalidInput(t *testing.T) {
	billingSvc, _, conn := newTestService(t)
	user := dbtest.CreateUser(t, conn, "any", models.PlanLite)
	ctx := context.Background()

	_, err := billingSvc.ApplyPlanChange(ctx, PlanChange{UserID: user.ID, Plan: "gold"})
	require.Error(t, err)

	_, err = billingSvc.ApplyPlanChange(ctx, PlanChange{UserID: user.ID, Plan: models.PlanPro, Status: "paused"})
	require.Error(t, err)

	end := billingNow.Add(-time.Hour)
	_, err = billingSvc.ApplyPlanChange(ctx, PlanChange{UserID: user.ID, Plan: models.PlanPro, CycleStart: &billingNow, CycleEnd: &end})
	require.Error(t, err)

	_, err = billingSvc.ApplyPlanChange(ctx, PlanChange{UserID: 9999, Plan: models.PlanPro})
	require.ErrorIs(t, err, usage.ErrUserNotFound)
}
