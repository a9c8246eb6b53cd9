package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/receiptflow/receiptflow/internal/config"
	"github.com/receiptflow/receiptflow/internal/dbtest"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/sessionlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type receiptDraft struct {
	Merchant    string `json:"merchant"`
	AmountMinor int64  `json:"amount_minor"`
}

func newTestStore(t *testing.T, now *time.Time) (*Store, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	locks := sessionlock.NewManager(config.SessionLockConfig{
		Backend:     config.LockBackendMemory,
		WaitTimeout: 5 * time.Second,
		MaxHold:     10 * time.Second,
	})
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *now
	}
	store := NewStore(conn, locks, WithClock(clock), WithIdleThresholds(20*time.Minute, 30*time.Minute))
	return store, conn
}

func TestGetSessionCreatesOnce(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	first, err := store.GetSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SessionIdle, first.State)
	assert.False(t, first.HasPendingItem())
	assert.Empty(t, first.Metadata)

	second, err := store.GetSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestUpdateStateMergesMetadata(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	_, err := store.UpdateState(ctx, 2, models.SessionAwaitingReceipt, map[string]any{"lang": "de", "step": 1})
	require.NoError(t, err)
	updated, err := store.UpdateState(ctx, 2, models.SessionConfirming, map[string]any{"step": nil, "currency": "EUR"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionConfirming, updated.State)

	reloaded, err := store.GetSession(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.SessionConfirming, reloaded.State)
	assert.Equal(t, "de", reloaded.Metadata["lang"])
	assert.Equal(t, "EUR", reloaded.Metadata["currency"])
	_, hasStep := reloaded.Metadata["step"]
	assert.False(t, hasStep)

	_, err = store.UpdateState(ctx, 2, models.SessionState("dancing"), nil)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSetPendingItem(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	require.NoError(t, store.SetPendingItem(ctx, 3, receiptDraft{Merchant: "Bakery", AmountMinor: 450}))
	withItem, err := store.GetSession(ctx, 3)
	require.NoError(t, err)
	require.True(t, withItem.HasPendingItem())
	assert.JSONEq(t, `{"merchant":"Bakery","amount_minor":450}`, string(withItem.PendingItem))

	require.NoError(t, store.SetPendingItem(ctx, 3, nil))
	cleared, err := store.GetSession(ctx, 3)
	require.NoError(t, err)
	assert.False(t, cleared.HasPendingItem())
}

func TestSetPendingItemScalarPayloads(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	for _, payload := range []any{42, true, 3.5, "draft"} {
		require.NoError(t, store.SetPendingItem(ctx, 4, payload))
		row, err := store.GetSession(ctx, 4)
		require.NoError(t, err)
		require.True(t, row.HasPendingItem())
		assert.JSONEq(t, mustJSON(t, payload), row.PendingItem.String())
	}

	require.NoError(t, store.SetPendingItem(ctx, 4, nil))
	reset, err := store.Reset(ctx, 4)
	require.NoError(t, err)
	assert.False(t, reset.HasPendingItem())
}

func TestMutationsRefreshActivityAndClearExpiryFlags(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	store, conn := newTestStore(t, &now)
	ctx := context.Background()

	created, err := store.GetSession(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, conn.Model(&models.Session{}).Where("id = ?", created.ID).Updates(map[string]any{
		"expiry_warning_sent": true,
		"expired_notice_sent": true,
	}).Error)

	now = now.Add(5 * time.Minute)
	updated, err := store.UpdateState(ctx, 4, models.SessionProcessing, nil)
	require.NoError(t, err)
	assert.True(t, updated.LastActivityAt.Equal(now))
	assert.False(t, updated.ExpiryWarningSent)
	assert.False(t, updated.ExpiredNoticeSent)

	var stored models.Session
	require.NoError(t, conn.First(&stored, created.ID).Error)
	assert.False(t, stored.ExpiryWarningSent)
	assert.False(t, stored.ExpiredNoticeSent)
	assert.True(t, stored.LastActivityAt.Equal(now))
	assert.NotZero(t, stored.FenceToken)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errUpdate := store.UpdateState(ctx, 5, models.SessionEditing, map[string]any{fmt.Sprintf("field_%d", i): i})
			assert.NoError(t, errUpdate)
		}(i)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, store.SetPendingItem(ctx, 5, receiptDraft{Merchant: "A"}))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, store.SetPendingItem(ctx, 5, receiptDraft{Merchant: "B"}))
	}()
	wg.Wait()

	final, err := store.GetSession(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, final.Metadata, 10)
	require.True(t, final.HasPendingItem())
	pending := string(final.PendingItem)
	assert.Contains(t, []string{`{"merchant":"A","amount_minor":0}`, `{"merchant":"B","amount_minor":0}`}, pending)
}

func TestStaleLeaseIsRejected(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	_, err := store.UpdateState(ctx, 6, models.SessionProcessing, nil)
	require.NoError(t, err)

	stale := sessionlock.Lease{Key: sessionlock.KeyForUser(6), Token: 1, Owner: "slow-worker", Backend: sessionlock.BackendMemory}
	staleCtx := sessionlock.ContextWithLease(ctx, stale)
	errStale := store.SetPendingItem(staleCtx, 6, receiptDraft{Merchant: "late"})
	require.ErrorIs(t, errStale, ErrStaleLease)

	current, err := store.GetSession(ctx, 6)
	require.NoError(t, err)
	assert.False(t, current.HasPendingItem())
}

func TestSweepIdleWarnsThenExpires(t *testing.T) {
	start := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	now := start
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	require.NoError(t, store.SetPendingItem(ctx, 7, receiptDraft{Merchant: "Kiosk"}))
	_, err := store.UpdateState(ctx, 7, models.SessionConfirming, nil)
	require.NoError(t, err)
	_, err = store.GetSession(ctx, 8)
	require.NoError(t, err)

	now = start.Add(10 * time.Minute)
	result, err := store.SweepIdle(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Warned)
	assert.Empty(t, result.Expired)

	now = start.Add(21 * time.Minute)
	result, err = store.SweepIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, result.Warned)
	assert.Empty(t, result.Expired)

	result, err = store.SweepIdle(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Warned, "warning is sent once")

	now = start.Add(31 * time.Minute)
	result, err = store.SweepIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, result.Expired)

	expired, err := store.GetSession(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.SessionIdle, expired.State)
	assert.False(t, expired.HasPendingItem())
	assert.True(t, expired.ExpiredNoticeSent)

	result, err = store.SweepIdle(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Expired)
}

func TestResetClearsSession(t *testing.T) {
	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, &now)
	ctx := context.Background()

	_, err := store.UpdateState(ctx, 9, models.SessionEditing, map[string]any{"field": "amount"})
	require.NoError(t, err)
	require.NoError(t, store.SetPendingItem(ctx, 9, receiptDraft{Merchant: "Cafe"}))

	reset, err := store.Reset(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, models.SessionIdle, reset.State)
	assert.False(t, reset.HasPendingItem())
	assert.Empty(t, reset.Metadata)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
