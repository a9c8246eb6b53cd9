package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/receiptflow/receiptflow/internal/config"
	"github.com/receiptflow/receiptflow/internal/dbtest"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/plans"
	internalsettings "github.com/receiptflow/receiptflow/internal/settings"
	"github.com/stretchr/testify/require"
)

func TestPollSettingsPublishesSnapshot(t *testing.T) {
	internalsettings.StoreDBConfig(time.Time{}, nil)
	t.Cleanup(func() { internalsettings.StoreDBConfig(time.Time{}, nil) })
	conn := dbtest.Open(t)
	ctx := context.Background()
	base := time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, conn.Create(&models.Setting{Key: internalsettings.PlanLimitLiteKey, Value: models.JSONDocument("12"), UpdatedAt: base}).Error)

	w := New(conn, "", time.Minute, nil)
	w.Poll(ctx, true)
	limit, ok := internalsettings.IntValue(internalsettings.PlanLimitLiteKey)
	require.True(t, ok)
	require.Equal(t, 12, limit)
	require.True(t, internalsettings.DBConfigUpdatedAt().Equal(base))

	require.NoError(t, conn.Model(&models.Setting{}).
		Where("key = ?", internalsettings.PlanLimitLiteKey).
		Updates(map[string]any{"value": models.JSONDocument("40"), "updated_at": base.Add(time.Minute)}).Error)
	w.Poll(ctx, false)
	limit, ok = internalsettings.IntValue(internalsettings.PlanLimitLiteKey)
	require.True(t, ok)
	require.Equal(t, 40, limit)

	resolver := plans.NewResolver(map[string]int{"lite": 30})
	require.Equal(t, 40, resolver.LimitFor(models.PlanLite))

	require.NoError(t, conn.Create(&models.Setting{Key: "AAA_UNRELATED", Value: models.JSONDocument(`"x"`), UpdatedAt: base}).Error)
	require.NoError(t, conn.Where("key = ?", internalsettings.PlanLimitLiteKey).Delete(&models.Setting{}).Error)
	w.Poll(ctx, false)
	_, ok = internalsettings.IntValue(internalsettings.PlanLimitLiteKey)
	require.False(t, ok)
	require.Equal(t, 30, resolver.LimitFor(models.PlanLite))
}

func TestPollConfigReloadsOnlyOnChange(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("plans:\n  limits:\n    lite: 30\n    pro: 100\n"), 0600))

	resolver := plans.NewResolver(nil)
	reloads := 0
	w := New(nil, configPath, time.Minute, func(cfg config.FileConfig) {
		reloads++
		resolver.SetLimits(cfg.Plans.Limits)
	})

	w.Poll(context.Background(), false)
	require.Equal(t, 1, reloads)
	require.Equal(t, 30, resolver.LimitFor(models.PlanLite))

	w.Poll(context.Background(), false)
	require.Equal(t, 1, reloads)

	require.NoError(t, os.WriteFile(configPath, []byte("plans:\n  limits:\n    lite: 35\n    pro: 100\n"), 0600))
	w.Poll(context.Background(), false)
	require.Equal(t, 2, reloads)
	require.Equal(t, 35, resolver.LimitFor(models.PlanLite))

	require.NoError(t, os.WriteFile(configPath, []byte("plans:\n  limits:\n    lite: -5\n"), 0600))
	w.Poll(context.Background(), false)
	require.Equal(t, 2, reloads)
	require.Equal(t, 35, resolver.LimitFor(models.PlanLite))
}

func TestStartStop(t *testing.T) {
	internalsettings.StoreDBConfig(time.Time{}, nil)
	t.Cleanup(func() { internalsettings.StoreDBConfig(time.Time{}, nil) })
	conn := dbtest.Open(t)
	require.NoError(t, conn.Create(&models.Setting{Key: internalsettings.PlanLimitProKey, Value: models.JSONDocument("90")}).Error)

	w := New(conn, "", 10*time.Millisecond, nil)
	require.NoError(t, w.Start(context.Background()))
	limit, ok := internalsettings.IntValue(internalsettings.PlanLimitProKey)
	require.True(t, ok)
	require.Equal(t, 90, limit)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
