package db

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	conn, err := Open("file:" + filepath.Join(t.TempDir(), "open-test.db"))
	require.NoError(t, err)
	require.True(t, IsSQLite(conn))

	require.NoError(t, Migrate(conn))
	// A second run must be a no-op.
	require.NoError(t, Migrate(conn))

	for _, table := range []string{"users", "usage_ledgers", "processed_receipts", "expenses", "sessions", "settings"} {
		require.True(t, conn.Migrator().HasTable(table), "missing table %s", table)
	}
	require.True(t, conn.Migrator().HasIndex(&models.UsageLedger{}, "idx_usage_ledgers_user_month"))
}

func TestLedgerUniquePerUserMonth(t *testing.T) {
	conn, err := Open("file:" + filepath.Join(t.TempDir(), "unique-test.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(conn))

	first := models.UsageLedger{UserID: 7, Month: "2026-03"}
	require.NoError(t, conn.Create(&first).Error)

	dup := models.UsageLedger{UserID: 7, Month: "2026-03"}
	errDup := conn.Create(&dup).Error
	require.Error(t, errDup)
	require.True(t, IsUniqueViolation(errDup))

	other := models.UsageLedger{UserID: 7, Month: "2026-04"}
	require.NoError(t, conn.Create(&other).Error)
}

func TestIsUniqueViolation(t *testing.T) {
	require.False(t, IsUniqueViolation(nil))
	require.False(t, IsUniqueViolation(errors.New("connection refused")))
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
	require.True(t, IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: users.channel_id (2067)")))
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}
