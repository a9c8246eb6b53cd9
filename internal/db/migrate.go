package db

import (
	"fmt"

	"github.com/receiptflow/receiptflow/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite, DialectPostgres, "":
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}

	if errAutoMigrate := conn.AutoMigrate(Models()...); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	if errIndex := ensureUntaggedIndexes(conn); errIndex != nil {
		return errIndex
	}
	if errBackfill := backfillSessionColumns(conn); errBackfill != nil {
		return errBackfill
	}
	if errBackfill := backfillLedgerBreakdown(conn); errBackfill != nil {
		return errBackfill
	}
	return nil
}

// ensureUntaggedIndexes adds partial indexes used by the auditor to find legacy rows.
func ensureUntaggedIndexes(conn *gorm.DB) error {
	if errProcessed := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_processed_receipts_untagged
		ON processed_receipts (user_id)
		WHERE plan_bucket IS NULL
	`).Error; errProcessed != nil {
		return fmt.Errorf("db: create processed untagged index: %w", errProcessed)
	}
	if errExpenses := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_expenses_untagged
		ON expenses (user_id)
		WHERE plan_bucket IS NULL
	`).Error; errExpenses != nil {
		return fmt.Errorf("db: create expenses untagged index: %w", errExpenses)
	}
	return nil
}

// backfillSessionColumns normalizes session JSON columns written before defaults existed.
func backfillSessionColumns(conn *gorm.DB) error {
	if errPending := conn.Exec(`
		UPDATE sessions
		SET pending_item = 'null'
		WHERE pending_item IS NULL
	`).Error; errPending != nil {
		return fmt.Errorf("db: backfill session pending item: %w", errPending)
	}
	if errMetadata := conn.Exec(`
		UPDATE sessions
		SET metadata = '{}'
		WHERE metadata IS NULL
	`).Error; errMetadata != nil {
		return fmt.Errorf("db: backfill session metadata: %w", errMetadata)
	}
	return nil
}

// backfillLedgerBreakdown normalizes empty ledger breakdowns.
func backfillLedgerBreakdown(conn *gorm.DB) error {
	if errBreakdown := conn.Exec(`
		UPDATE usage_ledgers
		SET breakdown = '{}'
		WHERE breakdown IS NULL
	`).Error; errBreakdown != nil {
		return fmt.Errorf("db: backfill ledger breakdown: %w", errBreakdown)
	}
	return nil
}

// Models lists every migrated model.
func Models() []any {
	return []any{
		&models.User{},
		&models.UsageLedger{},
		&models.ProcessedReceipt{},
		&models.Expense{},
		&models.Session{},
		&models.Setting{},
	}
}
