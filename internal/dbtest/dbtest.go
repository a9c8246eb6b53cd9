// Package dbtest opens migrated SQLite databases for package tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/receiptflow/receiptflow/internal/db"
	"github.com/receiptflow/receiptflow/internal/models"
	"gorm.io/gorm"
)

// Open returns a migrated database backed by a file in t.TempDir.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "receiptflow-test.db")
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

// CreateUser inserts a user on plan and returns it.
func CreateUser(t testing.TB, conn *gorm.DB, channelID string, plan models.PlanType) *models.User {
	t.Helper()
	user := &models.User{
		ChannelID:          channelID,
		Plan:               plan,
		SubscriptionStatus: models.SubscriptionActive,
	}
	if plan == models.PlanTrial {
		user.SubscriptionStatus = models.SubscriptionTrialing
	}
	if errCreate := conn.Create(user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return user
}
