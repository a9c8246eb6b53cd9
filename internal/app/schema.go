package app

import (
	"fmt"

	"github.com/receiptflow/receiptflow/internal/db"
	"gorm.io/gorm"
)

// SchemaReady reports whether every table has been migrated.
func SchemaReady(conn *gorm.DB) (bool, error) {
	if conn == nil {
		return false, fmt.Errorf("nil db")
	}
	migrator := conn.Migrator()
	for _, model := range db.Models() {
		if !migrator.HasTable(model) {
			return false, nil
		}
	}
	return true, nil
}
