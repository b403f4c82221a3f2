package db

import (
	"fmt"

	"github.com/zulandar/parlor/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model parlor migrates.
func AllModels() []interface{} {
	return []interface{}{
		&models.SessionRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
