package db

import (
	"fmt"

	"github.com/gradeline/codebook/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Client{},
		&models.Codebook{},
		&models.CodebookVersion{},
		&models.CodebookItem{},
		&models.Rule{},
		&models.Recommendation{},
		&models.Job{},
		&models.DeadLetter{},
		&models.AuditEntry{},
		&models.LLMUsage{},
		&models.ItemEmbedding{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
