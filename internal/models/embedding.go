package models

import "time"

// ItemEmbedding links a codebook item to its vector in the external
// index, so vectors can be cleaned up when versions are purged.
type ItemEmbedding struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ClientID       string `gorm:"size:36;not null;index"`
	ItemID         string `gorm:"size:36;not null;uniqueIndex"`
	VectorID       string `gorm:"size:64;not null"`
	EmbeddingModel string `gorm:"size:64"`
	CreatedAt      time.Time
}
