package models

import "time"

// Rule is a named JSON ruleset, scoped to one codebook when CodebookID
// is set or global to the client otherwise. Versions reference rules by
// value (RulesSnapshot), never by live reference.
type Rule struct {
	ID         string  `gorm:"primaryKey;size:36"`
	ClientID   string  `gorm:"size:36;not null;index"`
	CodebookID *string `gorm:"size:36;index"`
	Name       string  `gorm:"size:255;not null"`
	IsActive   bool    `gorm:"default:true"`
	RulesJSON  string  `gorm:"type:json;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
