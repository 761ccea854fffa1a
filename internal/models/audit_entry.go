package models

import "time"

// AuditEntry is an append-only record of a state change. There is no
// update or delete path anywhere in the codebase; rows only accumulate.
type AuditEntry struct {
	ID            string  `gorm:"primaryKey;size:36"`
	ClientID      string  `gorm:"size:36;not null;index"`
	CodebookID    *string `gorm:"size:36;index"`
	VersionID     *string `gorm:"size:36"`
	ActionType    string  `gorm:"size:32;not null;index"`
	Summary       string  `gorm:"size:1024;not null"`
	Details       string  `gorm:"type:json"`
	PerformedBy   string  `gorm:"size:64"`
	LLMTokensUsed int
	CreatedAt     time.Time
}
