package models

import "time"

// Codebook types.
const (
	CodebookTypeMaterial = "material"
	CodebookTypeActivity = "activity"
	CodebookTypeBidItem  = "bid_item"
)

// Codebook is a named, typed coding scheme owned by a client. The lock
// columns form a leasable exclusive claim used to serialize mutating
// jobs; see internal/lock.
type Codebook struct {
	ID          string `gorm:"primaryKey;size:36"`
	ClientID    string `gorm:"size:36;not null;index"`
	Name        string `gorm:"size:255;not null"`
	Type        string `gorm:"size:16;not null"`
	Description string `gorm:"type:text"`

	LockedBy       string `gorm:"size:64"`
	LockedAt       *time.Time
	LeaseExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time `gorm:"index"`
}

// ValidCodebookType reports whether t is one of the allowed codebook types.
func ValidCodebookType(t string) bool {
	switch t {
	case CodebookTypeMaterial, CodebookTypeActivity, CodebookTypeBidItem:
		return true
	}
	return false
}
