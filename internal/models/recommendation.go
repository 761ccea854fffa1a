package models

import "time"

// Recommendation statuses. A recommendation leaves pending at most once.
const (
	RecommendationPending   = "pending"
	RecommendationAccepted  = "accepted"
	RecommendationRejected  = "rejected"
	RecommendationDismissed = "dismissed"
)

// Recommendation categories.
const (
	RecCategoryCSIMapping    = "csi_mapping"
	RecCategoryNaming        = "naming"
	RecCategoryGrouping      = "grouping"
	RecCategoryMissingItem   = "missing_item"
	RecCategoryInconsistency = "inconsistency"
	RecCategoryOther         = "other"
)

// Recommendation is a proposed change to a version awaiting an action.
type Recommendation struct {
	ID                string  `gorm:"primaryKey;size:36"`
	VersionID         string  `gorm:"size:36;not null;index"`
	ClientID          string  `gorm:"size:36;not null;index"`
	ItemID            *string `gorm:"size:36"`
	Category          string  `gorm:"size:32;not null"`
	Suggestion        string  `gorm:"type:text;not null"`
	SuggestionPayload string  `gorm:"type:json"`
	Status            string  `gorm:"size:16;default:pending;index"`
	ActedBy           string  `gorm:"size:64"`
	ActedNotes        string  `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
