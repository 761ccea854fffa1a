package models

import "time"

// Item application categories.
const (
	ApplicationSanitarySewer = "sanitary_sewer"
	ApplicationStormSewer    = "storm_sewer"
	ApplicationWater         = "water"
	ApplicationOther         = "other"
)

// CodebookItem belongs to exactly one version. Items are copied, never
// shared, across versions, and are immutable once written. Code is
// unique within its version.
type CodebookItem struct {
	ID            string `gorm:"primaryKey;size:36"`
	VersionID     string `gorm:"size:36;not null;uniqueIndex:idx_version_code"`
	ClientID      string `gorm:"size:36;not null;index"`
	OriginalLabel string `gorm:"size:512;not null"`
	Description   string `gorm:"type:text"`
	Code          string `gorm:"size:64;not null;uniqueIndex:idx_version_code"`
	Application   string `gorm:"size:32"`
	CSIDivision   string `gorm:"size:8"`
	CSISection    string `gorm:"size:16"`
	Metadata      string `gorm:"type:json"`
	CreatedAt     time.Time
}

// ValidApplication reports whether app is a recognized application category.
func ValidApplication(app string) bool {
	switch app {
	case ApplicationSanitarySewer, ApplicationStormSewer, ApplicationWater, ApplicationOther:
		return true
	}
	return false
}
