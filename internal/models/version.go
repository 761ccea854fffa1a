package models

import "time"

// CodebookVersion is an immutable snapshot of a codebook's items, rules
// and analysis. Version numbers are strictly increasing per codebook;
// the composite unique index backstops concurrent creation races. At
// most one version per codebook has IsActive=true.
type CodebookVersion struct {
	ID              string `gorm:"primaryKey;size:36"`
	CodebookID      string `gorm:"size:36;not null;uniqueIndex:idx_codebook_version_number"`
	VersionNumber   int    `gorm:"not null;uniqueIndex:idx_codebook_version_number"`
	Label           string `gorm:"size:255"`
	Notes           string `gorm:"size:2000"`
	RulesSnapshot   string `gorm:"type:json"`
	AnalysisSummary string `gorm:"type:text"`
	AnalysisDetails string `gorm:"type:json"`
	PromptVersion   string `gorm:"size:32"`
	IsActive        bool   `gorm:"index"`
	CreatedBy       string `gorm:"size:64"`
	CreatedAt       time.Time
	DeletedAt       *time.Time `gorm:"index"`
}
