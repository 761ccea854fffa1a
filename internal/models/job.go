package models

import "time"

// Job types.
const (
	JobInitialAnalysis = "initial_analysis"
	JobRefactor        = "refactor"
	JobBulkUpload      = "bulk_upload"
	JobSemanticSearch  = "semantic_search"
	JobExport          = "export"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job is the unit of asynchronous work. Workers claim pending jobs via
// a conditional pending→running update; NotBefore delays re-delivery of
// retried jobs; CancelRequested is the cooperative cancellation flag
// checked by handlers at batch boundaries.
type Job struct {
	ID              string  `gorm:"primaryKey;size:36"`
	ClientID        string  `gorm:"size:36;not null;index"`
	CodebookID      *string `gorm:"size:36;index"`
	JobType         string  `gorm:"size:32;not null"`
	Status          string  `gorm:"size:16;default:pending;index"`
	Progress        int     `gorm:"default:0"`
	Payload         string  `gorm:"type:json"`
	Result          string  `gorm:"type:json"`
	Error           string  `gorm:"type:text"`
	RetryCount      int     `gorm:"default:0"`
	NotBefore       *time.Time `gorm:"index"`
	CancelRequested bool
	CreatedBy       string `gorm:"size:64"`
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// ValidJobType reports whether t is a known job type.
func ValidJobType(t string) bool {
	switch t {
	case JobInitialAnalysis, JobRefactor, JobBulkUpload, JobSemanticSearch, JobExport:
		return true
	}
	return false
}

// DeadLetter records a job that exhausted its retry budget, kept for
// manual inspection. Never updated after creation.
type DeadLetter struct {
	ID         uint    `gorm:"primaryKey;autoIncrement"`
	JobID      string  `gorm:"size:36;not null;index"`
	ClientID   string  `gorm:"size:36;not null"`
	CodebookID *string `gorm:"size:36"`
	JobType    string  `gorm:"size:32;not null"`
	Error      string  `gorm:"type:text"`
	RetryCount int
	CreatedAt  time.Time
}
