package models

import "time"

// LLM operation types for usage accounting.
const (
	LLMOpAnalysis       = "analysis"
	LLMOpRefactor       = "refactor"
	LLMOpSearch         = "search"
	LLMOpRecommendation = "recommendation"
	LLMOpOther          = "other"
)

// LLMUsage records one LLM call for cost accounting.
type LLMUsage struct {
	ID            uint    `gorm:"primaryKey;autoIncrement"`
	ClientID      string  `gorm:"size:36;not null;index"`
	JobID         *string `gorm:"size:36;index"`
	OperationType string  `gorm:"size:32;not null"`
	ModelName     string  `gorm:"size:64;not null"`
	TokensInput   int
	TokensOutput  int
	TokensTotal   int
	CostUSD       float64
	LatencyMS     int64
	CreatedAt     time.Time
}
