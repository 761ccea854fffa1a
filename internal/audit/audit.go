// Package audit provides the append-only audit log. Entries are written
// in the same transaction as the mutation they describe; there is no
// update or delete operation.
package audit

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gradeline/codebook/internal/models"
	"gorm.io/gorm"
)

// Audit action types.
const (
	ActionInitialImport         = "initial_import"
	ActionRuleUpdate            = "rule_update"
	ActionVersionCreated        = "version_created"
	ActionRecommendationApplied = "recommendation_applied"
	ActionRevert                = "revert"
	ActionItemsAdded            = "items_added"
	ActionItemsUpdated          = "items_updated"
	ActionRefactorStarted       = "refactor_started"
	ActionRefactorCompleted     = "refactor_completed"
	ActionLockRecovered         = "lock_recovered"
)

// Entry describes one audit record to append. Details may be any
// JSON-marshalable value.
type Entry struct {
	ClientID    string
	CodebookID  *string
	VersionID   *string
	ActionType  string
	Summary     string
	Details     interface{}
	PerformedBy string
	TokensUsed  int
}

// Append writes one audit entry and returns its ID. The db handle may
// be a transaction, in which case the entry commits or rolls back with
// the primary mutation.
func Append(db *gorm.DB, e Entry) (string, error) {
	if e.ClientID == "" {
		return "", fmt.Errorf("audit: client ID is required")
	}
	if e.ActionType == "" {
		return "", fmt.Errorf("audit: action type is required")
	}
	if e.Summary == "" {
		return "", fmt.Errorf("audit: summary is required")
	}

	details := ""
	if e.Details != nil {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return "", fmt.Errorf("audit: marshal details: %w", err)
		}
		details = string(data)
	}

	entry := models.AuditEntry{
		ID:            uuid.NewString(),
		ClientID:      e.ClientID,
		CodebookID:    e.CodebookID,
		VersionID:     e.VersionID,
		ActionType:    e.ActionType,
		Summary:       e.Summary,
		Details:       details,
		PerformedBy:   e.PerformedBy,
		LLMTokensUsed: e.TokensUsed,
	}
	if err := db.Create(&entry).Error; err != nil {
		return "", fmt.Errorf("audit: append: %w", err)
	}
	return entry.ID, nil
}

// ListFilters narrows List results.
type ListFilters struct {
	CodebookID string
	ActionType string
	Limit      int
}

// List returns recent entries for a client, newest first.
func List(db *gorm.DB, clientID string, f ListFilters) ([]models.AuditEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	q := db.Where("client_id = ?", clientID).Order("created_at DESC").Limit(f.Limit)
	if f.CodebookID != "" {
		q = q.Where("codebook_id = ?", f.CodebookID)
	}
	if f.ActionType != "" {
		q = q.Where("action_type = ?", f.ActionType)
	}
	var entries []models.AuditEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	return entries, nil
}
