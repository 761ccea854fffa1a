// Package version implements the immutable version store. Versions are
// created, activated and superseded; history is never rewritten.
package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gradeline/codebook/internal/apperr"
	"github.com/gradeline/codebook/internal/audit"
	"github.com/gradeline/codebook/internal/models"
	"gorm.io/gorm"
)

// itemInsertBatch bounds multi-row item inserts.
const itemInsertBatch = 100

// CreateOpts carries the snapshot fields for a new version.
type CreateOpts struct {
	Label           string
	Notes           string
	PromptVersion   string
	AnalysisSummary string
	AnalysisDetails interface{}
	RulesSnapshot   interface{}
	CreatedBy       string
}

// Create inserts a new version with version_number = max(existing)+1 and
// IsActive=false, and attaches copies of the given items. The number is
// assigned inside the transaction; the composite unique index turns a
// concurrent collision into apperr.ErrVersionNumberTaken.
func Create(db *gorm.DB, codebookID, clientID string, items []models.CodebookItem, opts CreateOpts) (*models.CodebookVersion, error) {
	if codebookID == "" {
		return nil, fmt.Errorf("version: codebook ID is required")
	}

	analysisDetails, err := marshalJSON(opts.AnalysisDetails)
	if err != nil {
		return nil, fmt.Errorf("version: marshal analysis details: %w", err)
	}
	rulesSnapshot, err := marshalJSON(opts.RulesSnapshot)
	if err != nil {
		return nil, fmt.Errorf("version: marshal rules snapshot: %w", err)
	}

	var created models.CodebookVersion

	err = db.Transaction(func(tx *gorm.DB) error {
		var maxNumber int
		row := tx.Model(&models.CodebookVersion{}).
			Where("codebook_id = ?", codebookID).
			Select("COALESCE(MAX(version_number), 0)").
			Row()
		if err := row.Scan(&maxNumber); err != nil {
			return fmt.Errorf("scan max version number: %w", err)
		}

		created = models.CodebookVersion{
			ID:              uuid.NewString(),
			CodebookID:      codebookID,
			VersionNumber:   maxNumber + 1,
			Label:           opts.Label,
			Notes:           opts.Notes,
			RulesSnapshot:   rulesSnapshot,
			AnalysisSummary: opts.AnalysisSummary,
			AnalysisDetails: analysisDetails,
			PromptVersion:   opts.PromptVersion,
			IsActive:        false,
			CreatedBy:       opts.CreatedBy,
		}
		if err := tx.Create(&created).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("codebook %s version %d: %w", codebookID, created.VersionNumber, apperr.ErrVersionNumberTaken)
			}
			return fmt.Errorf("create version: %w", err)
		}

		if len(items) == 0 {
			return nil
		}
		copies := make([]models.CodebookItem, len(items))
		for i, item := range items {
			copies[i] = item
			copies[i].ID = uuid.NewString()
			copies[i].VersionID = created.ID
			if copies[i].ClientID == "" {
				copies[i].ClientID = clientID
			}
		}
		if err := tx.CreateInBatches(copies, itemInsertBatch).Error; err != nil {
			return fmt.Errorf("insert %d items: %w", len(copies), err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrVersionNumberTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("version: create for %s: %w", codebookID, err)
	}
	return &created, nil
}

// Activate flips the active flag to the target version within one
// transaction: the previously active version is deactivated and the
// target activated, so no observer ever sees two active versions.
func Activate(db *gorm.DB, codebookID, versionID string) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.CodebookVersion{}).
			Where("codebook_id = ? AND is_active = ?", codebookID, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("deactivate current: %w", err)
		}

		result := tx.Model(&models.CodebookVersion{}).
			Where("id = ? AND codebook_id = ? AND deleted_at IS NULL", versionID, codebookID).
			Update("is_active", true)
		if result.Error != nil {
			return fmt.Errorf("activate target: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("version %s: %w", versionID, apperr.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return fmt.Errorf("version: activate %s: %w", versionID, err)
	}
	return nil
}

// GetActive returns the codebook's active version, or
// apperr.ErrNoActiveVersion when none is active.
func GetActive(db *gorm.DB, codebookID string) (*models.CodebookVersion, error) {
	var v models.CodebookVersion
	err := db.Where("codebook_id = ? AND is_active = ? AND deleted_at IS NULL", codebookID, true).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("codebook %s: %w", codebookID, apperr.ErrNoActiveVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("version: get active for %s: %w", codebookID, err)
	}
	return &v, nil
}

// Get retrieves a version by ID.
func Get(db *gorm.DB, versionID string) (*models.CodebookVersion, error) {
	var v models.CodebookVersion
	err := db.Where("id = ? AND deleted_at IS NULL", versionID).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("version %s: %w", versionID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("version: get %s: %w", versionID, err)
	}
	return &v, nil
}

// List returns a codebook's versions, newest number first.
func List(db *gorm.DB, codebookID string, limit int) ([]models.CodebookVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	var versions []models.CodebookVersion
	err := db.Where("codebook_id = ? AND deleted_at IS NULL", codebookID).
		Order("version_number DESC").Limit(limit).Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("version: list for %s: %w", codebookID, err)
	}
	return versions, nil
}

// Items returns a version's items ordered by code.
func Items(db *gorm.DB, versionID string) ([]models.CodebookItem, error) {
	var items []models.CodebookItem
	if err := db.Where("version_id = ?", versionID).Order("code ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("version: items of %s: %w", versionID, err)
	}
	return items, nil
}

// Revert creates a fresh version carrying a copy of the target version's
// content and activates it. The target version itself is untouched and
// stays retrievable; history is never rewritten.
func Revert(db *gorm.DB, codebookID, targetVersionID, actor string) (*models.CodebookVersion, error) {
	var reverted *models.CodebookVersion

	err := db.Transaction(func(tx *gorm.DB) error {
		target, err := Get(tx, targetVersionID)
		if err != nil {
			return err
		}
		if target.CodebookID != codebookID {
			return fmt.Errorf("version %s does not belong to codebook %s: %w", targetVersionID, codebookID, apperr.ErrNotFound)
		}

		items, err := Items(tx, target.ID)
		if err != nil {
			return err
		}

		var rules, details interface{}
		if target.RulesSnapshot != "" {
			rules = json.RawMessage(target.RulesSnapshot)
		}
		if target.AnalysisDetails != "" {
			details = json.RawMessage(target.AnalysisDetails)
		}

		reverted, err = Create(tx, codebookID, "", items, CreateOpts{
			Label:           fmt.Sprintf("Revert to v%d", target.VersionNumber),
			Notes:           fmt.Sprintf("Content copied from version %d (%s)", target.VersionNumber, target.ID),
			PromptVersion:   target.PromptVersion,
			AnalysisSummary: target.AnalysisSummary,
			AnalysisDetails: details,
			RulesSnapshot:   rules,
			CreatedBy:       actor,
		})
		if err != nil {
			return err
		}

		if err := Activate(tx, codebookID, reverted.ID); err != nil {
			return err
		}
		reverted.IsActive = true

		clientID, err := codebookClientID(tx, codebookID)
		if err != nil {
			return err
		}
		_, err = audit.Append(tx, audit.Entry{
			ClientID:   clientID,
			CodebookID: &codebookID,
			VersionID:  &reverted.ID,
			ActionType: audit.ActionRevert,
			Summary:    fmt.Sprintf("Reverted to version %d as new version %d", target.VersionNumber, reverted.VersionNumber),
			Details: map[string]interface{}{
				"source_version_id":     target.ID,
				"source_version_number": target.VersionNumber,
				"new_version_id":        reverted.ID,
				"new_version_number":    reverted.VersionNumber,
				"item_count":            len(items),
			},
			PerformedBy: actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return reverted, nil
}

// SoftDelete marks a version deleted for compliance. The active version
// is never deletable.
func SoftDelete(db *gorm.DB, versionID string) error {
	v, err := Get(db, versionID)
	if err != nil {
		return err
	}
	if v.IsActive {
		return fmt.Errorf("version %s: %w", versionID, apperr.ErrVersionActive)
	}
	if err := db.Model(&models.CodebookVersion{}).
		Where("id = ?", versionID).
		Update("deleted_at", time.Now()).Error; err != nil {
		return fmt.Errorf("version: delete %s: %w", versionID, err)
	}
	return nil
}

// codebookClientID resolves the owning client for audit attribution.
func codebookClientID(db *gorm.DB, codebookID string) (string, error) {
	var cb models.Codebook
	if err := db.Select("client_id").Where("id = ?", codebookID).First(&cb).Error; err != nil {
		return "", fmt.Errorf("resolve client for codebook %s: %w", codebookID, err)
	}
	return cb.ClientID, nil
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// isDuplicateKey detects unique-index violations across MySQL and SQLite.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}
