// Package recommendation tracks the proposal lifecycle: LLM-generated
// suggestions start pending and are accepted, rejected or dismissed
// exactly once.
package recommendation

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gradeline/codebook/internal/apperr"
	"github.com/gradeline/codebook/internal/audit"
	"github.com/gradeline/codebook/internal/models"
	"github.com/gradeline/codebook/internal/queue"
	"gorm.io/gorm"
)

// Actions accepted by Act.
const (
	ActionAccept  = "accept"
	ActionReject  = "reject"
	ActionDismiss = "dismiss"
)

// actionStatus maps an action to the terminal status it produces.
func actionStatus(action string) (string, error) {
	switch action {
	case ActionAccept:
		return models.RecommendationAccepted, nil
	case ActionReject:
		return models.RecommendationRejected, nil
	case ActionDismiss:
		return models.RecommendationDismissed, nil
	}
	return "", fmt.Errorf("recommendation: unknown action %q", action)
}

// CreateParams describes a new recommendation.
type CreateParams struct {
	VersionID         string
	ClientID          string
	ItemID            *string
	Category          string
	Suggestion        string
	SuggestionPayload string
}

// Create inserts a pending recommendation.
func Create(db *gorm.DB, p CreateParams) (*models.Recommendation, error) {
	if p.VersionID == "" || p.ClientID == "" {
		return nil, fmt.Errorf("recommendation: version ID and client ID are required")
	}
	if p.Suggestion == "" {
		return nil, fmt.Errorf("recommendation: suggestion text is required")
	}
	if p.Category == "" {
		p.Category = models.RecCategoryOther
	}

	rec := models.Recommendation{
		ID:                uuid.NewString(),
		VersionID:         p.VersionID,
		ClientID:          p.ClientID,
		ItemID:            p.ItemID,
		Category:          p.Category,
		Suggestion:        p.Suggestion,
		SuggestionPayload: p.SuggestionPayload,
		Status:            models.RecommendationPending,
	}
	if err := db.Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("recommendation: create: %w", err)
	}
	return &rec, nil
}

// Get retrieves a recommendation by ID.
func Get(db *gorm.DB, id string) (*models.Recommendation, error) {
	var rec models.Recommendation
	err := db.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("recommendation %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("recommendation: get %s: %w", id, err)
	}
	return &rec, nil
}

// List returns a version's recommendations, newest first, optionally
// filtered by status.
func List(db *gorm.DB, versionID, status string, limit int) ([]models.Recommendation, error) {
	if limit <= 0 {
		limit = 50
	}
	q := db.Where("version_id = ?", versionID).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var recs []models.Recommendation
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("recommendation: list for %s: %w", versionID, err)
	}
	return recs, nil
}

// Act applies a terminal action to a pending recommendation via a
// conditional update; a zero-row update means another actor got there
// first and surfaces as apperr.ErrAlreadyActed with state unchanged.
// Accepting a recommendation that carries a structural payload enqueues
// a follow-on refactor job instead of mutating the current version; the
// enqueued job (if any) is returned alongside the recommendation.
func Act(db *gorm.DB, q *queue.Queue, id, action, actor, notes string) (*models.Recommendation, *models.Job, error) {
	status, err := actionStatus(action)
	if err != nil {
		return nil, nil, err
	}

	var rec *models.Recommendation
	var codebookID string
	err = db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Recommendation{}).
			Where("id = ? AND status = ?", id, models.RecommendationPending).
			Updates(map[string]interface{}{
				"status":      status,
				"acted_by":    actor,
				"acted_notes": notes,
				"updated_at":  time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("apply action: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			existing, err := Get(tx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("recommendation %s is %s: %w", id, existing.Status, apperr.ErrAlreadyActed)
		}

		rec, err = Get(tx, id)
		if err != nil {
			return err
		}

		codebookID, err = versionCodebookID(tx, rec.VersionID)
		if err != nil {
			return err
		}
		_, err = audit.Append(tx, audit.Entry{
			ClientID:   rec.ClientID,
			CodebookID: &codebookID,
			VersionID:  &rec.VersionID,
			ActionType: audit.ActionRecommendationApplied,
			Summary:    fmt.Sprintf("Recommendation %s %s by %s", rec.ID, status, actor),
			Details: map[string]interface{}{
				"recommendation_id": rec.ID,
				"category":          rec.Category,
				"action":            action,
				"notes":             notes,
			},
			PerformedBy: actor,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	// Structural acceptances become a micro-refactor job so the current
	// version is never mutated in place.
	var followOn *models.Job
	if status == models.RecommendationAccepted && rec.SuggestionPayload != "" && q != nil {
		followOn, err = q.Enqueue(queue.EnqueueParams{
			ClientID:   rec.ClientID,
			CodebookID: &codebookID,
			JobType:    models.JobRefactor,
			Payload: map[string]interface{}{
				"recommendation_id": rec.ID,
				"source":            "recommendation_accept",
			},
			CreatedBy: actor,
		})
		if err != nil {
			// The acceptance stands; the follow-on can be retried once the
			// conflicting job finishes.
			log.Printf("recommendation: follow-on refactor for %s: %v", rec.ID, err)
			followOn = nil
		}
	}
	return rec, followOn, nil
}

// ActResult is the per-ID outcome of BatchAct.
type ActResult struct {
	ID    string
	Rec   *models.Recommendation
	Job   *models.Job
	Err   error
}

// BatchAct applies the action to each ID independently,
// continue-on-error, returning one result per ID in input order.
func BatchAct(db *gorm.DB, q *queue.Queue, ids []string, action, actor, notes string) []ActResult {
	results := make([]ActResult, 0, len(ids))
	for _, id := range ids {
		rec, job, err := Act(db, q, id, action, actor, notes)
		results = append(results, ActResult{ID: id, Rec: rec, Job: job, Err: err})
	}
	return results
}

// versionCodebookID resolves the codebook owning a version.
func versionCodebookID(db *gorm.DB, versionID string) (string, error) {
	var v models.CodebookVersion
	if err := db.Select("codebook_id").Where("id = ?", versionID).First(&v).Error; err != nil {
		return "", fmt.Errorf("resolve codebook for version %s: %w", versionID, err)
	}
	return v.CodebookID, nil
}
