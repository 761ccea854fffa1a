package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gradeline/codebook/internal/apperr"
	"github.com/gradeline/codebook/internal/audit"
	"github.com/gradeline/codebook/internal/models"
	"github.com/gradeline/codebook/internal/queue"
	"github.com/gradeline/codebook/internal/recommendation"
	"github.com/gradeline/codebook/internal/version"
	"gorm.io/gorm"
)

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, db *gorm.DB, q *queue.Queue) {
	router.GET("/healthz", handleHealth(db))

	api := router.Group("/api")

	api.POST("/jobs", handleEnqueueJob(q))
	api.GET("/jobs/:id", handleGetJob(q))
	api.POST("/jobs/:id/cancel", handleCancelJob(q))
	api.GET("/dead-letters", handleDeadLetters(q))

	api.POST("/codebooks", handleCreateCodebook(db))
	api.GET("/codebooks/:id", handleGetCodebook(db))
	api.GET("/codebooks/:id/versions", handleListVersions(db))
	api.GET("/codebooks/:id/versions/active", handleActiveVersion(db))
	api.POST("/codebooks/:id/analyze", handleEnqueueForCodebook(q, models.JobInitialAnalysis))
	api.POST("/codebooks/:id/upload", handleEnqueueForCodebook(q, models.JobBulkUpload))
	api.POST("/codebooks/:id/refactor", handleEnqueueForCodebook(q, models.JobRefactor))
	api.POST("/codebooks/:id/revert", handleRevert(db))

	api.GET("/versions/:id/items", handleVersionItems(db))
	api.GET("/versions/:id/recommendations", handleListRecommendations(db))
	api.DELETE("/versions/:id", handleDeleteVersion(db))

	api.POST("/recommendations/:id/accept", handleRecommendationAction(db, q, recommendation.ActionAccept))
	api.POST("/recommendations/:id/reject", handleRecommendationAction(db, q, recommendation.ActionReject))
	api.POST("/recommendations/:id/dismiss", handleRecommendationAction(db, q, recommendation.ActionDismiss))
	api.POST("/recommendations/batch", handleBatchRecommendations(db, q))

	api.GET("/audit", handleAuditList(db))
}

// abortError maps store errors onto HTTP statuses: not-found is 404,
// conflicts are 409, everything else is 500.
func abortError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case apperr.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type enqueueRequest struct {
	ClientID   string      `json:"client_id" binding:"required"`
	CodebookID *string     `json:"codebook_id"`
	JobType    string      `json:"job_type" binding:"required"`
	Payload    interface{} `json:"payload"`
	CreatedBy  string      `json:"created_by"`
}

func handleEnqueueJob(q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req enqueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job, err := q.Enqueue(queue.EnqueueParams{
			ClientID:   req.ClientID,
			CodebookID: req.CodebookID,
			JobType:    req.JobType,
			Payload:    req.Payload,
			CreatedBy:  req.CreatedBy,
		})
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

type codebookJobRequest struct {
	ClientID  string      `json:"client_id" binding:"required"`
	Payload   interface{} `json:"payload"`
	CreatedBy string      `json:"created_by"`
}

// handleEnqueueForCodebook enqueues a fixed job type against the
// codebook in the URL. A held lock surfaces as 409 before any job row
// exists.
func handleEnqueueForCodebook(q *queue.Queue, jobType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req codebookJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		codebookID := c.Param("id")
		job, err := q.Enqueue(queue.EnqueueParams{
			ClientID:   req.ClientID,
			CodebookID: &codebookID,
			JobType:    jobType,
			Payload:    req.Payload,
			CreatedBy:  req.CreatedBy,
		})
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

func handleGetJob(q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := q.Get(c.Param("id"))
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func handleCancelJob(q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := q.RequestCancel(c.Param("id")); err != nil {
			abortError(c, err)
			return
		}
		job, err := q.Get(c.Param("id"))
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func handleDeadLetters(q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		letters, err := q.DeadLetters(0)
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dead_letters": letters})
	}
}

type createCodebookRequest struct {
	ClientID    string `json:"client_id" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Type        string `json:"type" binding:"required"`
	Description string `json:"description"`
}

func handleCreateCodebook(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createCodebookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !models.ValidCodebookType(req.Type) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown codebook type " + req.Type})
			return
		}
		cb := models.Codebook{
			ID:          uuid.NewString(),
			ClientID:    req.ClientID,
			Name:        req.Name,
			Type:        req.Type,
			Description: req.Description,
		}
		if err := db.Create(&cb).Error; err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusCreated, cb)
	}
}

func handleGetCodebook(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var cb models.Codebook
		err := db.Where("id = ? AND deleted_at IS NULL", c.Param("id")).First(&cb).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "codebook not found"})
			return
		}
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, cb)
	}
}

func handleListVersions(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		versions, err := version.List(db, c.Param("id"), 0)
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"versions": versions})
	}
}

func handleActiveVersion(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := version.GetActive(db, c.Param("id"))
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

type revertRequest struct {
	VersionID string `json:"version_id" binding:"required"`
	Actor     string `json:"actor"`
}

func handleRevert(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req revertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		v, err := version.Revert(db, c.Param("id"), req.VersionID, req.Actor)
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, v)
	}
}

func handleVersionItems(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := version.Items(db, c.Param("id"))
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func handleDeleteVersion(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := version.SoftDelete(db, c.Param("id")); err != nil {
			abortError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleListRecommendations(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		recs, err := recommendation.List(db, c.Param("id"), c.Query("status"), 0)
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"recommendations": recs})
	}
}

type recommendationActionRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

func handleRecommendationAction(db *gorm.DB, q *queue.Queue, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recommendationActionRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, job, err := recommendation.Act(db, q, c.Param("id"), action, req.Actor, req.Notes)
		if err != nil {
			abortError(c, err)
			return
		}
		resp := gin.H{"recommendation": rec}
		if job != nil {
			resp["job"] = job
		}
		c.JSON(http.StatusOK, resp)
	}
}

type batchActionRequest struct {
	IDs    []string `json:"ids" binding:"required"`
	Action string   `json:"action" binding:"required"`
	Actor  string   `json:"actor"`
	Notes  string   `json:"notes"`
}

// handleBatchRecommendations applies one action to many
// recommendations, continue-on-error, reporting a per-ID outcome.
func handleBatchRecommendations(db *gorm.DB, q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req batchActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		results := recommendation.BatchAct(db, q, req.IDs, req.Action, req.Actor, req.Notes)
		out := make([]gin.H, len(results))
		for i, r := range results {
			entry := gin.H{"id": r.ID}
			if r.Err != nil {
				entry["error"] = r.Err.Error()
			} else {
				entry["recommendation"] = r.Rec
				if r.Job != nil {
					entry["job"] = r.Job
				}
			}
			out[i] = entry
		}
		c.JSON(http.StatusOK, gin.H{"results": out})
	}
}

func handleAuditList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.Query("client_id")
		if clientID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
			return
		}
		entries, err := audit.List(db, clientID, audit.ListFilters{
			CodebookID: c.Query("codebook_id"),
			ActionType: c.Query("action_type"),
		})
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}
