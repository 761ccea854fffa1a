// Package queue implements the persistent job queue: a DB table claimed
// by polling workers through conditional updates. The abstraction is
// enqueue/claim/complete/fail/cancel so a push-based broker could be
// substituted without touching handler code.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gradeline/codebook/internal/alert"
	"github.com/gradeline/codebook/internal/apperr"
	"github.com/gradeline/codebook/internal/lock"
	"github.com/gradeline/codebook/internal/models"
	"gorm.io/gorm"
)

// Defaults for the retry machinery.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 2 * time.Second
)

// Options configures a Queue.
type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	Alerter     alert.Alerter
	// LeaseTTL returns the lock lease duration for a mutating job type.
	LeaseTTL func(jobType string) time.Duration
}

// Queue is the persistent job queue.
type Queue struct {
	db          *gorm.DB
	maxRetries  int
	backoffBase time.Duration
	alerter     alert.Alerter
	leaseTTL    func(string) time.Duration
}

// New creates a Queue over db.
func New(db *gorm.DB, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.Alerter == nil {
		opts.Alerter = alert.LogAlerter{}
	}
	if opts.LeaseTTL == nil {
		opts.LeaseTTL = func(string) time.Duration { return lock.DefaultTTL }
	}
	return &Queue{
		db:          db,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		alerter:     opts.Alerter,
		leaseTTL:    opts.LeaseTTL,
	}
}

// DB exposes the underlying handle for handlers running store mutations.
func (q *Queue) DB() *gorm.DB { return q.db }

// MaxRetries returns the configured retry budget.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// EnqueueParams describes a job to enqueue.
type EnqueueParams struct {
	ClientID   string
	CodebookID *string
	JobType    string
	Payload    interface{}
	CreatedBy  string
}

// mutating reports whether a job type mutates codebook structure and
// therefore requires the codebook lock.
func mutating(jobType string) bool {
	switch jobType {
	case models.JobInitialAnalysis, models.JobRefactor, models.JobBulkUpload:
		return true
	}
	return false
}

// Enqueue creates a job in pending and returns it. For mutating job
// types targeting an existing codebook, the codebook lock is acquired
// here, owned by the job ID; a held lock rejects the request with a
// conflict before any job row exists. The lease is released on every
// terminal transition.
func (q *Queue) Enqueue(p EnqueueParams) (*models.Job, error) {
	if p.ClientID == "" {
		return nil, fmt.Errorf("queue: client ID is required")
	}
	if !models.ValidJobType(p.JobType) {
		return nil, fmt.Errorf("queue: unknown job type %q", p.JobType)
	}

	payload := ""
	if p.Payload != nil {
		data, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal payload: %w", err)
		}
		payload = string(data)
	}

	jobID := uuid.NewString()

	locked := false
	if mutating(p.JobType) && p.CodebookID != nil {
		if err := lock.Acquire(q.db, *p.CodebookID, jobID, q.leaseTTL(p.JobType)); err != nil {
			return nil, err
		}
		locked = true
	}

	job := models.Job{
		ID:         jobID,
		ClientID:   p.ClientID,
		CodebookID: p.CodebookID,
		JobType:    p.JobType,
		Status:     models.JobPending,
		Payload:    payload,
		CreatedBy:  p.CreatedBy,
	}
	if err := q.db.Create(&job).Error; err != nil {
		if locked {
			if relErr := lock.Release(q.db, *p.CodebookID, jobID); relErr != nil {
				log.Printf("queue: release lock after failed enqueue: %v", relErr)
			}
		}
		return nil, fmt.Errorf("queue: enqueue %s: %w", p.JobType, err)
	}
	return &job, nil
}

// Get retrieves a job by ID.
func (q *Queue) Get(jobID string) (*models.Job, error) {
	var job models.Job
	err := q.db.Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("queue: job %s: %w", jobID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get job %s: %w", jobID, err)
	}
	return &job, nil
}

// Claim selects up to limit claimable pending jobs in creation order and
// attempts a conditional pending→running transition on each. A zero-row
// update means another worker won the race and the job is skipped, so
// exactly one worker ever runs a given job. Jobs flagged for
// cancellation before being claimed go straight to cancelled.
func (q *Queue) Claim(limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now()

	var candidates []models.Job
	err := q.db.Where("status = ? AND (not_before IS NULL OR not_before <= ?)", models.JobPending, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("queue: find pending jobs: %w", err)
	}

	var claimed []models.Job
	for _, job := range candidates {
		if job.CancelRequested {
			if err := q.finishCancelled(job.ID); err != nil {
				log.Printf("queue: cancel pending job %s: %v", job.ID, err)
			}
			continue
		}

		result := q.db.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobPending).
			Updates(map[string]interface{}{
				"status":     models.JobRunning,
				"started_at": now,
			})
		if result.Error != nil {
			return claimed, fmt.Errorf("queue: claim job %s: %w", job.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			// Another worker won the race.
			continue
		}

		job.Status = models.JobRunning
		startedAt := now
		job.StartedAt = &startedAt
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// Progress updates a running job's progress percentage. This is the
// only sanctioned high-frequency mutation on a running job.
func (q *Queue) Progress(jobID string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	result := q.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobRunning).
		Update("progress", pct)
	if result.Error != nil {
		return fmt.Errorf("queue: progress job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: progress job %s: job is not running", jobID)
	}
	return nil
}

// Complete transitions a running job to completed with a result payload
// and releases its codebook lease.
func (q *Queue) Complete(jobID string, result interface{}) error {
	payload := ""
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("queue: marshal result: %w", err)
		}
		payload = string(data)
	}

	res := q.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobRunning).
		Updates(map[string]interface{}{
			"status":       models.JobCompleted,
			"progress":     100,
			"result":       payload,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("queue: complete job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("queue: complete job %s: job is not running", jobID)
	}
	q.releaseJobLease(jobID)
	return nil
}

// Fail records a handler failure on a running job. Transient errors
// within the retry budget send the job back to pending with exponential
// backoff (2s, 4s, 8s); retry exhaustion and permanent errors fail the
// job, and exhaustion additionally writes a dead-letter record and
// raises an operator alert. A cancellation error ends the job as
// cancelled instead.
func (q *Queue) Fail(jobID string, jobErr error) error {
	if jobErr == nil {
		return fmt.Errorf("queue: fail job %s: nil error", jobID)
	}
	if errors.Is(jobErr, context.Canceled) {
		return q.finishCancelled(jobID)
	}

	job, err := q.Get(jobID)
	if err != nil {
		return err
	}

	if apperr.IsTransient(jobErr) && job.RetryCount < q.maxRetries {
		delay := q.backoffBase << job.RetryCount
		result := q.db.Model(&models.Job{}).
			Where("id = ? AND status = ?", jobID, models.JobRunning).
			Updates(map[string]interface{}{
				"status":      models.JobPending,
				"retry_count": job.RetryCount + 1,
				"not_before":  time.Now().Add(delay),
				"error":       jobErr.Error(),
				"started_at":  nil,
			})
		if result.Error != nil {
			return fmt.Errorf("queue: requeue job %s: %w", jobID, result.Error)
		}
		if result.RowsAffected == 0 {
			log.Printf("queue: requeue job %s: job is not running", jobID)
		}
		return nil
	}

	exhausted := apperr.IsTransient(jobErr)

	err = q.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", jobID, models.JobRunning).
			Updates(map[string]interface{}{
				"status":       models.JobFailed,
				"error":        jobErr.Error(),
				"completed_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			log.Printf("queue: fail job %s: job is not running", jobID)
			return nil
		}
		if exhausted {
			dl := models.DeadLetter{
				JobID:      job.ID,
				ClientID:   job.ClientID,
				CodebookID: job.CodebookID,
				JobType:    job.JobType,
				Error:      jobErr.Error(),
				RetryCount: job.RetryCount,
			}
			if err := tx.Create(&dl).Error; err != nil {
				return fmt.Errorf("write dead letter: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: fail job %s: %w", jobID, err)
	}

	q.releaseJobLease(jobID)

	if exhausted {
		detail := fmt.Sprintf("job %s (%s) exhausted %d retries: %v", job.ID, job.JobType, job.RetryCount, jobErr)
		if err := q.alerter.Alert(context.Background(), "Job moved to dead letter", detail); err != nil {
			log.Printf("queue: dead-letter alert for %s: %v", job.ID, err)
		}
	}
	return nil
}

// RequestCancel cancels a job cooperatively. A pending job transitions
// straight to cancelled; a running job gets its cancellation flag set
// and the handler aborts at the next batch boundary. Terminal jobs are
// rejected with a conflict.
func (q *Queue) RequestCancel(jobID string) error {
	job, err := q.Get(jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobPending:
		result := q.db.Model(&models.Job{}).
			Where("id = ? AND status = ?", jobID, models.JobPending).
			Updates(map[string]interface{}{
				"status":           models.JobCancelled,
				"cancel_requested": true,
				"completed_at":     time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("queue: cancel job %s: %w", jobID, result.Error)
		}
		if result.RowsAffected == 0 {
			// Claimed between read and update; fall back to the running path.
			return q.RequestCancel(jobID)
		}
		q.releaseJobLease(jobID)
		return nil

	case models.JobRunning:
		result := q.db.Model(&models.Job{}).
			Where("id = ? AND status = ?", jobID, models.JobRunning).
			Update("cancel_requested", true)
		if result.Error != nil {
			return fmt.Errorf("queue: flag cancel on job %s: %w", jobID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("queue: job %s: %w", jobID, apperr.ErrJobNotCancellable)
		}
		return nil

	default:
		return fmt.Errorf("queue: job %s is %s: %w", jobID, job.Status, apperr.ErrJobNotCancellable)
	}
}

// CancelRequested reports whether cancellation has been requested for a
// job. Handlers poll this at batch boundaries.
func (q *Queue) CancelRequested(jobID string) (bool, error) {
	job, err := q.Get(jobID)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// FinishCancelled transitions a running job to cancelled after its
// handler aborted at a checkpoint, releasing the codebook lease.
func (q *Queue) FinishCancelled(jobID string) error {
	return q.finishCancelled(jobID)
}

func (q *Queue) finishCancelled(jobID string) error {
	result := q.db.Model(&models.Job{}).
		Where("id = ? AND status IN ?", jobID, []string{models.JobPending, models.JobRunning}).
		Updates(map[string]interface{}{
			"status":       models.JobCancelled,
			"completed_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("queue: finish cancelled job %s: %w", jobID, result.Error)
	}
	q.releaseJobLease(jobID)
	return nil
}

// ReapStale hands running jobs whose lease horizon has passed back to
// the retry machinery. A live worker fails its own job at the execution
// timeout, so anything still running past the lease horizon belongs to
// a worker that died; the timeout failure is transient, so the job
// requeues with backoff or dead-letters on an exhausted budget.
func (q *Queue) ReapStale() (int, error) {
	var running []models.Job
	err := q.db.Where("status = ? AND started_at IS NOT NULL", models.JobRunning).
		Find(&running).Error
	if err != nil {
		return 0, fmt.Errorf("queue: find running jobs: %w", err)
	}

	now := time.Now()
	reaped := 0
	for i := range running {
		job := &running[i]
		horizon := q.leaseTTL(job.JobType)
		if now.Before(job.StartedAt.Add(horizon)) {
			continue
		}
		staleErr := fmt.Errorf("queue: job %s (%s) abandoned after %s: %w", job.ID, job.JobType, horizon, apperr.ErrJobTimeout)
		if err := q.Fail(job.ID, staleErr); err != nil {
			log.Printf("queue: reap stale job %s: %v", job.ID, err)
			continue
		}
		reaped++

		// A requeued mutating job may have had its lease reaped along
		// with its worker; re-establish it so the retry runs locked.
		requeued, err := q.Get(job.ID)
		if err != nil || requeued.Status != models.JobPending {
			continue
		}
		if mutating(job.JobType) && job.CodebookID != nil {
			if err := lock.Acquire(q.db, *job.CodebookID, job.ID, horizon); err != nil {
				log.Printf("queue: relock codebook for stale job %s: %v", job.ID, err)
			}
		}
	}
	return reaped, nil
}

// DeadLetters returns recent dead-letter records, newest first.
func (q *Queue) DeadLetters(limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	var letters []models.DeadLetter
	if err := q.db.Order("created_at DESC").Limit(limit).Find(&letters).Error; err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	return letters, nil
}

// releaseJobLease releases the codebook lock owned by a job, if any.
// Best-effort: the reaper recovers anything missed here.
func (q *Queue) releaseJobLease(jobID string) {
	job, err := q.Get(jobID)
	if err != nil {
		log.Printf("queue: release lease for %s: %v", jobID, err)
		return
	}
	if !mutating(job.JobType) || job.CodebookID == nil {
		return
	}
	if err := lock.Release(q.db, *job.CodebookID, job.ID); err != nil {
		log.Printf("queue: release lease for %s: %v", jobID, err)
	}
}
