// Package lock implements the leasable per-codebook exclusive lock that
// serializes mutating jobs. A lease carries an expiry; crashed owners
// are recovered by the reaper rather than blocking the codebook forever.
package lock

import (
	"errors"
	"fmt"
	"time"

	"github.com/gradeline/codebook/internal/apperr"
	"github.com/gradeline/codebook/internal/audit"
	"github.com/gradeline/codebook/internal/models"
	"gorm.io/gorm"
)

// DefaultTTL is used when a caller does not supply a lease duration.
const DefaultTTL = 10 * time.Minute

// Acquire claims the codebook lock for owner with the given lease TTL.
// The claim is a single conditional update: it succeeds when the lock is
// free, already held by this owner, or held under an expired lease.
// A held lock surfaces as apperr.ErrLockHeld (a conflict, not a job
// failure).
func Acquire(db *gorm.DB, codebookID, owner string, ttl time.Duration) error {
	if owner == "" {
		return fmt.Errorf("lock: owner is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	expires := now.Add(ttl)

	result := db.Model(&models.Codebook{}).
		Where("id = ? AND deleted_at IS NULL", codebookID).
		Where("locked_by = ? OR locked_by = ? OR lease_expires_at < ?", "", owner, now).
		Updates(map[string]interface{}{
			"locked_by":        owner,
			"locked_at":        now,
			"lease_expires_at": expires,
		})
	if result.Error != nil {
		return fmt.Errorf("lock: acquire %s: %w", codebookID, result.Error)
	}
	if result.RowsAffected == 0 {
		var cb models.Codebook
		err := db.Where("id = ? AND deleted_at IS NULL", codebookID).First(&cb).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lock: codebook %s: %w", codebookID, apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock: acquire %s: %w", codebookID, err)
		}
		return fmt.Errorf("lock: codebook %s held by %s: %w", codebookID, cb.LockedBy, apperr.ErrLockHeld)
	}
	return nil
}

// Release clears the lock if owner still holds it. Releasing a lock the
// owner no longer holds is a no-op: the reaper may have already
// recovered it.
func Release(db *gorm.DB, codebookID, owner string) error {
	result := db.Model(&models.Codebook{}).
		Where("id = ? AND locked_by = ?", codebookID, owner).
		Updates(map[string]interface{}{
			"locked_by":        "",
			"locked_at":        nil,
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("lock: release %s: %w", codebookID, result.Error)
	}
	return nil
}

// Renew extends the lease for owner. It fails with apperr.ErrLeaseExpired
// when the lease has already lapsed or the lock changed hands.
func Renew(db *gorm.DB, codebookID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	result := db.Model(&models.Codebook{}).
		Where("id = ? AND locked_by = ? AND lease_expires_at >= ?", codebookID, owner, now).
		Update("lease_expires_at", now.Add(ttl))
	if result.Error != nil {
		return fmt.Errorf("lock: renew %s: %w", codebookID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("lock: renew %s for %s: %w", codebookID, owner, apperr.ErrLeaseExpired)
	}
	return nil
}

// ReapExpired force-releases every lock whose lease has lapsed (the
// owner crashed without releasing) and writes an audit entry per
// recovery. Returns the number of locks recovered.
func ReapExpired(db *gorm.DB) (int, error) {
	now := time.Now()

	var stale []models.Codebook
	if err := db.Where("locked_by <> ? AND lease_expires_at < ?", "", now).Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("lock: scan expired leases: %w", err)
	}

	recovered := 0
	for _, cb := range stale {
		cb := cb
		err := db.Transaction(func(tx *gorm.DB) error {
			// Conditional on the exact stale owner so a concurrent renewal
			// or re-acquire is never clobbered.
			result := tx.Model(&models.Codebook{}).
				Where("id = ? AND locked_by = ? AND lease_expires_at < ?", cb.ID, cb.LockedBy, now).
				Updates(map[string]interface{}{
					"locked_by":        "",
					"locked_at":        nil,
					"lease_expires_at": nil,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			_, err := audit.Append(tx, audit.Entry{
				ClientID:   cb.ClientID,
				CodebookID: &cb.ID,
				ActionType: audit.ActionLockRecovered,
				Summary:    fmt.Sprintf("Recovered expired lock held by %s", cb.LockedBy),
				Details: map[string]interface{}{
					"locked_by":        cb.LockedBy,
					"lease_expires_at": cb.LeaseExpiresAt,
				},
				PerformedBy: "reaper",
			})
			if err != nil {
				return err
			}
			recovered++
			return nil
		})
		if err != nil {
			return recovered, fmt.Errorf("lock: reap %s: %w", cb.ID, err)
		}
	}
	return recovered, nil
}
