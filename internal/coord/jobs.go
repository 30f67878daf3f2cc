// Package coord holds the primitives that let many server processes share one
// relational store safely: a polling job queue with exactly-once claiming,
// named locks, leader election and the worker and scheduler built on them.
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Job types shared by producers and handlers
const (
	JobIndexArtifact     = "index-artifact"
	JobProxyCacheCleanup = "proxy-cache-cleanup"
)

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = errors.New("job not found")

// casRetries bounds compare-and-set claim attempts per AcquireJob call
const casRetries = 5

// JobQueue is a durable job table with atomic claiming
type JobQueue struct {
	db             *gorm.DB
	workerID       string
	staleThreshold time.Duration
	skipLocked     bool
	now            func() time.Time
}

// NewJobQueue creates a queue. Claiming uses row locks with SKIP LOCKED on
// postgres and a compare-and-set update on other dialects.
func NewJobQueue(db *gorm.DB, workerID string, staleThreshold time.Duration) *JobQueue {
	return &JobQueue{
		db:             db,
		workerID:       workerID,
		staleThreshold: staleThreshold,
		skipLocked:     db.Dialector.Name() == "postgres",
		now:            time.Now,
	}
}

// WorkerID identifies this process as a lock holder
func (q *JobQueue) WorkerID() string { return q.workerID }

// CreateJob enqueues a pending job
func (q *JobQueue) CreateJob(ctx context.Context, jobType string, payload types.JSONMap, maxAttempts int) (*types.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	job := &types.Job{
		Type:        jobType,
		Status:      types.JobPending,
		Payload:     payload,
		MaxAttempts: maxAttempts,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create %s job: %w", jobType, err)
	}

	log.Debug().Str("job_id", job.ID.String()).Str("type", jobType).Msg("job created")
	return job, nil
}

// eligible scopes a query to jobs that may be claimed now
func (q *JobQueue) eligible(tx *gorm.DB, jobTypes []string) *gorm.DB {
	staleBefore := q.now().Add(-q.staleThreshold)
	tx = tx.Where("status = ? AND attempts < max_attempts", types.JobPending).
		Where("(locked_by IS NULL OR locked_by = '' OR locked_at IS NULL OR locked_at < ?)", staleBefore)
	if len(jobTypes) > 0 {
		tx = tx.Where("type IN ?", jobTypes)
	}
	return tx.Order("created_at ASC")
}

// AcquireJob claims the oldest eligible job of the given types (any type when
// none are given). It returns nil, nil when nothing is eligible. A job is
// handed to exactly one caller.
func (q *JobQueue) AcquireJob(ctx context.Context, jobTypes ...string) (*types.Job, error) {
	if q.skipLocked {
		return q.acquireSkipLocked(ctx, jobTypes)
	}
	return q.acquireCAS(ctx, jobTypes)
}

func (q *JobQueue) acquireSkipLocked(ctx context.Context, jobTypes []string) (*types.Job, error) {
	var claimed *types.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job types.Job
		err := q.eligible(tx.Model(&types.Job{}), jobTypes).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Limit(1).
			Take(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.Model(&types.Job{}).Where("id = ?", job.ID).Updates(q.claimUpdates()).Error; err != nil {
			return err
		}
		if err := tx.First(&job, "id = ?", job.ID).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire job: %w", err)
	}
	return claimed, nil
}

func (q *JobQueue) acquireCAS(ctx context.Context, jobTypes []string) (*types.Job, error) {
	db := q.db.WithContext(ctx)
	for attempt := 0; attempt < casRetries; attempt++ {
		var candidate types.Job
		err := q.eligible(db.Model(&types.Job{}), jobTypes).Limit(1).Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find job: %w", err)
		}

		// the row only changes hands if nobody claimed it since we read it
		res := db.Model(&types.Job{}).
			Where("id = ? AND status = ? AND attempts = ?", candidate.ID, types.JobPending, candidate.Attempts).
			Updates(q.claimUpdates())
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", candidate.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			return q.GetJob(ctx, candidate.ID)
		}
		log.Debug().Str("job_id", candidate.ID.String()).Int("attempt", attempt).Msg("job claimed by another worker, retrying")
	}
	return nil, nil
}

func (q *JobQueue) claimUpdates() map[string]interface{} {
	now := q.now()
	return map[string]interface{}{
		"status":     types.JobRunning,
		"locked_by":  q.workerID,
		"locked_at":  now,
		"started_at": now,
		"attempts":   gorm.Expr("attempts + 1"),
	}
}

// GetJob loads a job by id
func (q *JobQueue) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	var job types.Job
	err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return &job, nil
}

// CompleteJob marks a job completed with its result
func (q *JobQueue) CompleteJob(ctx context.Context, id uuid.UUID, result types.JSONMap) error {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&types.Job{}).
		Where("id = ? AND locked_by = ?", id, q.workerID).
		Updates(map[string]interface{}{
			"status":       types.JobCompleted,
			"result":       result,
			"error":        "",
			"locked_by":    "",
			"locked_at":    nil,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s not held by %s", ErrJobNotFound, id, q.workerID)
	}
	return nil
}

// FailJob records a failure. The job returns to pending while attempts remain,
// otherwise it becomes terminally failed.
func (q *JobQueue) FailJob(ctx context.Context, id uuid.UUID, jobErr error) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job types.Job
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return err
		}

		updates := map[string]interface{}{
			"error":     jobErr.Error(),
			"locked_by": "",
			"locked_at": nil,
		}
		if job.Attempts < job.MaxAttempts {
			updates["status"] = types.JobPending
		} else {
			updates["status"] = types.JobFailed
			updates["completed_at"] = q.now()
		}

		log.Warn().
			Err(jobErr).
			Str("job_id", id.String()).
			Str("type", job.Type).
			Int("attempts", job.Attempts).
			Interface("status", updates["status"]).
			Msg("job failed")

		return tx.Model(&types.Job{}).Where("id = ?", id).Updates(updates).Error
	})
}

// RefreshJobLock renews the heartbeat of a job held by this worker
func (q *JobQueue) RefreshJobLock(ctx context.Context, id uuid.UUID) error {
	res := q.db.WithContext(ctx).Model(&types.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", id, q.workerID, types.JobRunning).
		Update("locked_at", q.now())
	if res.Error != nil {
		return fmt.Errorf("failed to refresh job lock %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s no longer held by %s", ErrJobNotFound, id, q.workerID)
	}
	return nil
}

// ReleaseStaleLocks returns running jobs whose heartbeat is older than
// threshold to pending, or fails them when no attempts remain.
func (q *JobQueue) ReleaseStaleLocks(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := q.now().Add(-threshold)
	db := q.db.WithContext(ctx)

	requeued := db.Model(&types.Job{}).
		Where("status = ? AND locked_at < ? AND attempts < max_attempts", types.JobRunning, cutoff).
		Updates(map[string]interface{}{"status": types.JobPending, "locked_by": "", "locked_at": nil})
	if requeued.Error != nil {
		return 0, fmt.Errorf("failed to release stale jobs: %w", requeued.Error)
	}

	exhausted := db.Model(&types.Job{}).
		Where("status = ? AND locked_at < ? AND attempts >= max_attempts", types.JobRunning, cutoff).
		Updates(map[string]interface{}{
			"status":       types.JobFailed,
			"error":        "worker lock expired",
			"locked_by":    "",
			"locked_at":    nil,
			"completed_at": q.now(),
		})
	if exhausted.Error != nil {
		return requeued.RowsAffected, fmt.Errorf("failed to fail exhausted stale jobs: %w", exhausted.Error)
	}

	total := requeued.RowsAffected + exhausted.RowsAffected
	if total > 0 {
		log.Info().Int64("requeued", requeued.RowsAffected).Int64("failed", exhausted.RowsAffected).Msg("released stale job locks")
	}
	return total, nil
}

// CleanupOldJobs deletes completed and failed jobs older than retention
func (q *JobQueue) CleanupOldJobs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := q.now().Add(-retention)
	res := q.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []types.JobStatus{types.JobCompleted, types.JobFailed}, cutoff).
		Delete(&types.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up old jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// EnsureJobSince creates a job of jobType unless one was created at or after
// since. It reports whether a job was created. Callers serialise it through
// leader election so the check and insert do not race.
func (q *JobQueue) EnsureJobSince(ctx context.Context, jobType string, since time.Time, payload types.JSONMap) (bool, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&types.Job{}).
		Where("type = ? AND created_at >= ?", jobType, since).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check for %s job: %w", jobType, err)
	}
	if count > 0 {
		return false, nil
	}
	if _, err := q.CreateJob(ctx, jobType, payload, 0); err != nil {
		return false, err
	}
	return true, nil
}
