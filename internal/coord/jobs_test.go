package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobQueue_CreateAndAcquire(t *testing.T) {
	db := setupTestDB(t)
	q := NewJobQueue(db, "worker-1", 5*time.Minute)
	ctx := context.Background()

	created, err := q.CreateJob(ctx, JobIndexArtifact, types.JSONMap{"name": "app"}, 0)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, created.Status)
	assert.Equal(t, 3, created.MaxAttempts)

	job, err := q.AcquireJob(ctx, JobIndexArtifact)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, created.ID, job.ID)
	assert.Equal(t, types.JobRunning, job.Status)
	assert.Equal(t, "worker-1", job.LockedBy)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "app", job.Payload["name"])

	none, err := q.AcquireJob(ctx, JobIndexArtifact)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestJobQueue_AcquireFiltersByType(t *testing.T) {
	db := setupTestDB(t)
	q := NewJobQueue(db, "worker-1", 5*time.Minute)
	ctx := context.Background()

	_, err := q.CreateJob(ctx, JobProxyCacheCleanup, nil, 1)
	require.NoError(t, err)

	job, err := q.AcquireJob(ctx, JobIndexArtifact)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = q.AcquireJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobProxyCacheCleanup, job.Type)
}

func TestJobQueue_AcquireOldestFirst(t *testing.T) {
	db := setupTestDB(t)
	q := NewJobQueue(db, "worker-1", 5*time.Minute)
	ctx := context.Background()

	first, err := q.CreateJob(ctx, JobIndexArtifact, nil, 1)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = q.CreateJob(ctx, JobIndexArtifact, nil, 1)
	require.NoError(t, err)

	job, err := q.AcquireJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, job.ID)
}

func TestJobQueue_ExactlyOnceClaim(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	const jobs = 25
	producer := NewJobQueue(db, "producer", 5*time.Minute)
	for i := 0; i < jobs; i++ {
		_, err := producer.CreateJob(ctx, JobIndexArtifact, types.JSONMap{"n": i}, 1)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claims := make(map[uuid.UUID]string)
	duplicates := 0
	record := func(job *types.Job, worker string) {
		mu.Lock()
		defer mu.Unlock()
		if _, seen := claims[job.ID]; seen {
			duplicates++
		}
		claims[job.ID] = worker
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			worker := fmt.Sprintf("worker-%d", w)
			q := NewJobQueue(db, worker, 5*time.Minute)
			for {
				job, err := q.AcquireJob(ctx, JobIndexArtifact)
				if err != nil {
					t.Errorf("acquire failed: %v", err)
					return
				}
				if job == nil {
					return
				}
				record(job, worker)
			}
		}(w)
	}
	wg.Wait()

	// anything left behind by exhausted compare-and-set retries
	for {
		job, err := producer.AcquireJob(ctx, JobIndexArtifact)
		require.NoError(t, err)
		if job == nil {
			break
		}
		record(job, "producer")
	}

	assert.Zero(t, duplicates)
	assert.Len(t, claims, jobs)

	var running int64
	require.NoError(t, db.Model(&types.Job{}).Where("status = ?", types.JobRunning).Count(&running).Error)
	assert.Equal(t, int64(jobs), running)
}

func TestJobQueue_CompleteJob(t *testing.T) {
	db := setupTestDB(t)
	q := NewJobQueue(db, "worker-1", 5*time.Minute)
	ctx := context.Background()

	_, err := q.CreateJob(ctx, JobIndexArtifact, nil, 1)
	require.NoError(t, err)
	job, err := q.AcquireJob(ctx)
	require.NoError(t, err)

	other := NewJobQueue(db, "worker-2", 5*time.Minute)
	assert.ErrorIs(t, other.CompleteJob(ctx, job.ID, nil), ErrJobNotFound)

	require.NoError(t, q.CompleteJob(ctx, job.ID, types.JSONMap{"indexed": true}))

	done, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, done.Status)
	assert.Equal(t, true, done.Result["indexed"])
	assert.Empty(t, done.LockedBy)
	assert.NotNil(t, done.CompletedAt)
}

func TestJobQueue_FailJobRequeuesUntilExhausted(t *testing.T) {
	db := setupTestDB(t)
	q := NewJobQueue(db, "worker-1", 5*time.Minute)
	ctx := context.Background()

	created, err := q.CreateJob(ctx, JobIndexArtifact, nil, 2)
	require.NoError(t, err)

	job, err := q.AcquireJob(ctx)
	require.NoError(t, err)
	require.NoError(t, q.FailJob(ctx, job.ID, errors.New("db unavailable")))

	job, err = q.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, job.Status)
	assert.Equal(t, "db unavailable", job.Error)

	job, err = q.AcquireJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
	require.NoError(t, q.FailJob(ctx, job.ID, errors.New("still down")))

	job, err = q.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)

	none, err := q.AcquireJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestJobQueue_ReleaseStaleLocks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	crashed := NewJobQueue(db, "crashed", 5*time.Minute)
	crashed.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }

	created, err := crashed.CreateJob(ctx, JobIndexArtifact, nil, 3)
	require.NoError(t, err)
	claimed, err := crashed.AcquireJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	live := NewJobQueue(db, "live", 5*time.Minute)
	n, err := live.ReleaseStaleLocks(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := live.AcquireJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, created.ID, job.ID)
	assert.Equal(t, "live", job.LockedBy)
	assert.Equal(t, 2, job.Attempts)

	// the crashed worker can no longer finish it
	assert.Error(t, crashed.CompleteJob(ctx, job.ID, nil))
}

func TestJobQueue_ReleaseStaleLocksFailsExhausted(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	crashed := NewJobQueue(db, "crashed", 5*time.Minute)
	crashed.now = func() time.Time { return time.Now().Add(-time.Hour) }
	created, err := crashed.CreateJob(ctx, JobIndexArtifact, nil, 1)
	require.NoError(t, err)
	_, err = crashed.AcquireJob(ctx)
	require.NoError(t, err)

	live := NewJobQueue(db, "live", 5*time.Minute)
	_, err = live.ReleaseStaleLocks(ctx, 5*time.Minute)
	require.NoError(t, err)

	job, err := live.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
}

func TestJobQueue_RefreshJobLock(t *testing.T) {
	db := setupTestDB(t)
	q := NewJobQueue(db, "worker-1", 5*time.Minute)
	ctx := context.Background()

	_, err := q.CreateJob(ctx, JobIndexArtifact, nil, 1)
	require.NoError(t, err)
	job, err := q.AcquireJob(ctx)
	require.NoError(t, err)

	require.NoError(t, q.RefreshJobLock(ctx, job.ID))
	assert.ErrorIs(t, NewJobQueue(db, "worker-2", time.Minute).RefreshJobLock(ctx, job.ID), ErrJobNotFound)
}

func TestJobQueue_CleanupOldJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	old := NewJobQueue(db, "worker-1", 5*time.Minute)
	old.now = func() time.Time { return time.Now().Add(-10 * 24 * time.Hour) }
	_, err := old.CreateJob(ctx, JobIndexArtifact, nil, 1)
	require.NoError(t, err)
	job, err := old.AcquireJob(ctx)
	require.NoError(t, err)
	require.NoError(t, old.CompleteJob(ctx, job.ID, nil))

	q := NewJobQueue(db, "worker-1", 5*time.Minute)
	pending, err := q.CreateJob(ctx, JobIndexArtifact, nil, 1)
	require.NoError(t, err)

	n, err := q.CleanupOldJobs(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = q.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.GetJob(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestJobQueue_EnsureJobSince(t *testing.T) {
	db := setupTestDB(t)
	q := NewJobQueue(db, "worker-1", 5*time.Minute)
	ctx := context.Background()
	day := time.Now().Truncate(24 * time.Hour)

	created, err := q.EnsureJobSince(ctx, JobProxyCacheCleanup, day, nil)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = q.EnsureJobSince(ctx, JobProxyCacheCleanup, day, nil)
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	require.NoError(t, db.Model(&types.Job{}).Where("type = ?", JobProxyCacheCleanup).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
