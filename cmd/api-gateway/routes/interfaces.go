package routes

import (
	"context"

	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
)

// JobEnqueuer queues background jobs
type JobEnqueuer interface {
	CreateJob(ctx context.Context, jobType string, payload types.JSONMap, maxAttempts int) (*types.Job, error)
}

// StorageMigrator copies objects between storage configs
type StorageMigrator interface {
	Migrate(ctx context.Context, prefix, fromConfigID, toConfigID string) (*storage.MigrationResult, error)
}
