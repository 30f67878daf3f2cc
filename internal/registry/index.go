package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lgulliver/cairn/internal/coord"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Indexer keeps the artifacts table in step with what plugins stored
type Indexer struct {
	db      *gorm.DB
	storage storage.Adapter
	jobs    *coord.JobQueue
	// async moves Index off the caller's goroutine
	async bool
	wg    sync.WaitGroup
}

// NewIndexer creates an Indexer. jobs may be nil, in which case failed
// indexing is only logged.
func NewIndexer(db *gorm.DB, store storage.Adapter, jobs *coord.JobQueue) *Indexer {
	return &Indexer{db: db, storage: store, jobs: jobs}
}

// Upsert inserts or updates the artifact row for info. An unknown size is read
// from storage when the info carries a storage key.
func (ix *Indexer) Upsert(ctx context.Context, repositoryID uuid.UUID, info ArtifactInfo) error {
	if !info.Indexable() {
		return fmt.Errorf("artifact in repository %s has no package name or version", repositoryID)
	}

	if info.Size == 0 && info.StorageKey != "" && ix.storage != nil {
		if size, err := ix.storage.GetSize(ctx, info.StorageKey); err == nil {
			info.Size = size
		} else {
			log.Debug().Err(err).Str("storage_key", info.StorageKey).Msg("could not size artifact")
		}
	}

	contentType := ""
	if ct, ok := info.Metadata["contentType"].(string); ok {
		contentType = ct
	}

	artifact := &types.Artifact{
		RepositoryID: repositoryID,
		Name:         info.PackageName,
		Version:      info.Version,
		ContentType:  contentType,
		Size:         info.Size,
		SHA256:       strings.TrimPrefix(info.Hash, "sha256:"),
		StorageKey:   info.StorageKey,
		Metadata:     info.Metadata,
	}

	err := ix.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "repository_id"}, {Name: "name"}, {Name: "version"}},
		DoUpdates: clause.AssignmentColumns([]string{"content_type", "size", "sha256", "storage_key", "metadata", "updated_at"}),
	}).Create(artifact).Error
	if err != nil {
		return fmt.Errorf("failed to index %s@%s: %w", info.PackageName, info.Version, err)
	}

	log.Debug().
		Str("repository_id", repositoryID.String()).
		Str("package", info.PackageName).
		Str("version", info.Version).
		Int64("size", info.Size).
		Msg("artifact indexed")
	return nil
}

// Index upserts info and queues a retry job on failure. It never fails the
// caller. In async mode it returns at once and the upsert outlives ctx's
// cancellation.
func (ix *Indexer) Index(ctx context.Context, repositoryID uuid.UUID, info ArtifactInfo) {
	if !ix.async {
		ix.index(ctx, repositoryID, info)
		return
	}
	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		ix.index(context.WithoutCancel(ctx), repositoryID, info)
	}()
}

// Wait blocks until in-flight async indexing finishes
func (ix *Indexer) Wait() {
	ix.wg.Wait()
}

func (ix *Indexer) index(ctx context.Context, repositoryID uuid.UUID, info ArtifactInfo) {
	if !info.Indexable() {
		log.Debug().Str("repository_id", repositoryID.String()).Msg("result carries no package identity, not indexed")
		return
	}

	err := ix.Upsert(ctx, repositoryID, info)
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("package", info.PackageName).Str("version", info.Version).Msg("indexing failed, queueing retry")

	if ix.jobs == nil {
		return
	}
	payload, perr := indexPayload(repositoryID, info)
	if perr != nil {
		log.Error().Err(perr).Msg("failed to encode index job")
		return
	}
	if _, err := ix.jobs.CreateJob(context.WithoutCancel(ctx), coord.JobIndexArtifact, payload, 0); err != nil {
		log.Error().Err(err).Str("package", info.PackageName).Msg("failed to queue index job")
	}
}

type indexJob struct {
	RepositoryID uuid.UUID    `json:"repositoryId"`
	Artifact     ArtifactInfo `json:"artifact"`
}

func indexPayload(repositoryID uuid.UUID, info ArtifactInfo) (types.JSONMap, error) {
	data, err := json.Marshal(indexJob{RepositoryID: repositoryID, Artifact: info})
	if err != nil {
		return nil, err
	}
	var payload types.JSONMap
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// HandleJob retries an index-artifact job
func (ix *Indexer) HandleJob(ctx context.Context, job *types.Job) (types.JSONMap, error) {
	data, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, err
	}
	var req indexJob
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid index job payload: %w", err)
	}
	if err := ix.Upsert(ctx, req.RepositoryID, req.Artifact); err != nil {
		return nil, err
	}
	return types.JSONMap{"package": req.Artifact.PackageName, "version": req.Artifact.Version}, nil
}
