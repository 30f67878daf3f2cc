package proxycache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lgulliver/cairn/internal/audit"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/lgulliver/cairn/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// CleanupResult summarises one cleanup run
type CleanupResult struct {
	Deleted       int            `json:"deleted"`
	Failed        int            `json:"failed"`
	PerRepository map[string]int `json:"perRepository"`
}

// Cleaner deletes cached bytes of proxy repositories once they age out
type Cleaner struct {
	db            *gorm.DB
	storage       storage.Adapter
	audit         audit.Sink
	metrics       *Metrics
	defaultMaxAge int
	now           func() time.Time
}

// NewCleaner creates a Cleaner. defaultMaxAgeDays applies to repositories
// without their own maxAgeDays.
func NewCleaner(db *gorm.DB, store storage.Adapter, sink audit.Sink, metrics *Metrics, defaultMaxAgeDays int) *Cleaner {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Cleaner{
		db:            db,
		storage:       store,
		audit:         sink,
		metrics:       metrics,
		defaultMaxAge: defaultMaxAgeDays,
		now:           time.Now,
	}
}

// Cutoff returns the modification time before which cached objects of repo are
// removed. With caching disabled nothing is retained.
func (c *Cleaner) Cutoff(repo *types.Repository) time.Time {
	now := c.now()
	if !repo.Config.CacheEnabled() {
		return now
	}
	days := repo.Config.MaxAgeDays
	if days <= 0 {
		days = c.defaultMaxAge
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

// eligible reports whether key may be evicted. Blobs of container proxies are
// content addressed and shared, so only manifests age out.
func eligible(repo *types.Repository, key string) bool {
	if repo.Manager == types.ManagerDocker {
		return strings.Contains(key, "/manifests/")
	}
	return true
}

// Run cleans every proxy repository and records one audit event
func (c *Cleaner) Run(ctx context.Context) (*CleanupResult, error) {
	var repos []types.Repository
	if err := c.db.WithContext(ctx).Where("type = ?", types.RepositoryProxy).Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("failed to list proxy repositories: %w", err)
	}

	result := &CleanupResult{PerRepository: make(map[string]int)}
	for i := range repos {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		repo := &repos[i]
		deleted, failed := c.cleanRepository(ctx, repo)
		if deleted > 0 {
			result.PerRepository[repo.Name] = deleted
		}
		result.Deleted += deleted
		result.Failed += failed
	}

	if c.audit != nil {
		c.audit.LogSuccess(ctx, "proxy_cache_cleanup", "repository", "all", map[string]interface{}{
			"deleted":        result.Deleted,
			"failed":         result.Failed,
			"per_repository": result.PerRepository,
		})
	}

	log.Info().
		Int("repositories", len(repos)).
		Int("deleted", result.Deleted).
		Int("failed", result.Failed).
		Msg("proxy cache cleanup finished")

	return result, nil
}

func (c *Cleaner) cleanRepository(ctx context.Context, repo *types.Repository) (deleted, failed int) {
	prefix := utils.BuildKey(repo.Manager, repo.Name) + "/"
	cutoff := c.Cutoff(repo)

	keys, err := c.storage.List(ctx, prefix)
	if err != nil {
		log.Warn().Err(err).Str("repository", repo.Name).Msg("failed to list cached objects")
		return 0, 1
	}

	for _, key := range keys {
		if !eligible(repo, key) {
			continue
		}
		info, err := c.storage.Stat(ctx, key)
		if err != nil {
			if !storage.IsNotFound(err) {
				log.Warn().Err(err).Str("key", key).Msg("failed to stat cached object")
				failed++
			}
			continue
		}
		if !info.ModTime.Before(cutoff) {
			continue
		}
		if err := c.storage.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to delete cached object")
			failed++
			continue
		}
		deleted++
	}

	if deleted > 0 {
		c.metrics.Evicted.WithLabelValues(repo.Name).Add(float64(deleted))
		log.Debug().Str("repository", repo.Name).Int("deleted", deleted).Time("cutoff", cutoff).Msg("evicted cached objects")
	}
	return deleted, failed
}

// HandleJob runs the cleanup as a queued job
func (c *Cleaner) HandleJob(ctx context.Context, job *types.Job) (types.JSONMap, error) {
	result, err := c.Run(ctx)
	if err != nil {
		return nil, err
	}
	return types.JSONMap{
		"deleted":       result.Deleted,
		"failed":        result.Failed,
		"perRepository": result.PerRepository,
	}, nil
}
