package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/cairn/internal/common"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/lgulliver/cairn/pkg/utils"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// ErrRepositoryNotFound is returned by a BindingSource for unknown repositories
var ErrRepositoryNotFound = errors.New("repository not found")

const bindingTTL = 30 * time.Second

// BindingSource tells the router which storage config a repository uses
type BindingSource interface {
	// RepositoryStorageConfig returns the bound config id, or "" when the
	// repository uses the default backend.
	RepositoryStorageConfig(ctx context.Context, repository string) (string, error)
	StorageConfig(ctx context.Context, id string) (*types.StorageConfig, error)
}

// DBBindings reads bindings from the repositories and storage_configs tables
type DBBindings struct {
	db *common.Database
}

// NewDBBindings creates a BindingSource over db
func NewDBBindings(db *common.Database) *DBBindings {
	return &DBBindings{db: db}
}

func (b *DBBindings) RepositoryStorageConfig(ctx context.Context, repository string) (string, error) {
	if !b.db.Ready(ctx) {
		return "", common.ErrNotReady
	}
	var repo types.Repository
	db := b.db.WithContext(ctx)
	if id, err := uuid.Parse(repository); err == nil {
		err := db.First(&repo, "id = ?", id).Error
		if err == nil {
			return repo.Config.StorageConfigID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
	}
	err := db.Where("name = ?", repository).First(&repo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrRepositoryNotFound
	}
	if err != nil {
		return "", err
	}
	return repo.Config.StorageConfigID, nil
}

func (b *DBBindings) StorageConfig(ctx context.Context, id string) (*types.StorageConfig, error) {
	var sc types.StorageConfig
	err := b.db.WithContext(ctx).First(&sc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("storage config %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// Router resolves each key to the adapter of the repository it belongs to.
// Keys look like <ecosystem>/<repository>/...; the second segment selects the
// repository. Adapters are built once per storage config and cached in
// process until Reset.
type Router struct {
	fallback Adapter
	bindings BindingSource
	factory  *StorageFactory
	// ownsDefault marks a fallback built by factory, rebuilt on Reset
	ownsDefault bool

	bindingCache *gocache.Cache
	group        singleflight.Group

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRouter creates a router. bindings may be nil, in which case every key
// uses the fallback adapter.
func NewRouter(fallback Adapter, bindings BindingSource, factory *StorageFactory) *Router {
	return &Router{
		fallback:     fallback,
		bindings:     bindings,
		factory:      factory,
		bindingCache: gocache.New(bindingTTL, 2*bindingTTL),
		adapters:     make(map[string]Adapter),
	}
}

// NewDefaultRouter creates a router whose default adapter is built by factory
// from the process storage config
func NewDefaultRouter(ctx context.Context, bindings BindingSource, factory *StorageFactory) (*Router, error) {
	fallback, err := factory.CreateStorage(ctx)
	if err != nil {
		return nil, err
	}
	r := NewRouter(fallback, bindings, factory)
	r.ownsDefault = true
	return r, nil
}

// Default returns the process default adapter
func (r *Router) Default() Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Reset drops cached adapters and bindings. Called when entitlements change
// so gated backends, the default one included, are rebuilt with the new state.
// A default that fails to rebuild is kept.
func (r *Router) Reset() {
	var fallback Adapter
	if r.ownsDefault {
		rebuilt, err := r.factory.CreateStorage(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("failed to rebuild default storage, keeping current adapter")
		} else {
			fallback = rebuilt
		}
	}

	r.mu.Lock()
	r.adapters = make(map[string]Adapter)
	if fallback != nil {
		r.fallback = fallback
	}
	r.mu.Unlock()
	r.bindingCache.Flush()
	log.Info().Bool("default_rebuilt", fallback != nil).Msg("storage router reset")
}

// Invalidate forgets the cached binding of one repository
func (r *Router) Invalidate(repository string) {
	r.bindingCache.Delete(repository)
}

// Resolve returns the adapter serving key
func (r *Router) Resolve(ctx context.Context, key string) (Adapter, error) {
	configID := r.configFor(ctx, utils.KeySegment(key, 1))
	return r.AdapterFor(ctx, configID)
}

func (r *Router) configFor(ctx context.Context, repository string) string {
	if repository == "" || r.bindings == nil {
		return ""
	}
	if cached, ok := r.bindingCache.Get(repository); ok {
		return cached.(string)
	}

	for _, candidate := range utils.TryNormalizeRepoNames(repository) {
		id, err := r.bindings.RepositoryStorageConfig(ctx, candidate)
		if errors.Is(err, ErrRepositoryNotFound) {
			continue
		}
		if err != nil {
			// early startup or a transient store failure; not cached
			log.Debug().Err(err).Str("repository", repository).Msg("storage binding unavailable, using default")
			return ""
		}
		r.bindingCache.SetDefault(repository, id)
		return id
	}

	log.Debug().Str("repository", repository).Msg("no repository for key, using default storage")
	r.bindingCache.SetDefault(repository, "")
	return ""
}

// AdapterFor returns the adapter for a storage config id, building it on
// first use. The empty id names the default adapter.
func (r *Router) AdapterFor(ctx context.Context, configID string) (Adapter, error) {
	if configID == "" {
		return r.Default(), nil
	}

	r.mu.RLock()
	adapter, ok := r.adapters[configID]
	r.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	v, err, _ := r.group.Do(configID, func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.adapters[configID]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		if r.bindings == nil || r.factory == nil {
			return nil, fmt.Errorf("storage config %s: no binding source configured", configID)
		}
		sc, err := r.bindings.StorageConfig(ctx, configID)
		if err != nil {
			return nil, err
		}
		built, err := r.factory.CreateFromConfig(ctx, sc)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.adapters[configID] = built
		r.mu.Unlock()
		log.Info().Str("storage_config", configID).Str("type", string(sc.Type)).Msg("storage adapter created")
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Adapter), nil
}

func (r *Router) route(ctx context.Context, key string) (Adapter, string, error) {
	key = utils.NormalizeKey(key)
	adapter, err := r.Resolve(ctx, key)
	return adapter, key, err
}

func (r *Router) Store(ctx context.Context, key string, content io.Reader, contentType string) error {
	adapter, key, err := r.route(ctx, key)
	if err != nil {
		return err
	}
	return adapter.Store(ctx, key, content, contentType)
}

func (r *Router) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	adapter, key, err := r.route(ctx, key)
	if err != nil {
		return nil, err
	}
	return adapter.Retrieve(ctx, key)
}

func (r *Router) RetrieveRange(ctx context.Context, key string, rng *ByteRange) (*Object, error) {
	adapter, key, err := r.route(ctx, key)
	if err != nil {
		return nil, err
	}
	return adapter.RetrieveRange(ctx, key, rng)
}

func (r *Router) Delete(ctx context.Context, key string) error {
	adapter, key, err := r.route(ctx, key)
	if err != nil {
		return err
	}
	return adapter.Delete(ctx, key)
}

func (r *Router) Exists(ctx context.Context, key string) (bool, error) {
	adapter, key, err := r.route(ctx, key)
	if err != nil {
		return false, err
	}
	return adapter.Exists(ctx, key)
}

func (r *Router) GetSize(ctx context.Context, key string) (int64, error) {
	adapter, key, err := r.route(ctx, key)
	if err != nil {
		return 0, err
	}
	return adapter.GetSize(ctx, key)
}

func (r *Router) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	adapter, key, err := r.route(ctx, key)
	if err != nil {
		return nil, err
	}
	return adapter.Stat(ctx, key)
}

func (r *Router) List(ctx context.Context, prefix string) ([]string, error) {
	normalized := utils.NormalizeKey(prefix)
	if normalized != "" && len(prefix) > 0 && prefix[len(prefix)-1] == '/' {
		normalized += "/"
	}
	adapter, err := r.Resolve(ctx, normalized)
	if err != nil {
		return nil, err
	}
	return adapter.List(ctx, normalized)
}

// Save stores a small payload held in memory
func (r *Router) Save(ctx context.Context, key string, data []byte, contentType string) error {
	return r.Store(ctx, key, bytes.NewReader(data), contentType)
}

// Get reads a whole object into memory. A missing object yields nil, nil.
func (r *Router) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := r.Retrieve(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
