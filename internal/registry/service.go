package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/cairn/internal/audit"
	"github.com/lgulliver/cairn/internal/coord"
	"github.com/lgulliver/cairn/internal/license"
	"github.com/lgulliver/cairn/internal/proxycache"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/lgulliver/cairn/pkg/utils"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// writeLockTTL bounds how long a crashed writer can hold an artifact lock
const writeLockTTL = 30 * time.Second

// ServiceConfig wires a Service. Nil optional fields get in-process defaults.
type ServiceConfig struct {
	DB      *gorm.DB
	Storage storage.Adapter
	Plugins *PluginRegistry
	License license.Checker
	Locker  coord.Locker
	Jobs    *coord.JobQueue
	Cache   proxycache.Cache
	Metrics *proxycache.Metrics
	Audit   audit.Sink
	// ProxyTTL applies to proxy repositories without cacheTtlSeconds
	ProxyTTL time.Duration
	// AsyncIndex indexes write results in the background
	AsyncIndex bool
}

// Service dispatches repository operations to ecosystem plugins
type Service struct {
	db       *gorm.DB
	storage  storage.Adapter
	plugins  *PluginRegistry
	license  license.Checker
	locker   coord.Locker
	indexer  *Indexer
	cache    proxycache.Cache
	metrics  *proxycache.Metrics
	audit    audit.Sink
	proxyTTL time.Duration
	now      func() time.Time
}

// NewService creates a new registry service
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		db:       cfg.DB,
		storage:  cfg.Storage,
		plugins:  cfg.Plugins,
		license:  cfg.License,
		locker:   cfg.Locker,
		cache:    cfg.Cache,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		proxyTTL: cfg.ProxyTTL,
		now:      time.Now,
	}
	if s.plugins == nil {
		s.plugins = NewPluginRegistry(cfg.License)
	}
	if s.locker == nil {
		s.locker = coord.NewMemoryLocker()
	}
	if s.cache == nil {
		s.cache = proxycache.NewMemoryCache(time.Hour, 10*time.Minute)
	}
	if s.metrics == nil {
		s.metrics = proxycache.NewMetrics(nil)
	}
	if s.audit == nil {
		s.audit = audit.NewLogSink()
	}
	if s.proxyTTL <= 0 {
		s.proxyTTL = time.Hour
	}
	s.indexer = NewIndexer(cfg.DB, cfg.Storage, cfg.Jobs)
	s.indexer.async = cfg.AsyncIndex
	return s
}

// Plugins returns the plugin registry
func (s *Service) Plugins() *PluginRegistry { return s.plugins }

// Indexer returns the artifact indexer
func (s *Service) Indexer() *Indexer { return s.indexer }

// Repository loads a repository by id or name. Legacy encodings of nested
// names are tried as well.
func (s *Service) Repository(ctx context.Context, nameOrID string) (*types.Repository, error) {
	var repo types.Repository
	db := s.db.WithContext(ctx)

	if id, err := uuid.Parse(nameOrID); err == nil {
		err := db.First(&repo, "id = ?", id).Error
		if err == nil {
			return &repo, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, s.storeError(ctx, nameOrID, err)
		}
	}

	for _, candidate := range utils.TryNormalizeRepoNames(nameOrID) {
		err := db.Where("name = ?", candidate).First(&repo).Error
		if err == nil {
			return &repo, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, s.storeError(ctx, nameOrID, err)
		}
	}
	return nil, fmt.Errorf("repository %s: %w", nameOrID, ErrNotFound)
}

func (s *Service) storeError(ctx context.Context, name string, err error) error {
	if !s.db.WithContext(ctx).Migrator().HasTable(&types.Repository{}) {
		return fmt.Errorf("repository %s: %w", name, ErrStoreNotReady)
	}
	return fmt.Errorf("failed to load repository %s: %w", name, err)
}

// GetPluginForRepo resolves the plugin serving repo. It fails with
// ErrFeatureNotEnabled when the ecosystem is not entitled and reports false
// when no plugin implements the ecosystem.
func (s *Service) GetPluginForRepo(ctx context.Context, repo *types.Repository) (*Registered, bool, error) {
	if s.license != nil && !s.license.IsFeatureEnabled(repo.Manager) {
		return nil, false, fmt.Errorf("%w: %s (repository %s)", ErrFeatureNotEnabled, repo.Manager, repo.Name)
	}
	p, ok := s.plugins.Get(repo.Manager)
	return p, ok, nil
}

// traversal is the set of repositories on the current group resolution path.
// enter copies it, so sibling branches never observe each other's visits.
type traversal map[uuid.UUID]struct{}

func (t traversal) enter(id uuid.UUID) (traversal, bool) {
	if _, seen := t[id]; seen {
		return t, false
	}
	next := make(traversal, len(t)+1)
	for k := range t {
		next[k] = struct{}{}
	}
	next[id] = struct{}{}
	return next, true
}

// leaves flattens repo into the non-group repositories it serves, in declared
// member order. Each leaf appears once and cycles end the descent.
func (s *Service) leaves(ctx context.Context, repo *types.Repository, path traversal) ([]*types.Repository, error) {
	path, ok := path.enter(repo.ID)
	if !ok {
		log.Warn().Str("repository", repo.Name).Msg("group cycle detected, skipping member")
		return nil, nil
	}
	if repo.Type != types.RepositoryGroup {
		return []*types.Repository{repo}, nil
	}

	var out []*types.Repository
	seen := make(map[uuid.UUID]bool)
	for _, member := range repo.Config.Members {
		m, err := s.Repository(ctx, member)
		if errors.Is(err, ErrNotFound) {
			log.Warn().Str("group", repo.Name).Str("member", member).Msg("group member not found")
			continue
		}
		if err != nil {
			return nil, err
		}

		sub, err := s.leaves(ctx, m, path)
		if err != nil {
			return nil, err
		}
		for _, leaf := range sub {
			if !seen[leaf.ID] {
				seen[leaf.ID] = true
				out = append(out, leaf)
			}
		}
	}
	return out, nil
}

// writeTarget picks the repository that stores a write addressed to repo
func (s *Service) writeTarget(ctx context.Context, repo *types.Repository) (*types.Repository, *Result, error) {
	switch repo.Type {
	case types.RepositoryHosted:
		return repo, nil, nil
	case types.RepositoryGroup:
		leaves, err := s.leaves(ctx, repo, nil)
		if err != nil {
			return nil, nil, err
		}
		for _, leaf := range leaves {
			if leaf.Type == types.RepositoryHosted {
				return leaf, nil, nil
			}
		}
		res := failed(ErrWrongRepositoryType, "group repository %s has no hosted member to write to", repo.Name)
		return nil, &res, nil
	default:
		res := failed(ErrWrongRepositoryType, "repository %s is a %s repository and does not accept writes", repo.Name, repo.Type)
		return nil, &res, nil
	}
}

// plugin resolves repo's plugin and reports a failed result when it is missing
func (s *Service) plugin(ctx context.Context, repo *types.Repository) (*Registered, *Result, error) {
	p, ok, err := s.GetPluginForRepo(ctx, repo)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		res := failed(ErrUnsupported, "no plugin for ecosystem %s (repository %s)", repo.Manager, repo.Name)
		return nil, &res, nil
	}
	return p, nil, nil
}

func unsupported(p *Registered, repo *types.Repository, op string) Result {
	return failed(ErrUnsupported, "%s plugin does not support %s (repository %s)", p.Metadata.Key, op, repo.Name)
}

// Upload stores an artifact. Group repositories write to their first hosted
// member. Concurrent uploads of the same package version are serialised.
func (s *Service) Upload(ctx context.Context, repoName string, req *UploadRequest) (*UploadResult, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	target, res, err := s.writeTarget(ctx, repo)
	if err != nil || res != nil {
		return resultOrErr[UploadResult](res, err, func(r Result) *UploadResult { return &UploadResult{Result: r} })
	}
	p, res, err := s.plugin(ctx, target)
	if err != nil || res != nil {
		return resultOrErr[UploadResult](res, err, func(r Result) *UploadResult { return &UploadResult{Result: r} })
	}
	uploader, ok := p.Plugin.(Uploader)
	if !p.Capabilities.Upload || !ok {
		return &UploadResult{Result: unsupported(p, target, "upload")}, nil
	}

	resource := fmt.Sprintf("upload:%s:%s:%s", target.ID, req.Package, req.Version)
	raw, err := coord.WithLock(ctx, s.locker, resource, writeLockTTL, func(ctx context.Context) (interface{}, error) {
		return uploader.Upload(ctx, target, req)
	})
	details := map[string]interface{}{"repository": target.Name, "package": req.Package, "version": req.Version}
	if err != nil {
		log.Error().Err(err).Str("repository", target.Name).Str("package", req.Package).Str("version", req.Version).Msg("upload failed")
		s.audit.LogFailure(ctx, "artifact_upload", "artifact", req.Package, err, details)
		return nil, fmt.Errorf("upload %s@%s to %s: %w", req.Package, req.Version, target.Name, err)
	}

	info := NormalizeResult(raw).WithDefaults(req.Package, req.Version)
	s.indexer.Index(ctx, target.ID, info)
	s.audit.LogSuccess(ctx, "artifact_upload", "artifact", info.PackageName, details)

	log.Info().
		Str("repository", target.Name).
		Str("package", info.PackageName).
		Str("version", info.Version).
		Int64("size", info.Size).
		Msg("artifact uploaded")

	return &UploadResult{Result: succeeded(), Repository: target.Name, Artifact: &info}, nil
}

// HandlePut stores raw content at a path of a hosted repository
func (s *Service) HandlePut(ctx context.Context, repoName string, req *PutRequest) (*UploadResult, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	target, res, err := s.writeTarget(ctx, repo)
	if err != nil || res != nil {
		return resultOrErr[UploadResult](res, err, func(r Result) *UploadResult { return &UploadResult{Result: r} })
	}
	p, res, err := s.plugin(ctx, target)
	if err != nil || res != nil {
		return resultOrErr[UploadResult](res, err, func(r Result) *UploadResult { return &UploadResult{Result: r} })
	}
	putter, ok := p.Plugin.(Putter)
	if !p.Capabilities.Put || !ok {
		return &UploadResult{Result: unsupported(p, target, "raw put")}, nil
	}

	resource := fmt.Sprintf("put:%s:%s", target.ID, req.Path)
	raw, err := coord.WithLock(ctx, s.locker, resource, writeLockTTL, func(ctx context.Context) (interface{}, error) {
		return putter.HandlePut(ctx, target, req)
	})
	if err != nil {
		s.audit.LogFailure(ctx, "artifact_put", "path", req.Path, err, map[string]interface{}{"repository": target.Name})
		return nil, fmt.Errorf("put %s to %s: %w", req.Path, target.Name, err)
	}

	info := NormalizeResult(raw)
	if info.Path == "" {
		info.Path = req.Path
	}
	s.indexer.Index(ctx, target.ID, info)
	s.audit.LogSuccess(ctx, "artifact_put", "path", req.Path, map[string]interface{}{"repository": target.Name})
	return &UploadResult{Result: succeeded(), Repository: target.Name, Artifact: &info}, nil
}

func resultOrErr[T any](res *Result, err error, wrap func(Result) *T) (*T, error) {
	if err != nil {
		return nil, err
	}
	return wrap(*res), nil
}

// Download reads an artifact. Group repositories try members in order and
// return the first hit. Versions that parse as digests are read through the
// plugin's blob store when it has one.
func (s *Service) Download(ctx context.Context, repoName string, req *DownloadRequest) (*DownloadResult, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	leaves, err := s.leaves(ctx, repo, nil)
	if err != nil {
		return nil, err
	}

	last := failed(ErrNotFound, "%s@%s not found in %s", req.Package, req.Version, repo.Name)
	for _, leaf := range leaves {
		dl, res, err := s.downloadFrom(ctx, leaf, req)
		if err != nil {
			if repo.Type != types.RepositoryGroup {
				return nil, err
			}
			log.Warn().Err(err).Str("group", repo.Name).Str("member", leaf.Name).Msg("group member download failed")
			continue
		}
		if res != nil {
			if repo.Type != types.RepositoryGroup {
				return &DownloadResult{Result: *res}, nil
			}
			continue
		}
		return &DownloadResult{Result: succeeded(), Repository: leaf.Name, Download: dl}, nil
	}
	return &DownloadResult{Result: last}, nil
}

func (s *Service) downloadFrom(ctx context.Context, repo *types.Repository, req *DownloadRequest) (*Download, *Result, error) {
	p, res, err := s.plugin(ctx, repo)
	if err != nil || res != nil {
		return nil, res, err
	}

	var dl *Download
	dgst, isDigest := parseDigest(req.Version)
	switch {
	case isDigest && p.Capabilities.Blobs:
		dl, err = p.Plugin.(BlobStore).GetBlob(ctx, repo, req.Package, dgst, req.Range)
	case p.Capabilities.Download:
		dl, err = p.Plugin.(Downloader).Download(ctx, repo, req)
	default:
		r := unsupported(p, repo, "download")
		return nil, &r, nil
	}
	if isNotFound(err) {
		r := failed(ErrNotFound, "%s@%s not found in %s", req.Package, req.Version, repo.Name)
		return nil, &r, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("download %s@%s from %s: %w", req.Package, req.Version, repo.Name, err)
	}

	s.recordDownload(ctx, repo.ID, req.Package, req.Version)
	return dl, nil, nil
}

func parseDigest(v string) (digest.Digest, bool) {
	d, err := digest.Parse(v)
	if err != nil {
		return "", false
	}
	return d, true
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || storage.IsNotFound(err)
}

// recordDownload bumps the counters of an indexed artifact. Misses are fine:
// not every readable object is indexed.
func (s *Service) recordDownload(ctx context.Context, repositoryID uuid.UUID, pkg, version string) {
	err := s.db.WithContext(ctx).Model(&types.Artifact{}).
		Where("repository_id = ? AND name = ? AND version = ?", repositoryID, pkg, version).
		Updates(map[string]interface{}{
			"downloads":        gorm.Expr("downloads + ?", 1),
			"last_accessed_at": s.now(),
		}).Error
	if err != nil {
		log.Warn().Err(err).Str("package", pkg).Str("version", version).Msg("failed to record download")
	}
}

// ListVersions returns every known version of pkg in ascending order. Leaf
// repositories merge what the plugin reports with the indexed versions; groups
// merge all members.
func (s *Service) ListVersions(ctx context.Context, repoName, pkg string) (*VersionsResult, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	leaves, err := s.leaves(ctx, repo, nil)
	if err != nil {
		return nil, err
	}

	perLeaf := make([][]string, len(leaves))
	g, gctx := errgroup.WithContext(ctx)
	for i, leaf := range leaves {
		g.Go(func() error {
			versions, err := s.leafVersions(gctx, leaf, pkg)
			if err != nil && repo.Type == types.RepositoryGroup {
				log.Warn().Err(err).Str("group", repo.Name).Str("member", leaf.Name).Msg("group member version listing failed")
				return nil
			}
			perLeaf[i] = versions
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &VersionsResult{Result: succeeded(), Versions: utils.SortVersionsAscending(union(perLeaf...))}, nil
}

func (s *Service) leafVersions(ctx context.Context, repo *types.Repository, pkg string) ([]string, error) {
	var indexed []string
	err := s.db.WithContext(ctx).Model(&types.Artifact{}).
		Where("repository_id = ? AND name = ?", repo.ID, pkg).
		Pluck("version", &indexed).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list indexed versions of %s: %w", pkg, err)
	}

	p, ok, err := s.GetPluginForRepo(ctx, repo)
	if err != nil {
		return nil, err
	}
	if !ok || !p.Capabilities.ListVersions {
		return indexed, nil
	}
	reported, err := p.Plugin.(VersionLister).ListVersions(ctx, repo, pkg)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("list versions of %s in %s: %w", pkg, repo.Name, err)
	}
	return union(reported, indexed), nil
}

func union(lists ...[]string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, list := range lists {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// ProxyFetch returns the upstream content at url through the repository's
// cache. Cache hits count as downloads.
func (s *Service) ProxyFetch(ctx context.Context, repoName, url string) (*ProxyResult, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	wrap := func(r Result) *ProxyResult { return &ProxyResult{Result: r} }
	if repo.Type != types.RepositoryProxy {
		return wrap(failed(ErrWrongRepositoryType, "repository %s is not a proxy repository", repo.Name)), nil
	}
	p, res, err := s.plugin(ctx, repo)
	if err != nil || res != nil {
		return resultOrErr[ProxyResult](res, err, wrap)
	}
	fetcher, ok := p.Plugin.(ProxyFetcher)
	if !p.Capabilities.ProxyFetch || !ok {
		return wrap(unsupported(p, repo, "proxy fetch")), nil
	}

	key := proxycache.Key(repo.ID.String(), url)
	caching := repo.Config.CacheEnabled()
	if caching {
		entry, hit, err := s.cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("repository", repo.Name).Msg("proxy cache read failed")
		}
		if hit {
			s.metrics.Hits.WithLabelValues(repo.Name).Inc()
			info := NormalizeResult(entry.Metadata)
			if info.Indexable() {
				s.recordDownload(ctx, repo.ID, info.PackageName, info.Version)
			}
			return &ProxyResult{Result: succeeded(), Payload: entry.Payload, ContentType: entry.ContentType, Cached: true}, nil
		}
	}
	s.metrics.Misses.WithLabelValues(repo.Name).Inc()

	start := s.now()
	resp, err := fetcher.ProxyFetch(ctx, repo, url)
	s.metrics.FetchDuration.WithLabelValues(repo.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.FetchFailure.WithLabelValues(repo.Name).Inc()
		if isNotFound(err) {
			return wrap(failed(ErrNotFound, "%s not found upstream of %s", url, repo.Name)), nil
		}
		log.Warn().Err(err).Str("repository", repo.Name).Str("url", url).Msg("upstream fetch failed")
		return nil, fmt.Errorf("proxy fetch %s for %s: %w", url, repo.Name, err)
	}
	s.metrics.FetchSuccess.WithLabelValues(repo.Name).Inc()

	if caching && resp.Stream == nil && !resp.NoCache {
		entry := &proxycache.Entry{StoredAt: s.now(), Payload: resp.Payload, ContentType: resp.ContentType, Metadata: resp.Metadata}
		if err := s.cache.Set(ctx, key, entry, s.ttlFor(repo)); err != nil {
			log.Warn().Err(err).Str("repository", repo.Name).Msg("proxy cache write failed")
		}
	}

	out := &ProxyResult{Result: succeeded(), Payload: resp.Payload, Stream: resp.Stream, ContentType: resp.ContentType}
	if info := NormalizeResult(resp.Metadata); info.Indexable() {
		s.indexer.Index(ctx, repo.ID, info)
		s.recordDownload(ctx, repo.ID, info.PackageName, info.Version)
		out.Artifact = &info
	}
	return out, nil
}

func (s *Service) ttlFor(repo *types.Repository) time.Duration {
	if repo.Config.CacheTTLSeconds > 0 {
		return time.Duration(repo.Config.CacheTTLSeconds) * time.Second
	}
	return s.proxyTTL
}

// Authenticate asks the repository's plugins to accept creds. Groups accept
// when any member does.
func (s *Service) Authenticate(ctx context.Context, repoName string, creds Credentials) (*AuthResult, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	leaves, err := s.leaves(ctx, repo, nil)
	if err != nil {
		return nil, err
	}

	capable := false
	for _, leaf := range leaves {
		p, ok, err := s.GetPluginForRepo(ctx, leaf)
		if err != nil {
			if repo.Type != types.RepositoryGroup {
				return nil, err
			}
			continue
		}
		if !ok || !p.Capabilities.Authenticate {
			continue
		}
		capable = true
		accepted, err := p.Plugin.(Authenticator).Authenticate(ctx, leaf, creds)
		if err != nil {
			log.Warn().Err(err).Str("repository", leaf.Name).Msg("plugin authentication failed")
			continue
		}
		if accepted {
			return &AuthResult{Result: succeeded(), Repository: leaf.Name}, nil
		}
	}

	if !capable {
		return &AuthResult{Result: failed(ErrUnsupported, "repository %s does not authenticate", repo.Name)}, nil
	}
	return &AuthResult{Result: failed(ErrUnauthorized, "credentials rejected by %s", repo.Name)}, nil
}

// ListPackages returns the package names of a repository
func (s *Service) ListPackages(ctx context.Context, repoName string) (*PackagesResult, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	leaves, err := s.leaves(ctx, repo, nil)
	if err != nil {
		return nil, err
	}

	var lists [][]string
	for _, leaf := range leaves {
		var indexed []string
		if err := s.db.WithContext(ctx).Model(&types.Artifact{}).
			Where("repository_id = ?", leaf.ID).
			Distinct().Pluck("name", &indexed).Error; err != nil {
			return nil, fmt.Errorf("failed to list packages of %s: %w", leaf.Name, err)
		}
		lists = append(lists, indexed)

		p, ok, err := s.GetPluginForRepo(ctx, leaf)
		if err != nil || !ok || !p.Capabilities.ListPackages {
			continue
		}
		reported, err := p.Plugin.(PackageLister).ListPackages(ctx, leaf)
		if err != nil {
			log.Warn().Err(err).Str("repository", leaf.Name).Msg("plugin package listing failed")
			continue
		}
		lists = append(lists, reported)
	}

	packages := union(lists...)
	sort.Strings(packages)
	return &PackagesResult{Result: succeeded(), Packages: packages}, nil
}

// GetPackageDetails describes the indexed versions of pkg
func (s *Service) GetPackageDetails(ctx context.Context, repoName, pkg string) (*DetailsResult, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	leaves, err := s.leaves(ctx, repo, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(leaves))
	for _, leaf := range leaves {
		ids = append(ids, leaf.ID)
	}

	var artifacts []types.Artifact
	if err := s.db.WithContext(ctx).
		Where("repository_id IN ? AND name = ?", ids, pkg).
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("failed to load package %s: %w", pkg, err)
	}
	if len(artifacts) == 0 {
		return &DetailsResult{Result: failed(ErrNotFound, "package %s not found in %s", pkg, repo.Name), Package: pkg}, nil
	}

	byVersion := make(map[string]VersionDetail)
	var total int64
	for _, a := range artifacts {
		total += a.Downloads
		if _, dup := byVersion[a.Version]; dup {
			continue
		}
		detail := VersionDetail{
			Version:   a.Version,
			Size:      a.Size,
			SHA256:    a.SHA256,
			Downloads: a.Downloads,
			Metadata:  a.Metadata,
			CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
		}
		if a.LastAccessedAt != nil {
			detail.LastAccessedAt = a.LastAccessedAt.UTC().Format(time.RFC3339)
		}
		byVersion[a.Version] = detail
	}

	versions := make([]string, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	versions = utils.SortVersionsAscending(versions)

	details := make([]VersionDetail, 0, len(versions))
	for _, v := range versions {
		details = append(details, byVersion[v])
	}
	return &DetailsResult{
		Result:    succeeded(),
		Package:   pkg,
		Latest:    utils.GetLatestVersion(versions),
		Downloads: total,
		Versions:  details,
	}, nil
}

// DeletePackageVersion removes one version from storage and the index. The
// plugin deletes when it can; otherwise the indexed storage key is removed.
func (s *Service) DeletePackageVersion(ctx context.Context, repoName, pkg, version string) (*Result, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	if repo.Type == types.RepositoryGroup {
		res := failed(ErrWrongRepositoryType, "cannot delete from group repository %s", repo.Name)
		return &res, nil
	}

	resource := fmt.Sprintf("upload:%s:%s:%s", repo.ID, pkg, version)
	res, err := coord.WithLock(ctx, s.locker, resource, writeLockTTL, func(ctx context.Context) (Result, error) {
		return s.deleteVersion(ctx, repo, pkg, version)
	})

	details := map[string]interface{}{"repository": repo.Name, "package": pkg, "version": version}
	if err != nil {
		s.audit.LogFailure(ctx, "artifact_delete", "artifact", pkg, err, details)
		return nil, err
	}
	if res.OK {
		s.audit.LogSuccess(ctx, "artifact_delete", "artifact", pkg, details)
		log.Info().Str("repository", repo.Name).Str("package", pkg).Str("version", version).Msg("artifact deleted")
	}
	return &res, nil
}

func (s *Service) deleteVersion(ctx context.Context, repo *types.Repository, pkg, version string) (Result, error) {
	var artifact types.Artifact
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND name = ? AND version = ?", repo.ID, pkg, version).
		First(&artifact).Error
	indexed := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, fmt.Errorf("failed to load %s@%s: %w", pkg, version, err)
	}

	p, ok, err := s.GetPluginForRepo(ctx, repo)
	if err != nil {
		return Result{}, err
	}

	removed := false
	switch {
	case ok && p.Capabilities.Delete:
		err := p.Plugin.(Deleter).DeleteVersion(ctx, repo, pkg, version)
		switch {
		case err == nil:
			removed = true
		case isNotFound(err):
		default:
			return Result{}, fmt.Errorf("delete %s@%s from %s: %w", pkg, version, repo.Name, err)
		}
	case indexed && artifact.StorageKey != "":
		if err := s.storage.Delete(ctx, artifact.StorageKey); err != nil && !storage.IsNotFound(err) {
			return Result{}, fmt.Errorf("failed to delete %s: %w", artifact.StorageKey, err)
		}
		removed = true
	}

	if indexed {
		if err := s.db.WithContext(ctx).Delete(&artifact).Error; err != nil {
			return Result{}, fmt.Errorf("failed to remove %s@%s from index: %w", pkg, version, err)
		}
	}
	if !indexed && !removed {
		return failed(ErrNotFound, "%s@%s not found in %s", pkg, version, repo.Name), nil
	}
	return succeeded(), nil
}
