package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lgulliver/cairn/internal/license"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/config"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type upstream struct {
	*httptest.Server
	hits atomic.Int32
	down atomic.Bool
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		if u.down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch r.URL.Path {
		case "/", "/tools/cli/1.2.0/cli.tar.gz":
			w.Header().Set("Content-Type", "application/gzip")
			io.WriteString(w, "archive")
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			io.WriteString(w, "late")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

func newRegistry(t *testing.T) (*Registry, *storage.LocalStorage) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return New(store, config.ProxyCacheConfig{FetchTimeout: 100 * time.Millisecond, PingTimeout: 100 * time.Millisecond}), store
}

func proxyRepo(url string) *types.Repository {
	return &types.Repository{
		Name:    "mirror",
		Type:    types.RepositoryProxy,
		Manager: types.ManagerGenericProxy,
		Config:  types.RepositoryConfig{UpstreamURL: url},
	}
}

func TestResolve(t *testing.T) {
	repo := proxyRepo("https://files.example.com/base/")

	tests := []struct {
		name, target, url, path string
		wantErr                 bool
	}{
		{name: "relative", target: "a/b.txt", url: "https://files.example.com/base/a/b.txt", path: "a/b.txt"},
		{name: "leading slash", target: "/a/b.txt", url: "https://files.example.com/base/a/b.txt", path: "a/b.txt"},
		{name: "absolute", target: "https://files.example.com/base/x", url: "https://files.example.com/base/x", path: "x"},
		{name: "other host", target: "https://evil.example.com/base/x", wantErr: true},
		{name: "sibling prefix", target: "https://files.example.com/basement/x", wantErr: true},
		{name: "traversal", target: "a/../../etc", wantErr: true},
		{name: "empty", target: "/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, path, err := resolve(repo, tt.target)
			if tt.wantErr {
				assert.ErrorIs(t, err, registry.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.url, url)
			assert.Equal(t, tt.path, path)
		})
	}

	_, _, err := resolve(proxyRepo(""), "a")
	assert.ErrorIs(t, err, registry.ErrInvalidRequest)
}

func TestProxyFetch_StoresAndDescribes(t *testing.T) {
	up := newUpstream(t)
	reg, store := newRegistry(t)
	repo := proxyRepo(up.URL)
	ctx := context.Background()

	resp, err := reg.ProxyFetch(ctx, repo, "tools/cli/1.2.0/cli.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "archive", string(resp.Payload))
	assert.Equal(t, "application/gzip", resp.ContentType)
	assert.False(t, resp.NoCache)

	info := registry.NormalizeResult(resp.Metadata)
	assert.Equal(t, "tools/cli", info.PackageName)
	assert.Equal(t, "1.2.0", info.Version)
	assert.Equal(t, int64(7), info.Size)

	exists, err := store.Exists(ctx, info.StorageKey)
	require.NoError(t, err)
	assert.True(t, exists)

	dl, err := reg.Download(ctx, repo, &registry.DownloadRequest{Package: "tools/cli", Version: "1.2.0"})
	require.NoError(t, err)
	defer dl.Body.Close()
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))
}

func TestProxyFetch_Failures(t *testing.T) {
	up := newUpstream(t)
	reg, _ := newRegistry(t)
	repo := proxyRepo(up.URL)
	ctx := context.Background()

	_, err := reg.ProxyFetch(ctx, repo, "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, err = reg.ProxyFetch(ctx, repo, "slow")
	assert.Error(t, err)

	// a stored copy is served once the upstream fails
	_, err = reg.ProxyFetch(ctx, repo, "tools/cli/1.2.0/cli.tar.gz")
	require.NoError(t, err)
	up.down.Store(true)
	resp, err := reg.ProxyFetch(ctx, repo, "tools/cli/1.2.0/cli.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "archive", string(resp.Payload))
	assert.True(t, resp.NoCache)

	_, err = reg.ProxyFetch(ctx, repo, "tools/other/1.0.0/x")
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	up := newUpstream(t)
	reg, _ := newRegistry(t)
	ctx := context.Background()

	assert.NoError(t, reg.Ping(ctx, proxyRepo(up.URL)))

	up.down.Store(true)
	assert.Error(t, reg.Ping(ctx, proxyRepo(up.URL)))
	assert.ErrorIs(t, reg.Ping(ctx, proxyRepo("")), registry.ErrInvalidRequest)
}

func TestService_ProxyFetchCachesAndIndexes(t *testing.T) {
	up := newUpstream(t)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&types.Repository{}, &types.Artifact{}, &types.Job{}))

	reg, store := newRegistry(t)
	checker := license.NewStaticChecker(config.LicenseConfig{Features: []string{types.ManagerGenericProxy}})
	plugins := registry.NewPluginRegistry(checker)
	require.NoError(t, plugins.Load(context.Background(), []registry.Plugin{reg}))

	repo := proxyRepo(up.URL)
	require.NoError(t, db.Create(repo).Error)
	svc := registry.NewService(registry.ServiceConfig{DB: db, Storage: store, Plugins: plugins, License: checker})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := svc.ProxyFetch(ctx, "mirror", "tools/cli/1.2.0/cli.tar.gz")
		require.NoError(t, err)
		require.True(t, res.OK, res.Message)
		assert.Equal(t, "archive", string(res.Payload))
		assert.Equal(t, i == 1, res.Cached)
	}
	assert.Equal(t, int32(1), up.hits.Load())

	details, err := svc.GetPackageDetails(ctx, "mirror", "tools/cli")
	require.NoError(t, err)
	require.True(t, details.OK, details.Message)
	assert.Equal(t, int64(2), details.Downloads)

	res, err := svc.ProxyFetch(ctx, "mirror", "missing")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Reason, registry.ErrNotFound)
}
