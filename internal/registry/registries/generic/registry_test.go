package generic

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/lgulliver/cairn/internal/license"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/config"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/lgulliver/cairn/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setup(t *testing.T) (*registry.Service, *Registry, *storage.LocalStorage, *types.Repository) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&types.Repository{}, &types.Artifact{}, &types.Job{}))

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	checker := license.NewStaticChecker(config.LicenseConfig{Features: []string{types.ManagerGeneric}})
	plugins := registry.NewPluginRegistry(checker)
	reg := New(store)
	require.NoError(t, plugins.Load(context.Background(), []registry.Plugin{reg}))

	repo := &types.Repository{Name: "libs", Type: types.RepositoryHosted, Manager: types.ManagerGeneric}
	require.NoError(t, db.Create(repo).Error)

	svc := registry.NewService(registry.ServiceConfig{DB: db, Storage: store, Plugins: plugins, License: checker})
	return svc, reg, store, repo
}

func upload(t *testing.T, svc *registry.Service, version, body string) *registry.UploadResult {
	res, err := svc.Upload(context.Background(), "libs", &registry.UploadRequest{
		Package:  "pkg",
		Version:  version,
		Filename: "pkg.tgz",
		Body:     strings.NewReader(body),
	})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	return res
}

func TestPushListDelete(t *testing.T) {
	svc, _, store, _ := setup(t)
	ctx := context.Background()

	first := upload(t, svc, "1.0.0", "one")
	assert.Equal(t, int64(3), first.Artifact.Size)
	assert.Equal(t, utils.ComputeSHA256([]byte("one")), first.Artifact.Hash)

	versions, err := svc.ListVersions(ctx, "libs", "pkg")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, versions.Versions)

	upload(t, svc, "2.0.0", "two")
	versions, err = svc.ListVersions(ctx, "libs", "pkg")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "2.0.0"}, versions.Versions)

	res, err := svc.DeletePackageVersion(ctx, "libs", "pkg", "1.0.0")
	require.NoError(t, err)
	require.True(t, res.OK)

	versions, err = svc.ListVersions(ctx, "libs", "pkg")
	require.NoError(t, err)
	assert.Equal(t, []string{"2.0.0"}, versions.Versions)

	exists, err := store.Exists(ctx, first.Artifact.StorageKey)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDownload_Range(t *testing.T) {
	svc, _, _, _ := setup(t)
	ctx := context.Background()
	upload(t, svc, "1.0.0", "0123456789")

	res, err := svc.Download(ctx, "libs", &registry.DownloadRequest{Package: "pkg", Version: "1.0.0", Range: &storage.ByteRange{Start: -3, End: -1}})
	require.NoError(t, err)
	require.True(t, res.OK)
	defer res.Download.Body.Close()

	data, err := io.ReadAll(res.Download.Body)
	require.NoError(t, err)
	assert.Equal(t, "789", string(data))
	assert.Equal(t, int64(10), res.Download.TotalSize)

	details, err := svc.GetPackageDetails(ctx, "libs", "pkg")
	require.NoError(t, err)
	assert.Equal(t, int64(1), details.Downloads)
}

func TestHandlePut(t *testing.T) {
	svc, reg, _, repo := setup(t)
	ctx := context.Background()

	res, err := svc.HandlePut(ctx, "libs", &registry.PutRequest{Path: "team/tool/0.3.0/tool.bin", Body: strings.NewReader("bin")})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "team/tool", res.Artifact.PackageName)
	assert.Equal(t, "0.3.0", res.Artifact.Version)

	dl, err := reg.Download(ctx, repo, &registry.DownloadRequest{Package: "team/tool", Version: "0.3.0"})
	require.NoError(t, err)
	dl.Body.Close()
	assert.Equal(t, int64(3), dl.Size)

	packages, err := svc.ListPackages(ctx, "libs")
	require.NoError(t, err)
	assert.Contains(t, packages.Packages, "team/tool")
}

func TestValidation(t *testing.T) {
	_, reg, _, repo := setup(t)
	ctx := context.Background()

	_, err := reg.Upload(ctx, repo, &registry.UploadRequest{Package: "../etc", Version: "1.0.0", Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, registry.ErrInvalidRequest)

	_, err = reg.Upload(ctx, repo, &registry.UploadRequest{Package: "pkg", Version: "a/b", Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, registry.ErrInvalidRequest)

	_, err = reg.HandlePut(ctx, repo, &registry.PutRequest{Path: "a/../../b", Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, registry.ErrInvalidRequest)

	err = reg.DeleteVersion(ctx, repo, "pkg", "9.9.9")
	assert.True(t, storage.IsNotFound(err))
}
