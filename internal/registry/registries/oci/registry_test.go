package oci

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lgulliver/cairn/internal/common"
	"github.com/lgulliver/cairn/internal/license"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/config"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	svc   *registry.Service
	reg   *Registry
	store *storage.LocalStorage
	repo  *types.Repository
}

func setup(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&types.Repository{}, &types.Artifact{}, &types.Job{}))

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	checker := license.NewStaticChecker(config.LicenseConfig{Features: []string{types.ManagerDocker}})
	plugins := registry.NewPluginRegistry(checker)
	reg := New(store, NewMemorySessionStore())
	require.NoError(t, plugins.Load(context.Background(), []registry.Plugin{reg}))

	repo := &types.Repository{Name: "images", Type: types.RepositoryHosted, Manager: types.ManagerDocker}
	require.NoError(t, db.Create(repo).Error)

	svc := registry.NewService(registry.ServiceConfig{DB: db, Storage: store, Plugins: plugins, License: checker})
	return &testEnv{svc: svc, reg: reg, store: store, repo: repo}
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestChunkedUpload(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	session, err := env.svc.InitiateUpload(ctx, "images", "app")
	require.NoError(t, err)
	assert.Zero(t, session.Offset)

	session, err = env.svc.AppendUpload(ctx, "images", session.ID, strings.NewReader("A"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), session.Offset)

	expected := digest.FromString("AB")
	desc, err := env.svc.FinalizeUpload(ctx, "images", "app", session.ID, expected, strings.NewReader("B"))
	require.NoError(t, err)
	assert.Equal(t, expected, desc.Digest)
	assert.Equal(t, int64(2), desc.Size)

	dl, err := env.svc.Download(ctx, "images", &registry.DownloadRequest{Package: "app", Version: expected.String()})
	require.NoError(t, err)
	require.True(t, dl.OK)
	assert.Equal(t, "AB", readAll(t, dl.Download.Body))

	// the session is gone once finalized
	_, err = env.svc.UploadStatus(ctx, "images", session.ID)
	assert.ErrorIs(t, err, registry.ErrUploadUnknown)
}

func TestSingleStepUpload(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	expected := digest.FromString("layer")
	desc, err := env.svc.FinalizeUpload(ctx, "images", "app", "", expected, strings.NewReader("layer"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), desc.Size)

	stat, err := env.svc.StatBlob(ctx, "images", "app", expected)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stat.Size)
}

func TestFinalizeUpload_DigestMismatch(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	session, err := env.svc.InitiateUpload(ctx, "images", "app")
	require.NoError(t, err)

	_, err = env.svc.FinalizeUpload(ctx, "images", "app", session.ID, digest.FromString("other"), strings.NewReader("data"))
	assert.ErrorIs(t, err, registry.ErrInvalidDigest)

	_, err = env.svc.FinalizeUpload(ctx, "images", "app", "", digest.Digest("sha256:nothex"), strings.NewReader("data"))
	assert.ErrorIs(t, err, registry.ErrInvalidDigest)

	// a failed finalize leaves the session resumable
	status, err := env.svc.UploadStatus(ctx, "images", session.ID)
	require.NoError(t, err)
	assert.Zero(t, status.Offset)
}

func TestCancelUpload(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	session, err := env.svc.InitiateUpload(ctx, "images", "app")
	require.NoError(t, err)
	require.NoError(t, env.svc.CancelUpload(ctx, "images", session.ID))

	_, err = env.svc.AppendUpload(ctx, "images", session.ID, strings.NewReader("late"))
	assert.ErrorIs(t, err, registry.ErrUploadUnknown)
	assert.ErrorIs(t, env.svc.CancelUpload(ctx, "images", "missing"), registry.ErrUploadUnknown)
}

func imageManifest(t *testing.T, config, layer digest.Digest) []byte {
	m := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: config, Size: 2},
		Layers:    []ocispec.Descriptor{{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: layer, Size: 5}},
	}
	payload, err := json.Marshal(m)
	require.NoError(t, err)
	return payload
}

func TestManifestPushAndPull(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	payload := imageManifest(t, digest.FromString("{}"), digest.FromString("layer"))

	desc, err := env.svc.PutManifest(ctx, "images", "team/app", "v1", ocispec.MediaTypeImageManifest, payload)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(payload), desc.Digest)

	byTag, servedBy, err := env.svc.GetManifest(ctx, "images", "team/app", "v1")
	require.NoError(t, err)
	assert.Equal(t, "images", servedBy)
	assert.Equal(t, ocispec.MediaTypeImageManifest, byTag.Descriptor.MediaType)
	assert.Equal(t, payload, byTag.Payload)

	byDigest, _, err := env.svc.GetManifest(ctx, "images", "team/app", desc.Digest.String())
	require.NoError(t, err)
	assert.Equal(t, desc.Digest, byDigest.Descriptor.Digest)

	tags, err := env.svc.ListTags(ctx, "images", "team/app")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, tags)

	versions, err := env.svc.ListVersions(ctx, "images", "team/app")
	require.NoError(t, err)
	assert.Contains(t, versions.Versions, "v1")

	require.NoError(t, env.svc.DeleteManifest(ctx, "images", "team/app", "v1"))
	_, _, err = env.svc.GetManifest(ctx, "images", "team/app", "v1")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestPutManifest_Rejects(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	payload := imageManifest(t, digest.FromString("{}"), digest.FromString("layer"))

	_, err := env.svc.PutManifest(ctx, "images", "app", digest.FromString("other").String(), "", payload)
	assert.ErrorIs(t, err, registry.ErrInvalidDigest)

	_, err = env.svc.PutManifest(ctx, "images", "app", "v1", "", []byte("not json"))
	assert.ErrorIs(t, err, registry.ErrManifestInvalid)

	_, err = env.svc.PutManifest(ctx, "images", "app", "v1", "application/x-unknown", payload)
	assert.ErrorIs(t, err, registry.ErrManifestInvalid)
}

func TestGetBlob_Range(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	dgst := digest.FromString("0123456789")
	_, err := env.svc.FinalizeUpload(ctx, "images", "app", "", dgst, strings.NewReader("0123456789"))
	require.NoError(t, err)

	dl, err := env.reg.GetBlob(ctx, env.repo, "app", dgst, &storage.ByteRange{Start: 2, End: 5})
	require.NoError(t, err)
	assert.Equal(t, "2345", readAll(t, dl.Body))
	assert.Equal(t, int64(4), dl.Size)
	assert.Equal(t, int64(10), dl.TotalSize)
	require.NotNil(t, dl.Range)
	assert.Equal(t, "bytes 2-5/10", dl.Range.ContentRange(dl.TotalSize))

	require.NoError(t, env.svc.DeleteBlob(ctx, "images", "app", dgst))
	_, err = env.svc.StatBlob(ctx, "images", "app", dgst)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSessions_ScopedToRepository(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	session, err := env.reg.InitiateUpload(ctx, env.repo, "app")
	require.NoError(t, err)

	other := &types.Repository{Name: "other", Manager: types.ManagerDocker}
	_, err = env.reg.UploadStatus(ctx, other, session.ID)
	assert.ErrorIs(t, err, registry.ErrUploadUnknown)
}

func TestMemorySessionStore_Sweep(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Save(ctx, &Session{ID: "fresh", UpdatedAt: now}))
	require.NoError(t, store.Save(ctx, &Session{ID: "stale", UpdatedAt: now.Add(-25 * time.Hour)}))

	_, err := store.Get(ctx, "stale")
	assert.ErrorIs(t, err, registry.ErrUploadUnknown)

	assert.Equal(t, 1, store.Sweep(ctx))
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestMemorySessionStore_CopiesBuffers(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	s := &Session{ID: "s", Buffer: []byte("ab"), UpdatedAt: time.Now()}
	require.NoError(t, store.Save(ctx, s))

	s.Buffer[0] = 'x'
	got, err := store.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got.Buffer)
}

func TestRedisSessionStore(t *testing.T) {
	addr := os.Getenv("CAIRN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CAIRN_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	store := NewRedisSessionStore(common.NewCacheFromClient(client))
	ctx := context.Background()
	s := &Session{ID: "redis-session", Repository: "images", Buffer: []byte{0, 1, 2, 255}, UpdatedAt: time.Now()}
	require.NoError(t, store.Save(ctx, s))
	t.Cleanup(func() { store.Delete(ctx, s.ID) })

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Buffer, got.Buffer)

	ttl, err := client.TTL(ctx, sessionKey(s.ID)).Result()
	require.NoError(t, err)
	assert.InDelta(t, SessionTTL.Seconds(), ttl.Seconds(), 5)

	require.NoError(t, store.Delete(ctx, s.ID))
	_, err = store.Get(ctx, s.ID)
	assert.ErrorIs(t, err, registry.ErrUploadUnknown)
}
