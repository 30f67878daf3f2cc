package routes

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lgulliver/cairn/internal/coord"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/admin/plugins", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok := env.token(t, env.user(t, "alice", false), "repository:files:pull,push")
	w = env.do(http.MethodGet, "/api/v1/admin/plugins", tok, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminRoutes_Plugins(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.user(t, "root", true))

	w := env.do(http.MethodGet, "/api/v1/admin/plugins", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, key := range []string{types.ManagerGeneric, types.ManagerGenericProxy, types.ManagerDocker} {
		assert.Contains(t, body, `"`+key+`"`)
	}
	assert.Contains(t, body, "capabilities")

	w = env.do(http.MethodPost, "/api/v1/admin/plugins/reload", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAdminRoutes_QueueJob(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.user(t, "root", true))

	w := env.do(http.MethodPost, "/api/v1/admin/jobs/"+coord.JobProxyCacheCleanup, tok, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var count int64
	require.NoError(t, env.db.Model(&types.Job{}).Where("type = ?", coord.JobProxyCacheCleanup).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	w = env.do(http.MethodPost, "/api/v1/admin/jobs/"+coord.JobIndexArtifact, tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutes_MigrateStorage(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.user(t, "root", true))

	env.migrator.On("Migrate", "generic/", "local", "s3").
		Return(&storage.MigrationResult{Total: 3, Copied: 2, Skipped: 1}, nil).Once()
	w := env.do(http.MethodPost, "/api/v1/admin/storage/migrate", tok,
		strings.NewReader(`{"prefix":"generic/","from":"local","to":"s3"}`), "Content-Type", "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"success":true`)

	env.migrator.On("Migrate", "", "local", "broken").Return(nil, coord.ErrLockNotAcquired).Once()
	w = env.do(http.MethodPost, "/api/v1/admin/storage/migrate", tok,
		strings.NewReader(`{"from":"local","to":"broken"}`), "Content-Type", "application/json")
	assert.Equal(t, http.StatusConflict, w.Code)

	env.migrator.On("Migrate", "", "local", "gone").Return(nil, errors.New("bucket vanished")).Once()
	w = env.do(http.MethodPost, "/api/v1/admin/storage/migrate", tok,
		strings.NewReader(`{"from":"local","to":"gone"}`), "Content-Type", "application/json")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "bucket vanished")

	w = env.do(http.MethodPost, "/api/v1/admin/storage/migrate", tok,
		strings.NewReader(`{"from":"local","to":"local"}`), "Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.migrator.AssertExpectations(t)
}

func TestAdminRoutes_Ping(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	env := newTestEnv(t)
	env.repo(t, "up", types.RepositoryProxy, types.ManagerGenericProxy, types.RepositoryConfig{UpstreamURL: healthy.URL})
	env.repo(t, "down", types.RepositoryProxy, types.ManagerGenericProxy, types.RepositoryConfig{UpstreamURL: failing.URL})
	env.repo(t, "files", types.RepositoryHosted, types.ManagerGeneric, types.RepositoryConfig{})
	tok := env.token(t, env.user(t, "root", true))

	w := env.do(http.MethodPost, "/api/v1/admin/repositories/up/ping", tok, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(http.MethodPost, "/api/v1/admin/repositories/down/ping", tok, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = env.do(http.MethodPost, "/api/v1/admin/repositories/files/ping", tok, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = env.do(http.MethodPost, "/api/v1/admin/repositories/nope/ping", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthRoutes_Login(t *testing.T) {
	env := newTestEnv(t)
	env.user(t, "alice", false)

	w := env.do(http.MethodPost, "/api/v1/auth/login", "",
		strings.NewReader(`{"username":"alice","password":"alice-password","scopes":["repository:files:pull"]}`),
		"Content-Type", "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"token"`)

	w = env.do(http.MethodPost, "/api/v1/auth/login", "",
		strings.NewReader(`{"username":"alice","password":"nope"}`), "Content-Type", "application/json")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/v1/auth/login", "",
		strings.NewReader(`{"username":"alice"}`), "Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/auth/login", "",
		strings.NewReader(`{"username":"alice","password":"alice-password","scopes":["bogus"]}`),
		"Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
