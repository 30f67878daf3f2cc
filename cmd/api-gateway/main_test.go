package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/cairn/internal/auth"
	"github.com/lgulliver/cairn/internal/common"
	"github.com/lgulliver/cairn/internal/coord"
	"github.com/lgulliver/cairn/internal/license"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testRouter(t *testing.T, migrate bool) *gin.Engine {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	db := &common.Database{DB: gormDB}
	if migrate {
		require.NoError(t, db.Migrate())
	}

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	cfg := config.LoadFromEnv()
	jobs := coord.NewJobQueue(gormDB, "main-test", time.Minute)
	reg := prometheus.NewRegistry()
	svc := registry.NewService(registry.ServiceConfig{
		DB:      gormDB,
		Storage: store,
		License: license.NewStaticChecker(config.LicenseConfig{}),
		Jobs:    jobs,
	})
	authSvc := auth.NewService(gormDB, config.AuthConfig{JWTSecret: "main-test", JWTExpiration: time.Hour, BCryptCost: 4}, "/v2/token")

	return setupRouter(routerDeps{db: db, registry: svc, auth: authSvc, jobs: jobs, metrics: reg, cfg: cfg})
}

func TestSetupRouter_Health(t *testing.T) {
	router := testRouter(t, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cairn-api-gateway")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRouter_NotReadyBeforeMigrate(t *testing.T) {
	router := testRouter(t, false)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSetupRouter_CORSPreflight(t *testing.T) {
	router := testRouter(t, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v2/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Docker-Content-Digest")
}

func TestSetupRouter_RegistryBase(t *testing.T) {
	router := testRouter(t, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v2/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "registry/2.0", w.Header().Get("Docker-Distribution-API-Version"))
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cairn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o600))
	t.Setenv("CAIRN_CONFIG", path)

	cfg := loadConfig()
	assert.Equal(t, 9999, cfg.Server.Port)
}
