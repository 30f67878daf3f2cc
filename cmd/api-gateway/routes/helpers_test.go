package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/cairn/internal/auth"
	"github.com/lgulliver/cairn/internal/coord"
	"github.com/lgulliver/cairn/internal/license"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/registry/registries/generic"
	"github.com/lgulliver/cairn/internal/registry/registries/oci"
	"github.com/lgulliver/cairn/internal/registry/registries/proxy"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/config"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const internalSecret = "internal-secret"

type mockMigrator struct {
	mock.Mock
}

func (m *mockMigrator) Migrate(ctx context.Context, prefix, from, to string) (*storage.MigrationResult, error) {
	args := m.Called(prefix, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.MigrationResult), args.Error(1)
}

type testEnv struct {
	router   *gin.Engine
	db       *gorm.DB
	registry *registry.Service
	auth     *auth.Service
	jobs     *coord.JobQueue
	migrator *mockMigrator
}

func newTestEnv(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&types.User{}, &types.Repository{}, &types.Artifact{}, &types.Job{}))

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	checker := license.NewStaticChecker(config.LicenseConfig{
		Features: []string{types.ManagerGeneric, types.ManagerGenericProxy, types.ManagerDocker},
	})
	plugins := registry.NewPluginRegistry(checker)
	require.NoError(t, plugins.Load(ctx, []registry.Plugin{
		generic.New(store),
		proxy.New(store, config.ProxyCacheConfig{FetchTimeout: time.Second, PingTimeout: time.Second}),
		oci.New(store, oci.NewMemorySessionStore()),
	}))

	jobs := coord.NewJobQueue(db, "routes-test", time.Minute)
	svc := registry.NewService(registry.ServiceConfig{DB: db, Storage: store, Plugins: plugins, License: checker, Jobs: jobs})
	authSvc := auth.NewService(db, config.AuthConfig{
		JWTSecret:      "routes-test-secret",
		JWTExpiration:  time.Hour,
		BCryptCost:     4,
		TokenService:   "cairn-test",
		InternalSecret: internalSecret,
	}, "http://registry.test/v2/token")

	env := &testEnv{db: db, registry: svc, auth: authSvc, jobs: jobs, migrator: new(mockMigrator)}
	env.router = gin.New()
	OCIRoutes(env.router, svc, authSvc, "")
	api := env.router.Group("/api/v1")
	AuthRoutes(api, authSvc)
	RepositoryRoutes(api, svc, authSvc)
	AdminRoutes(api, AdminDeps{Registry: svc, Jobs: jobs, Migrator: env.migrator}, authSvc)
	return env
}

func (e *testEnv) repo(t *testing.T, name string, typ types.RepositoryType, manager string, cfg types.RepositoryConfig) *types.Repository {
	repo := &types.Repository{Name: name, Type: typ, Manager: manager, Config: cfg}
	require.NoError(t, e.db.Create(repo).Error)
	return repo
}

func (e *testEnv) user(t *testing.T, name string, admin bool, roles ...string) *types.User {
	u, err := e.auth.CreateUser(context.Background(), name, name+"-password", admin, roles...)
	require.NoError(t, err)
	return u
}

// token issues a bearer token for user with the given scopes
func (e *testEnv) token(t *testing.T, user *types.User, scopes ...string) string {
	access, err := auth.ParseScopes(scopes)
	require.NoError(t, err)
	tok, err := e.auth.IssueToken(context.Background(), user, access)
	require.NoError(t, err)
	return tok.Token
}

func (e *testEnv) do(method, target, bearer string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return e.serve(req)
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func newBasicRequest(method, target, username, password string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.SetBasicAuth(username, password)
	return req
}
