package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/cairn/cmd/api-gateway/middleware"
	"github.com/lgulliver/cairn/cmd/api-gateway/routes"
	"github.com/lgulliver/cairn/internal/audit"
	"github.com/lgulliver/cairn/internal/auth"
	"github.com/lgulliver/cairn/internal/common"
	"github.com/lgulliver/cairn/internal/coord"
	"github.com/lgulliver/cairn/internal/license"
	"github.com/lgulliver/cairn/internal/proxycache"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/registry/registries/generic"
	"github.com/lgulliver/cairn/internal/registry/registries/oci"
	"github.com/lgulliver/cairn/internal/registry/registries/proxy"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func loadConfig() *config.Config {
	path := os.Getenv("CAIRN_CONFIG")
	if path == "" {
		return config.LoadFromEnv()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to load configuration")
	}
	return cfg
}

func main() {
	cfg := loadConfig()
	cfg.Logging.SetupLogging()

	log.Info().Msg("starting cairn api gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// shared state lives in Redis when it is configured
	var (
		locker   coord.Locker
		cache    proxycache.Cache
		sessions oci.SessionStore
		memory   *oci.MemorySessionStore
	)
	if cfg.Redis.Enabled {
		redisCache, err := common.NewCache(&cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisCache.Close()
		locker = coord.NewRedisLocker(redisCache.Client())
		cache = proxycache.NewRedisCache(redisCache)
		sessions = oci.NewRedisSessionStore(redisCache)
	} else {
		log.Warn().Msg("redis disabled, using in-process locks and caches")
		locker = coord.NewMemoryLocker()
		cache = proxycache.NewMemoryCache(cfg.ProxyCache.DefaultTTL, 10*time.Minute)
		memory = oci.NewMemorySessionStore()
		sessions = memory
	}

	checker := license.NewStaticChecker(cfg.License)

	factory := storage.NewStorageFactory(&cfg.Storage, checker)
	store, err := storage.NewDefaultRouter(ctx, storage.NewDBBindings(db), factory)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	plugins := registry.NewPluginRegistry(checker)
	if err := plugins.Load(ctx, []registry.Plugin{
		generic.New(store),
		proxy.New(store, cfg.ProxyCache),
		oci.New(store, sessions),
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to load registry plugins")
	}
	plugins.OnReload(store.Reset)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	cacheMetrics := proxycache.NewMetrics(reg)
	measures := coord.NewMeasures(reg)

	sink := audit.NewLogSink()
	jobs := coord.NewJobQueue(db.DB, cfg.Jobs.WorkerID, cfg.Jobs.StaleThreshold)
	registryService := registry.NewService(registry.ServiceConfig{
		DB:         db.DB,
		Storage:    store,
		Plugins:    plugins,
		License:    checker,
		Locker:     locker,
		Jobs:       jobs,
		Cache:      cache,
		Metrics:    cacheMetrics,
		Audit:      sink,
		ProxyTTL:   cfg.ProxyCache.DefaultTTL,
		AsyncIndex: true,
	})
	authService := auth.NewService(db.DB, cfg.Auth, cfg.Server.PublicURL+"/v2/token")

	cleaner := proxycache.NewCleaner(db.DB, store, sink, cacheMetrics, cfg.ProxyCache.DefaultMaxAge)
	worker := coord.NewWorker(jobs, coord.WorkerConfig{PollInterval: cfg.Jobs.PollInterval}, measures)
	worker.Handle(coord.JobIndexArtifact, registryService.Indexer().HandleJob)
	worker.Handle(coord.JobProxyCacheCleanup, cleaner.HandleJob)

	scheduler := coord.NewScheduler(coord.NewElector(db.DB))
	for _, task := range coord.MaintenanceTasks(jobs, cfg.Jobs) {
		scheduler.Add(task)
	}
	scheduler.Add(coord.DailyJobTask(jobs, coord.JobProxyCacheCleanup, cfg.ProxyCache.CleanupInterval))
	scheduler.Add(coord.UpstreamPingTask(cfg.ProxyCache.PingInterval, registryService.PingUpstreams))
	if memory != nil {
		scheduler.Add(coord.Task{
			Name:       "sweep-upload-sessions",
			Interval:   time.Hour,
			LeaderLock: coord.LeaderSessionSweep,
			Run: func(ctx context.Context) error {
				memory.Sweep(ctx)
				return nil
			},
		})
	}

	router := setupRouter(routerDeps{
		db:       db,
		registry: registryService,
		auth:     authService,
		jobs:     jobs,
		migrator: storage.NewMigrator(store, locker),
		metrics:  reg,
		cfg:      cfg,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("job worker stopped")
		}
	}()
	go func() {
		defer background.Done()
		scheduler.Run(ctx)
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	// give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	background.Wait()
	registryService.Indexer().Wait()
	log.Info().Msg("server shutdown complete")
}

type routerDeps struct {
	db       *common.Database
	registry *registry.Service
	auth     *auth.Service
	jobs     routes.JobEnqueuer
	migrator routes.StorageMigrator
	metrics  *prometheus.Registry
	cfg      *config.Config
}

func setupRouter(deps routerDeps) *gin.Engine {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "cairn-api-gateway",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		if deps.db == nil || !deps.db.Ready(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.metrics, promhttp.HandlerOpts{})))

	routes.OCIRoutes(router, deps.registry, deps.auth, deps.cfg.Server.PublicURL)

	api := router.Group("/api/v1")
	routes.AuthRoutes(api, deps.auth)
	routes.RepositoryRoutes(api, deps.registry, deps.auth)
	routes.AdminRoutes(api, routes.AdminDeps{Registry: deps.registry, Jobs: deps.jobs, Migrator: deps.migrator}, deps.auth)

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Content-Range, Range, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Expose-Headers", "Docker-Content-Digest, Docker-Upload-UUID, Location, Range, WWW-Authenticate")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, HEAD, PUT, PATCH, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
