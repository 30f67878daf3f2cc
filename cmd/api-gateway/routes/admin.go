package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/cairn/cmd/api-gateway/middleware"
	"github.com/lgulliver/cairn/internal/coord"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/rs/zerolog/log"
)

// AdminDeps are the services behind the admin API
type AdminDeps struct {
	Registry *registry.Service
	Jobs     JobEnqueuer
	Migrator StorageMigrator
}

// queueable lists the job types that may be queued by hand
var queueable = map[string]bool{
	coord.JobProxyCacheCleanup: true,
}

// AdminRoutes sets up the admin API. Only admin tokens and internal callers
// are allowed.
func AdminRoutes(api *gin.RouterGroup, deps AdminDeps, authz middleware.Authorizer) {
	admin := api.Group("/admin")
	admin.Use(middleware.RequireAdmin(authz))

	admin.GET("/plugins", listPlugins(deps.Registry))
	admin.POST("/plugins/reload", reloadPlugins(deps.Registry))
	admin.POST("/jobs/:type", queueJob(deps.Jobs))
	admin.POST("/storage/migrate", migrateStorage(deps.Migrator))
	admin.POST("/repositories/:repo/ping", pingUpstream(deps.Registry))
}

type pluginInfo struct {
	registry.Metadata
	Capabilities registry.Capabilities `json:"capabilities"`
}

func listPlugins(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		loaded := svc.Plugins().List()
		out := make([]pluginInfo, 0, len(loaded))
		for _, p := range loaded {
			out = append(out, pluginInfo{Metadata: p.Metadata, Capabilities: p.Capabilities})
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: out})
	}
}

func reloadPlugins(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Plugins().Reload(c.Request.Context()); err != nil {
			abortAPI(c, err)
			return
		}
		log.Info().Str("subject", middleware.SubjectFromContext(c)).Msg("plugins reloaded")
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "plugins reloaded"})
	}
}

func queueJob(jobs JobEnqueuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobType := c.Param("type")
		if !queueable[jobType] {
			c.AbortWithStatusJSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: "job type cannot be queued: " + jobType})
			return
		}
		job, err := jobs.CreateJob(c.Request.Context(), jobType, nil, 0)
		if err != nil {
			abortAPI(c, err)
			return
		}
		c.JSON(http.StatusAccepted, types.APIResponse{Success: true, Data: job})
	}
}

type migrateRequest struct {
	Prefix string `json:"prefix"`
	From   string `json:"from"`
	To     string `json:"to"`
}

func migrateStorage(migrator StorageMigrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req migrateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: "invalid request body"})
			return
		}
		if req.From == req.To {
			c.AbortWithStatusJSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: "source and destination must differ"})
			return
		}
		result, err := migrator.Migrate(c.Request.Context(), req.Prefix, req.From, req.To)
		if err != nil {
			abortAPI(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: result})
	}
}

func pingUpstream(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		repo, err := svc.Repository(ctx, c.Param("repo"))
		if err != nil {
			abortAPI(c, err)
			return
		}
		if err := svc.PingUpstream(ctx, repo); err != nil {
			if status, _ := statusFor(err, ""); status != http.StatusInternalServerError {
				abortAPI(c, err)
				return
			}
			c.JSON(http.StatusBadGateway, types.APIResponse{Success: false, Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "upstream reachable"})
	}
}
