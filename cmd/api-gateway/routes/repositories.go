package routes

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/cairn/cmd/api-gateway/middleware"
	"github.com/lgulliver/cairn/internal/auth"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/rs/zerolog/log"
)

// RepositoryRoutes sets up the ecosystem-neutral operations surface.
// Package names may contain slashes, so coordinates travel as query
// parameters.
func RepositoryRoutes(api *gin.RouterGroup, registryService *registry.Service, authz middleware.Authorizer) {
	repos := api.Group("/repositories/:repo")

	pull := middleware.RequireAccess(authz, auth.ActionPull)
	push := middleware.RequireAccess(authz, auth.ActionPush)

	repos.GET("/packages", pull, handleListPackages(registryService))
	repos.GET("/package", pull, handlePackageDetails(registryService))
	repos.GET("/versions", pull, handleListVersions(registryService))
	repos.GET("/download", pull, handleDownload(registryService))
	repos.POST("/upload", push, handleUpload(registryService))
	repos.PUT("/files/*path", push, handlePut(registryService))
	repos.DELETE("/versions", push, handleDeleteVersion(registryService))
	repos.GET("/proxy/*path", pull, handleProxy(registryService))
	repos.POST("/authenticate", handleAuthenticate(registryService))
}

func requireQuery(c *gin.Context, names ...string) (map[string]string, bool) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v := c.Query(name)
		if v == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: name + " is required"})
			return nil, false
		}
		out[name] = v
	}
	return out, true
}

func handleListPackages(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.ListPackages(c.Request.Context(), c.Param("repo"))
		if err != nil {
			abortAPI(c, err)
			return
		}
		if !res.OK {
			abortResult(c, res.Result)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: res.Packages})
	}
}

func handlePackageDetails(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, ok := requireQuery(c, "package")
		if !ok {
			return
		}
		res, err := svc.GetPackageDetails(c.Request.Context(), c.Param("repo"), q["package"])
		if err != nil {
			abortAPI(c, err)
			return
		}
		if !res.OK {
			abortResult(c, res.Result)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: res})
	}
}

func handleListVersions(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, ok := requireQuery(c, "package")
		if !ok {
			return
		}
		res, err := svc.ListVersions(c.Request.Context(), c.Param("repo"), q["package"])
		if err != nil {
			abortAPI(c, err)
			return
		}
		if !res.OK {
			abortResult(c, res.Result)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: res.Versions})
	}
}

func handleDownload(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, ok := requireQuery(c, "package", "version")
		if !ok {
			return
		}
		rng, err := storage.ParseRange(c.GetHeader("Range"))
		if err != nil {
			abortAPI(c, err)
			return
		}
		res, err := svc.Download(c.Request.Context(), c.Param("repo"), &registry.DownloadRequest{
			Package: q["package"],
			Version: q["version"],
			Range:   rng,
		})
		if err != nil {
			abortAPI(c, err)
			return
		}
		if !res.OK {
			abortResult(c, res.Result)
			return
		}
		c.Header("X-Cairn-Repository", res.Repository)
		streamDownload(c, res.Download, "")
	}
}

func handleUpload(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, ok := requireQuery(c, "package", "version")
		if !ok {
			return
		}
		res, err := svc.Upload(c.Request.Context(), c.Param("repo"), &registry.UploadRequest{
			Package:     q["package"],
			Version:     q["version"],
			Filename:    c.Query("filename"),
			ContentType: c.ContentType(),
			Body:        c.Request.Body,
		})
		if err != nil {
			abortAPI(c, err)
			return
		}
		if !res.OK {
			abortResult(c, res.Result)
			return
		}
		log.Info().
			Str("repository", res.Repository).
			Str("package", q["package"]).
			Str("version", q["version"]).
			Str("subject", middleware.SubjectFromContext(c)).
			Msg("artifact uploaded")
		c.JSON(http.StatusCreated, types.APIResponse{Success: true, Data: res})
	}
}

func handlePut(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.HandlePut(c.Request.Context(), c.Param("repo"), &registry.PutRequest{
			Path:        c.Param("path"),
			ContentType: c.ContentType(),
			Body:        c.Request.Body,
		})
		if err != nil {
			abortAPI(c, err)
			return
		}
		if !res.OK {
			abortResult(c, res.Result)
			return
		}
		c.JSON(http.StatusCreated, types.APIResponse{Success: true, Data: res})
	}
}

func handleDeleteVersion(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, ok := requireQuery(c, "package", "version")
		if !ok {
			return
		}
		res, err := svc.DeletePackageVersion(c.Request.Context(), c.Param("repo"), q["package"], q["version"])
		if err != nil {
			abortAPI(c, err)
			return
		}
		if !res.OK {
			abortResult(c, *res)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "version deleted"})
	}
}

func handleProxy(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		target := c.Param("path")
		if c.Request.URL.RawQuery != "" {
			target += "?" + c.Request.URL.RawQuery
		}
		res, err := svc.ProxyFetch(c.Request.Context(), c.Param("repo"), target)
		if err != nil {
			abortAPI(c, err)
			return
		}
		if !res.OK {
			abortResult(c, res.Result)
			return
		}

		cache := "MISS"
		if res.Cached {
			cache = "HIT"
		}
		c.Header("X-Cache", cache)
		contentType := res.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if res.Stream != nil {
			defer res.Stream.Close()
			c.Header("Content-Type", contentType)
			c.Status(http.StatusOK)
			if _, err := io.Copy(c.Writer, res.Stream); err != nil {
				log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("client went away")
			}
			return
		}
		c.Header("Content-Length", strconv.Itoa(len(res.Payload)))
		c.Data(http.StatusOK, contentType, res.Payload)
	}
}

type authenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

func handleAuthenticate(svc *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authenticateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: "invalid request body"})
			return
		}
		res, err := svc.Authenticate(c.Request.Context(), c.Param("repo"), registry.Credentials{
			Username: req.Username,
			Password: req.Password,
			Token:    req.Token,
		})
		if err != nil {
			abortAPI(c, err)
			return
		}
		if !res.OK {
			abortResult(c, res.Result)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: res})
	}
}
