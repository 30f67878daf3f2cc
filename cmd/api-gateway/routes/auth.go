package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/cairn/internal/auth"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/rs/zerolog/log"
)

// AuthRoutes sets up the JSON login endpoint used by non-registry clients
func AuthRoutes(api *gin.RouterGroup, authService *auth.Service) {
	group := api.Group("/auth")
	group.POST("/login", handleLogin(authService))
}

type loginRequest struct {
	Username string   `json:"username" binding:"required"`
	Password string   `json:"password" binding:"required"`
	Scopes   []string `json:"scopes"`
}

func handleLogin(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: "username and password are required"})
			return
		}

		ctx := c.Request.Context()
		user, err := authService.Login(ctx, req.Username, req.Password)
		if err != nil {
			log.Info().Err(err).Str("username", req.Username).Msg("login rejected")
			abortAPI(c, err)
			return
		}
		scopes, err := auth.ParseScopes(req.Scopes)
		if err != nil {
			abortAPI(c, err)
			return
		}
		token, err := authService.IssueToken(ctx, user, scopes)
		if err != nil {
			abortAPI(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: token})
	}
}
