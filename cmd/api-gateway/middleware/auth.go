package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/cairn/internal/auth"
	"github.com/lgulliver/cairn/pkg/types"
)

// Headers used by trusted internal callers
const (
	RoleHeader           = "X-Cairn-Role"
	InternalSecretHeader = "X-Cairn-Internal-Secret"
)

const subjectKey = "subject"

// BearerToken returns the bearer credential of the request, if any
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// AuthRequest collects the credentials of c for an authorization check
func AuthRequest(c *gin.Context, authDisabled bool, scopes ...auth.Access) auth.Request {
	return auth.Request{
		Role:           c.GetHeader(RoleHeader),
		InternalSecret: c.GetHeader(InternalSecretHeader),
		Bearer:         BearerToken(c),
		AuthDisabled:   authDisabled,
		Scopes:         scopes,
	}
}

// Authorize checks scopes against the credentials of c. On denial it writes
// the challenge and status and aborts the request.
func Authorize(c *gin.Context, authz Authorizer, authDisabled bool, scopes ...auth.Access) bool {
	decision := authz.Authorize(AuthRequest(c, authDisabled, scopes...))
	if decision.Allowed {
		SetSubject(c, decision.Subject)
		return true
	}

	if decision.Challenge != "" {
		c.Header("WWW-Authenticate", decision.Challenge)
	}
	message := "authentication required"
	if decision.Status == http.StatusForbidden && decision.Missing != nil {
		message = "insufficient scope: " + decision.Missing.String()
	}
	c.AbortWithStatusJSON(decision.Status, types.APIResponse{Success: false, Error: message})
	return false
}

// RequireAccess guards routes carrying a :repo parameter. Reads need pull,
// everything else push unless action says otherwise.
func RequireAccess(authz Authorizer, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		repo := c.Param("repo")
		if !Authorize(c, authz, authz.AuthDisabled(c.Request.Context(), repo), auth.RepositoryScope(repo, action)) {
			return
		}
		c.Next()
	}
}

// RequireAdmin allows admin tokens and internal callers only
func RequireAdmin(authz Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !Authorize(c, authz, false, auth.RepositoryScope("*", "*")) {
			return
		}
		c.Next()
	}
}

// SetSubject records the authorized subject for logging
func SetSubject(c *gin.Context, subject string) {
	c.Set(subjectKey, subject)
}

// SubjectFromContext returns the subject an earlier check authorized
func SubjectFromContext(c *gin.Context) string {
	return c.GetString(subjectKey)
}
