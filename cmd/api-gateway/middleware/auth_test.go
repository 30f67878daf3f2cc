package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/cairn/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockAuthorizer mocks the auth service for testing
type MockAuthorizer struct {
	mock.Mock
}

func (m *MockAuthorizer) Authorize(req auth.Request) auth.Decision {
	args := m.Called(req)
	return args.Get(0).(auth.Decision)
}

func (m *MockAuthorizer) AuthDisabled(ctx context.Context, name string) bool {
	args := m.Called(name)
	return args.Bool(0)
}

func newRouter(handler gin.HandlerFunc) (*gin.Engine, *bool) {
	gin.SetMode(gin.TestMode)
	reached := false
	router := gin.New()
	router.GET("/repositories/:repo", handler, func(c *gin.Context) {
		reached = true
		c.String(http.StatusOK, SubjectFromContext(c))
	})
	return router, &reached
}

func TestBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic dXNlcjpwYXNz", ""},
		{"", ""},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			c.Request.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, BearerToken(c), tt.header)
	}
}

func TestRequireAccess_Allowed(t *testing.T) {
	authz := new(MockAuthorizer)
	authz.On("AuthDisabled", "libs").Return(false)
	authz.On("Authorize", mock.MatchedBy(func(req auth.Request) bool {
		return req.Bearer == "token" &&
			req.Role == auth.RoleInternal &&
			req.InternalSecret == "s3cret" &&
			len(req.Scopes) == 1 && req.Scopes[0].String() == "repository:libs:push"
	})).Return(auth.Decision{Allowed: true, Subject: "alice"})

	router, reached := newRouter(RequireAccess(authz, auth.ActionPush))
	req := httptest.NewRequest(http.MethodGet, "/repositories/libs", nil)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set(RoleHeader, auth.RoleInternal)
	req.Header.Set(InternalSecretHeader, "s3cret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, *reached)
	assert.Equal(t, "alice", w.Body.String())
	authz.AssertExpectations(t)
}

func TestRequireAccess_Challenge(t *testing.T) {
	authz := new(MockAuthorizer)
	authz.On("AuthDisabled", "libs").Return(true)
	authz.On("Authorize", mock.MatchedBy(func(req auth.Request) bool { return req.AuthDisabled })).
		Return(auth.Decision{Status: http.StatusUnauthorized, Challenge: `Bearer realm="r"`})

	router, reached := newRouter(RequireAccess(authz, auth.ActionPush))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/repositories/libs", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Bearer realm="r"`, w.Header().Get("WWW-Authenticate"))
	assert.False(t, *reached)
}

func TestRequireAccess_Forbidden(t *testing.T) {
	missing := auth.RepositoryScope("libs", auth.ActionPush)
	authz := new(MockAuthorizer)
	authz.On("AuthDisabled", "libs").Return(false)
	authz.On("Authorize", mock.Anything).Return(auth.Decision{Status: http.StatusForbidden, Missing: &missing})

	router, reached := newRouter(RequireAccess(authz, auth.ActionPush))
	req := httptest.NewRequest(http.MethodGet, "/repositories/libs", nil)
	req.Header.Set("Authorization", "Bearer token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "repository:libs:push")
	assert.False(t, *reached)
}

func TestRequireAdmin(t *testing.T) {
	authz := new(MockAuthorizer)
	authz.On("Authorize", mock.MatchedBy(func(req auth.Request) bool {
		return !req.AuthDisabled && req.Scopes[0].Name == "*"
	})).Return(auth.Decision{Status: http.StatusUnauthorized}).Once()

	router, reached := newRouter(RequireAdmin(authz))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/repositories/any", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, *reached)
	authz.AssertExpectations(t)
}
