// Package auth mints registry bearer tokens and decides whether a request may
// perform an action on a repository.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lgulliver/cairn/pkg/config"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/lgulliver/cairn/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Actions on repository scopes. Every write, deletes included, needs push.
const (
	ActionPull = "pull"
	ActionPush = "push"
)

// RoleAdmin bypasses scope checks
const RoleAdmin = "admin"

// RoleInternal marks trusted service-to-service calls
const RoleInternal = "internal"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserDisabled       = errors.New("user account is disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidScope       = errors.New("invalid scope")
)

// Access is one scope entry: a resource and the actions allowed on it
type Access struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// ParseScope parses "repository:<name>:<action>[,<action>...]". Names may
// contain colons, so the actions follow the last one.
func ParseScope(scope string) (Access, error) {
	first := strings.Index(scope, ":")
	last := strings.LastIndex(scope, ":")
	if first <= 0 || last == first || last == len(scope)-1 {
		return Access{}, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return Access{
		Type:    scope[:first],
		Name:    scope[first+1 : last],
		Actions: strings.Split(scope[last+1:], ","),
	}, nil
}

// ParseScopes parses every scope parameter, skipping empty values
func ParseScopes(scopes []string) ([]Access, error) {
	var out []Access
	for _, raw := range scopes {
		for _, s := range strings.Fields(raw) {
			a, err := ParseScope(s)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
	}
	return out, nil
}

func (a Access) String() string {
	return fmt.Sprintf("%s:%s:%s", a.Type, a.Name, strings.Join(a.Actions, ","))
}

// RepositoryScope builds the scope for action on repository name
func RepositoryScope(name string, actions ...string) Access {
	return Access{Type: "repository", Name: name, Actions: actions}
}

// Claims are the JWT claims of a registry token
type Claims struct {
	jwt.RegisteredClaims
	Access []Access `json:"access"`
	Admin  bool     `json:"admin,omitempty"`
}

// allows reports whether the claims grant action on the repository
func (c *Claims) allows(name, action string) bool {
	for _, a := range c.Access {
		if a.Type != "repository" || (a.Name != name && a.Name != "*") {
			continue
		}
		if slices.Contains(a.Actions, action) || slices.Contains(a.Actions, "*") {
			return true
		}
	}
	return false
}

// Token is the token endpoint response
type Token struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// Service handles registry authentication
type Service struct {
	db     *gorm.DB
	config config.AuthConfig
	realm  string
	now    func() time.Time
}

// NewService creates a new authentication service. realm is the absolute URL
// of the token endpoint advertised in challenges.
func NewService(db *gorm.DB, cfg config.AuthConfig, realm string) *Service {
	if cfg.JWTExpiration <= 0 {
		cfg.JWTExpiration = 15 * time.Minute
	}
	return &Service{db: db, config: cfg, realm: realm, now: time.Now}
}

// Login checks a username and password against the users table
func (s *Service) Login(ctx context.Context, username, password string) (*types.User, error) {
	var user types.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}
	if !utils.CheckPassword(password, user.Password) {
		return nil, ErrInvalidCredentials
	}

	user.Password = ""
	return &user, nil
}

// CreateUser stores a user with a bcrypt-hashed password
func (s *Service) CreateUser(ctx context.Context, username, password string, admin bool, roles ...string) (*types.User, error) {
	hashed, err := utils.HashPassword(password, s.config.BCryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user := &types.User{Username: username, Password: hashed, IsActive: true, IsAdmin: admin, Roles: roles}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	user.Password = ""
	return user, nil
}

func isAdmin(user *types.User) bool {
	return user != nil && (user.IsAdmin || slices.Contains(user.Roles, RoleAdmin))
}

// grantable returns the actions user may hold on any repository. Anonymous
// callers only ever pull.
func grantable(user *types.User) []string {
	switch {
	case user == nil:
		return []string{ActionPull}
	case slices.Contains(user.Roles, "reader") && !isAdmin(user):
		return []string{ActionPull}
	default:
		return []string{ActionPull, ActionPush}
	}
}

// IssueToken mints a token granting the subset of requested that user may
// hold. A nil user is anonymous and is granted pull on auth-disabled
// repositories only.
func (s *Service) IssueToken(ctx context.Context, user *types.User, requested []Access) (*Token, error) {
	allowed := grantable(user)

	var granted []Access
	for _, req := range requested {
		if req.Type != "repository" {
			continue
		}
		if user == nil && !s.AuthDisabled(ctx, req.Name) {
			continue
		}
		var actions []string
		for _, action := range req.Actions {
			if slices.Contains(allowed, action) {
				actions = append(actions, action)
			}
		}
		if len(actions) > 0 {
			granted = append(granted, Access{Type: req.Type, Name: req.Name, Actions: actions})
		}
	}

	subject := "anonymous"
	admin := false
	if user != nil {
		subject = user.Username
		admin = isAdmin(user)
	}

	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.config.TokenService},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.JWTExpiration)),
			ID:        uuid.NewString(),
		},
		Access: granted,
		Admin:  admin,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	log.Debug().Str("subject", subject).Int("scopes", len(granted)).Msg("registry token issued")
	return &Token{
		Token:       signed,
		AccessToken: signed,
		ExpiresIn:   int(s.config.JWTExpiration.Seconds()),
		IssuedAt:    now.UTC().Format(time.RFC3339),
	}, nil
}

// ParseToken validates a signed token and returns its claims
func (s *Service) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthDisabled reports the flag of the repository selected by the first
// segment of a scope name such as "<repository>/<image>"
func (s *Service) AuthDisabled(ctx context.Context, name string) bool {
	repoName, _, _ := strings.Cut(name, "/")
	var repo types.Repository
	if err := s.db.WithContext(ctx).Where("name = ?", repoName).First(&repo).Error; err != nil {
		return false
	}
	return repo.Config.AuthDisabled
}

// Request describes the credentials and scopes of one protected call
type Request struct {
	Role           string
	InternalSecret string
	Bearer         string
	// AuthDisabled is the target repository's flag
	AuthDisabled bool
	Scopes       []Access
}

// Decision is the outcome of Authorize
type Decision struct {
	Allowed bool
	// Status is 401 or 403 when not allowed
	Status    int
	Challenge string
	Missing   *Access
	Subject   string
}

// Challenge renders the WWW-Authenticate value for scope
func (s *Service) Challenge(scope Access) string {
	return fmt.Sprintf(`Bearer realm=%q,service=%q,scope=%q`, s.realm, s.config.TokenService, scope.String())
}

// Authorize applies, in order: the internal role header, the admin claim,
// the token's scopes, and anonymous pull on auth-disabled repositories.
func (s *Service) Authorize(req Request) Decision {
	if req.Role == RoleInternal && s.config.InternalSecret != "" &&
		subtle.ConstantTimeCompare([]byte(req.InternalSecret), []byte(s.config.InternalSecret)) == 1 {
		return Decision{Allowed: true, Subject: RoleInternal}
	}

	if req.Bearer != "" {
		claims, err := s.ParseToken(req.Bearer)
		if err != nil {
			log.Debug().Err(err).Msg("rejected bearer token")
			return s.unauthorized(req)
		}
		if claims.Admin {
			return Decision{Allowed: true, Subject: claims.Subject}
		}
		for _, scope := range req.Scopes {
			for _, action := range scope.Actions {
				if !claims.allows(scope.Name, action) {
					missing := RepositoryScope(scope.Name, action)
					return Decision{Status: http.StatusForbidden, Missing: &missing, Subject: claims.Subject}
				}
			}
		}
		return Decision{Allowed: true, Subject: claims.Subject}
	}

	if req.AuthDisabled && pullOnly(req.Scopes) {
		return Decision{Allowed: true, Subject: "anonymous"}
	}
	return s.unauthorized(req)
}

func (s *Service) unauthorized(req Request) Decision {
	d := Decision{Status: http.StatusUnauthorized}
	if len(req.Scopes) > 0 {
		d.Challenge = s.Challenge(req.Scopes[0])
	} else {
		d.Challenge = fmt.Sprintf(`Bearer realm=%q,service=%q`, s.realm, s.config.TokenService)
	}
	return d
}

func pullOnly(scopes []Access) bool {
	for _, scope := range scopes {
		for _, action := range scope.Actions {
			if action != ActionPull {
				return false
			}
		}
	}
	return true
}
