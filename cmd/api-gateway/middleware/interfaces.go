package middleware

import (
	"context"

	"github.com/lgulliver/cairn/internal/auth"
)

// Authorizer decides whether a request may act on a repository
type Authorizer interface {
	Authorize(req auth.Request) auth.Decision
	AuthDisabled(ctx context.Context, name string) bool
}
