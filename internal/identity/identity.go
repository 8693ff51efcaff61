// Package identity resolves the rider performing an operation.
package identity

import (
	"context"
	"strings"

	"github.com/ridecircle/groupride/internal/apperr"
)

// Identity reports the current user for a request context.
type Identity interface {
	CurrentUserID(ctx context.Context) (string, bool)
}

type userIDKey struct{}

// WithUserID returns a context carrying the authenticated user ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, strings.TrimSpace(userID))
}

// ContextIdentity reads the user ID placed by WithUserID.
type ContextIdentity struct{}

// CurrentUserID implements Identity.
func (ContextIdentity) CurrentUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	userID, ok := ctx.Value(userIDKey{}).(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// Static always reports the same user. An empty value means anonymous.
type Static string

// CurrentUserID implements Identity.
func (s Static) CurrentUserID(context.Context) (string, bool) {
	return string(s), s != ""
}

// Require returns the current user ID or an authentication error.
func Require(ctx context.Context, ident Identity) (string, error) {
	if ident == nil {
		return "", apperr.Authentication("no identity provider configured")
	}
	userID, ok := ident.CurrentUserID(ctx)
	if !ok {
		return "", apperr.Authentication("authentication required")
	}
	return userID, nil
}
