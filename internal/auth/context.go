// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AnonymousOwner is the fixed identity used when the server runs without a
// JWT secret. Every unauthenticated request shares it.
const AnonymousOwner = "anonymous"

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	OwnerID   string // "sub" claim of the bearer token, or AnonymousOwner
	Anonymous bool   // true when no token was presented and auth is optional
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// OwnerID returns the owner bound to the context, falling back to the
// anonymous identity. Handlers use this instead of touching AuthContext
// directly.
func OwnerID(ctx context.Context) string {
	if auth := FromContext(ctx); auth != nil && auth.OwnerID != "" {
		return auth.OwnerID
	}
	return AnonymousOwner
}
