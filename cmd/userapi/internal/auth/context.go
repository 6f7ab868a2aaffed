package auth

import "context"

// Principal is the caller authenticated by a session token.
type Principal struct {
	UserID    string
	SessionID string
}

type principalContextKey struct{}

// WithPrincipal stores the authenticated principal on the context for downstream handlers.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext retrieves the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
