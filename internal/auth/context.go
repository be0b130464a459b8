package auth

import "context"

type contextKey string

const claimsKey contextKey = "fittrack-auth-claims"

// WithClaims stores claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// FromContext retrieves claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok && claims != nil
}

// Known OAuth scopes.
const (
	ScopeActivitiesWrite = "activities:write"
	ScopeActivitiesRead  = "activities:read"
)
