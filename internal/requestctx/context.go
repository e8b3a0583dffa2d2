// Package requestctx provides request-scoped values (e.g. key_id) set by middleware.
package requestctx

import "context"

type contextKey struct{}

var (
	keyIDKey         = &contextKey{}
	correlationIDKey = &contextKey{}
)

// SetKeyID stores the authenticated API key id in the context.
func SetKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, keyIDKey, keyID)
}

// KeyID returns the API key id from context, or "" if not set.
func KeyID(ctx context.Context) string {
	v, _ := ctx.Value(keyIDKey).(string)
	return v
}

// SetCorrelationID stores the turn correlation id in the context.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id from context, or "" if not set.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}
