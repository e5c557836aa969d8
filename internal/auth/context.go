package auth

import (
	"context"

	"github.com/design-smith/vocalbridge/internal/store"
)

type ctxKey int

const (
	tenantKey ctxKey = iota
	requestIDKey
)

// WithTenant injects the authenticated tenant into the request context.
func WithTenant(ctx context.Context, t *store.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// TenantFromContext returns the authenticated tenant, if any.
func TenantFromContext(ctx context.Context) (*store.Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(*store.Tenant)
	return t, ok
}

// WithRequestID injects the server-generated correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the correlation id, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
