package types

import "context"

type contextKey string

const tenantIDContextKey contextKey = "tenant_id"

// WithTenantID returns a context carrying the tenant id, which the
// logger's WithContext adds to structured log lines.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDContextKey, tenantID)
}

// TenantIDFromContext returns the tenant id stored in ctx, or "" if none.
func TenantIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDContextKey).(string)
	return v
}
