package types

import "context"

type tenantKey struct{}

// DefaultTenant is used when the caller supplies no tenant id.
const DefaultTenant = "default"

// WithTenant returns a context carrying the tenant id. All store reads and
// writes are scoped to the tenant on the context; the core never crosses
// tenants.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantID extracts the tenant id from the context, falling back to
// DefaultTenant.
func TenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultTenant
}
