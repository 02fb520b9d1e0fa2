package policy

import (
	"context"

	"github.com/authz-engine/agentic-core/pkg/types"
)

// SortField selects the ordering of query results
type SortField string

const (
	SortByName      SortField = "name"
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
)

// QueryFilter narrows and orders a policy query
type QueryFilter struct {
	Kinds        []types.PolicyKind
	ResourceKind string
	NameGlob     string
	Labels       map[string]string
	Disabled     *bool
	SortBy       SortField
	SortDesc     bool
	Offset       int
	Limit        int
}

// PutOptions carries optional metadata for Put
type PutOptions struct {
	Source string
	Labels map[string]string
}

// BulkItemError records a per-item failure during a best-effort BulkPut
type BulkItemError struct {
	Index int
	Name  string
	Err   error
}

func (e *BulkItemError) Error() string { return e.Err.Error() }

func (e *BulkItemError) Unwrap() error { return e.Err }

// WatchFunc receives policy change events. Callbacks must not block the
// store; delivery is asynchronous per watcher.
type WatchFunc func(types.PolicyChange)

// Store is the content-addressed, multi-tenant policy repository. The
// tenant id comes from the caller's context (types.WithTenant).
type Store interface {
	// Put upserts a policy by (kind, name), recomputing the content hash
	// and timestamps. CreatedAt is preserved on update. Emits a created
	// or updated change event.
	Put(ctx context.Context, p *types.Policy, opts *PutOptions) (*types.StoredPolicy, error)

	// Get retrieves a stored policy by id ("<kind>:<name>")
	Get(ctx context.Context, id string) (*types.StoredPolicy, error)

	// GetByName retrieves a stored policy by name and kind
	GetByName(ctx context.Context, name string, kind types.PolicyKind) (*types.StoredPolicy, error)

	// Query filters, sorts and paginates stored policies
	Query(ctx context.Context, filter QueryFilter) ([]*types.StoredPolicy, error)

	// Delete removes a policy and emits a deleted event
	Delete(ctx context.Context, id string) error

	// Disable marks a policy disabled; disabled policies never contribute
	// to decisions. Idempotent: no event when already disabled.
	Disable(ctx context.Context, id string) error

	// Enable re-enables a disabled policy. Idempotent.
	Enable(ctx context.Context, id string) error

	// GetPoliciesForResource returns enabled resource policies for a kind
	GetPoliciesForResource(ctx context.Context, resourceKind string) ([]*types.StoredPolicy, error)

	// GetDerivedRoles returns all enabled derived-roles policies
	GetDerivedRoles(ctx context.Context) ([]*types.StoredPolicy, error)

	// GetPrincipalPolicy returns the enabled principal policy for a
	// principal id, or ErrNotFound
	GetPrincipalPolicy(ctx context.Context, principalID string) (*types.StoredPolicy, error)

	// BulkPut stores multiple policies. Transactional backends apply
	// all-or-none; others apply per-item best-effort and report per-item
	// errors. The combined derived-role graph is cycle-checked first; on
	// a cycle nothing is stored.
	BulkPut(ctx context.Context, policies []*types.Policy) ([]*types.StoredPolicy, []*BulkItemError, error)

	// Watch registers an in-process change listener and returns its
	// unwatch function.
	Watch(fn WatchFunc) (unwatch func())

	// Close releases backend resources
	Close() error
}
