package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRequestValidate(t *testing.T) {
	valid := func() *CheckRequest {
		return &CheckRequest{
			Principal: &Principal{ID: "alice", Roles: []string{"user"}},
			Resource:  &Resource{Kind: "document", ID: "doc-1"},
			Actions:   []string{"read"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*CheckRequest)
		wantErr bool
	}{
		{"valid", func(r *CheckRequest) {}, false},
		{"nil principal", func(r *CheckRequest) { r.Principal = nil }, true},
		{"empty principal id", func(r *CheckRequest) { r.Principal.ID = "" }, true},
		{"nil resource", func(r *CheckRequest) { r.Resource = nil }, true},
		{"empty resource kind", func(r *CheckRequest) { r.Resource.Kind = "" }, true},
		{"no actions", func(r *CheckRequest) { r.Actions = nil }, true},
		{"empty action", func(r *CheckRequest) { r.Actions = []string{"read", ""} }, true},
		{"unsupported principal attribute", func(r *CheckRequest) {
			r.Principal.Attributes = map[string]any{"bad": struct{}{}}
		}, true},
		{"unsupported aux data", func(r *CheckRequest) {
			r.AuxData = map[string]any{"bad": make(chan int)}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidInput)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCacheKeyStableUnderRoleOrder(t *testing.T) {
	a := &CheckRequest{
		Principal: &Principal{ID: "alice", Roles: []string{"editor", "viewer"}},
		Resource:  &Resource{Kind: "document", ID: "doc-1"},
		Actions:   []string{"read"},
	}
	b := &CheckRequest{
		Principal: &Principal{ID: "alice", Roles: []string{"viewer", "editor"}},
		Resource:  &Resource{Kind: "document", ID: "doc-1"},
		Actions:   []string{"read"},
	}
	assert.Equal(t, a.CacheKey(), b.CacheKey())

	c := &CheckRequest{
		TenantID:  "acme",
		Principal: &Principal{ID: "alice", Roles: []string{"editor", "viewer"}},
		Resource:  &Resource{Kind: "document", ID: "doc-1"},
		Actions:   []string{"read"},
	}
	assert.NotEqual(t, a.CacheKey(), c.CacheKey(), "tenant must partition the cache key")
}

func TestCacheKeyCoversAttributesAndAuxData(t *testing.T) {
	base := func() *CheckRequest {
		return &CheckRequest{
			Principal: &Principal{ID: "alice", Roles: []string{"viewer"}},
			Resource:  &Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "active", "ownerId": "alice"}},
			Actions:   []string{"read"},
		}
	}

	a := base()
	b := base()
	assert.Equal(t, a.CacheKey(), b.CacheKey(), "identical requests share a key")

	changedAttr := base()
	changedAttr.Resource.Attributes["status"] = "archived"
	assert.NotEqual(t, a.CacheKey(), changedAttr.CacheKey(), "resource attributes partition the key")

	changedPrincipal := base()
	changedPrincipal.Principal.Attributes = map[string]any{"department": "finance"}
	assert.NotEqual(t, a.CacheKey(), changedPrincipal.CacheKey(), "principal attributes partition the key")

	changedAux := base()
	changedAux.AuxData = map[string]any{"channel": "api"}
	assert.NotEqual(t, a.CacheKey(), changedAux.CacheKey(), "aux data partitions the key")
}

func TestConditionExpression(t *testing.T) {
	tests := []struct {
		name string
		cond *Condition
		want string
	}{
		{"nil", nil, ""},
		{"expr", &Condition{Expr: `R.attr.status == "draft"`}, `R.attr.status == "draft"`},
		{
			"all",
			&Condition{All: []*Condition{{Expr: "a"}, {Expr: "b"}}},
			"(a) && (b)",
		},
		{
			"any",
			&Condition{Any: []*Condition{{Expr: "a"}, {Expr: "b"}}},
			"(a) || (b)",
		},
		{
			"none",
			&Condition{None: []*Condition{{Expr: "a"}, {Expr: "b"}}},
			"!((a) || (b))",
		},
		{
			"nested",
			&Condition{All: []*Condition{
				{Expr: "a"},
				{Any: []*Condition{{Expr: "b"}, {Expr: "c"}}},
			}},
			"(a) && ((b) || (c))",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Expression())
		})
	}
}

func TestConditionValidate(t *testing.T) {
	require.NoError(t, (*Condition)(nil).Validate())
	require.NoError(t, (&Condition{Expr: "true"}).Validate())

	err := (&Condition{}).Validate()
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = (&Condition{Expr: "true", All: []*Condition{{Expr: "a"}}}).Validate()
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = (&Condition{All: []*Condition{{}}}).Validate()
	assert.ErrorIs(t, err, ErrInvalidInput, "children are validated recursively")
}

func TestMatchRolePattern(t *testing.T) {
	tests := []struct {
		role    string
		pattern string
		want    bool
	}{
		{"admin", "admin", true},
		{"admin", "user", false},
		{"anything", "*", true},
		{"admin:read", "admin:*", true},
		{"admin", "admin:*", false},
		{"document:viewer", "*:viewer", true},
		{"viewer", "*:viewer", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchRolePattern(tt.role, tt.pattern),
			"role=%s pattern=%s", tt.role, tt.pattern)
	}
}

func TestDerivedRoleDefValidate(t *testing.T) {
	require.NoError(t, (&DerivedRoleDef{Name: "owner", ParentRoles: []string{"user"}}).Validate())

	err := (&DerivedRoleDef{ParentRoles: []string{"user"}}).Validate()
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = (&DerivedRoleDef{Name: "owner"}).Validate()
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = (&DerivedRoleDef{Name: "owner", ParentRoles: []string{"a*b*"}}).Validate()
	assert.ErrorIs(t, err, ErrInvalidInput, "multiple wildcards rejected")
}

func TestPolicyIdentityAndHash(t *testing.T) {
	p := &Policy{ResourcePolicy: &ResourcePolicy{
		APIVersion: APIVersion,
		Metadata:   Metadata{Name: "documents"},
		Resource:   "document",
		Rules: []*ResourceRule{
			{Name: "allow-read", Actions: []string{"read"}, Effect: EffectAllow, Roles: []string{"viewer"}},
		},
	}}

	assert.Equal(t, KindResourcePolicy, p.Kind())
	assert.Equal(t, "documents", p.Name())
	assert.Equal(t, "ResourcePolicy:documents", p.StorageID())

	same := &Policy{ResourcePolicy: &ResourcePolicy{
		APIVersion: APIVersion,
		Metadata:   Metadata{Name: "documents"},
		Resource:   "document",
		Rules: []*ResourceRule{
			{Name: "allow-read", Actions: []string{"read"}, Effect: EffectAllow, Roles: []string{"viewer"}},
		},
	}}
	assert.Equal(t, p.Hash(), same.Hash(), "identical documents hash identically")

	same.ResourcePolicy.Rules[0].Effect = EffectDeny
	assert.NotEqual(t, p.Hash(), same.Hash())
}

func TestResourceRuleMatching(t *testing.T) {
	rule := &ResourceRule{Actions: []string{"read", "list"}}
	assert.True(t, rule.MatchesAction("read"))
	assert.False(t, rule.MatchesAction("delete"))

	wild := &ResourceRule{Actions: []string{"*"}}
	assert.True(t, wild.MatchesAction("anything"))

	noFilter := &ResourceRule{}
	assert.True(t, noFilter.MatchesRoles(map[string]bool{}), "empty role filter passes")

	filtered := &ResourceRule{Roles: []string{"editor"}}
	assert.True(t, filtered.MatchesRoles(map[string]bool{"editor": true}))
	assert.False(t, filtered.MatchesRoles(map[string]bool{"viewer": true}))

	derived := &ResourceRule{DerivedRoles: []string{"owner"}}
	assert.True(t, derived.MatchesRoles(map[string]bool{"owner": true}))

	star := &ResourceRule{Roles: []string{"*"}}
	assert.True(t, star.MatchesRoles(map[string]bool{}))
}

func TestResponseAllowed(t *testing.T) {
	resp := &CheckResponse{Results: map[string]ActionResult{
		"read":  {Effect: EffectAllow},
		"write": {Effect: EffectAllow},
	}}
	assert.True(t, resp.Allowed())

	resp.Results["write"] = ActionResult{Effect: EffectDeny}
	assert.False(t, resp.Allowed())

	empty := &CheckResponse{Results: map[string]ActionResult{}}
	assert.False(t, empty.Allowed())
}

func TestEnforcerActionTerminal(t *testing.T) {
	a := &EnforcerAction{Status: ActionPending}
	assert.False(t, a.Terminal())

	a.Status = ActionCompleted
	a.CanRollback = true
	assert.False(t, a.Terminal(), "rollbackable completed actions can still transition")

	a.CanRollback = false
	assert.True(t, a.Terminal())

	a.Status = ActionRolledBack
	assert.True(t, a.Terminal())

	a.Status = ActionFailed
	assert.True(t, a.Terminal())
}

func TestTenantContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, DefaultTenant, TenantID(ctx))

	ctx = WithTenant(ctx, "acme")
	assert.Equal(t, "acme", TenantID(ctx))

	assert.Equal(t, DefaultTenant, TenantID(WithTenant(context.Background(), "")))
}
