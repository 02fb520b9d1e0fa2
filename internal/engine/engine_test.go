package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/agentic-core/internal/cel"
	"github.com/authz-engine/agentic-core/internal/policy"
	"github.com/authz-engine/agentic-core/pkg/types"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *policy.MemoryStore) {
	t.Helper()
	store, err := policy.NewMemoryStore(nil)
	require.NoError(t, err)
	celEngine, err := cel.NewEngine()
	require.NoError(t, err)

	e := New(store, celEngine, cfg, nil, nil)
	t.Cleanup(func() {
		e.Close()
		store.Close()
	})
	return e, store
}

func mustPut(t *testing.T, store *policy.MemoryStore, p *types.Policy) {
	t.Helper()
	_, err := store.Put(context.Background(), p, nil)
	require.NoError(t, err)
}

func documentPolicy() *types.Policy {
	return &types.Policy{ResourcePolicy: &types.ResourcePolicy{
		APIVersion: types.APIVersion,
		Metadata:   types.Metadata{Name: "documents"},
		Resource:   "document",
		Rules: []*types.ResourceRule{
			{
				Name:    "deny-archived",
				Actions: []string{"*"},
				Effect:  types.EffectDeny,
				Roles:   []string{"*"},
				Condition: &types.Condition{
					Expr: `R.attr.status == "archived"`,
				},
			},
			{
				Name:    "allow-read",
				Actions: []string{"read", "list"},
				Effect:  types.EffectAllow,
				Roles:   []string{"viewer", "editor"},
			},
			{
				Name:         "allow-edit-own",
				Actions:      []string{"edit"},
				Effect:       types.EffectAllow,
				DerivedRoles: []string{"owner"},
			},
		},
	}}
}

func request(principal *types.Principal, resource *types.Resource, actions ...string) *types.CheckRequest {
	return &types.CheckRequest{
		RequestID: "req-1",
		Principal: principal,
		Resource:  resource,
		Actions:   actions,
	}
}

func TestCheckAllowByRole(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, documentPolicy())

	resp, err := e.Check(context.Background(), request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "draft"}},
		"read",
	))
	require.NoError(t, err)

	result := resp.Results["read"]
	assert.Equal(t, types.EffectAllow, result.Effect)
	assert.Equal(t, "allow-read", result.MatchedRule)
	assert.Equal(t, "ResourcePolicy:documents", result.Policy)
	assert.True(t, resp.Allowed())
	require.NotNil(t, resp.Meta)
	assert.Contains(t, resp.Meta.PoliciesEvaluated, "ResourcePolicy:documents")
}

func TestCheckDefaultDeny(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, documentPolicy())

	// no rule covers "delete" for this principal
	resp, err := e.Check(context.Background(), request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "draft"}},
		"delete",
	))
	require.NoError(t, err)

	result := resp.Results["delete"]
	assert.Equal(t, types.EffectDeny, result.Effect)
	assert.Equal(t, types.DefaultDenyRule, result.MatchedRule)
	assert.Empty(t, result.Policy)
}

func TestCheckNoPolicyForKindIsDenyNotError(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	resp, err := e.Check(context.Background(), request(
		&types.Principal{ID: "alice", Roles: []string{"admin"}},
		&types.Resource{Kind: "unknown-kind", ID: "x"},
		"read",
	))
	require.NoError(t, err)
	assert.Equal(t, types.DefaultDenyRule, resp.Results["read"].MatchedRule)
}

func TestFirstMatchWinsWithinPolicy(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, documentPolicy())

	// deny-archived appears first and covers every action
	resp, err := e.Check(context.Background(), request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "archived"}},
		"read",
	))
	require.NoError(t, err)

	result := resp.Results["read"]
	assert.Equal(t, types.EffectDeny, result.Effect)
	assert.Equal(t, "deny-archived", result.MatchedRule)
}

func TestConditionFalseFallsThrough(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, documentPolicy())

	resp, err := e.Check(context.Background(), request(
		&types.Principal{ID: "alice", Roles: []string{"editor"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "draft"}},
		"read",
	))
	require.NoError(t, err)
	assert.Equal(t, "allow-read", resp.Results["read"].MatchedRule,
		"non-matching condition lets later rules match")
}

func TestErroringConditionSkipsRule(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, &types.Policy{ResourcePolicy: &types.ResourcePolicy{
		APIVersion: types.APIVersion,
		Metadata:   types.Metadata{Name: "documents"},
		Resource:   "document",
		Rules: []*types.ResourceRule{
			{
				Name:    "broken-allow",
				Actions: []string{"read"},
				Effect:  types.EffectAllow,
				Condition: &types.Condition{
					Expr: `R.attr.missing_key == "x"`,
				},
			},
			{
				Name:    "fallback-allow",
				Actions: []string{"read"},
				Effect:  types.EffectAllow,
				Roles:   []string{"viewer"},
			},
		},
	}})

	resp, err := e.Check(context.Background(), request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1"},
		"read",
	))
	require.NoError(t, err, "evaluation errors never surface as decision errors")
	assert.Equal(t, "fallback-allow", resp.Results["read"].MatchedRule)
}

func TestDerivedRoleGrantsAction(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, documentPolicy())
	mustPut(t, store, &types.Policy{DerivedRoles: &types.DerivedRolesPolicy{
		APIVersion: types.APIVersion,
		Metadata:   types.Metadata{Name: "ownership"},
		Definitions: []*types.DerivedRoleDef{
			{
				Name:        "owner",
				ParentRoles: []string{"user"},
				Condition:   &types.Condition{Expr: "isOwner(P, R)"},
			},
		},
	}})

	principal := &types.Principal{ID: "alice", Roles: []string{"user"}}

	resp, err := e.Check(context.Background(), request(principal,
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"ownerId": "alice", "status": "draft"}},
		"edit",
	))
	require.NoError(t, err)
	result := resp.Results["edit"]
	assert.Equal(t, types.EffectAllow, result.Effect)
	assert.Equal(t, "allow-edit-own", result.MatchedRule)
	assert.Equal(t, []string{"owner"}, result.EffectiveDerivedRoles)

	resp, err = e.Check(context.Background(), request(principal,
		&types.Resource{Kind: "document", ID: "doc-2", Attributes: map[string]any{"ownerId": "bob", "status": "draft"}},
		"edit",
	))
	require.NoError(t, err)
	assert.Equal(t, types.EffectDeny, resp.Results["edit"].Effect)
}

func TestPrincipalPolicyOverridesResourcePolicy(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, documentPolicy())
	mustPut(t, store, &types.Policy{PrincipalPolicy: &types.PrincipalPolicy{
		APIVersion: types.APIVersion,
		Metadata:   types.Metadata{Name: "alice-overrides"},
		Principal:  "alice",
		Rules: []*types.PrincipalRule{
			{Resource: "document", Actions: []string{"read"}, Effect: types.EffectDeny},
		},
	}})

	resp, err := e.Check(context.Background(), request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "draft"}},
		"read", "list",
	))
	require.NoError(t, err)

	read := resp.Results["read"]
	assert.Equal(t, types.EffectDeny, read.Effect)
	assert.Equal(t, "rule-0", read.MatchedRule)
	assert.Equal(t, "PrincipalPolicy:alice-overrides", read.Policy)

	// the override decides only the actions it covers
	list := resp.Results["list"]
	assert.Equal(t, types.EffectAllow, list.Effect)
	assert.Equal(t, "allow-read", list.MatchedRule)
}

func TestMultiplePoliciesEvaluatedInNameOrder(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, &types.Policy{ResourcePolicy: &types.ResourcePolicy{
		APIVersion: types.APIVersion,
		Metadata:   types.Metadata{Name: "b-deny"},
		Resource:   "document",
		Rules: []*types.ResourceRule{
			{Name: "deny-read", Actions: []string{"read"}, Effect: types.EffectDeny, Roles: []string{"*"}},
		},
	}})
	mustPut(t, store, &types.Policy{ResourcePolicy: &types.ResourcePolicy{
		APIVersion: types.APIVersion,
		Metadata:   types.Metadata{Name: "a-allow"},
		Resource:   "document",
		Rules: []*types.ResourceRule{
			{Name: "allow-read", Actions: []string{"read"}, Effect: types.EffectAllow, Roles: []string{"*"}},
		},
	}})

	resp, err := e.Check(context.Background(), request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1"},
		"read",
	))
	require.NoError(t, err)
	assert.Equal(t, "allow-read", resp.Results["read"].MatchedRule,
		"policies for a kind evaluate in name order")
	assert.Equal(t, "ResourcePolicy:a-allow", resp.Results["read"].Policy)
}

func TestDisabledPolicyDoesNotContribute(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, documentPolicy())
	require.NoError(t, store.Disable(context.Background(), "ResourcePolicy:documents"))

	resp, err := e.Check(context.Background(), request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "draft"}},
		"read",
	))
	require.NoError(t, err)
	assert.Equal(t, types.DefaultDenyRule, resp.Results["read"].MatchedRule)
}

func TestCheckInvalidRequest(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	_, err := e.Check(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = e.Check(context.Background(), &types.CheckRequest{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestCheckCanceledContext(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, documentPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Check(ctx, request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1"},
		"read",
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCanceled)
}

func TestCheckDeadlineExceeded(t *testing.T) {
	e, store := newTestEngine(t, Config{})
	mustPut(t, store, documentPolicy())

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := e.Check(ctx, request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1"},
		"read",
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTimeout)
}

func TestCacheHitAndInvalidation(t *testing.T) {
	e, store := newTestEngine(t, Config{CacheEnabled: true, CacheSize: 100, CacheTTL: time.Minute})
	mustPut(t, store, documentPolicy())

	req := request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "draft"}},
		"read",
	)

	_, err := e.Check(context.Background(), req)
	require.NoError(t, err)
	_, err = e.Check(context.Background(), req)
	require.NoError(t, err)

	stats := e.CacheStats()
	assert.Equal(t, uint64(1), stats.Hits)

	// any policy change flushes the cache
	updated := documentPolicy()
	updated.ResourcePolicy.Rules[1].Effect = types.EffectDeny
	mustPut(t, store, updated)

	require.Eventually(t, func() bool {
		return e.CacheStats().Size == 0
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := e.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.EffectDeny, resp.Results["read"].Effect,
		"post-change decisions see the new policy")
}

func TestCacheNotSharedAcrossAttributeChange(t *testing.T) {
	e, store := newTestEngine(t, Config{CacheEnabled: true, CacheSize: 100, CacheTTL: time.Minute})
	mustPut(t, store, documentPolicy())

	active := request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "draft"}},
		"read",
	)
	resp, err := e.Check(context.Background(), active)
	require.NoError(t, err)
	assert.True(t, resp.Allowed())

	// same principal and resource id, but the resource is now archived
	archived := request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "archived"}},
		"read",
	)
	resp, err = e.Check(context.Background(), archived)
	require.NoError(t, err)
	assert.Equal(t, types.EffectDeny, resp.Results["read"].Effect,
		"attribute change must not be served from the cached allow")
	assert.Zero(t, e.CacheStats().Hits)
}

func TestCachedResponseCarriesFreshRequestID(t *testing.T) {
	e, store := newTestEngine(t, Config{CacheEnabled: true, CacheSize: 100, CacheTTL: time.Minute})
	mustPut(t, store, documentPolicy())

	first := request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "draft"}},
		"read",
	)
	first.RequestID = "req-first"
	_, err := e.Check(context.Background(), first)
	require.NoError(t, err)

	second := request(
		&types.Principal{ID: "alice", Roles: []string{"viewer"}},
		&types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "draft"}},
		"read",
	)
	second.RequestID = "req-second"
	resp, err := e.Check(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, "req-second", resp.RequestID)
}

func TestCheckBatchPreservesOrder(t *testing.T) {
	e, store := newTestEngine(t, Config{BatchWorkers: 4})
	mustPut(t, store, documentPolicy())

	principal := &types.Principal{ID: "alice", Roles: []string{"viewer"}}
	entries := []types.ResourceBatchEntry{
		{Resource: &types.Resource{Kind: "document", ID: "doc-1", Attributes: map[string]any{"status": "draft"}}, Actions: []string{"read"}},
		{Resource: &types.Resource{Kind: "document", ID: "doc-2", Attributes: map[string]any{"status": "archived"}}, Actions: []string{"read"}},
		{Resource: &types.Resource{Kind: "other", ID: "x"}, Actions: []string{"read"}},
	}

	responses, err := e.CheckBatch(context.Background(), principal, entries, nil)
	require.NoError(t, err)
	require.Len(t, responses, 3)

	assert.Equal(t, types.EffectAllow, responses[0].Results["read"].Effect)
	assert.Equal(t, "deny-archived", responses[1].Results["read"].MatchedRule)
	assert.Equal(t, types.DefaultDenyRule, responses[2].Results["read"].MatchedRule)
}

func TestCheckBatchValidation(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	_, err := e.CheckBatch(context.Background(), nil, []types.ResourceBatchEntry{{}}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = e.CheckBatch(context.Background(), &types.Principal{ID: "alice"}, nil, nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
