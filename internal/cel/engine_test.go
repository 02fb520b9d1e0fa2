package cel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testActivation() *Activation {
	return &Activation{
		Principal: map[string]any{
			"id":    "alice",
			"roles": []string{"editor", "viewer"},
			"attr":  map[string]any{"department": "engineering"},
			"attributes": map[string]any{
				"department": "engineering",
			},
		},
		Resource: map[string]any{
			"kind": "document",
			"id":   "doc-1",
			"attr": map[string]any{"ownerId": "alice", "status": "draft"},
			"attributes": map[string]any{
				"ownerId": "alice",
				"status":  "draft",
			},
		},
		Aux: map[string]any{"channel": "web"},
	}
}

func TestEvaluateExpression(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"resource attribute", `R.attr.status == "draft"`, true},
		{"resource attribute false", `R.attr.status == "published"`, false},
		{"long form alias", `resource.attr.status == "draft"`, true},
		{"principal id", `P.id == "alice"`, true},
		{"aux data", `A.channel == "web"`, true},
		{"hasRole true", `hasRole(P, "editor")`, true},
		{"hasRole false", `hasRole(P, "admin")`, false},
		{"isOwner true", `isOwner(P, R)`, true},
		{"inList true", `inList(P.id, ["alice", "bob"])`, true},
		{"inList false", `inList(P.id, ["bob"])`, false},
		{"boolean combination", `hasRole(P, "editor") && R.attr.status == "draft"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.EvaluateExpression(tt.expr, testActivation())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCustomFunctionsHandleDynamicRoleList(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	// roles decoded from JSON arrive as []any rather than []string
	act := testActivation()
	act.Principal["roles"] = []any{"editor", "viewer"}

	got, err := engine.EvaluateExpression(`hasRole(P, "viewer")`, act)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = engine.EvaluateExpression(`hasRole(P, "admin")`, act)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCompileErrorIsNotEvalError(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	_, err = engine.Compile(`this is not CEL`)
	require.Error(t, err)
	var evalErr *EvalError
	assert.False(t, errors.As(err, &evalErr), "compilation failures are load-time errors")
}

func TestRuntimeErrorIsEvalError(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	// missing key is a runtime failure, not a compile failure
	got, err := engine.EvaluateExpression(`R.attr.nonexistent == "x"`, testActivation())
	require.Error(t, err)
	assert.False(t, got)

	var evalErr *EvalError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, `R.attr.nonexistent == "x"`, evalErr.Expr)
}

func TestNonBooleanResultIsEvalError(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	got, err := engine.EvaluateExpression(`P.id`, testActivation())
	require.Error(t, err)
	assert.False(t, got)

	var evalErr *EvalError
	assert.True(t, errors.As(err, &evalErr))
}

func TestProgramCacheReuse(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)

	first, err := engine.Compile(`P.id == "alice"`)
	require.NoError(t, err)
	second, err := engine.Compile(`P.id == "alice"`)
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical expressions share the cached program")

	engine.ClearCache()
	_, err = engine.Compile(`P.id == "alice"`)
	require.NoError(t, err)
}
