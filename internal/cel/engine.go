// Package cel provides CEL expression compilation and evaluation
package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// EvalError marks a runtime evaluation failure. It is contained by the
// decision engine: a rule with an erroring condition does not match, and
// a derived role with an erroring condition is not granted. It is never
// surfaced to callers as a decision error.
type EvalError struct {
	Expr string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expression evaluation failed for %q: %v", e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Engine provides CEL expression compilation and evaluation
type Engine struct {
	env      *cel.Env
	programs sync.Map // map[string]cel.Program - compiled program cache
}

// Activation contains all variables available during CEL evaluation.
// P, R and A are shortcuts for principal, resource and aux.
type Activation struct {
	Principal map[string]any
	Resource  map[string]any
	Aux       map[string]any
	Variables map[string]any
}

// NewEngine creates a new CEL engine with authorization-specific functions
func NewEngine() (*Engine, error) {
	mapDyn := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("principal", mapDyn),
		cel.Variable("P", mapDyn), // alias

		cel.Variable("resource", mapDyn),
		cel.Variable("R", mapDyn), // alias

		cel.Variable("aux", mapDyn),
		cel.Variable("A", mapDyn), // alias

		cel.Variable("variables", mapDyn),

		// hasRole(principal, role) -> bool
		cel.Function("hasRole",
			cel.Overload("hasRole_map_string",
				[]*cel.Type{mapDyn, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(hasRole),
			),
		),
		// isOwner(principal, resource) -> bool
		cel.Function("isOwner",
			cel.Overload("isOwner_map_map",
				[]*cel.Type{mapDyn, mapDyn},
				cel.BoolType,
				cel.BinaryBinding(isOwner),
			),
		),
		// inList(value, list) -> bool
		cel.Function("inList",
			cel.Overload("inList_string_list",
				[]*cel.Type{cel.StringType, cel.ListType(cel.StringType)},
				cel.BoolType,
				cel.BinaryBinding(inList),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// Compile compiles a CEL expression and caches the result. Compilation
// failures are load-time errors, not EvalErrors.
func (e *Engine) Compile(expr string) (cel.Program, error) {
	if prog, ok := e.programs.Load(expr); ok {
		return prog.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation failed: %w", issues.Err())
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed: %w", err)
	}

	e.programs.Store(expr, prog)
	return prog, nil
}

// Evaluate evaluates a compiled program against an activation. The result
// is tri-valued: (true, nil), (false, nil), or (false, *EvalError).
func (e *Engine) Evaluate(prog cel.Program, act *Activation) (bool, error) {
	vars := map[string]any{
		"principal": act.Principal,
		"P":         act.Principal,
		"resource":  act.Resource,
		"R":         act.Resource,
		"aux":       act.Aux,
		"A":         act.Aux,
		"variables": act.Variables,
	}

	result, _, err := prog.Eval(vars)
	if err != nil {
		return false, &EvalError{Err: err}
	}

	if boolVal, ok := result.Value().(bool); ok {
		return boolVal, nil
	}

	return false, &EvalError{Err: fmt.Errorf("expression did not return boolean")}
}

// EvaluateExpression compiles and evaluates an expression in one call
func (e *Engine) EvaluateExpression(expr string, act *Activation) (bool, error) {
	prog, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	ok, err := e.Evaluate(prog, act)
	if err != nil {
		if evalErr, isEval := err.(*EvalError); isEval {
			evalErr.Expr = expr
		}
		return false, err
	}
	return ok, nil
}

// ClearCache clears the compiled program cache
func (e *Engine) ClearCache() {
	e.programs = sync.Map{}
}

// Custom function implementations

func hasRole(lhs, rhs ref.Val) ref.Val {
	principalMap, ok := lhs.Value().(map[string]any)
	if !ok {
		return types.False
	}

	role, ok := rhs.Value().(string)
	if !ok {
		return types.False
	}

	switch roles := principalMap["roles"].(type) {
	case []any:
		for _, r := range roles {
			if r == role {
				return types.True
			}
		}
	case []string:
		for _, r := range roles {
			if r == role {
				return types.True
			}
		}
	}
	return types.False
}

func isOwner(lhs, rhs ref.Val) ref.Val {
	principalMap, ok := lhs.Value().(map[string]any)
	if !ok {
		return types.False
	}

	resourceMap, ok := rhs.Value().(map[string]any)
	if !ok {
		return types.False
	}

	principalID, _ := principalMap["id"].(string)

	for _, key := range []string{"attributes", "attr"} {
		if attrs, ok := resourceMap[key].(map[string]any); ok {
			if ownerID, ok := attrs["ownerId"].(string); ok {
				return types.Bool(principalID == ownerID)
			}
		}
	}

	return types.False
}

func inList(lhs, rhs ref.Val) ref.Val {
	value, ok := lhs.Value().(string)
	if !ok {
		return types.False
	}

	switch list := rhs.Value().(type) {
	case []any:
		for _, item := range list {
			if item == value {
				return types.True
			}
		}
	case []string:
		for _, item := range list {
			if item == value {
				return types.True
			}
		}
	}
	return types.False
}
