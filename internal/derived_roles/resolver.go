// Package derived_roles provides derived role resolution with dependency ordering
package derived_roles

import (
	"sort"

	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/cel"
	"github.com/authz-engine/agentic-core/internal/policy"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// Resolver computes the effective derived roles for a request. Definitions
// are evaluated in topological order so a derived role can reference
// another; the acyclic graph bounds the fixed-point iteration.
// Thread-safe for concurrent use.
type Resolver struct {
	celEngine *cel.Engine
	logger    *zap.Logger
}

// NewResolver creates a new derived roles resolver sharing the engine's
// compiled-program cache.
func NewResolver(celEngine *cel.Engine, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{celEngine: celEngine, logger: logger}
}

// Resolved holds the outcome of derived-role resolution for one request
type Resolved struct {
	// Derived lists the derived roles in effect, sorted
	Derived []string
	// Effective is the union of base and derived roles
	Effective map[string]bool
}

// Resolve evaluates all derived-role definitions against the request.
// Parent-role matching is seeded with the principal's own roles; roles
// granted earlier in the topological order extend the matching set, so
// chains resolve in a single pass. A definition with an erroring
// condition is not granted and evaluation continues.
func (r *Resolver) Resolve(
	derivedRolePolicies []*types.StoredPolicy,
	principal *types.Principal,
	resource *types.Resource,
	aux map[string]any,
) *Resolved {
	effective := make(map[string]bool, len(principal.Roles))
	for _, role := range principal.Roles {
		effective[role] = true
	}
	resolved := &Resolved{Effective: effective}
	if len(derivedRolePolicies) == 0 {
		return resolved
	}

	act := &cel.Activation{
		Principal: principal.ToMap(),
		Resource:  map[string]any{},
		Aux:       aux,
	}
	if resource != nil {
		act.Resource = resource.ToMap()
	}

	matchRoles := append([]string(nil), principal.Roles...)
	// (policy, definition) pairs already evaluated this request
	evaluated := make(map[string]bool)

	for _, sp := range derivedRolePolicies {
		drp := sp.Policy.DerivedRoles
		if drp == nil {
			continue
		}
		for _, def := range policy.TopologicalOrder(drp.Definitions) {
			cacheKey := sp.Name + "\x00" + def.Name
			if evaluated[cacheKey] {
				continue
			}
			evaluated[cacheKey] = true

			if effective[def.Name] {
				continue
			}
			if !def.Match(matchRoles) {
				continue
			}

			if granted := r.evaluateCondition(def, act); !granted {
				continue
			}

			effective[def.Name] = true
			matchRoles = append(matchRoles, def.Name)
			resolved.Derived = append(resolved.Derived, def.Name)
		}
	}

	sort.Strings(resolved.Derived)
	return resolved
}

// evaluateCondition returns true when the condition is empty or truthy.
// EvalErrors withhold the grant without failing resolution.
func (r *Resolver) evaluateCondition(def *types.DerivedRoleDef, act *cel.Activation) bool {
	expr := def.Condition.Expression()
	if expr == "" {
		return true
	}

	granted, err := r.celEngine.EvaluateExpression(expr, act)
	if err != nil {
		r.logger.Debug("derived role condition evaluation failed",
			zap.String("role", def.Name),
			zap.Error(err))
		return false
	}
	return granted
}
