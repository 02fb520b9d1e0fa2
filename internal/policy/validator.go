// Package policy provides policy validation, storage and change propagation
package policy

import (
	"fmt"
	"regexp"

	"github.com/authz-engine/agentic-core/internal/cel"
	"github.com/authz-engine/agentic-core/pkg/types"
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)
	actionPattern     = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_:-]*$`)
)

// Validator validates policy documents before they are admitted to the store
type Validator struct {
	celEngine *cel.Engine
}

// NewValidator creates a new policy validator
func NewValidator() (*Validator, error) {
	celEngine, err := cel.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL engine: %w", err)
	}
	return &Validator{celEngine: celEngine}, nil
}

// ValidatePolicy validates the structure of a policy document, compiles
// every condition, and checks derived-role definitions.
func (v *Validator) ValidatePolicy(p *types.Policy) error {
	if p == nil {
		return fmt.Errorf("%w: policy cannot be nil", types.ErrInvalidInput)
	}

	switch p.Kind() {
	case types.KindResourcePolicy:
		return v.validateResourcePolicy(p.ResourcePolicy)
	case types.KindPrincipalPolicy:
		return v.validatePrincipalPolicy(p.PrincipalPolicy)
	case types.KindDerivedRoles:
		return v.validateDerivedRoles(p.DerivedRoles)
	}
	return fmt.Errorf("%w: policy must contain exactly one document variant", types.ErrInvalidInput)
}

func (v *Validator) validateResourcePolicy(p *types.ResourcePolicy) error {
	if p.Metadata.Name == "" {
		return fmt.Errorf("%w: policy name is required", types.ErrInvalidInput)
	}
	if !identifierPattern.MatchString(p.Metadata.Name) {
		return fmt.Errorf("%w: invalid policy name %q", types.ErrInvalidInput, p.Metadata.Name)
	}
	if p.Resource == "" {
		return fmt.Errorf("%w: policy %q: resource kind is required", types.ErrInvalidInput, p.Metadata.Name)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("%w: policy %q must have at least one rule", types.ErrInvalidInput, p.Metadata.Name)
	}

	seen := make(map[string]bool, len(p.Rules))
	for i, rule := range p.Rules {
		if err := v.validateResourceRule(rule); err != nil {
			return fmt.Errorf("policy %q rule %d: %w", p.Metadata.Name, i, err)
		}
		if rule.Name != "" {
			if seen[rule.Name] {
				return fmt.Errorf("%w: policy %q: duplicate rule name %q", types.ErrInvalidInput, p.Metadata.Name, rule.Name)
			}
			seen[rule.Name] = true
		}
	}
	return nil
}

func (v *Validator) validateResourceRule(rule *types.ResourceRule) error {
	if err := validateActions(rule.Actions); err != nil {
		return err
	}
	if rule.Effect != types.EffectAllow && rule.Effect != types.EffectDeny {
		return fmt.Errorf("%w: invalid effect %q (must be 'allow' or 'deny')", types.ErrInvalidInput, rule.Effect)
	}
	for _, role := range rule.Roles {
		if role == "" {
			return fmt.Errorf("%w: role cannot be empty", types.ErrInvalidInput)
		}
	}
	for _, role := range rule.DerivedRoles {
		if role == "" {
			return fmt.Errorf("%w: derived role cannot be empty", types.ErrInvalidInput)
		}
	}
	return v.validateCondition(rule.Condition)
}

func (v *Validator) validatePrincipalPolicy(p *types.PrincipalPolicy) error {
	if p.Metadata.Name == "" {
		return fmt.Errorf("%w: policy name is required", types.ErrInvalidInput)
	}
	if p.Principal == "" {
		return fmt.Errorf("%w: policy %q: principal id is required", types.ErrInvalidInput, p.Metadata.Name)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("%w: policy %q must have at least one rule", types.ErrInvalidInput, p.Metadata.Name)
	}
	for i, rule := range p.Rules {
		if rule.Resource == "" {
			return fmt.Errorf("%w: policy %q rule %d: resource kind is required", types.ErrInvalidInput, p.Metadata.Name, i)
		}
		if err := validateActions(rule.Actions); err != nil {
			return fmt.Errorf("policy %q rule %d: %w", p.Metadata.Name, i, err)
		}
		if rule.Effect != types.EffectAllow && rule.Effect != types.EffectDeny {
			return fmt.Errorf("%w: policy %q rule %d: invalid effect %q", types.ErrInvalidInput, p.Metadata.Name, i, rule.Effect)
		}
		if err := v.validateCondition(rule.Condition); err != nil {
			return fmt.Errorf("policy %q rule %d: %w", p.Metadata.Name, i, err)
		}
	}
	return nil
}

func (v *Validator) validateDerivedRoles(p *types.DerivedRolesPolicy) error {
	if p.Metadata.Name == "" {
		return fmt.Errorf("%w: policy name is required", types.ErrInvalidInput)
	}
	if len(p.Definitions) == 0 {
		return fmt.Errorf("%w: policy %q must have at least one definition", types.ErrInvalidInput, p.Metadata.Name)
	}
	for _, def := range p.Definitions {
		if err := def.Validate(); err != nil {
			return err
		}
		if err := v.validateCondition(def.Condition); err != nil {
			return fmt.Errorf("derived role %q: %w", def.Name, err)
		}
	}
	return ValidateDerivedRoleGraph(p.Definitions)
}

func (v *Validator) validateCondition(c *types.Condition) error {
	if c == nil {
		return nil
	}
	if err := c.Validate(); err != nil {
		return err
	}
	expr := c.Expression()
	if expr == "" {
		return nil
	}
	if _, err := v.celEngine.Compile(expr); err != nil {
		return fmt.Errorf("%w: invalid condition: %v", types.ErrInvalidInput, err)
	}
	return nil
}

func validateActions(actions []string) error {
	if len(actions) == 0 {
		return fmt.Errorf("%w: rule must have at least one action", types.ErrInvalidInput)
	}
	for _, action := range actions {
		if action == "*" {
			continue
		}
		if !actionPattern.MatchString(action) {
			return fmt.Errorf("%w: invalid action %q", types.ErrInvalidInput, action)
		}
	}
	return nil
}

// ValidateDerivedRoleGraph rejects cyclic derived-role dependency graphs.
// Kahn's topological sort: a non-empty remainder after processing means a
// cycle. The same check runs across combined definitions at BulkPut time.
func ValidateDerivedRoleGraph(defs []*types.DerivedRoleDef) error {
	names := make(map[string]bool, len(defs))
	for _, def := range defs {
		names[def.Name] = true
	}

	// Edges exist only where a parent role names another derived role.
	inDegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	for _, def := range defs {
		if _, ok := inDegree[def.Name]; !ok {
			inDegree[def.Name] = 0
		}
		for _, parent := range def.ParentRoles {
			if names[parent] && parent != def.Name {
				inDegree[def.Name]++
				dependents[parent] = append(dependents[parent], def.Name)
			}
			if parent == def.Name {
				return fmt.Errorf("%w: derived role %q depends on itself", types.ErrInvalidInput, def.Name)
			}
		}
	}

	queue := make([]string, 0, len(inDegree))
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(inDegree) {
		return fmt.Errorf("%w: circular dependency detected in derived roles", types.ErrInvalidInput)
	}
	return nil
}

// TopologicalOrder returns derived-role definitions in dependency order
// (dependencies first). The graph must already be acyclic.
func TopologicalOrder(defs []*types.DerivedRoleDef) []*types.DerivedRoleDef {
	byName := make(map[string]*types.DerivedRoleDef, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}

	inDegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	for _, def := range defs {
		if _, ok := inDegree[def.Name]; !ok {
			inDegree[def.Name] = 0
		}
		for _, parent := range def.ParentRoles {
			if _, isDerived := byName[parent]; isDerived && parent != def.Name {
				inDegree[def.Name]++
				dependents[parent] = append(dependents[parent], def.Name)
			}
		}
	}

	queue := make([]string, 0, len(defs))
	for _, def := range defs {
		if inDegree[def.Name] == 0 {
			queue = append(queue, def.Name)
		}
	}

	ordered := make([]*types.DerivedRoleDef, 0, len(defs))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byName[current])
		for _, dep := range dependents[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return ordered
}
