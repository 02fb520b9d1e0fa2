package types

import (
	"fmt"
	"strings"
)

// MaxParentRoles bounds the parent-role list of a derived-role definition
const MaxParentRoles = 50

// DerivedRoleDef defines a role granted dynamically when the principal holds
// a matching parent role and the optional condition evaluates truthy.
type DerivedRoleDef struct {
	Name        string     `json:"name" yaml:"name"`
	ParentRoles []string   `json:"parentRoles" yaml:"parentRoles"`
	Condition   *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Match checks whether the principal's role set qualifies for this derived
// role. At least one parent-role pattern must match one of the roles.
// Patterns support wildcards: `*`, `prefix:*`, `*:suffix`.
func (d *DerivedRoleDef) Match(roles []string) bool {
	for _, pattern := range d.ParentRoles {
		for _, role := range roles {
			if MatchRolePattern(role, pattern) {
				return true
			}
		}
	}
	return false
}

// Validate checks the definition shape
func (d *DerivedRoleDef) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: derived role name cannot be empty", ErrInvalidInput)
	}
	if len(d.ParentRoles) == 0 || len(d.ParentRoles) > MaxParentRoles {
		return fmt.Errorf("%w: derived role %q must have 1..%d parent roles", ErrInvalidInput, d.Name, MaxParentRoles)
	}
	for _, parent := range d.ParentRoles {
		if parent == "" {
			return fmt.Errorf("%w: derived role %q has empty parent role", ErrInvalidInput, d.Name)
		}
		if strings.Count(parent, "*") > 1 {
			return fmt.Errorf("%w: derived role %q parent pattern %q: multiple wildcards not supported", ErrInvalidInput, d.Name, parent)
		}
	}
	if err := d.Condition.Validate(); err != nil {
		return fmt.Errorf("derived role %q: %w", d.Name, err)
	}
	return nil
}

// MatchRolePattern checks a role against a wildcard pattern.
// Supported patterns:
//  1. Exact: "admin" matches "admin"
//  2. Universal: "*" matches any role
//  3. Prefix: "admin:*" matches "admin:read"
//  4. Suffix: "*:viewer" matches "document:viewer"
//
// Wildcards never match across the `:` separator when combined.
func MatchRolePattern(role, pattern string) bool {
	if role == pattern {
		return true
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		return strings.HasPrefix(role, prefix+":")
	}
	if strings.HasPrefix(pattern, "*:") {
		suffix := strings.TrimPrefix(pattern, "*:")
		return strings.HasSuffix(role, ":"+suffix)
	}
	return false
}
