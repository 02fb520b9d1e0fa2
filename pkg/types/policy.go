package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// APIVersion is the canonical policy document apiVersion
const APIVersion = "authz.engine/v1"

// PolicyKind identifies a policy document type
type PolicyKind string

const (
	KindResourcePolicy  PolicyKind = "ResourcePolicy"
	KindPrincipalPolicy PolicyKind = "PrincipalPolicy"
	KindDerivedRoles    PolicyKind = "DerivedRoles"
)

// Condition is a boolean expression tree attached to a rule or derived-role
// definition. Either Expr is set, or exactly one of All/Any/None.
type Condition struct {
	Expr string       `json:"expr,omitempty" yaml:"expr,omitempty"`
	All  []*Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any  []*Condition `json:"any,omitempty" yaml:"any,omitempty"`
	None []*Condition `json:"none,omitempty" yaml:"none,omitempty"`
}

// Expression renders the condition tree as a single CEL expression.
// Compilation happens once per rule at policy load.
func (c *Condition) Expression() string {
	if c == nil {
		return ""
	}
	if c.Expr != "" {
		return c.Expr
	}
	join := func(parts []*Condition, op string) string {
		rendered := make([]string, 0, len(parts))
		for _, p := range parts {
			if e := p.Expression(); e != "" {
				rendered = append(rendered, "("+e+")")
			}
		}
		return strings.Join(rendered, " "+op+" ")
	}
	switch {
	case len(c.All) > 0:
		return join(c.All, "&&")
	case len(c.Any) > 0:
		return join(c.Any, "||")
	case len(c.None) > 0:
		return "!(" + join(c.None, "||") + ")"
	}
	return ""
}

// Validate checks the structural shape of the condition tree
func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	set := 0
	if c.Expr != "" {
		set++
	}
	if len(c.All) > 0 {
		set++
	}
	if len(c.Any) > 0 {
		set++
	}
	if len(c.None) > 0 {
		set++
	}
	if set == 0 {
		return fmt.Errorf("%w: condition requires expr or all/any/none", ErrInvalidInput)
	}
	if set > 1 {
		return fmt.Errorf("%w: condition must set exactly one of expr, all, any, none", ErrInvalidInput)
	}
	for _, children := range [][]*Condition{c.All, c.Any, c.None} {
		for _, child := range children {
			if err := child.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Metadata carries the identifying fields shared by all policy documents
type Metadata struct {
	Name    string            `json:"name" yaml:"name"`
	Version string            `json:"version,omitempty" yaml:"version,omitempty"`
	Labels  map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// ResourceRule is a single rule inside a resource policy. Ordering within
// the policy is significant: the first matching rule per action wins.
type ResourceRule struct {
	Name         string     `json:"name" yaml:"name"`
	Actions      []string   `json:"actions" yaml:"actions"`
	Effect       Effect     `json:"effect" yaml:"effect"`
	Roles        []string   `json:"roles,omitempty" yaml:"roles,omitempty"`
	DerivedRoles []string   `json:"derivedRoles,omitempty" yaml:"derivedRoles,omitempty"`
	Condition    *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// MatchesAction checks if the rule applies to an action
func (r *ResourceRule) MatchesAction(action string) bool {
	for _, a := range r.Actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// MatchesRoles checks the role filter against the effective role set
// (base roles plus derived roles). An empty filter and the `*` wildcard
// both pass unconditionally.
func (r *ResourceRule) MatchesRoles(effectiveRoles map[string]bool) bool {
	if len(r.Roles) == 0 && len(r.DerivedRoles) == 0 {
		return true
	}
	for _, required := range r.Roles {
		if required == "*" {
			return true
		}
		if effectiveRoles[required] {
			return true
		}
	}
	for _, required := range r.DerivedRoles {
		if required == "*" {
			return true
		}
		if effectiveRoles[required] {
			return true
		}
	}
	return false
}

// ResourcePolicy authorizes actions against a resource kind
type ResourcePolicy struct {
	APIVersion string          `json:"apiVersion" yaml:"apiVersion"`
	Metadata   Metadata        `json:"metadata" yaml:"metadata"`
	Resource   string          `json:"resource" yaml:"resource"`
	Version    string          `json:"version,omitempty" yaml:"version,omitempty"`
	Scope      string          `json:"scope,omitempty" yaml:"scope,omitempty"`
	Rules      []*ResourceRule `json:"rules" yaml:"rules"`
}

// PrincipalRule is a resource-kind-scoped override rule in a principal policy
type PrincipalRule struct {
	Resource  string     `json:"resource" yaml:"resource"`
	Actions   []string   `json:"actions" yaml:"actions"`
	Effect    Effect     `json:"effect" yaml:"effect"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// MatchesResource checks the rule's resource-kind selector (wildcards honored)
func (r *PrincipalRule) MatchesResource(kind string) bool {
	return r.Resource == "*" || r.Resource == kind
}

// MatchesAction checks if the rule applies to an action
func (r *PrincipalRule) MatchesAction(action string) bool {
	for _, a := range r.Actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// PrincipalPolicy is a per-principal override. Its rules supersede
// resource-policy outcomes for the actions they decide.
type PrincipalPolicy struct {
	APIVersion string           `json:"apiVersion" yaml:"apiVersion"`
	Metadata   Metadata         `json:"metadata" yaml:"metadata"`
	Principal  string           `json:"principal" yaml:"principal"`
	Rules      []*PrincipalRule `json:"rules" yaml:"rules"`
}

// DerivedRolesPolicy groups derived-role definitions
type DerivedRolesPolicy struct {
	APIVersion  string            `json:"apiVersion" yaml:"apiVersion"`
	Metadata    Metadata          `json:"metadata" yaml:"metadata"`
	Definitions []*DerivedRoleDef `json:"definitions" yaml:"definitions"`
}

// Policy wraps exactly one policy document variant
type Policy struct {
	ResourcePolicy  *ResourcePolicy     `json:"resourcePolicy,omitempty" yaml:"resourcePolicy,omitempty"`
	PrincipalPolicy *PrincipalPolicy    `json:"principalPolicy,omitempty" yaml:"principalPolicy,omitempty"`
	DerivedRoles    *DerivedRolesPolicy `json:"derivedRoles,omitempty" yaml:"derivedRoles,omitempty"`
}

// Kind returns the document type of the wrapped policy
func (p *Policy) Kind() PolicyKind {
	switch {
	case p.ResourcePolicy != nil:
		return KindResourcePolicy
	case p.PrincipalPolicy != nil:
		return KindPrincipalPolicy
	case p.DerivedRoles != nil:
		return KindDerivedRoles
	}
	return ""
}

// Name returns the metadata name of the wrapped policy
func (p *Policy) Name() string {
	switch {
	case p.ResourcePolicy != nil:
		return p.ResourcePolicy.Metadata.Name
	case p.PrincipalPolicy != nil:
		return p.PrincipalPolicy.Metadata.Name
	case p.DerivedRoles != nil:
		return p.DerivedRoles.Metadata.Name
	}
	return ""
}

// StorageID returns the store identity "<kind>:<name>"
func (p *Policy) StorageID() string {
	return fmt.Sprintf("%s:%s", p.Kind(), p.Name())
}

// Hash computes the content hash (sha-256 prefix, hex) over the canonical
// JSON encoding. Identical documents hash identically.
func (p *Policy) Hash() string {
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// StoredPolicy wraps a policy with storage metadata. Identity is
// "<kind>:<name>", unique within a tenant.
type StoredPolicy struct {
	ID        string            `json:"id"`
	Kind      PolicyKind        `json:"kind"`
	Name      string            `json:"name"`
	Version   string            `json:"version,omitempty"`
	Hash      string            `json:"hash"`
	Disabled  bool              `json:"disabled"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Source    string            `json:"source,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Policy    *Policy           `json:"policy"`
}
