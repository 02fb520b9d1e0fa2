// Package types provides shared types for the agentic authorization engine
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Effect represents the authorization decision
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// DefaultDenyRule is the synthetic rule name reported when no rule decided an action.
const DefaultDenyRule = "default-deny"

// EnforcerRulePrefix marks action results rewritten by the enforcer.
const EnforcerRulePrefix = "enforcer:"

// Principal represents the entity requesting access
type Principal struct {
	ID         string         `json:"id"`
	Roles      []string       `json:"roles"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// HasRole checks if the principal has a specific role
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ToMap converts Principal to a map for CEL evaluation
func (p *Principal) ToMap() map[string]any {
	attrs := NormalizeAttributes(p.Attributes)
	return map[string]any{
		"id":         p.ID,
		"roles":      p.Roles,
		"attributes": attrs,
		"attr":       attrs, // alias
	}
}

// Resource represents the resource being accessed
type Resource struct {
	Kind       string         `json:"kind"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ToMap converts Resource to a map for CEL evaluation
func (r *Resource) ToMap() map[string]any {
	attrs := NormalizeAttributes(r.Attributes)
	return map[string]any{
		"kind":       r.Kind,
		"id":         r.ID,
		"attributes": attrs,
		"attr":       attrs, // alias
	}
}

// CheckRequest represents an authorization check request
type CheckRequest struct {
	RequestID string         `json:"requestId"`
	TenantID  string         `json:"tenantId,omitempty"`
	Principal *Principal     `json:"principal"`
	Resource  *Resource      `json:"resource"`
	Actions   []string       `json:"actions"`
	AuxData   map[string]any `json:"auxData,omitempty"`

	// RequireConsensus routes the request through the swarm coordinator
	// instead of the single-instance agent pipeline.
	RequireConsensus bool `json:"requireConsensus,omitempty"`
}

// Validate performs basic shape validation on the request
func (r *CheckRequest) Validate() error {
	if r.Principal == nil || r.Principal.ID == "" {
		return fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	if r.Resource == nil || r.Resource.Kind == "" {
		return fmt.Errorf("%w: resource kind is required", ErrInvalidInput)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidInput)
	}
	for _, a := range r.Actions {
		if a == "" {
			return fmt.Errorf("%w: action cannot be empty", ErrInvalidInput)
		}
	}
	if _, err := ParseAttributes(r.Principal.Attributes); err != nil {
		return fmt.Errorf("principal attributes: %w", err)
	}
	if _, err := ParseAttributes(r.Resource.Attributes); err != nil {
		return fmt.Errorf("resource attributes: %w", err)
	}
	if _, err := ParseAttributes(r.AuxData); err != nil {
		return fmt.Errorf("aux data: %w", err)
	}
	return nil
}

// CacheKey generates a cache key for this request. Roles are sorted so
// the key is stable regardless of role order; attributes and aux data
// are folded in canonically because decisions depend on them.
func (r *CheckRequest) CacheKey() string {
	roles := make([]string, len(r.Principal.Roles))
	copy(roles, r.Principal.Roles)
	sort.Strings(roles)

	key := fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s:%s:%s",
		r.TenantID,
		r.Principal.ID,
		strings.Join(roles, ","),
		r.Resource.Kind,
		r.Resource.ID,
		strings.Join(r.Actions, ","),
		canonicalJSON(r.Principal.Attributes),
		canonicalJSON(r.Resource.Attributes),
		canonicalJSON(r.AuxData),
	)
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:16])
}

// canonicalJSON renders an attribute map deterministically; json.Marshal
// writes map keys in sorted order.
func canonicalJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(b)
}

// CheckResponse contains the authorization decision
type CheckResponse struct {
	RequestID string                  `json:"requestId"`
	Results   map[string]ActionResult `json:"results"`
	Meta      *ResponseMeta           `json:"meta,omitempty"`
}

// Allowed reports whether every requested action was allowed
func (r *CheckResponse) Allowed() bool {
	for _, res := range r.Results {
		if res.Effect != EffectAllow {
			return false
		}
	}
	return len(r.Results) > 0
}

// ActionResult contains the decision for a single action
type ActionResult struct {
	Effect                Effect   `json:"effect"`
	Policy                string   `json:"policy,omitempty"`
	MatchedRule           string   `json:"matchedRule"`
	EffectiveDerivedRoles []string `json:"effectiveDerivedRoles,omitempty"`
}

// IsAllowed returns true if the effect is allow
func (r *ActionResult) IsAllowed() bool {
	return r.Effect == EffectAllow
}

// ResponseMeta contains evaluation details
type ResponseMeta struct {
	EvaluationDurationMs float64  `json:"evaluationDurationMs"`
	PoliciesEvaluated    []string `json:"policiesEvaluated,omitempty"`
}

// ResourceBatchEntry pairs a resource with the actions requested against it
// for batch evaluation under a single principal.
type ResourceBatchEntry struct {
	Resource *Resource `json:"resource"`
	Actions  []string  `json:"actions"`
}

// PolicyChangeType identifies the kind of policy store transition
type PolicyChangeType string

const (
	PolicyCreated  PolicyChangeType = "created"
	PolicyUpdated  PolicyChangeType = "updated"
	PolicyDeleted  PolicyChangeType = "deleted"
	PolicyDisabled PolicyChangeType = "disabled"
	PolicyEnabled  PolicyChangeType = "enabled"
)

// PolicyChange is the payload delivered to policy store watchers
type PolicyChange struct {
	Type         PolicyChangeType `json:"type"`
	PolicyID     string           `json:"policyId"`
	PolicyName   string           `json:"policyName"`
	PolicyKind   PolicyKind       `json:"policyKind"`
	PreviousHash string           `json:"previousHash,omitempty"`
	NewHash      string           `json:"newHash,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// AgentEvent is the payload emitted by pipeline agents on the event bus
type AgentEvent struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
