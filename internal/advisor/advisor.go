// Package advisor produces structured explanations for decisions
package advisor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/guardian"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// NotConfiguredMessage is returned by AskQuestion when no text generator
// is available.
const NotConfiguredMessage = "natural-language generation is not configured"

// Advisor explains decisions. The structured fields are always populated;
// natural language is best-effort and only present when an explainer is
// configured.
type Advisor struct {
	explainer TextExplainer
	logger    *zap.Logger
}

// New creates an advisor. A nil explainer disables natural language.
func New(explainer TextExplainer, logger *zap.Logger) *Advisor {
	if explainer == nil {
		explainer = NopExplainer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advisor{explainer: explainer, logger: logger}
}

// Explain builds an explanation for a completed decision. policyContext
// optionally carries the resource policies consulted, used to compute the
// path-to-allow for denied actions. guardianResult may be nil.
func (a *Advisor) Explain(
	ctx context.Context,
	req *types.CheckRequest,
	resp *types.CheckResponse,
	policyContext []*types.StoredPolicy,
	guardianResult *guardian.Result,
) (*types.Explanation, error) {
	if req == nil || resp == nil {
		return nil, fmt.Errorf("%w: request and response are required", types.ErrInvalidInput)
	}

	var allowed, denied []string
	for action, result := range resp.Results {
		if result.Effect == types.EffectAllow {
			allowed = append(allowed, action)
		} else {
			denied = append(denied, action)
		}
	}
	sort.Strings(allowed)
	sort.Strings(denied)

	explanation := &types.Explanation{
		Summary: a.summarize(req, allowed, denied),
		Factors: a.factors(req, resp, guardianResult),
	}
	if len(denied) > 0 {
		explanation.PathToAllow = a.pathToAllow(req, resp, denied, policyContext)
	}

	if a.explainer.Configured() {
		text, err := a.explainer.GenerateText(ctx, a.prompt(req, explanation))
		if err != nil {
			a.logger.Warn("natural language generation failed", zap.Error(err))
		} else {
			explanation.NaturalLanguage = text
		}
	}
	return explanation, nil
}

func (a *Advisor) summarize(req *types.CheckRequest, allowed, denied []string) string {
	subject := fmt.Sprintf("principal %q on %s %q", req.Principal.ID, req.Resource.Kind, req.Resource.ID)
	switch {
	case len(denied) == 0:
		return fmt.Sprintf("All %d action(s) allowed for %s", len(allowed), subject)
	case len(allowed) == 0:
		return fmt.Sprintf("All %d action(s) denied for %s", len(denied), subject)
	default:
		return fmt.Sprintf("%d action(s) allowed, %d denied for %s", len(allowed), len(denied), subject)
	}
}

// factors lists the reasons behind the verdict in a stable order: per-action
// rule matches first, then derived roles, then anomaly signals.
func (a *Advisor) factors(req *types.CheckRequest, resp *types.CheckResponse, guardianResult *guardian.Result) []types.ExplanationFactor {
	var factors []types.ExplanationFactor

	actions := make([]string, 0, len(resp.Results))
	for action := range resp.Results {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	derivedSeen := map[string]bool{}
	var derivedRoles []string

	for _, action := range actions {
		result := resp.Results[action]
		switch {
		case result.MatchedRule == types.DefaultDenyRule:
			factors = append(factors, types.ExplanationFactor{
				Type:        "default_deny",
				Description: fmt.Sprintf("no rule matched action %q; the engine denies by default", action),
				Impact:      "deny",
			})
		case strings.HasPrefix(result.MatchedRule, types.EnforcerRulePrefix):
			factors = append(factors, types.ExplanationFactor{
				Type:        "enforcement_override",
				Description: fmt.Sprintf("action %q was denied by enforcement (%s)", action, strings.TrimPrefix(result.MatchedRule, types.EnforcerRulePrefix)),
				Impact:      "deny",
			})
		default:
			factors = append(factors, types.ExplanationFactor{
				Type:        "matched_rule",
				Description: fmt.Sprintf("action %q decided by rule %q of policy %q", action, result.MatchedRule, result.Policy),
				Impact:      string(result.Effect),
			})
		}
		for _, role := range result.EffectiveDerivedRoles {
			if !derivedSeen[role] {
				derivedSeen[role] = true
				derivedRoles = append(derivedRoles, role)
			}
		}
	}

	if len(derivedRoles) > 0 {
		factors = append(factors, types.ExplanationFactor{
			Type:        "derived_role",
			Description: "derived roles in effect: " + strings.Join(derivedRoles, ", "),
			Impact:      "context",
		})
	}

	if guardianResult != nil && guardianResult.Score > 0 {
		impact := "info"
		if guardianResult.Anomaly != nil {
			impact = "anomaly"
		}
		factors = append(factors, types.ExplanationFactor{
			Type:        "anomaly_score",
			Description: fmt.Sprintf("request scored %.2f across %d risk factor(s)", guardianResult.Score, len(guardianResult.Factors)),
			Impact:      impact,
		})
	}
	return factors
}

// pathToAllow inspects the consulted resource policies for rules that
// could have allowed the denied actions and reports what is missing.
func (a *Advisor) pathToAllow(req *types.CheckRequest, resp *types.CheckResponse, denied []string, policyContext []*types.StoredPolicy) *types.PathToAllow {
	path := &types.PathToAllow{}

	held := make(map[string]bool, len(req.Principal.Roles))
	for _, role := range req.Principal.Roles {
		held[role] = true
	}
	for _, result := range resp.Results {
		for _, role := range result.EffectiveDerivedRoles {
			held[role] = true
		}
	}

	missingRoles := map[string]bool{}
	conditions := map[string]bool{}

	for _, sp := range policyContext {
		rp := sp.Policy.ResourcePolicy
		if rp == nil {
			continue
		}
		for _, rule := range rp.Rules {
			if rule.Effect != types.EffectAllow {
				continue
			}
			covers := false
			for _, action := range denied {
				if rule.MatchesAction(action) {
					covers = true
					break
				}
			}
			if !covers {
				continue
			}
			for _, role := range append(append([]string{}, rule.Roles...), rule.DerivedRoles...) {
				if role != "*" && !held[role] {
					missingRoles[role] = true
				}
			}
			if expr := rule.Condition.Expression(); expr != "" {
				conditions[expr] = true
			}
		}
	}

	for role := range missingRoles {
		path.MissingRoles = append(path.MissingRoles, role)
	}
	sort.Strings(path.MissingRoles)
	for cond := range conditions {
		path.RequiredConditions = append(path.RequiredConditions, cond)
	}
	sort.Strings(path.RequiredConditions)

	if len(path.MissingRoles) > 0 {
		path.SuggestedActions = append(path.SuggestedActions,
			"request one of the missing roles: "+strings.Join(path.MissingRoles, ", "))
	}
	if len(path.RequiredConditions) > 0 {
		path.SuggestedActions = append(path.SuggestedActions,
			"satisfy a rule condition: "+strings.Join(path.RequiredConditions, "; "))
	}
	if len(path.SuggestedActions) == 0 {
		path.SuggestedActions = append(path.SuggestedActions,
			"no allowing rule exists for the denied action(s); a policy change is required")
	}
	return path
}

func (a *Advisor) prompt(req *types.CheckRequest, explanation *types.Explanation) string {
	var sb strings.Builder
	sb.WriteString("Explain this authorization decision in one short paragraph for an end user.\n")
	sb.WriteString("Decision summary: " + explanation.Summary + "\n")
	for _, f := range explanation.Factors {
		sb.WriteString(fmt.Sprintf("- [%s] %s (%s)\n", f.Type, f.Description, f.Impact))
	}
	sb.WriteString(fmt.Sprintf("Principal roles: %s\n", strings.Join(req.Principal.Roles, ", ")))
	return sb.String()
}

// AskQuestion answers a free-form question about the system's decisions.
// Without a configured text generator it returns a fixed notice.
func (a *Advisor) AskQuestion(ctx context.Context, question string) (string, error) {
	if question == "" {
		return "", fmt.Errorf("%w: question is required", types.ErrInvalidInput)
	}
	if !a.explainer.Configured() {
		return NotConfiguredMessage, nil
	}
	return a.explainer.GenerateText(ctx, question)
}
