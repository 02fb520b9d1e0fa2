package swarm

import (
	"context"
	"fmt"
	"strings"

	"github.com/authz-engine/agentic-core/internal/analyst"
	"github.com/authz-engine/agentic-core/internal/enforcer"
	"github.com/authz-engine/agentic-core/internal/guardian"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// DefaultHandlers wires the pipeline agents as swarm stage handlers
func DefaultHandlers(guard *guardian.Guardian, an *analyst.Analyst, enf *enforcer.Enforcer) map[types.AgentRole]StageHandler {
	return map[types.AgentRole]StageHandler{
		types.RoleGuardian: guardianStage(guard),
		types.RoleAnalyst:  analystStage(an),
		types.RoleAdvisor:  advisorStage(),
		types.RoleEnforcer: enforcerStage(enf),
	}
}

// guardianStage scores the request. High-severity anomalies vote deny
// with the anomaly score as confidence; clean requests vote allow.
func guardianStage(guard *guardian.Guardian) StageHandler {
	return func(ctx context.Context, _ *types.SwarmAgent, req *types.CheckRequest, _ *types.CheckResponse) types.StageResult {
		result, err := guard.AnalyzeRequest(ctx, req)
		if err != nil {
			return types.StageResult{Decision: types.StageIndeterminate, Reason: err.Error()}
		}
		if result.Anomaly != nil &&
			(result.Anomaly.Severity == types.SeverityHigh || result.Anomaly.Severity == types.SeverityCritical) {
			return types.StageResult{
				Decision:   types.StageDeny,
				Confidence: result.Score,
				Reason:     fmt.Sprintf("%s anomaly (%s)", result.Anomaly.Severity, result.Anomaly.Type),
			}
		}
		return types.StageResult{
			Decision:   types.StageAllow,
			Confidence: 1 - result.Score,
			Reason:     fmt.Sprintf("anomaly score %.2f", result.Score),
		}
	}
}

// analystStage checks the request against learned patterns. A matching
// approved pattern raises confidence; no history keeps it neutral.
func analystStage(an *analyst.Analyst) StageHandler {
	return func(ctx context.Context, _ *types.SwarmAgent, req *types.CheckRequest, resp *types.CheckResponse) types.StageResult {
		confidence := 0.5
		reason := "no matching pattern"
		for _, p := range an.Patterns(ctx) {
			if p.SampleSize == 0 {
				continue
			}
			if matchesPattern(p, req) {
				confidence = p.Confidence
				reason = "matches learned pattern"
				break
			}
		}
		decision := types.StageAllow
		if !resp.Allowed() {
			decision = types.StageDeny
		}
		return types.StageResult{Decision: decision, Confidence: confidence, Reason: reason}
	}
}

func matchesPattern(p *types.LearnedPattern, req *types.CheckRequest) bool {
	// pattern descriptions embed the tuple; the id key is internal, so
	// match on the suggested rule's kind reference
	return p.Type == analyst.PatternFrequentAccess &&
		p.SuggestedPolicyRule != "" &&
		containsQuoted(p.SuggestedPolicyRule, req.Resource.Kind) &&
		containsQuoted(p.SuggestedPolicyRule, req.Principal.ID)
}

func containsQuoted(s, sub string) bool {
	return sub != "" && strings.Contains(s, `"`+sub+`"`)
}

// advisorStage reflects the engine verdict with moderate confidence
func advisorStage() StageHandler {
	return func(_ context.Context, _ *types.SwarmAgent, _ *types.CheckRequest, resp *types.CheckResponse) types.StageResult {
		if resp.Allowed() {
			return types.StageResult{Decision: types.StageAllow, Confidence: 0.7, Reason: "engine allowed all actions"}
		}
		return types.StageResult{Decision: types.StageDeny, Confidence: 0.7, Reason: "engine denied at least one action"}
	}
}

// enforcerStage denies when the principal is under active enforcement
func enforcerStage(enf *enforcer.Enforcer) StageHandler {
	return func(ctx context.Context, _ *types.SwarmAgent, req *types.CheckRequest, _ *types.CheckResponse) types.StageResult {
		check := enf.Check(ctx, req.Principal.ID)
		if !check.Allowed {
			return types.StageResult{Decision: types.StageDeny, Confidence: 1.0, Reason: check.Reason}
		}
		return types.StageResult{Decision: types.StageAllow, Confidence: 0.8, Reason: "no active enforcement"}
	}
}

// DefaultVote votes with the engine verdict at fixed confidence
func DefaultVote() VoteFunc {
	return func(_ context.Context, _ *types.SwarmAgent, _ *types.CheckRequest, resp *types.CheckResponse) types.ConsensusVote {
		return types.ConsensusVote{
			Approve:    resp.Allowed(),
			Confidence: 0.7,
		}
	}
}
