// Package orchestrator coordinates the single-instance agent pipeline
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/advisor"
	"github.com/authz-engine/agentic-core/internal/decision"
	"github.com/authz-engine/agentic-core/internal/enforcer"
	"github.com/authz-engine/agentic-core/internal/engine"
	"github.com/authz-engine/agentic-core/internal/eventbus"
	"github.com/authz-engine/agentic-core/internal/guardian"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// TopicRequestProcessed is published after every pipeline run
const TopicRequestProcessed = "request.processed"

// ProcessOptions tunes one pipeline run
type ProcessOptions struct {
	// IncludeExplanation asks the advisor for a structured explanation
	IncludeExplanation bool

	// PolicyContext carries the resource policies consulted, used by the
	// advisor to compute the path to allow.
	PolicyContext []*types.StoredPolicy
}

// Config controls the pipeline
type Config struct {
	// EnforceOnCritical triggers a rate limit automatically when an
	// anomaly reaches critical severity.
	EnforceOnCritical bool `yaml:"enforceOnCritical"`
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{EnforceOnCritical: true}
}

// ConsensusRunner routes a request through the swarm coordinator. The
// orchestrator treats it as optional.
type ConsensusRunner interface {
	ProcessConsensus(ctx context.Context, req *types.CheckRequest, resp *types.CheckResponse) (*types.SwarmDecision, error)
}

// Orchestrator runs the agent pipeline around the decision engine:
// enforcement gate, decision, anomaly scoring, optional enforcement and
// explanation. Safe for concurrent callers; all shared state lives in
// the individual agents.
type Orchestrator struct {
	cfg       Config
	engine    *engine.Engine
	guardian  *guardian.Guardian
	advisor   *advisor.Advisor
	enforcer  *enforcer.Enforcer
	decisions decision.Store
	bus       *eventbus.Bus
	swarm     ConsensusRunner
	logger    *zap.Logger
}

// New creates an orchestrator. swarm may be nil when consensus is disabled.
func New(
	cfg Config,
	eng *engine.Engine,
	guard *guardian.Guardian,
	adv *advisor.Advisor,
	enf *enforcer.Enforcer,
	decisions decision.Store,
	bus *eventbus.Bus,
	swarm ConsensusRunner,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		engine:    eng,
		guardian:  guard,
		advisor:   adv,
		enforcer:  enf,
		decisions: decisions,
		bus:       bus,
		swarm:     swarm,
		logger:    logger,
	}
}

// ProcessRequest runs the full pipeline for one request
func (o *Orchestrator) ProcessRequest(ctx context.Context, req *types.CheckRequest, opts ProcessOptions) (*types.AgenticResult, error) {
	start := time.Now()
	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", types.ErrInvalidInput)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// enforcement gate: blocked principals skip the engine and guardian
	check := o.enforcer.Check(ctx, req.Principal.ID)
	if !check.Allowed {
		result := o.deniedByEnforcement(ctx, req, check, start)
		o.publishProcessed(req, result)
		return result, nil
	}

	resp, err := o.engine.Check(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &types.AgenticResult{
		Response:    resp,
		Enforcement: check,
	}
	result.AgentsInvolved = append(result.AgentsInvolved, "guardian")

	guardianResult, err := o.guardian.AnalyzeRequest(ctx, req)
	if err != nil {
		o.logger.Warn("guardian analysis failed", zap.Error(err))
		guardianResult = &guardian.Result{}
	}
	result.AnomalyScore = guardianResult.Score
	result.Anomaly = guardianResult.Anomaly

	if o.cfg.EnforceOnCritical && guardianResult.Anomaly != nil && guardianResult.Anomaly.Severity == types.SeverityCritical {
		action, enfErr := o.enforcer.TriggerEnforcement(ctx, types.EnforcementRateLimit, req.Principal.ID, types.ActionTrigger{
			AgentType:  "guardian",
			Reason:     fmt.Sprintf("critical anomaly %s (score %.2f)", guardianResult.Anomaly.Type, guardianResult.Score),
			RelatedIDs: []string{guardianResult.Anomaly.ID},
		})
		if enfErr != nil {
			o.logger.Warn("automatic enforcement failed", zap.Error(enfErr))
		} else {
			result.EnforcerAction = action
			result.AgentsInvolved = append(result.AgentsInvolved, "enforcer")
		}
	}

	if req.RequireConsensus && o.swarm != nil {
		swarmDecision, swarmErr := o.swarm.ProcessConsensus(ctx, req, resp)
		if swarmErr != nil {
			o.logger.Warn("swarm consensus failed", zap.Error(swarmErr))
		} else {
			result.Swarm = swarmDecision
			result.AgentsInvolved = append(result.AgentsInvolved, "coordinator")
		}
	}

	if opts.IncludeExplanation {
		explanation, expErr := o.advisor.Explain(ctx, req, resp, opts.PolicyContext, guardianResult)
		if expErr != nil {
			o.logger.Warn("explanation failed", zap.Error(expErr))
		} else {
			result.Explanation = explanation
			result.AgentsInvolved = append(result.AgentsInvolved, "advisor")
		}
	}

	o.record(ctx, req, resp, guardianResult.Score)
	result.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	o.publishProcessed(req, result)
	return result, nil
}

// deniedByEnforcement builds a fully denied response without consulting
// the engine or the guardian.
func (o *Orchestrator) deniedByEnforcement(ctx context.Context, req *types.CheckRequest, check *types.EnforcementCheck, start time.Time) *types.AgenticResult {
	results := make(map[string]types.ActionResult, len(req.Actions))
	for _, action := range req.Actions {
		results[action] = types.ActionResult{Effect: types.EffectDeny}
	}
	resp := &types.CheckResponse{RequestID: req.RequestID, Results: results}
	enforcer.RewriteDeny(resp, o.activeEnforcementType(ctx, req.Principal.ID))

	o.record(ctx, req, resp, 0)
	return &types.AgenticResult{
		Response:         resp,
		Enforcement:      check,
		AgentsInvolved:   []string{"enforcer"},
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (o *Orchestrator) activeEnforcementType(ctx context.Context, principalID string) types.EnforcementType {
	typ := types.EnforcementRateLimit
	for _, action := range o.enforcer.ActionsForPrincipal(ctx, principalID) {
		if action.Status == types.ActionCompleted && action.Type == types.EnforcementTemporaryBlock {
			typ = types.EnforcementTemporaryBlock
		}
	}
	return typ
}

func (o *Orchestrator) record(ctx context.Context, req *types.CheckRequest, resp *types.CheckResponse, score float64) {
	rec := &types.DecisionRecord{
		Request:   req,
		Response:  resp,
		Timestamp: time.Now(),
	}
	if score > 0 {
		rec.AnomalyScore = &score
	}
	if err := o.decisions.Append(ctx, rec); err != nil {
		o.logger.Warn("failed to record decision", zap.Error(err))
	}
}

func (o *Orchestrator) publishProcessed(req *types.CheckRequest, result *types.AgenticResult) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(TopicRequestProcessed, types.AgentEvent{
		RequestID: req.RequestID,
		Payload: map[string]any{
			"principalId":    req.Principal.ID,
			"allowed":        result.Response.Allowed(),
			"anomalyScore":   result.AnomalyScore,
			"agentsInvolved": result.AgentsInvolved,
		},
	})
}

// Anomalies exposes the stored anomalies, optionally per principal
func (o *Orchestrator) Anomalies(ctx context.Context, principalID string) ([]*types.Anomaly, error) {
	return o.decisions.Anomalies(ctx, principalID)
}
