package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/metrics"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// StageHandler runs one pipeline stage on an acquired agent
type StageHandler func(ctx context.Context, agent *types.SwarmAgent, req *types.CheckRequest, resp *types.CheckResponse) types.StageResult

// VoteFunc produces one advisor replica's consensus vote
type VoteFunc func(ctx context.Context, agent *types.SwarmAgent, req *types.CheckRequest, resp *types.CheckResponse) types.ConsensusVote

// CoordinatorConfig controls stage dispatch and the consensus protocol
type CoordinatorConfig struct {
	ConsensusEnabled  bool          `yaml:"consensusEnabled"`
	QuorumSize        int           `yaml:"quorumSize"`
	ApprovalThreshold float64       `yaml:"approvalThreshold"`
	MinConfidence     float64       `yaml:"minConfidence"`
	VoteTimeout       time.Duration `yaml:"voteTimeout"`

	// EnableForHighRisk routes requests above HighRiskThreshold through
	// the swarm even without an explicit consensus flag.
	EnableForHighRisk bool    `yaml:"enableForHighRisk"`
	HighRiskThreshold float64 `yaml:"highRiskThreshold"`

	// Aggregation thresholds. Deny wins at a lower bar than allow.
	AllowRatioThreshold float64 `yaml:"allowRatioThreshold"`
	DenyRatioThreshold  float64 `yaml:"denyRatioThreshold"`
}

// DefaultCoordinatorConfig returns the default coordinator configuration
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ConsensusEnabled:    true,
		QuorumSize:          3,
		ApprovalThreshold:   0.6,
		MinConfidence:       0.5,
		VoteTimeout:         2 * time.Second,
		EnableForHighRisk:   false,
		HighRiskThreshold:   0.8,
		AllowRatioThreshold: defaultAllowRatioThreshold,
		DenyRatioThreshold:  defaultDenyRatioThreshold,
	}
}

const (
	defaultAllowRatioThreshold = 0.6
	defaultDenyRatioThreshold  = 0.4
)

// stageOrder is the fixed dispatch sequence
var stageOrder = []struct {
	role     types.AgentRole
	taskType string
}{
	{types.RoleGuardian, "analyze"},
	{types.RoleAnalyst, "patterns"},
	{types.RoleAdvisor, "explain"},
	{types.RoleEnforcer, "check"},
}

// Coordinator dispatches the four pipeline stages to pool agents,
// optionally runs a consensus round among advisor replicas, and merges
// everything by weighted aggregation.
type Coordinator struct {
	cfg      CoordinatorConfig
	pool     *Pool
	handlers map[types.AgentRole]StageHandler
	vote     VoteFunc
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewCoordinator creates a coordinator. Handlers missing for a role fall
// back to an indeterminate stage result.
func NewCoordinator(cfg CoordinatorConfig, pool *Pool, handlers map[types.AgentRole]StageHandler, vote VoteFunc, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AllowRatioThreshold == 0 {
		cfg.AllowRatioThreshold = defaultAllowRatioThreshold
	}
	if cfg.DenyRatioThreshold == 0 {
		cfg.DenyRatioThreshold = defaultDenyRatioThreshold
	}
	return &Coordinator{
		cfg:      cfg,
		pool:     pool,
		handlers: handlers,
		vote:     vote,
		metrics:  m,
		logger:   logger,
	}
}

// ShouldEngage reports whether a request must be routed through the swarm
func (c *Coordinator) ShouldEngage(req *types.CheckRequest, anomalyScore float64) bool {
	if req.RequireConsensus {
		return true
	}
	return c.cfg.EnableForHighRisk && anomalyScore >= c.cfg.HighRiskThreshold
}

// ProcessConsensus runs stage dispatch, the optional consensus round and
// weighted aggregation for one request.
func (c *Coordinator) ProcessConsensus(ctx context.Context, req *types.CheckRequest, resp *types.CheckResponse) (*types.SwarmDecision, error) {
	if req == nil || resp == nil {
		return nil, fmt.Errorf("%w: request and response are required", types.ErrInvalidInput)
	}
	start := time.Now()

	decision := &types.SwarmDecision{RequestID: req.RequestID}
	stageFailed := false

	for _, stage := range stageOrder {
		result := c.runStage(ctx, stage.role, stage.taskType, req, resp)
		if result.Decision == types.StageIndeterminate && result.AgentID == "" {
			stageFailed = true
		}
		decision.Stages = append(decision.Stages, result)
		c.metrics.RecordSwarmTask(string(stage.role), string(result.Decision))
	}

	if c.cfg.ConsensusEnabled {
		decision.Consensus = c.runConsensus(ctx, req, resp)
	}

	c.aggregate(decision)
	if stageFailed {
		decision.Decision = types.StageIndeterminate
	}
	decision.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	return decision, nil
}

// runStage acquires an agent for the role, scaling up once if none is
// available. Acquisition failure yields an agent-less indeterminate result.
func (c *Coordinator) runStage(ctx context.Context, role types.AgentRole, taskType string, req *types.CheckRequest, resp *types.CheckResponse) types.StageResult {
	agent, err := c.pool.Acquire(role, taskType)
	if err != nil {
		if _, spawnErr := c.pool.Spawn(role); spawnErr == nil {
			agent, err = c.pool.Acquire(role, taskType)
		}
	}
	if err != nil {
		c.logger.Warn("stage dispatch failed", zap.String("role", string(role)), zap.Error(err))
		return types.StageResult{
			Role:     role,
			Decision: types.StageIndeterminate,
			Reason:   "no agent available",
		}
	}
	defer c.pool.Release(agent.ID)

	handler, ok := c.handlers[role]
	if !ok {
		return types.StageResult{
			Role:     role,
			AgentID:  agent.ID,
			Decision: types.StageIndeterminate,
			Reason:   "no handler registered",
		}
	}
	result := handler(ctx, agent, req, resp)
	result.Role = role
	result.AgentID = agent.ID
	return result
}

// runConsensus broadcasts the proposal to up to quorumSize advisor
// replicas and collects votes until the deadline. Late votes never reach
// the tally: the result is computed only from votes received in time.
func (c *Coordinator) runConsensus(ctx context.Context, req *types.CheckRequest, resp *types.CheckResponse) *types.ConsensusResult {
	start := time.Now()
	result := &types.ConsensusResult{ProposalID: uuid.NewString()}

	advisors := c.pool.Agents(types.RoleAdvisor)
	if len(advisors) > c.cfg.QuorumSize {
		advisors = advisors[:c.cfg.QuorumSize]
	}
	if len(advisors) == 0 || c.vote == nil {
		return result
	}

	voteCh := make(chan types.ConsensusVote, len(advisors))
	voteCtx, cancel := context.WithTimeout(ctx, c.cfg.VoteTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, agent := range advisors {
		wg.Add(1)
		agent := agent
		go func() {
			defer wg.Done()
			vote := c.vote(voteCtx, agent, req, resp)
			vote.Voter = agent.ID
			if vote.Timestamp.IsZero() {
				vote.Timestamp = time.Now()
			}
			select {
			case voteCh <- vote:
			case <-voteCtx.Done():
			}
		}()
	}
	go func() {
		wg.Wait()
		close(voteCh)
	}()

	var votes []types.ConsensusVote
collect:
	for {
		select {
		case vote, ok := <-voteCh:
			if !ok {
				break collect
			}
			votes = append(votes, vote)
		case <-voteCtx.Done():
			// keep votes that were already buffered when the timeout fired
			for {
				select {
				case vote, ok := <-voteCh:
					if !ok {
						break collect
					}
					votes = append(votes, vote)
				default:
					break collect
				}
			}
		}
	}

	var confidenceSum float64
	for _, vote := range votes {
		result.TotalVotes++
		confidenceSum += vote.Confidence
		result.Participants = append(result.Participants, vote.Voter)
		if vote.Approve {
			result.Approvals++
		} else {
			result.Rejections++
		}
	}
	if result.TotalVotes > 0 {
		result.AvgConfidence = confidenceSum / float64(result.TotalVotes)
	}
	result.Reached = result.TotalVotes >= c.cfg.QuorumSize && result.AvgConfidence >= c.cfg.MinConfidence
	if result.TotalVotes > 0 {
		result.Decision = float64(result.Approvals)/float64(result.TotalVotes) >= c.cfg.ApprovalThreshold
	}
	result.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	return result
}

// aggregate merges stage results (and a reached consensus) into the
// final decision by role-weighted confidence.
func (c *Coordinator) aggregate(decision *types.SwarmDecision) {
	var totalWeight, allowWeight, denyWeight float64

	for _, stage := range decision.Stages {
		weight := c.pool.PriorityWeight(stage.Role) * stage.Confidence
		totalWeight += weight
		switch stage.Decision {
		case types.StageAllow:
			allowWeight += weight
		case types.StageDeny:
			denyWeight += weight
		}
	}

	if decision.Consensus != nil && decision.Consensus.Reached {
		synthetic := 5 * decision.Consensus.AvgConfidence
		totalWeight += synthetic
		if decision.Consensus.Decision {
			allowWeight += synthetic
		} else {
			denyWeight += synthetic
		}
	}

	if totalWeight > 0 {
		decision.AllowRatio = allowWeight / totalWeight
		decision.DenyRatio = denyWeight / totalWeight
	}

	switch {
	case decision.AllowRatio > c.cfg.AllowRatioThreshold:
		decision.Decision = types.StageAllow
	case decision.DenyRatio > c.cfg.DenyRatioThreshold:
		decision.Decision = types.StageDeny
	default:
		decision.Decision = types.StageIndeterminate
	}
}
