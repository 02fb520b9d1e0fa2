// Package swarm provides the replicated agent pool and the consensus
// coordinator used for high-risk decisions.
package swarm

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/clock"
	"github.com/authz-engine/agentic-core/internal/metrics"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// BalanceStrategy selects how the pool assigns agents to tasks
type BalanceStrategy string

const (
	StrategyRoundRobin       BalanceStrategy = "round_robin"
	StrategyLeastConnections BalanceStrategy = "least_connections"
	StrategyWeighted         BalanceStrategy = "weighted"
	StrategyRandom           BalanceStrategy = "random"
)

// PoolConfig controls the agent pool
type PoolConfig struct {
	Strategy BalanceStrategy `yaml:"strategy"`

	// InitialAgents seeds the pool per role
	InitialAgents map[types.AgentRole]int `yaml:"initialAgents"`

	// MaxAgentsPerRole bounds scaling
	MaxAgentsPerRole int `yaml:"maxAgentsPerRole"`

	// WarmupDuration keeps a freshly spawned agent in cooling_down before
	// it becomes assignable.
	WarmupDuration time.Duration `yaml:"warmupDuration"`

	// Auto-scaling
	ScaleUpThreshold   float64       `yaml:"scaleUpThreshold"`
	ScaleDownThreshold float64       `yaml:"scaleDownThreshold"`
	ScaleCooldown      time.Duration `yaml:"scaleCooldown"`
	MaxScalePerAction  int           `yaml:"maxScalePerAction"`

	// Work stealing
	WorkStealing    bool    `yaml:"workStealing"`
	StealIdleBelow  float64 `yaml:"stealIdleBelow"`
	StealOverloaded float64 `yaml:"stealOverloaded"`
	StealAmount     float64 `yaml:"stealAmount"`

	// TickInterval drives the auto-scale and steal background jobs
	TickInterval time.Duration `yaml:"tickInterval"`

	// RolePriorityWeights feed the coordinator's weighted aggregation.
	// A missing role gets the default weight for that role.
	RolePriorityWeights map[types.AgentRole]float64 `yaml:"rolePriorityWeights"`
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Strategy: StrategyLeastConnections,
		InitialAgents: map[types.AgentRole]int{
			types.RoleGuardian: 2,
			types.RoleAnalyst:  2,
			types.RoleAdvisor:  3,
			types.RoleEnforcer: 2,
		},
		MaxAgentsPerRole:   8,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		ScaleCooldown:      30 * time.Second,
		MaxScalePerAction:  2,
		WorkStealing:       true,
		StealIdleBelow:     0.2,
		StealOverloaded:    0.8,
		StealAmount:        0.3,
		TickInterval:       10 * time.Second,
		RolePriorityWeights: map[types.AgentRole]float64{
			types.RoleGuardian: 1.0,
			types.RoleAnalyst:  0.8,
			types.RoleAdvisor:  1.2,
			types.RoleEnforcer: 1.5,
		},
	}
}

// roleTaskTypes lists the task types each role supports by default
var roleTaskTypes = map[types.AgentRole][]string{
	types.RoleGuardian: {"analyze", "detect"},
	types.RoleAnalyst:  {"analyze", "patterns"},
	types.RoleAdvisor:  {"explain", "vote"},
	types.RoleEnforcer: {"enforce", "check"},
}

var defaultRolePriorityWeight = map[types.AgentRole]float64{
	types.RoleGuardian: 1.0,
	types.RoleAnalyst:  0.8,
	types.RoleAdvisor:  1.2,
	types.RoleEnforcer: 1.5,
}

// Pool is the typed swarm agent pool with load balancing, auto-scaling
// and optional work stealing. One mutex guards all pool state.
type Pool struct {
	cfg     PoolConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	clock   clock.Clock

	mu        sync.Mutex
	agents    map[string]*types.SwarmAgent
	byRole    map[types.AgentRole][]*types.SwarmAgent
	rrIndex   map[types.AgentRole]int
	lastScale map[types.AgentRole]time.Time
	rng       *rand.Rand

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPool creates and seeds a pool. Call Start to run the background
// auto-scale and steal jobs.
func NewPool(cfg PoolConfig, m *metrics.Metrics, clk clock.Clock, logger *zap.Logger) *Pool {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAgentsPerRole <= 0 {
		cfg.MaxAgentsPerRole = 8
	}
	p := &Pool{
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		clock:     clk,
		agents:    make(map[string]*types.SwarmAgent),
		byRole:    make(map[types.AgentRole][]*types.SwarmAgent),
		rrIndex:   make(map[types.AgentRole]int),
		lastScale: make(map[types.AgentRole]time.Time),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:      make(chan struct{}),
	}
	for role, n := range cfg.InitialAgents {
		for i := 0; i < n; i++ {
			p.spawnLocked(role)
		}
	}
	return p
}

// PriorityWeight returns the configured aggregation weight for a role.
// The config is immutable after construction, so no lock is needed.
func (p *Pool) PriorityWeight(role types.AgentRole) float64 {
	if w, ok := p.cfg.RolePriorityWeights[role]; ok {
		return w
	}
	return defaultRolePriorityWeight[role]
}

// spawnLocked adds an agent. Caller holds the lock (or the pool is not
// yet shared).
func (p *Pool) spawnLocked(role types.AgentRole) *types.SwarmAgent {
	now := p.clock.Now()
	status := types.AgentIdle
	if p.cfg.WarmupDuration > 0 {
		status = types.AgentCoolingDown
	}
	agent := &types.SwarmAgent{
		ID:             string(role) + "-" + uuid.NewString()[:8],
		Role:           role,
		Status:         status,
		PriorityWeight: p.PriorityWeight(role),
		TaskTypes:      roleTaskTypes[role],
		SpawnedAt:      now,
		LastActive:     now,
	}
	p.agents[agent.ID] = agent
	p.byRole[role] = append(p.byRole[role], agent)
	p.metrics.SetSwarmAgents(string(role), p.countActiveLocked(role))
	return agent
}

// Spawn adds one agent of the given role, bounded by MaxAgentsPerRole
func (p *Pool) Spawn(role types.AgentRole) (*types.SwarmAgent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.countLiveLocked(role) >= p.cfg.MaxAgentsPerRole {
		return nil, fmt.Errorf("%w: role %s is at its agent cap", types.ErrUnavailable, role)
	}
	return p.spawnLocked(role), nil
}

func (p *Pool) countLiveLocked(role types.AgentRole) int {
	n := 0
	for _, a := range p.byRole[role] {
		if a.Status != types.AgentTerminated {
			n++
		}
	}
	return n
}

func (p *Pool) countActiveLocked(role types.AgentRole) int {
	n := 0
	for _, a := range p.byRole[role] {
		if a.Status == types.AgentIdle || a.Status == types.AgentBusy {
			n++
		}
	}
	return n
}

// Acquire selects an agent of the role that supports the task type,
// bumps its load and marks it busy. ErrUnavailable when no assignable
// agent exists.
func (p *Pool) Acquire(role types.AgentRole, taskType string) (*types.SwarmAgent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.promoteWarmedLocked(role)

	candidates := make([]*types.SwarmAgent, 0, len(p.byRole[role]))
	for _, a := range p.byRole[role] {
		if a.Status != types.AgentIdle && a.Status != types.AgentBusy {
			continue
		}
		if taskType != "" && !a.SupportsTask(taskType) {
			continue
		}
		if a.Load >= 1.0 {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no %s agent available for task %q", types.ErrUnavailable, role, taskType)
	}

	agent := p.selectLocked(role, candidates)
	agent.Load += 0.25
	if agent.Load > 1.0 {
		agent.Load = 1.0
	}
	agent.Status = types.AgentBusy
	agent.LastActive = p.clock.Now()
	return agent, nil
}

func (p *Pool) promoteWarmedLocked(role types.AgentRole) {
	if p.cfg.WarmupDuration <= 0 {
		return
	}
	now := p.clock.Now()
	for _, a := range p.byRole[role] {
		if a.Status == types.AgentCoolingDown && now.Sub(a.SpawnedAt) >= p.cfg.WarmupDuration {
			a.Status = types.AgentIdle
		}
	}
}

func (p *Pool) selectLocked(role types.AgentRole, candidates []*types.SwarmAgent) *types.SwarmAgent {
	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		idx := p.rrIndex[role] % len(candidates)
		p.rrIndex[role]++
		return candidates[idx]
	case StrategyRandom:
		return candidates[p.rng.Intn(len(candidates))]
	case StrategyWeighted:
		// highest score wins: priority weight discounted by current load
		best := candidates[0]
		bestScore := best.PriorityWeight * (1 - best.Load)
		for _, a := range candidates[1:] {
			if score := a.PriorityWeight * (1 - a.Load); score > bestScore {
				best, bestScore = a, score
			}
		}
		return best
	default: // least_connections
		best := candidates[0]
		for _, a := range candidates[1:] {
			if a.Load < best.Load {
				best = a
			}
		}
		return best
	}
}

// Release returns capacity to an agent after a task completes
func (p *Pool) Release(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agent, ok := p.agents[agentID]
	if !ok {
		return
	}
	agent.Load -= 0.25
	if agent.Load < 0 {
		agent.Load = 0
	}
	if agent.Status == types.AgentBusy && agent.Load == 0 {
		agent.Status = types.AgentIdle
	}
	agent.LastActive = p.clock.Now()
}

// Drain marks an agent draining; it finishes current work but receives
// no new assignments.
func (p *Pool) Drain(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	agent, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %q", types.ErrNotFound, agentID)
	}
	if agent.Status == types.AgentTerminated {
		return fmt.Errorf("%w: agent %q is terminated", types.ErrConflict, agentID)
	}
	agent.Status = types.AgentDraining
	return nil
}

// Terminate removes an agent from service
func (p *Pool) Terminate(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	agent, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %q", types.ErrNotFound, agentID)
	}
	agent.Status = types.AgentTerminated
	agent.Load = 0
	p.metrics.SetSwarmAgents(string(agent.Role), p.countActiveLocked(agent.Role))
	return nil
}

// Agents returns a snapshot of the live agents for a role
func (p *Pool) Agents(role types.AgentRole) []*types.SwarmAgent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*types.SwarmAgent
	for _, a := range p.byRole[role] {
		if a.Status != types.AgentTerminated {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out
}

// Utilization returns the average load over live agents of a role
func (p *Pool) Utilization(role types.AgentRole) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utilizationLocked(role)
}

func (p *Pool) utilizationLocked(role types.AgentRole) float64 {
	var sum float64
	n := 0
	for _, a := range p.byRole[role] {
		if a.Status == types.AgentIdle || a.Status == types.AgentBusy {
			sum += a.Load
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Start launches the auto-scale and work-steal background jobs
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.autoScaleTick()
				if p.cfg.WorkStealing {
					p.stealTick()
				}
			}
		}
	}()
}

// autoScaleTick scales each role toward its utilization thresholds,
// bounded by the per-action cap and the cooldown.
func (p *Pool) autoScaleTick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	for role := range p.byRole {
		if now.Sub(p.lastScale[role]) < p.cfg.ScaleCooldown {
			continue
		}
		util := p.utilizationLocked(role)
		live := p.countLiveLocked(role)

		switch {
		case util >= p.cfg.ScaleUpThreshold && live < p.cfg.MaxAgentsPerRole:
			n := p.cfg.MaxScalePerAction
			if live+n > p.cfg.MaxAgentsPerRole {
				n = p.cfg.MaxAgentsPerRole - live
			}
			for i := 0; i < n; i++ {
				p.spawnLocked(role)
			}
			p.lastScale[role] = now
			p.logger.Debug("scaled up", zap.String("role", string(role)), zap.Int("added", n), zap.Float64("utilization", util))
		case util <= p.cfg.ScaleDownThreshold && live > 1:
			// drain the least recently active idle agent
			var victim *types.SwarmAgent
			for _, a := range p.byRole[role] {
				if a.Status != types.AgentIdle {
					continue
				}
				if victim == nil || a.LastActive.Before(victim.LastActive) {
					victim = a
				}
			}
			if victim != nil {
				victim.Status = types.AgentDraining
				p.lastScale[role] = now
				p.logger.Debug("scaled down", zap.String("role", string(role)), zap.String("agent", victim.ID))
			}
		}
	}
}

// stealTick moves a bounded amount of load from overloaded agents to
// idle peers with overlapping task types.
func (p *Pool) stealTick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, agents := range p.byRole {
		for _, idle := range agents {
			if idle.Status != types.AgentIdle || idle.Load >= p.cfg.StealIdleBelow {
				continue
			}
			for _, loaded := range agents {
				if loaded == idle || loaded.Load < p.cfg.StealOverloaded {
					continue
				}
				if !taskTypesOverlap(idle.TaskTypes, loaded.TaskTypes) {
					continue
				}
				amount := p.cfg.StealAmount
				if amount > loaded.Load {
					amount = loaded.Load
				}
				loaded.Load -= amount
				idle.Load += amount
				if idle.Load > 0 {
					idle.Status = types.AgentBusy
				}
				if loaded.Load == 0 && loaded.Status == types.AgentBusy {
					loaded.Status = types.AgentIdle
				}
				break
			}
		}
	}
}

func taskTypesOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Stop terminates the background jobs
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}
