package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/agentic-core/internal/clock"
	"github.com/authz-engine/agentic-core/pkg/types"
)

func poolConfig(strategy BalanceStrategy, agents map[types.AgentRole]int) PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.Strategy = strategy
	cfg.InitialAgents = agents
	return cfg
}

func TestSpawnCap(t *testing.T) {
	cfg := poolConfig(StrategyLeastConnections, nil)
	cfg.MaxAgentsPerRole = 2
	p := NewPool(cfg, nil, clock.NewFake(time.Now()), nil)

	_, err := p.Spawn(types.RoleGuardian)
	require.NoError(t, err)
	_, err = p.Spawn(types.RoleGuardian)
	require.NoError(t, err)

	_, err = p.Spawn(types.RoleGuardian)
	assert.ErrorIs(t, err, types.ErrUnavailable)

	// terminated agents free up capacity
	agents := p.Agents(types.RoleGuardian)
	require.NoError(t, p.Terminate(agents[0].ID))
	_, err = p.Spawn(types.RoleGuardian)
	assert.NoError(t, err)
}

func TestPriorityWeightFromConfig(t *testing.T) {
	cfg := poolConfig(StrategyLeastConnections, map[types.AgentRole]int{types.RoleGuardian: 1})
	cfg.RolePriorityWeights = map[types.AgentRole]float64{types.RoleGuardian: 3.5}
	p := NewPool(cfg, nil, clock.NewFake(time.Now()), nil)

	assert.Equal(t, 3.5, p.PriorityWeight(types.RoleGuardian))
	assert.Equal(t, 3.5, p.Agents(types.RoleGuardian)[0].PriorityWeight)

	// roles missing from the map keep their default weight
	assert.Equal(t, 1.5, p.PriorityWeight(types.RoleEnforcer))
}

func TestAcquireReleaseLoadAccounting(t *testing.T) {
	p := NewPool(poolConfig(StrategyLeastConnections, map[types.AgentRole]int{types.RoleGuardian: 1}), nil, clock.NewFake(time.Now()), nil)

	agent, err := p.Acquire(types.RoleGuardian, "analyze")
	require.NoError(t, err)
	assert.Equal(t, types.AgentBusy, agent.Status)
	assert.InDelta(t, 0.25, agent.Load, 0.001)

	p.Release(agent.ID)
	released := p.Agents(types.RoleGuardian)[0]
	assert.Equal(t, types.AgentIdle, released.Status)
	assert.Zero(t, released.Load)
}

func TestAcquireFiltersTaskTypeAndSaturation(t *testing.T) {
	p := NewPool(poolConfig(StrategyLeastConnections, map[types.AgentRole]int{types.RoleGuardian: 1}), nil, clock.NewFake(time.Now()), nil)

	_, err := p.Acquire(types.RoleGuardian, "explain")
	assert.ErrorIs(t, err, types.ErrUnavailable, "guardians do not explain")

	// four acquisitions saturate the single agent
	for i := 0; i < 4; i++ {
		_, err = p.Acquire(types.RoleGuardian, "analyze")
		require.NoError(t, err)
	}
	_, err = p.Acquire(types.RoleGuardian, "analyze")
	assert.ErrorIs(t, err, types.ErrUnavailable)

	_, err = p.Acquire(types.RoleAnalyst, "patterns")
	assert.ErrorIs(t, err, types.ErrUnavailable, "no analysts seeded")
}

func TestRoundRobinCyclesAgents(t *testing.T) {
	p := NewPool(poolConfig(StrategyRoundRobin, map[types.AgentRole]int{types.RoleAdvisor: 3}), nil, clock.NewFake(time.Now()), nil)

	seen := make(map[string]int)
	for i := 0; i < 3; i++ {
		agent, err := p.Acquire(types.RoleAdvisor, "vote")
		require.NoError(t, err)
		seen[agent.ID]++
	}
	assert.Len(t, seen, 3, "each advisor served once")
}

func TestLeastConnectionsPrefersIdleAgent(t *testing.T) {
	p := NewPool(poolConfig(StrategyLeastConnections, map[types.AgentRole]int{types.RoleGuardian: 2}), nil, clock.NewFake(time.Now()), nil)

	first, err := p.Acquire(types.RoleGuardian, "analyze")
	require.NoError(t, err)
	second, err := p.Acquire(types.RoleGuardian, "analyze")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestWeightedDiscountsLoad(t *testing.T) {
	p := NewPool(poolConfig(StrategyWeighted, map[types.AgentRole]int{types.RoleEnforcer: 2}), nil, clock.NewFake(time.Now()), nil)

	// equal priority weights within a role, so the fresh agent scores higher
	first, err := p.Acquire(types.RoleEnforcer, "check")
	require.NoError(t, err)
	second, err := p.Acquire(types.RoleEnforcer, "check")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestWarmupGatesAssignment(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	cfg := poolConfig(StrategyLeastConnections, map[types.AgentRole]int{types.RoleGuardian: 1})
	cfg.WarmupDuration = 5 * time.Minute
	p := NewPool(cfg, nil, clk, nil)

	_, err := p.Acquire(types.RoleGuardian, "analyze")
	assert.ErrorIs(t, err, types.ErrUnavailable, "agent still warming up")

	clk.Advance(6 * time.Minute)
	agent, err := p.Acquire(types.RoleGuardian, "analyze")
	require.NoError(t, err)
	assert.Equal(t, types.AgentBusy, agent.Status)
}

func TestDrainAndTerminate(t *testing.T) {
	p := NewPool(poolConfig(StrategyLeastConnections, map[types.AgentRole]int{types.RoleGuardian: 1}), nil, clock.NewFake(time.Now()), nil)
	agent := p.Agents(types.RoleGuardian)[0]

	require.NoError(t, p.Drain(agent.ID))
	_, err := p.Acquire(types.RoleGuardian, "analyze")
	assert.ErrorIs(t, err, types.ErrUnavailable, "draining agents take no new work")

	require.NoError(t, p.Terminate(agent.ID))
	assert.Empty(t, p.Agents(types.RoleGuardian))
	assert.ErrorIs(t, p.Drain(agent.ID), types.ErrConflict)
	assert.ErrorIs(t, p.Drain("missing"), types.ErrNotFound)
}

func TestAutoScaleUp(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	cfg := poolConfig(StrategyLeastConnections, map[types.AgentRole]int{types.RoleGuardian: 1})
	cfg.MaxScalePerAction = 2
	p := NewPool(cfg, nil, clk, nil)

	// saturate the single guardian to push utilization past the threshold
	for i := 0; i < 4; i++ {
		_, err := p.Acquire(types.RoleGuardian, "analyze")
		require.NoError(t, err)
	}
	require.Equal(t, 1.0, p.Utilization(types.RoleGuardian))

	clk.Advance(time.Minute)
	p.autoScaleTick()
	assert.Len(t, p.Agents(types.RoleGuardian), 3, "two agents added")

	// cooldown suppresses a second scale action
	p.autoScaleTick()
	assert.Len(t, p.Agents(types.RoleGuardian), 3)
}

func TestAutoScaleDownDrainsIdleAgent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	p := NewPool(poolConfig(StrategyLeastConnections, map[types.AgentRole]int{types.RoleAdvisor: 3}), nil, clk, nil)

	clk.Advance(time.Minute)
	p.autoScaleTick()

	draining := 0
	p.mu.Lock()
	for _, a := range p.byRole[types.RoleAdvisor] {
		if a.Status == types.AgentDraining {
			draining++
		}
	}
	p.mu.Unlock()
	assert.Equal(t, 1, draining, "one idle advisor drained per action")
}

func TestWorkStealing(t *testing.T) {
	clk := clock.NewFake(time.Now())
	p := NewPool(poolConfig(StrategyLeastConnections, map[types.AgentRole]int{types.RoleGuardian: 2}), nil, clk, nil)

	agents := p.byRole[types.RoleGuardian]
	p.mu.Lock()
	agents[0].Load = 0.9
	agents[0].Status = types.AgentBusy
	agents[1].Load = 0
	agents[1].Status = types.AgentIdle
	p.mu.Unlock()

	p.stealTick()

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.InDelta(t, 0.6, agents[0].Load, 0.001)
	assert.InDelta(t, 0.3, agents[1].Load, 0.001)
	assert.Equal(t, types.AgentBusy, agents[1].Status)
}

func TestUtilizationAverage(t *testing.T) {
	p := NewPool(poolConfig(StrategyRoundRobin, map[types.AgentRole]int{types.RoleGuardian: 2}), nil, clock.NewFake(time.Now()), nil)

	_, err := p.Acquire(types.RoleGuardian, "analyze")
	require.NoError(t, err)
	assert.InDelta(t, 0.125, p.Utilization(types.RoleGuardian), 0.001)
	assert.Zero(t, p.Utilization(types.RoleAnalyst), "no agents means zero utilization")
}
