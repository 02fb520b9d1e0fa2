package guardian

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/agentic-core/internal/clock"
	"github.com/authz-engine/agentic-core/internal/decision"
	"github.com/authz-engine/agentic-core/internal/eventbus"
	"github.com/authz-engine/agentic-core/pkg/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaselineCacheTTL = time.Nanosecond // recompute baselines on every call
	return cfg
}

func newTestGuardian(t *testing.T, cfg Config, clk clock.Clock) (*Guardian, *decision.MemoryStore, *eventbus.Bus) {
	t.Helper()
	decisions := decision.NewMemoryStore(0)
	bus := eventbus.New(0, nil, nil)
	t.Cleanup(bus.Close)
	g := New(cfg, decisions, bus, nil, clk, nil)
	return g, decisions, bus
}

func checkRequest(principal, kind, id string, actions ...string) *types.CheckRequest {
	return &types.CheckRequest{
		RequestID: "req-1",
		Principal: &types.Principal{ID: principal, Roles: []string{"user"}},
		Resource:  &types.Resource{Kind: kind, ID: id},
		Actions:   actions,
	}
}

func seedHistory(t *testing.T, decisions *decision.MemoryStore, principal string, n int, ts time.Time, action string) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := decisions.Append(context.Background(), &types.DecisionRecord{
			Request: &types.CheckRequest{
				Principal: &types.Principal{ID: principal},
				Resource:  &types.Resource{Kind: "document", ID: fmt.Sprintf("doc-%d", i)},
				Actions:   []string{action},
			},
			Response:  &types.CheckResponse{Results: map[string]types.ActionResult{action: {Effect: types.EffectAllow}}},
			Timestamp: ts,
		})
		require.NoError(t, err)
	}
}

func factorTypes(factors []types.RiskFactor) []string {
	out := make([]string, 0, len(factors))
	for _, f := range factors {
		out = append(out, f.Type)
	}
	return out
}

func TestVelocitySpikeEscalatesToCritical(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestsPerMinute = 2
	cfg.VelocityWindowMinutes = 1
	cfg.AnomalyThreshold = 0.35

	clk := clock.NewFake(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC))
	g, decisions, bus := newTestGuardian(t, cfg, clk)

	events := make(chan types.AgentEvent, 16)
	unsub := bus.Subscribe(TopicAnomalyDetected, func(e types.AgentEvent) { events <- e })
	defer unsub()

	var last *Result
	for i := 0; i < 3; i++ {
		var err error
		last, err = g.AnalyzeRequest(context.Background(), checkRequest("mallory", "document", "doc-1", "read"))
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	require.NotNil(t, last.Anomaly, "sustained burst crosses the threshold")
	assert.Equal(t, types.AnomalyVelocitySpike, last.Anomaly.Type)
	assert.Equal(t, types.SeverityCritical, last.Anomaly.Severity)
	assert.Contains(t, factorTypes(last.Factors), "velocity_spike")

	stored, err := decisions.Anomalies(context.Background(), "mallory")
	require.NoError(t, err)
	assert.NotEmpty(t, stored, "anomaly persisted to the decision store")

	cached := g.RecentAnomalies("mallory")
	require.NotEmpty(t, cached)
	assert.Equal(t, last.Anomaly.ID, cached[0].ID, "ring cache returns newest first")

	select {
	case e := <-events:
		assert.Equal(t, TopicAnomalyDetected, e.Type)
		assert.Equal(t, "mallory", e.Payload["principalId"])
	case <-time.After(2 * time.Second):
		t.Fatal("anomaly event not published")
	}
}

func TestVelocityWindowSlides(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestsPerMinute = 2
	cfg.VelocityWindowMinutes = 1

	clk := clock.NewFake(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC))
	g, _, _ := newTestGuardian(t, cfg, clk)

	for i := 0; i < 3; i++ {
		_, err := g.AnalyzeRequest(context.Background(), checkRequest("alice", "document", "doc-1", "read"))
		require.NoError(t, err)
	}

	// after the window passes, the burst no longer counts
	clk.Advance(2 * time.Minute)
	result, err := g.AnalyzeRequest(context.Background(), checkRequest("alice", "document", "doc-1", "read"))
	require.NoError(t, err)
	assert.NotContains(t, factorTypes(result.Factors), "velocity_spike")
}

func TestNewPrincipalPenalty(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC))
	g, _, _ := newTestGuardian(t, testConfig(), clk)

	result, err := g.AnalyzeRequest(context.Background(), checkRequest("stranger", "document", "doc-1", "read"))
	require.NoError(t, err)
	assert.Contains(t, factorTypes(result.Factors), "new_principal")
	assert.Nil(t, result.Anomaly, "a new principal alone stays under the threshold")
}

func TestBaselineUnusualAction(t *testing.T) {
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	clk := clock.NewFake(ts)
	g, decisions, _ := newTestGuardian(t, testConfig(), clk)

	seedHistory(t, decisions, "alice", 12, ts, "read")

	usual, err := g.AnalyzeRequest(context.Background(), checkRequest("alice", "document", "doc-1", "read"))
	require.NoError(t, err)
	assert.NotContains(t, factorTypes(usual.Factors), "unusual_action")
	assert.NotContains(t, factorTypes(usual.Factors), "new_principal")

	unusual, err := g.AnalyzeRequest(context.Background(), checkRequest("alice", "document", "doc-1", "share"))
	require.NoError(t, err)
	assert.Contains(t, factorTypes(unusual.Factors), "unusual_action")
}

func TestOffHoursAccess(t *testing.T) {
	ts := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	clk := clock.NewFake(ts)
	g, decisions, _ := newTestGuardian(t, testConfig(), clk)

	seedHistory(t, decisions, "alice", 12, ts, "read")

	result, err := g.AnalyzeRequest(context.Background(), checkRequest("alice", "document", "doc-1", "read"))
	require.NoError(t, err)
	assert.Contains(t, factorTypes(result.Factors), "unusual_time")
}

func TestSuspiciousPatternsAndBulkActions(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC))
	g, _, _ := newTestGuardian(t, testConfig(), clk)

	result, err := g.AnalyzeRequest(context.Background(),
		checkRequest("alice", "report", "export-all", "bulk_delete"))
	require.NoError(t, err)

	ft := factorTypes(result.Factors)
	assert.Contains(t, ft, "suspicious_pattern")
	assert.Contains(t, ft, "bulk_operation")
}

func TestChannelWeightsConfigurable(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC))
	req := func() *types.CheckRequest {
		return checkRequest("alice", "report", "export-all", "bulk_delete")
	}

	standard, _, _ := newTestGuardian(t, testConfig(), clk)
	withDefaults, err := standard.AnalyzeRequest(context.Background(), req())
	require.NoError(t, err)

	muted := testConfig()
	muted.PatternWeight = 0
	quiet, _, _ := newTestGuardian(t, muted, clk)
	withoutPatterns, err := quiet.AnalyzeRequest(context.Background(), req())
	require.NoError(t, err)

	assert.Contains(t, factorTypes(withoutPatterns.Factors), "suspicious_pattern",
		"the channel still reports factors")
	assert.Less(t, withoutPatterns.Score, withDefaults.Score,
		"a zeroed channel weight removes its score contribution")
}

func TestZeroValueConfigGetsDefaultWeights(t *testing.T) {
	g := New(Config{}, nil, nil, nil, clock.NewFake(time.Now()), nil)
	assert.Equal(t, defaultVelocityWeight, g.cfg.VelocityWeight)
	assert.Equal(t, defaultBaselineWeight, g.cfg.BaselineWeight)
	assert.Equal(t, defaultPatternWeight, g.cfg.PatternWeight)
	assert.Equal(t, defaultEscalationWeight, g.cfg.EscalationWeight)
}

func TestPermissionEscalationFirstSensitiveAccess(t *testing.T) {
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	clk := clock.NewFake(ts)
	g, decisions, _ := newTestGuardian(t, testConfig(), clk)

	first, err := g.AnalyzeRequest(context.Background(), checkRequest("alice", "payment", "pay-1", "read"))
	require.NoError(t, err)
	assert.Contains(t, factorTypes(first.Factors), "permission_escalation")

	require.NoError(t, decisions.Append(context.Background(), &types.DecisionRecord{
		Request: &types.CheckRequest{
			Principal: &types.Principal{ID: "alice"},
			Resource:  &types.Resource{Kind: "payment", ID: "pay-1"},
			Actions:   []string{"read"},
		},
		Timestamp: ts,
	}))

	second, err := g.AnalyzeRequest(context.Background(), checkRequest("alice", "payment", "pay-2", "read"))
	require.NoError(t, err)
	assert.NotContains(t, factorTypes(second.Factors), "permission_escalation",
		"recent access to the kind suppresses the escalation signal")
}

func TestCompoundingChannelsCrossThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestsPerMinute = 1
	cfg.VelocityWindowMinutes = 1

	clk := clock.NewFake(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC))
	g, _, _ := newTestGuardian(t, cfg, clk)

	// velocity, patterns, escalation and the new-principal penalty all fire
	var result *Result
	for i := 0; i < 5; i++ {
		var err error
		result, err = g.AnalyzeRequest(context.Background(),
			checkRequest("mallory", "payout", "export-run", "bulk_withdraw"))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, result.Score, 1.0)
	assert.GreaterOrEqual(t, result.Score, cfg.AnomalyThreshold)
	require.NotNil(t, result.Anomaly)
	assert.Equal(t, types.SeverityCritical, result.Anomaly.Severity,
		"a critical contributing factor forces critical severity")
	assert.Equal(t, types.AnomalyVelocitySpike, result.Anomaly.Type)
}

func TestAnalyzeRequestValidation(t *testing.T) {
	g, _, _ := newTestGuardian(t, testConfig(), clock.NewFake(time.Now()))

	_, err := g.AnalyzeRequest(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = g.AnalyzeRequest(context.Background(), &types.CheckRequest{})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
