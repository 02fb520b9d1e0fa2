// Package guardian implements the anomaly detection agent
package guardian

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/clock"
	"github.com/authz-engine/agentic-core/internal/decision"
	"github.com/authz-engine/agentic-core/internal/eventbus"
	"github.com/authz-engine/agentic-core/internal/metrics"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// TopicAnomalyDetected is published on the event bus for each new anomaly
const TopicAnomalyDetected = "anomaly.detected"

// anomalyRingSize bounds the in-memory anomaly cache per principal
const anomalyRingSize = 10

// escalationLookback and escalationCap bound the history fetched for the
// permission escalation channel.
const (
	escalationLookback = 24 * time.Hour
	escalationCap      = 50
)

// Default channel weights. They sum past 1.0 so reinforcing channels
// can saturate the clamped score.
const (
	defaultVelocityWeight   = 0.3
	defaultBaselineWeight   = 0.4
	defaultPatternWeight    = 0.2
	defaultEscalationWeight = 0.3
)

// Config controls anomaly detection. The channel weights default as a
// set: when all four are zero the standard weights apply, so a zero for
// an individual channel disables it.
type Config struct {
	MaxRequestsPerMinute  int           `yaml:"maxRequestsPerMinute"`
	VelocityWindowMinutes int           `yaml:"velocityWindowMinutes"`
	AnomalyThreshold      float64       `yaml:"anomalyThreshold"`
	VelocityWeight        float64       `yaml:"velocityWeight"`
	BaselineWeight        float64       `yaml:"baselineWeight"`
	PatternWeight         float64       `yaml:"patternWeight"`
	EscalationWeight      float64       `yaml:"escalationWeight"`
	MinBaselineSample     int           `yaml:"minBaselineSample"`
	BaselineCacheTTL      time.Duration `yaml:"baselineCacheTTL"`
	SuspiciousKeywords    []string      `yaml:"suspiciousKeywords"`
	SensitivePrefixes     []string      `yaml:"sensitivePrefixes"`
	LockStripes           int           `yaml:"lockStripes"`
}

// DefaultConfig returns the default guardian configuration
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerMinute:  100,
		VelocityWindowMinutes: 5,
		AnomalyThreshold:      0.7,
		VelocityWeight:        defaultVelocityWeight,
		BaselineWeight:        defaultBaselineWeight,
		PatternWeight:         defaultPatternWeight,
		EscalationWeight:      defaultEscalationWeight,
		MinBaselineSample:     10,
		BaselineCacheTTL:      time.Hour,
		SuspiciousKeywords:    []string{"admin", "delete", "export", "bulk", "payout", "withdraw"},
		SensitivePrefixes:     []string{"admin", "payout", "user", "subscription", "payment"},
		LockStripes:           32,
	}
}

// Result is the outcome of scoring one request
type Result struct {
	Score   float64
	Factors []types.RiskFactor
	Anomaly *types.Anomaly
}

// Guardian scores requests across four channels and records anomalies
// when the weighted, clamped score reaches the threshold. Velocity
// trackers, baselines and the anomaly ring are guarded by striped locks.
type Guardian struct {
	cfg       Config
	decisions decision.Store
	bus       *eventbus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     clock.Clock

	stripes []*stripe

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type stripe struct {
	mu        sync.Mutex
	velocity  map[string][]time.Time
	baselines map[string]*baselineEntry
	anomalies map[string]*anomalyRing
}

type baselineEntry struct {
	baseline *types.Baseline
	cachedAt time.Time
}

type anomalyRing struct {
	buf  [anomalyRingSize]*types.Anomaly
	next int
	n    int
}

func (r *anomalyRing) add(a *types.Anomaly) {
	r.buf[r.next] = a
	r.next = (r.next + 1) % anomalyRingSize
	if r.n < anomalyRingSize {
		r.n++
	}
}

func (r *anomalyRing) list() []*types.Anomaly {
	out := make([]*types.Anomaly, 0, r.n)
	// newest first
	for i := 1; i <= r.n; i++ {
		idx := (r.next - i + anomalyRingSize) % anomalyRingSize
		out = append(out, r.buf[idx])
	}
	return out
}

// New creates a guardian. Call Start to run the background purge jobs.
func New(cfg Config, decisions decision.Store, bus *eventbus.Bus, m *metrics.Metrics, clk clock.Clock, logger *zap.Logger) *Guardian {
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = 32
	}
	if cfg.VelocityWeight == 0 && cfg.BaselineWeight == 0 && cfg.PatternWeight == 0 && cfg.EscalationWeight == 0 {
		cfg.VelocityWeight = defaultVelocityWeight
		cfg.BaselineWeight = defaultBaselineWeight
		cfg.PatternWeight = defaultPatternWeight
		cfg.EscalationWeight = defaultEscalationWeight
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	stripes := make([]*stripe, cfg.LockStripes)
	for i := range stripes {
		stripes[i] = &stripe{
			velocity:  make(map[string][]time.Time),
			baselines: make(map[string]*baselineEntry),
			anomalies: make(map[string]*anomalyRing),
		}
	}
	return &Guardian{
		cfg:       cfg,
		decisions: decisions,
		bus:       bus,
		metrics:   m,
		logger:    logger,
		clock:     clk,
		stripes:   stripes,
		stop:      make(chan struct{}),
	}
}

func (g *Guardian) stripeFor(principalID string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(principalID))
	return g.stripes[h.Sum32()%uint32(len(g.stripes))]
}

// AnalyzeRequest scores a request and, when the score reaches the
// threshold, creates and stores an anomaly.
func (g *Guardian) AnalyzeRequest(ctx context.Context, req *types.CheckRequest) (*Result, error) {
	if req == nil || req.Principal == nil {
		return nil, fmt.Errorf("%w: request with principal is required", types.ErrInvalidInput)
	}
	pid := req.Principal.ID
	now := g.clock.Now()

	var factors []types.RiskFactor

	velocityScore, velocityFactor := g.scoreVelocity(pid, now)
	if velocityFactor != nil {
		factors = append(factors, *velocityFactor)
	}

	baselineScore, baseline, baselineFactors := g.scoreBaseline(ctx, req, now)
	factors = append(factors, baselineFactors...)

	patternScore, patternFactors := g.scorePatterns(req)
	factors = append(factors, patternFactors...)

	escalationScore, escalationFactor := g.scoreEscalation(ctx, req, now)
	if escalationFactor != nil {
		factors = append(factors, *escalationFactor)
	}

	score := velocityScore*g.cfg.VelocityWeight +
		baselineScore*g.cfg.BaselineWeight +
		patternScore*g.cfg.PatternWeight +
		escalationScore*g.cfg.EscalationWeight
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	result := &Result{Score: score, Factors: factors}
	if score >= g.cfg.AnomalyThreshold {
		anomaly := g.buildAnomaly(req, score, factors, baseline, now)
		if err := g.decisions.SaveAnomaly(ctx, anomaly); err != nil {
			g.logger.Warn("failed to persist anomaly", zap.Error(err))
		}
		g.cacheAnomaly(pid, anomaly)
		g.metrics.RecordAnomaly(string(anomaly.Type), string(anomaly.Severity))
		if g.bus != nil {
			g.bus.Publish(TopicAnomalyDetected, types.AgentEvent{
				RequestID: req.RequestID,
				Payload: map[string]any{
					"anomalyId":   anomaly.ID,
					"principalId": pid,
					"type":        string(anomaly.Type),
					"severity":    string(anomaly.Severity),
					"score":       score,
				},
			})
		}
		result.Anomaly = anomaly
	}
	return result, nil
}

// scoreVelocity tracks the request in the principal's sliding window and
// buckets the observed rate against the configured reference rate.
func (g *Guardian) scoreVelocity(pid string, now time.Time) (float64, *types.RiskFactor) {
	window := time.Duration(g.cfg.VelocityWindowMinutes) * time.Minute
	cutoff := now.Add(-window)

	st := g.stripeFor(pid)
	st.mu.Lock()
	entries := st.velocity[pid]
	kept := entries[:0]
	for _, t := range entries {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	st.velocity[pid] = kept
	count := len(kept)
	st.mu.Unlock()

	reference := float64(g.cfg.MaxRequestsPerMinute * g.cfg.VelocityWindowMinutes)
	if reference <= 0 {
		return 0, nil
	}
	ratio := float64(count) / reference

	var score float64
	var severity types.Severity
	switch {
	case ratio < 0.5:
		return 0, nil
	case ratio < 0.7:
		score, severity = 0.2, types.SeverityLow
	case ratio < 1.0:
		score, severity = 0.5, types.SeverityMedium
	case ratio < 1.5:
		score, severity = 0.8, types.SeverityHigh
	default:
		score, severity = 1.0, types.SeverityCritical
	}
	return score, &types.RiskFactor{
		Type:        "velocity_spike",
		Severity:    severity,
		Score:       score,
		Description: fmt.Sprintf("%d requests in %dm window (%.1fx reference rate)", count, g.cfg.VelocityWindowMinutes, ratio),
	}
}

// scoreBaseline compares the request to the principal's baseline. A
// principal below the minimum sample size scores a small fixed penalty.
func (g *Guardian) scoreBaseline(ctx context.Context, req *types.CheckRequest, now time.Time) (float64, *types.Baseline, []types.RiskFactor) {
	baseline := g.baselineFor(ctx, req.Principal.ID, now)
	if baseline == nil || baseline.SampleSize < g.cfg.MinBaselineSample {
		return 0.2, baseline, []types.RiskFactor{{
			Type:        "new_principal",
			Severity:    types.SeverityLow,
			Score:       0.2,
			Description: "insufficient history to establish a baseline",
		}}
	}

	var score float64
	var factors []types.RiskFactor

	common := make(map[string]bool, len(baseline.CommonActions))
	for _, a := range baseline.CommonActions {
		common[a] = true
	}
	for _, action := range req.Actions {
		if !common[action] {
			score += 0.3
			factors = append(factors, types.RiskFactor{
				Type:        "unusual_action",
				Severity:    types.SeverityMedium,
				Score:       0.3,
				Description: fmt.Sprintf("action %q not in principal's common actions", action),
			})
			break
		}
	}

	if hour := now.Hour(); hour < 6 || hour > 22 {
		score += 0.15
		factors = append(factors, types.RiskFactor{
			Type:        "unusual_time",
			Severity:    types.SeverityLow,
			Score:       0.15,
			Description: fmt.Sprintf("off-hours access at %02d:00", hour),
		})
	}
	return score, baseline, factors
}

func (g *Guardian) baselineFor(ctx context.Context, pid string, now time.Time) *types.Baseline {
	st := g.stripeFor(pid)
	st.mu.Lock()
	if entry, ok := st.baselines[pid]; ok && now.Sub(entry.cachedAt) < g.cfg.BaselineCacheTTL {
		b := entry.baseline
		st.mu.Unlock()
		return b
	}
	st.mu.Unlock()

	stats, err := g.decisions.Stats(ctx, pid)
	if err != nil {
		g.logger.Debug("baseline stats query failed", zap.String("principal", pid), zap.Error(err))
		return nil
	}

	actions := make([]string, 0, len(stats.CommonActions))
	for _, ac := range stats.CommonActions {
		actions = append(actions, ac.Action)
	}
	kinds := make([]string, 0, len(stats.ResourceKinds))
	for kind := range stats.ResourceKinds {
		kinds = append(kinds, kind)
	}
	baseline := &types.Baseline{
		PrincipalID:     pid,
		CommonActions:   actions,
		CommonKinds:     kinds,
		CommonHours:     stats.CommonHours,
		UniqueResources: stats.UniqueResources,
		SampleSize:      stats.TotalRequests,
		ComputedAt:      now,
	}
	if hours := len(stats.CommonHours); hours > 0 {
		baseline.AvgRequestsPerHour = float64(stats.TotalRequests) / float64(hours)
	}

	st.mu.Lock()
	st.baselines[pid] = &baselineEntry{baseline: baseline, cachedAt: now}
	st.mu.Unlock()
	return baseline
}

// scorePatterns matches the request against the suspicious keyword list
// and flags bulk-style actions.
func (g *Guardian) scorePatterns(req *types.CheckRequest) (float64, []types.RiskFactor) {
	var score float64
	var factors []types.RiskFactor

	haystack := strings.ToLower(req.Resource.Kind + " " + req.Resource.ID + " " + strings.Join(req.Actions, " "))
	var keywordScore float64
	var hits []string
	for _, kw := range g.cfg.SuspiciousKeywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			keywordScore += 0.25
			hits = append(hits, kw)
		}
	}
	if keywordScore > 1.0 {
		keywordScore = 1.0
	}
	if keywordScore > 0 {
		score += keywordScore
		factors = append(factors, types.RiskFactor{
			Type:        "suspicious_pattern",
			Severity:    types.SeverityMedium,
			Score:       keywordScore,
			Description: "matched keywords: " + strings.Join(hits, ", "),
		})
	}

	for _, action := range req.Actions {
		lower := strings.ToLower(action)
		if strings.Contains(lower, "bulk") || strings.Contains(lower, "batch") || strings.Contains(lower, "all") {
			score += 0.3
			factors = append(factors, types.RiskFactor{
				Type:        "bulk_operation",
				Severity:    types.SeverityMedium,
				Score:       0.3,
				Description: fmt.Sprintf("bulk-style action %q", action),
			})
			break
		}
	}
	return score, factors
}

// scoreEscalation flags first-time access to a sensitive resource kind
// by inspecting the principal's recent decision history.
func (g *Guardian) scoreEscalation(ctx context.Context, req *types.CheckRequest, now time.Time) (float64, *types.RiskFactor) {
	kind := strings.ToLower(req.Resource.Kind)
	sensitive := false
	for _, prefix := range g.cfg.SensitivePrefixes {
		if strings.HasPrefix(kind, prefix) {
			sensitive = true
			break
		}
	}
	if !sensitive {
		return 0, nil
	}

	recent, err := g.decisions.Query(ctx, decision.Query{
		PrincipalID: req.Principal.ID,
		Since:       now.Add(-escalationLookback),
		Limit:       escalationCap,
	})
	if err != nil {
		g.logger.Debug("escalation history query failed", zap.Error(err))
		return 0, nil
	}
	for _, rec := range recent {
		if rec.Request.Resource.Kind == req.Resource.Kind {
			return 0, nil
		}
	}
	return 0.5, &types.RiskFactor{
		Type:        "permission_escalation",
		Severity:    types.SeverityHigh,
		Score:       0.5,
		Description: fmt.Sprintf("first access to sensitive kind %q in 24h", req.Resource.Kind),
	}
}

// Primary anomaly type selection: highest-priority contributing factor
// wins; anything unmapped falls back to pattern_deviation.
var factorPriority = map[string]int{
	"velocity_spike":        7,
	"permission_escalation": 6,
	"unusual_action":        5,
	"unusual_time":          4,
	"suspicious_pattern":    3,
	"bulk_operation":        2,
	"new_principal":         1,
}

var factorAnomalyType = map[string]types.AnomalyType{
	"velocity_spike":        types.AnomalyVelocitySpike,
	"permission_escalation": types.AnomalyPermissionEscalation,
	"unusual_action":        types.AnomalyPatternDeviation,
	"unusual_time":          types.AnomalyUnusualAccessTime,
	"suspicious_pattern":    types.AnomalyUnusualResourceAccess,
	"bulk_operation":        types.AnomalyBulkOperation,
	"new_principal":         types.AnomalyNewResourceType,
}

func (g *Guardian) buildAnomaly(req *types.CheckRequest, score float64, factors []types.RiskFactor, baseline *types.Baseline, now time.Time) *types.Anomaly {
	anomalyType := types.AnomalyPatternDeviation
	best := 0
	for _, f := range factors {
		if p := factorPriority[f.Type]; p > best {
			best = p
			if t, ok := factorAnomalyType[f.Type]; ok {
				anomalyType = t
			}
		}
	}

	severity := types.SeverityLow
	anyCritical, anyHigh := false, false
	for _, f := range factors {
		switch f.Severity {
		case types.SeverityCritical:
			anyCritical = true
		case types.SeverityHigh:
			anyHigh = true
		}
	}
	switch {
	case anyCritical || score >= 0.9:
		severity = types.SeverityCritical
	case anyHigh || score >= 0.7:
		severity = types.SeverityHigh
	case score >= 0.5:
		severity = types.SeverityMedium
	}

	return &types.Anomaly{
		DetectedAt:  now,
		Type:        anomalyType,
		Severity:    severity,
		PrincipalID: req.Principal.ID,
		Score:       score,
		Factors:     factors,
		Baseline:    baseline,
		Observed: map[string]any{
			"resourceKind": req.Resource.Kind,
			"resourceId":   req.Resource.ID,
			"actions":      req.Actions,
			"hour":         now.Hour(),
		},
		Status: types.AnomalyOpen,
	}
}

func (g *Guardian) cacheAnomaly(pid string, a *types.Anomaly) {
	st := g.stripeFor(pid)
	st.mu.Lock()
	defer st.mu.Unlock()
	ring, ok := st.anomalies[pid]
	if !ok {
		ring = &anomalyRing{}
		st.anomalies[pid] = ring
	}
	ring.add(a)
}

// RecentAnomalies returns the cached anomalies for a principal, newest first
func (g *Guardian) RecentAnomalies(principalID string) []*types.Anomaly {
	st := g.stripeFor(principalID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if ring, ok := st.anomalies[principalID]; ok {
		return ring.list()
	}
	return nil
}

// Start launches the background purge jobs: baselines hourly, velocity
// trackers every minute.
func (g *Guardian) Start() {
	g.wg.Add(2)
	go g.purgeLoop(time.Hour, g.purgeBaselines)
	go g.purgeLoop(time.Minute, g.purgeVelocity)
}

func (g *Guardian) purgeLoop(interval time.Duration, purge func()) {
	defer g.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			purge()
		}
	}
}

func (g *Guardian) purgeBaselines() {
	now := g.clock.Now()
	for _, st := range g.stripes {
		st.mu.Lock()
		for pid, entry := range st.baselines {
			if now.Sub(entry.cachedAt) >= g.cfg.BaselineCacheTTL {
				delete(st.baselines, pid)
			}
		}
		st.mu.Unlock()
	}
}

func (g *Guardian) purgeVelocity() {
	window := time.Duration(g.cfg.VelocityWindowMinutes) * time.Minute
	cutoff := g.clock.Now().Add(-window)
	for _, st := range g.stripes {
		st.mu.Lock()
		for pid, entries := range st.velocity {
			kept := entries[:0]
			for _, t := range entries {
				if t.After(cutoff) {
					kept = append(kept, t)
				}
			}
			if len(kept) == 0 {
				delete(st.velocity, pid)
			} else {
				st.velocity[pid] = kept
			}
		}
		st.mu.Unlock()
	}
}

// Stop terminates the background jobs
func (g *Guardian) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
	})
	g.wg.Wait()
}
