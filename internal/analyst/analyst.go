// Package analyst mines access patterns from decision history
package analyst

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/clock"
	"github.com/authz-engine/agentic-core/internal/decision"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// PatternFrequentAccess is the pattern type for recurring
// (principal, resource-kind, action) tuples.
const PatternFrequentAccess = "frequent_access"

// Config controls pattern discovery
type Config struct {
	// MinSampleSize is the minimum tuple frequency for a pattern
	MinSampleSize int `yaml:"minSampleSize"`

	// MinConfidence is the minimum share of the principal's traffic the
	// tuple must account for.
	MinConfidence float64 `yaml:"minConfidence"`

	// ScanLimit bounds how many records one discovery pass reads
	ScanLimit int `yaml:"scanLimit"`
}

// DefaultConfig returns the default analyst configuration
func DefaultConfig() Config {
	return Config{
		MinSampleSize: 10,
		MinConfidence: 0.3,
		ScanLimit:     10000,
	}
}

// Analyst discovers recurring access patterns. It is purely advisory and
// never mutates policies; approved patterns only surface a suggested rule.
type Analyst struct {
	cfg       Config
	decisions decision.Store
	logger    *zap.Logger
	clock     clock.Clock

	mu       sync.RWMutex
	patterns map[string]*types.LearnedPattern // keyed by tuple
}

// New creates an analyst
func New(cfg Config, decisions decision.Store, clk clock.Clock, logger *zap.Logger) *Analyst {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyst{
		cfg:       cfg,
		decisions: decisions,
		logger:    logger,
		clock:     clk,
		patterns:  make(map[string]*types.LearnedPattern),
	}
}

type tupleKey struct {
	principal string
	kind      string
	action    string
}

// DiscoverPatterns scans recent decision history and upserts learned
// patterns for tuples that clear the sample-size and confidence bars.
// Returns the patterns found in this pass.
func (a *Analyst) DiscoverPatterns(ctx context.Context) ([]*types.LearnedPattern, error) {
	records, err := a.decisions.Query(ctx, decision.Query{Limit: a.cfg.ScanLimit})
	if err != nil {
		return nil, fmt.Errorf("scanning decision history: %w", err)
	}

	counts := make(map[tupleKey]int)
	principalTotals := make(map[string]int)
	for _, rec := range records {
		pid := rec.Request.Principal.ID
		kind := rec.Request.Resource.Kind
		for _, action := range rec.Request.Actions {
			counts[tupleKey{pid, kind, action}]++
			principalTotals[pid]++
		}
	}

	now := a.clock.Now()
	var found []*types.LearnedPattern

	a.mu.Lock()
	for key, count := range counts {
		if count < a.cfg.MinSampleSize {
			continue
		}
		confidence := float64(count) / float64(principalTotals[key.principal])
		if confidence < a.cfg.MinConfidence {
			continue
		}

		id := key.principal + "\x00" + key.kind + "\x00" + key.action
		pattern, exists := a.patterns[id]
		if !exists {
			pattern = &types.LearnedPattern{
				ID:           uuid.NewString(),
				Type:         PatternFrequentAccess,
				DiscoveredAt: now,
				SuggestedPolicyRule: fmt.Sprintf(
					"resource %q: allow action %q for principal %q",
					key.kind, key.action, key.principal),
			}
			a.patterns[id] = pattern
		}
		pattern.Description = fmt.Sprintf(
			"principal %q performs %q on %q frequently (%d times, %.0f%% of traffic)",
			key.principal, key.action, key.kind, count, confidence*100)
		pattern.Confidence = confidence
		pattern.SampleSize = count
		pattern.LastUpdated = now
		found = append(found, pattern)
	}
	a.mu.Unlock()

	sort.Slice(found, func(i, j int) bool { return found[i].Confidence > found[j].Confidence })
	a.logger.Debug("pattern discovery pass finished",
		zap.Int("records", len(records)),
		zap.Int("patterns", len(found)))
	return found, nil
}

// Patterns returns all learned patterns, highest confidence first
func (a *Analyst) Patterns(_ context.Context) []*types.LearnedPattern {
	a.mu.RLock()
	out := make([]*types.LearnedPattern, 0, len(a.patterns))
	for _, p := range a.patterns {
		out = append(out, p)
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// ApprovePattern marks a pattern approved by an operator
func (a *Analyst) ApprovePattern(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.patterns {
		if p.ID == id {
			p.IsApproved = true
			return nil
		}
	}
	return fmt.Errorf("%w: pattern %q", types.ErrNotFound, id)
}
