// Package engine implements the policy decision engine
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/cache"
	"github.com/authz-engine/agentic-core/internal/cel"
	"github.com/authz-engine/agentic-core/internal/derived_roles"
	"github.com/authz-engine/agentic-core/internal/metrics"
	"github.com/authz-engine/agentic-core/internal/policy"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// Config controls engine behavior
type Config struct {
	CacheEnabled bool          `yaml:"cacheEnabled"`
	CacheSize    int           `yaml:"cacheSize"`
	CacheTTL     time.Duration `yaml:"cacheTTL"`
	BatchWorkers int           `yaml:"batchWorkers"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		CacheEnabled: true,
		CacheSize:    10000,
		CacheTTL:     5 * time.Minute,
		BatchWorkers: runtime.NumCPU() * 2,
	}
}

// Engine evaluates authorization requests against the policy store.
// Decisions follow a fixed pass order: derived-role resolution, principal
// overrides, resource policies, default deny. Thread-safe.
type Engine struct {
	store    policy.Store
	cel      *cel.Engine
	resolver *derived_roles.Resolver
	cache    *cache.DecisionCache
	pool     *WorkerPool
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config
	unwatch  func()
}

// New creates a decision engine. When caching is enabled the engine
// subscribes to store changes and flushes the cache on any transition.
func New(store policy.Store, celEngine *cel.Engine, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:    store,
		cel:      celEngine,
		resolver: derived_roles.NewResolver(celEngine, logger),
		pool:     NewWorkerPool(cfg.BatchWorkers),
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
	if cfg.CacheEnabled {
		e.cache = cache.NewDecisionCache(cfg.CacheSize, cfg.CacheTTL)
		e.unwatch = store.Watch(func(types.PolicyChange) {
			e.cache.Clear()
		})
	}
	return e
}

// Check evaluates all requested actions and returns a per-action verdict.
// Valid inputs always produce a verdict; a missing policy for the resource
// kind means default deny, not an error.
func (e *Engine) Check(ctx context.Context, req *types.CheckRequest) (*types.CheckResponse, error) {
	start := time.Now()

	if req == nil {
		return nil, fmt.Errorf("%w: request is nil", types.ErrInvalidInput)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.TenantID != "" {
		ctx = types.WithTenant(ctx, req.TenantID)
	} else {
		req.TenantID = types.TenantID(ctx)
	}

	var cacheKey string
	if e.cache != nil {
		cacheKey = req.CacheKey()
		if cached, ok := e.cache.Get(cacheKey); ok {
			resp := &types.CheckResponse{
				RequestID: req.RequestID,
				Results:   cached.Results,
				Meta:      cached.Meta,
			}
			e.metrics.RecordCheck(resp.Allowed(), time.Since(start), true)
			return resp, nil
		}
	}

	resp, err := e.evaluate(ctx, req, start)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		e.cache.Set(cacheKey, resp)
	}
	e.metrics.RecordCheck(resp.Allowed(), time.Since(start), false)
	return resp, nil
}

// CheckBatch evaluates several resources for one principal. Sub-requests
// run independently on the worker pool; result order matches input order.
func (e *Engine) CheckBatch(
	ctx context.Context,
	principal *types.Principal,
	entries []types.ResourceBatchEntry,
	aux map[string]any,
) ([]*types.CheckResponse, error) {
	if principal == nil || principal.ID == "" {
		return nil, fmt.Errorf("%w: principal id is required", types.ErrInvalidInput)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: at least one batch entry is required", types.ErrInvalidInput)
	}

	responses := make([]*types.CheckResponse, len(entries))
	errs := make([]error, len(entries))
	tenant := types.TenantID(ctx)

	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		i, entry := i, entry
		e.pool.Submit(func() {
			defer wg.Done()
			sub := &types.CheckRequest{
				RequestID: fmt.Sprintf("batch-%d", i),
				TenantID:  tenant,
				Principal: principal,
				Resource:  entry.Resource,
				Actions:   entry.Actions,
				AuxData:   aux,
			}
			responses[i], errs[i] = e.Check(ctx, sub)
		})
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return responses, nil
}

func (e *Engine) evaluate(ctx context.Context, req *types.CheckRequest, start time.Time) (*types.CheckResponse, error) {
	resourcePolicies, err := e.store.GetPoliciesForResource(ctx, req.Resource.Kind)
	if err != nil {
		return nil, fmt.Errorf("fetching resource policies: %w", err)
	}
	drPolicies, err := e.store.GetDerivedRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching derived roles: %w", err)
	}
	principalPolicy, err := e.store.GetPrincipalPolicy(ctx, req.Principal.ID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("fetching principal policy: %w", err)
	}

	aux := types.NormalizeAttributes(req.AuxData)
	resolved := e.resolver.Resolve(drPolicies, req.Principal, req.Resource, aux)

	act := &cel.Activation{
		Principal: req.Principal.ToMap(),
		Resource:  req.Resource.ToMap(),
		Aux:       aux,
	}

	results := make(map[string]types.ActionResult, len(req.Actions))
	remaining := make(map[string]bool, len(req.Actions))
	for _, a := range req.Actions {
		remaining[a] = true
	}
	var policiesEvaluated []string

	if principalPolicy != nil {
		policiesEvaluated = append(policiesEvaluated, principalPolicy.ID)
		if err := e.principalPass(ctx, principalPolicy, req, act, resolved, results, remaining); err != nil {
			return nil, err
		}
	}

	if len(remaining) > 0 && len(resourcePolicies) > 0 {
		// deterministic order across multiple policies for the same kind
		sorted := make([]*types.StoredPolicy, len(resourcePolicies))
		copy(sorted, resourcePolicies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

		for _, sp := range sorted {
			policiesEvaluated = append(policiesEvaluated, sp.ID)
			if err := e.resourcePass(ctx, sp, req, act, resolved, results, remaining); err != nil {
				return nil, err
			}
			if len(remaining) == 0 {
				break
			}
		}
	}

	// default deny for anything still undecided
	for action := range remaining {
		results[action] = types.ActionResult{
			Effect:                types.EffectDeny,
			MatchedRule:           types.DefaultDenyRule,
			EffectiveDerivedRoles: resolved.Derived,
		}
	}

	return &types.CheckResponse{
		RequestID: req.RequestID,
		Results:   results,
		Meta: &types.ResponseMeta{
			EvaluationDurationMs: float64(time.Since(start).Microseconds()) / 1000.0,
			PoliciesEvaluated:    policiesEvaluated,
		},
	}, nil
}

// principalPass walks the principal policy's rules in declaration order.
// The first matching rule decides every still-undecided action it covers.
func (e *Engine) principalPass(
	ctx context.Context,
	sp *types.StoredPolicy,
	req *types.CheckRequest,
	act *cel.Activation,
	resolved *derived_roles.Resolved,
	results map[string]types.ActionResult,
	remaining map[string]bool,
) error {
	pp := sp.Policy.PrincipalPolicy
	if pp == nil {
		return nil
	}

	for i, rule := range pp.Rules {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		if len(remaining) == 0 {
			return nil
		}
		if !rule.MatchesResource(req.Resource.Kind) {
			continue
		}

		var covered []string
		for action := range remaining {
			if rule.MatchesAction(action) {
				covered = append(covered, action)
			}
		}
		if len(covered) == 0 {
			continue
		}

		matched, skip := e.conditionMatches(rule.Condition, act)
		if skip || !matched {
			continue
		}

		ruleName := fmt.Sprintf("rule-%d", i)
		for _, action := range covered {
			results[action] = types.ActionResult{
				Effect:                rule.Effect,
				Policy:                sp.ID,
				MatchedRule:           ruleName,
				EffectiveDerivedRoles: resolved.Derived,
			}
			delete(remaining, action)
		}
	}
	return nil
}

// resourcePass walks one resource policy's rules in declaration order.
// The first matching rule per action wins; deny beats allow only by
// appearing first.
func (e *Engine) resourcePass(
	ctx context.Context,
	sp *types.StoredPolicy,
	req *types.CheckRequest,
	act *cel.Activation,
	resolved *derived_roles.Resolved,
	results map[string]types.ActionResult,
	remaining map[string]bool,
) error {
	rp := sp.Policy.ResourcePolicy
	if rp == nil {
		return nil
	}

	for _, rule := range rp.Rules {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		if len(remaining) == 0 {
			return nil
		}

		var covered []string
		for action := range remaining {
			if rule.MatchesAction(action) {
				covered = append(covered, action)
			}
		}
		if len(covered) == 0 {
			continue
		}
		if !rule.MatchesRoles(resolved.Effective) {
			continue
		}

		matched, skip := e.conditionMatches(rule.Condition, act)
		if skip || !matched {
			continue
		}

		for _, action := range covered {
			results[action] = types.ActionResult{
				Effect:                rule.Effect,
				Policy:                sp.ID,
				MatchedRule:           rule.Name,
				EffectiveDerivedRoles: resolved.Derived,
			}
			delete(remaining, action)
		}
	}
	return nil
}

// conditionMatches evaluates a rule condition once. An EvalError makes the
// rule behave as if absent; the next rule keeps its chance to match.
func (e *Engine) conditionMatches(cond *types.Condition, act *cel.Activation) (matched, skip bool) {
	expr := cond.Expression()
	if expr == "" {
		return true, false
	}
	ok, err := e.cel.EvaluateExpression(expr, act)
	if err != nil {
		e.logger.Debug("rule condition evaluation failed, skipping rule",
			zap.String("expr", expr),
			zap.Error(err))
		return false, true
	}
	return ok, false
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: evaluation deadline exceeded", types.ErrTimeout)
		}
		return fmt.Errorf("%w: evaluation canceled", types.ErrCanceled)
	default:
		return nil
	}
}

// CacheStats returns decision cache statistics
func (e *Engine) CacheStats() cache.Stats {
	if e.cache == nil {
		return cache.Stats{}
	}
	return e.cache.Stats()
}

// ClearCache flushes the decision cache
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Close stops the worker pool and unsubscribes from store changes
func (e *Engine) Close() error {
	if e.unwatch != nil {
		e.unwatch()
	}
	e.pool.Stop()
	return nil
}
