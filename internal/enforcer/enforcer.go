// Package enforcer applies adaptive enforcement to principals
package enforcer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/internal/clock"
	"github.com/authz-engine/agentic-core/internal/eventbus"
	"github.com/authz-engine/agentic-core/internal/metrics"
	"github.com/authz-engine/agentic-core/internal/ratelimit"
	"github.com/authz-engine/agentic-core/pkg/types"
)

// Event bus topics
const (
	TopicActionTriggered = "enforcement.triggered"
	TopicActionApplied   = "enforcement.applied"
	TopicAdminAlert      = "enforcement.alert"
)

// Config controls enforcement behavior
type Config struct {
	// MaxActionsPerHour caps how many enforcement actions may be created
	// per principal in a rolling hour.
	MaxActionsPerHour int `yaml:"maxActionsPerHour"`

	// RequireApprovalForSeverity gates automatic application: actions at
	// or above this severity start as pending.
	RequireApprovalForSeverity types.Severity `yaml:"requireApprovalForSeverity"`

	RateLimitDuration time.Duration `yaml:"rateLimitDuration"`
	BlockDuration     time.Duration `yaml:"blockDuration"`
}

// DefaultConfig returns the default enforcer configuration
func DefaultConfig() Config {
	return Config{
		MaxActionsPerHour:          20,
		RequireApprovalForSeverity: types.SeverityHigh,
		RateLimitDuration:          time.Hour,
		BlockDuration:              time.Hour,
	}
}

var severityRank = map[types.Severity]int{
	types.SeverityLow:      1,
	types.SeverityMedium:   2,
	types.SeverityHigh:     3,
	types.SeverityCritical: 4,
}

var typeSeverity = map[types.EnforcementType]types.Severity{
	types.EnforcementAlertAdmin:      types.SeverityLow,
	types.EnforcementRateLimit:       types.SeverityMedium,
	types.EnforcementRequireApproval: types.SeverityMedium,
	types.EnforcementTemporaryBlock:  types.SeverityHigh,
}

var typePriority = map[types.EnforcementType]int{
	types.EnforcementAlertAdmin:      1,
	types.EnforcementRateLimit:       2,
	types.EnforcementRequireApproval: 3,
	types.EnforcementTemporaryBlock:  4,
}

// Enforcer owns per-principal enforcement state. One lock guards the
// action table; lookups by id and by principal are O(1) through two
// indexes kept in sync under that lock.
type Enforcer struct {
	cfg     Config
	limiter ratelimit.Limiter
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	clock   clock.Clock

	mu          sync.Mutex
	byID        map[string]*types.EnforcerAction
	byPrincipal map[string][]*types.EnforcerAction

	// active enforcement expiries per principal
	rateLimited map[string]time.Time
	blocked     map[string]time.Time
}

// New creates an enforcer. The limiter caps action creation per principal;
// pass nil to use an in-memory sliding window.
func New(cfg Config, limiter ratelimit.Limiter, bus *eventbus.Bus, m *metrics.Metrics, clk clock.Clock, logger *zap.Logger) *Enforcer {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = ratelimit.NewSlidingWindow(cfg.MaxActionsPerHour, time.Hour, clk)
	}
	return &Enforcer{
		cfg:         cfg,
		limiter:     limiter,
		bus:         bus,
		metrics:     m,
		logger:      logger,
		clock:       clk,
		byID:        make(map[string]*types.EnforcerAction),
		byPrincipal: make(map[string][]*types.EnforcerAction),
		rateLimited: make(map[string]time.Time),
		blocked:     make(map[string]time.Time),
	}
}

// TriggerEnforcement creates an enforcement action. Actions at or above
// the approval severity start pending; everything else applies
// immediately and completes.
func (e *Enforcer) TriggerEnforcement(ctx context.Context, typ types.EnforcementType, principalID string, trigger types.ActionTrigger) (*types.EnforcerAction, error) {
	if _, known := typePriority[typ]; !known {
		return nil, fmt.Errorf("%w: unknown enforcement type %q", types.ErrInvalidInput, typ)
	}
	if principalID == "" {
		return nil, fmt.Errorf("%w: principal id is required", types.ErrInvalidInput)
	}

	allowed, err := e.limiter.Allow(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("enforcement rate check: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: enforcement action cap reached for principal %q", types.ErrConflict, principalID)
	}

	now := e.clock.Now()
	action := &types.EnforcerAction{
		ID:          uuid.NewString(),
		Type:        typ,
		PrincipalID: principalID,
		Priority:    typePriority[typ],
		Status:      types.ActionPending,
		Trigger:     trigger,
		CanRollback: typ == types.EnforcementRateLimit || typ == types.EnforcementTemporaryBlock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	e.mu.Lock()
	e.byID[action.ID] = action
	e.byPrincipal[principalID] = append(e.byPrincipal[principalID], action)

	requiresApproval := severityRank[typeSeverity[typ]] >= severityRank[e.cfg.RequireApprovalForSeverity]
	if !requiresApproval {
		e.applyLocked(action, now)
	}
	e.mu.Unlock()

	e.metrics.RecordEnforcement(string(typ), string(action.Status))
	e.publish(TopicActionTriggered, action)
	if action.Status == types.ActionCompleted {
		e.publish(TopicActionApplied, action)
	}
	return action, nil
}

// ApproveAction approves a pending action, applies its effect and
// transitions it to completed.
func (e *Enforcer) ApproveAction(_ context.Context, id, approver string) (*types.EnforcerAction, error) {
	now := e.clock.Now()

	e.mu.Lock()
	action, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: enforcement action %q", types.ErrNotFound, id)
	}
	if action.Status != types.ActionPending {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: action %q is %s, not pending", types.ErrConflict, id, action.Status)
	}
	action.Status = types.ActionApproved
	action.Result = "approved by " + approver
	e.applyLocked(action, now)
	e.mu.Unlock()

	e.metrics.RecordEnforcement(string(action.Type), string(action.Status))
	e.publish(TopicActionApplied, action)
	return action, nil
}

// DenyAction fails a pending action without applying it
func (e *Enforcer) DenyAction(_ context.Context, id, approver string) (*types.EnforcerAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	action, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: enforcement action %q", types.ErrNotFound, id)
	}
	if action.Status != types.ActionPending {
		return nil, fmt.Errorf("%w: action %q is %s, not pending", types.ErrConflict, id, action.Status)
	}
	action.Status = types.ActionFailed
	action.Result = "denied by " + approver
	action.UpdatedAt = e.clock.Now()
	e.metrics.RecordEnforcement(string(action.Type), string(action.Status))
	return action, nil
}

// RollbackAction reverts a completed, rollback-capable action and lifts
// its enforcement effect.
func (e *Enforcer) RollbackAction(_ context.Context, id string) (*types.EnforcerAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	action, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: enforcement action %q", types.ErrNotFound, id)
	}
	if action.Status != types.ActionCompleted {
		return nil, fmt.Errorf("%w: action %q is %s, not completed", types.ErrConflict, id, action.Status)
	}
	if !action.CanRollback {
		return nil, fmt.Errorf("%w: action %q cannot be rolled back", types.ErrConflict, id)
	}

	switch action.Type {
	case types.EnforcementRateLimit:
		delete(e.rateLimited, action.PrincipalID)
	case types.EnforcementTemporaryBlock:
		delete(e.blocked, action.PrincipalID)
	}
	action.Status = types.ActionRolledBack
	action.UpdatedAt = e.clock.Now()
	e.metrics.RecordEnforcement(string(action.Type), string(action.Status))
	return action, nil
}

// applyLocked applies an action's effect and completes it. Caller holds the lock.
func (e *Enforcer) applyLocked(action *types.EnforcerAction, now time.Time) {
	switch action.Type {
	case types.EnforcementRateLimit:
		expiry := now.Add(e.cfg.RateLimitDuration)
		e.rateLimited[action.PrincipalID] = expiry
		action.ExpiresAt = &expiry
	case types.EnforcementTemporaryBlock:
		expiry := now.Add(e.cfg.BlockDuration)
		e.blocked[action.PrincipalID] = expiry
		action.ExpiresAt = &expiry
	case types.EnforcementAlertAdmin:
		if e.bus != nil {
			e.bus.Publish(TopicAdminAlert, types.AgentEvent{
				Payload: map[string]any{
					"actionId":    action.ID,
					"principalId": action.PrincipalID,
					"reason":      action.Trigger.Reason,
				},
			})
		}
	case types.EnforcementRequireApproval:
		// advisory marker; the decision path is unaffected
	}
	action.Status = types.ActionCompleted
	action.UpdatedAt = now
}

// PendingActions lists actions awaiting approval
func (e *Enforcer) PendingActions(_ context.Context) []*types.EnforcerAction {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*types.EnforcerAction
	for _, action := range e.byID {
		if action.Status == types.ActionPending {
			out = append(out, action)
		}
	}
	return out
}

// ActionsForPrincipal lists all actions recorded for a principal
func (e *Enforcer) ActionsForPrincipal(_ context.Context, principalID string) []*types.EnforcerAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*types.EnforcerAction(nil), e.byPrincipal[principalID]...)
}

// Check is the pre-decision gate. It reports allowed=false while the
// principal is under an unexpired rate limit or temporary block; expired
// enforcement is lifted in place.
func (e *Enforcer) Check(_ context.Context, principalID string) *types.EnforcementCheck {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if expiry, ok := e.blocked[principalID]; ok {
		if now.Before(expiry) {
			return &types.EnforcementCheck{
				Allowed: false,
				Reason:  fmt.Sprintf("Blocked: principal %q is blocked until %s", principalID, expiry.Format(time.RFC3339)),
			}
		}
		delete(e.blocked, principalID)
	}
	if expiry, ok := e.rateLimited[principalID]; ok {
		if now.Before(expiry) {
			return &types.EnforcementCheck{
				Allowed: false,
				Reason:  fmt.Sprintf("Rate limited: principal %q is rate limited until %s", principalID, expiry.Format(time.RFC3339)),
			}
		}
		delete(e.rateLimited, principalID)
	}
	return &types.EnforcementCheck{Allowed: true}
}

// RewriteDeny forces every action result in the response to deny. The
// matched rule carries the enforcer prefix so telemetry can distinguish
// overrides from native verdicts.
func RewriteDeny(resp *types.CheckResponse, typ types.EnforcementType) {
	if resp == nil {
		return
	}
	for action, result := range resp.Results {
		result.Effect = types.EffectDeny
		result.MatchedRule = types.EnforcerRulePrefix + string(typ)
		resp.Results[action] = result
	}
}

func (e *Enforcer) publish(topic string, action *types.EnforcerAction) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, types.AgentEvent{
		Payload: map[string]any{
			"actionId":    action.ID,
			"type":        string(action.Type),
			"principalId": action.PrincipalID,
			"status":      string(action.Status),
		},
	})
}
