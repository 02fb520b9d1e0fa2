package policy

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/pkg/types"
)

// watchQueueSize bounds the per-watcher event queue. The store never
// blocks on a slow watcher; overflowing events are dropped oldest-first.
const watchQueueSize = 256

// MemoryStore implements an in-memory, tenant-scoped policy store with
// secondary indexes and asynchronous change propagation.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState

	watchMu   sync.Mutex
	watchers  map[int]*watcher
	nextWatch int

	validator *Validator
	logger    *zap.Logger
}

type tenantState struct {
	policies   map[string]*types.StoredPolicy // id -> stored
	byKind     map[types.PolicyKind]map[string]bool
	byResource map[string]map[string]bool // resource kind -> ids (ResourcePolicy only)
	byName     map[string]string          // "<kind>/<name>" -> id
}

type watcher struct {
	fn     WatchFunc
	queue  chan types.PolicyChange
	done   chan struct{}
	closed sync.Once
}

func newTenantState() *tenantState {
	return &tenantState{
		policies:   make(map[string]*types.StoredPolicy),
		byKind:     make(map[types.PolicyKind]map[string]bool),
		byResource: make(map[string]map[string]bool),
		byName:     make(map[string]string),
	}
}

// NewMemoryStore creates a new in-memory policy store
func NewMemoryStore(logger *zap.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return &MemoryStore{
		tenants:   make(map[string]*tenantState),
		watchers:  make(map[int]*watcher),
		validator: validator,
		logger:    logger,
	}, nil
}

// tenant returns the mutable tenant state; callers hold the write lock.
func (s *MemoryStore) tenant(ctx context.Context) *tenantState {
	id := types.TenantID(ctx)
	if ts, ok := s.tenants[id]; ok {
		return ts
	}
	ts := newTenantState()
	s.tenants[id] = ts
	return ts
}

var emptyTenant = newTenantState()

// readTenant returns tenant state for read paths; callers hold the read lock.
func (s *MemoryStore) readTenant(ctx context.Context) *tenantState {
	if ts, ok := s.tenants[types.TenantID(ctx)]; ok {
		return ts
	}
	return emptyTenant
}

// Put upserts a policy by (kind, name). A derived-roles policy is
// rejected when it would introduce a cycle across the stored set.
func (s *MemoryStore) Put(ctx context.Context, p *types.Policy, opts *PutOptions) (*types.StoredPolicy, error) {
	if err := s.validator.ValidatePolicy(p); err != nil {
		return nil, err
	}
	if err := s.checkCombinedGraph(ctx, []*types.Policy{p}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	stored, change := s.putLocked(ctx, p, opts)
	s.mu.Unlock()

	s.dispatch(change)
	return stored, nil
}

// putLocked performs the upsert under the store lock and returns the
// resulting change event.
func (s *MemoryStore) putLocked(ctx context.Context, p *types.Policy, opts *PutOptions) (*types.StoredPolicy, types.PolicyChange) {
	ts := s.tenant(ctx)
	now := time.Now()
	id := p.StorageID()
	hash := p.Hash()

	stored := &types.StoredPolicy{
		ID:        id,
		Kind:      p.Kind(),
		Name:      p.Name(),
		Hash:      hash,
		CreatedAt: now,
		UpdatedAt: now,
		Policy:    p,
	}
	if rp := p.ResourcePolicy; rp != nil {
		stored.Version = rp.Version
	}
	if opts != nil {
		stored.Source = opts.Source
		stored.Labels = opts.Labels
	}

	change := types.PolicyChange{
		Type:       types.PolicyCreated,
		PolicyID:   id,
		PolicyName: stored.Name,
		PolicyKind: stored.Kind,
		NewHash:    hash,
		Timestamp:  now,
	}

	if prev, exists := ts.policies[id]; exists {
		stored.CreatedAt = prev.CreatedAt
		stored.Disabled = prev.Disabled
		if stored.Labels == nil {
			stored.Labels = prev.Labels
		}
		if stored.Source == "" {
			stored.Source = prev.Source
		}
		change.Type = types.PolicyUpdated
		change.PreviousHash = prev.Hash
		s.unindexLocked(ts, prev)
	}

	ts.policies[id] = stored
	s.indexLocked(ts, stored)
	return stored, change
}

func (s *MemoryStore) indexLocked(ts *tenantState, stored *types.StoredPolicy) {
	if ts.byKind[stored.Kind] == nil {
		ts.byKind[stored.Kind] = make(map[string]bool)
	}
	ts.byKind[stored.Kind][stored.ID] = true
	ts.byName[nameKey(stored.Name, stored.Kind)] = stored.ID

	if rp := stored.Policy.ResourcePolicy; rp != nil {
		if ts.byResource[rp.Resource] == nil {
			ts.byResource[rp.Resource] = make(map[string]bool)
		}
		ts.byResource[rp.Resource][stored.ID] = true
	}
}

func (s *MemoryStore) unindexLocked(ts *tenantState, stored *types.StoredPolicy) {
	delete(ts.byKind[stored.Kind], stored.ID)
	delete(ts.byName, nameKey(stored.Name, stored.Kind))
	if rp := stored.Policy.ResourcePolicy; rp != nil {
		delete(ts.byResource[rp.Resource], stored.ID)
	}
}

func nameKey(name string, kind types.PolicyKind) string {
	return string(kind) + "/" + name
}

// Get retrieves a stored policy by id
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.readTenant(ctx).policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: policy %s", types.ErrNotFound, id)
	}
	return stored, nil
}

// GetByName retrieves a stored policy by name and kind
func (s *MemoryStore) GetByName(ctx context.Context, name string, kind types.PolicyKind) (*types.StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts := s.readTenant(ctx)
	id, ok := ts.byName[nameKey(name, kind)]
	if !ok {
		return nil, fmt.Errorf("%w: policy %s/%s", types.ErrNotFound, kind, name)
	}
	return ts.policies[id], nil
}

// Query filters, sorts and paginates stored policies
func (s *MemoryStore) Query(ctx context.Context, filter QueryFilter) ([]*types.StoredPolicy, error) {
	s.mu.RLock()
	ts := s.readTenant(ctx)
	matched := make([]*types.StoredPolicy, 0, len(ts.policies))
	for _, stored := range ts.policies {
		if matchesFilter(stored, filter) {
			matched = append(matched, stored)
		}
	}
	s.mu.RUnlock()

	sortPolicies(matched, filter.SortBy, filter.SortDesc)
	return paginate(matched, filter.Offset, filter.Limit), nil
}

func matchesFilter(stored *types.StoredPolicy, filter QueryFilter) bool {
	if len(filter.Kinds) > 0 {
		found := false
		for _, k := range filter.Kinds {
			if stored.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.ResourceKind != "" {
		rp := stored.Policy.ResourcePolicy
		if rp == nil || rp.Resource != filter.ResourceKind {
			return false
		}
	}
	if filter.NameGlob != "" {
		if ok, err := path.Match(filter.NameGlob, stored.Name); err != nil || !ok {
			return false
		}
	}
	for k, v := range filter.Labels {
		if stored.Labels[k] != v {
			return false
		}
	}
	if filter.Disabled != nil && stored.Disabled != *filter.Disabled {
		return false
	}
	return true
}

func sortPolicies(policies []*types.StoredPolicy, by SortField, desc bool) {
	less := func(i, j int) bool { return policies[i].Name < policies[j].Name }
	switch by {
	case SortByCreatedAt:
		less = func(i, j int) bool { return policies[i].CreatedAt.Before(policies[j].CreatedAt) }
	case SortByUpdatedAt:
		less = func(i, j int) bool { return policies[i].UpdatedAt.Before(policies[j].UpdatedAt) }
	}
	if desc {
		orig := less
		less = func(i, j int) bool { return orig(j, i) }
	}
	sort.SliceStable(policies, less)
}

func paginate(policies []*types.StoredPolicy, offset, limit int) []*types.StoredPolicy {
	if offset >= len(policies) {
		return []*types.StoredPolicy{}
	}
	policies = policies[offset:]
	if limit > 0 && limit < len(policies) {
		policies = policies[:limit]
	}
	return policies
}

// Delete removes a policy and emits a deleted event
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	ts := s.tenant(ctx)
	stored, ok := ts.policies[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: policy %s", types.ErrNotFound, id)
	}
	delete(ts.policies, id)
	s.unindexLocked(ts, stored)
	s.mu.Unlock()

	s.dispatch(types.PolicyChange{
		Type:         types.PolicyDeleted,
		PolicyID:     id,
		PolicyName:   stored.Name,
		PolicyKind:   stored.Kind,
		PreviousHash: stored.Hash,
		Timestamp:    time.Now(),
	})
	return nil
}

// Disable marks a policy disabled. No-op (and no event) when already disabled.
func (s *MemoryStore) Disable(ctx context.Context, id string) error {
	return s.setDisabled(ctx, id, true)
}

// Enable re-enables a disabled policy. No-op when already enabled.
func (s *MemoryStore) Enable(ctx context.Context, id string) error {
	return s.setDisabled(ctx, id, false)
}

func (s *MemoryStore) setDisabled(ctx context.Context, id string, disabled bool) error {
	s.mu.Lock()
	ts := s.tenant(ctx)
	stored, ok := ts.policies[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: policy %s", types.ErrNotFound, id)
	}
	if stored.Disabled == disabled {
		s.mu.Unlock()
		return nil
	}
	stored.Disabled = disabled
	stored.UpdatedAt = time.Now()
	s.mu.Unlock()

	changeType := types.PolicyDisabled
	if !disabled {
		changeType = types.PolicyEnabled
	}
	s.dispatch(types.PolicyChange{
		Type:       changeType,
		PolicyID:   id,
		PolicyName: stored.Name,
		PolicyKind: stored.Kind,
		NewHash:    stored.Hash,
		Timestamp:  stored.UpdatedAt,
	})
	return nil
}

// GetPoliciesForResource returns enabled resource policies for a kind
func (s *MemoryStore) GetPoliciesForResource(ctx context.Context, resourceKind string) ([]*types.StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts := s.readTenant(ctx)
	ids := ts.byResource[resourceKind]
	result := make([]*types.StoredPolicy, 0, len(ids))
	for id := range ids {
		if stored := ts.policies[id]; stored != nil && !stored.Disabled {
			result = append(result, stored)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// GetDerivedRoles returns all enabled derived-roles policies
func (s *MemoryStore) GetDerivedRoles(ctx context.Context) ([]*types.StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts := s.readTenant(ctx)
	ids := ts.byKind[types.KindDerivedRoles]
	result := make([]*types.StoredPolicy, 0, len(ids))
	for id := range ids {
		if stored := ts.policies[id]; stored != nil && !stored.Disabled {
			result = append(result, stored)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// GetPrincipalPolicy returns the enabled principal policy for a principal id
func (s *MemoryStore) GetPrincipalPolicy(ctx context.Context, principalID string) (*types.StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts := s.readTenant(ctx)
	for id := range ts.byKind[types.KindPrincipalPolicy] {
		stored := ts.policies[id]
		if stored == nil || stored.Disabled {
			continue
		}
		if pp := stored.Policy.PrincipalPolicy; pp != nil && pp.Principal == principalID {
			return stored, nil
		}
	}
	return nil, fmt.Errorf("%w: principal policy for %s", types.ErrNotFound, principalID)
}

// BulkPut stores multiple policies best-effort, reporting per-item errors.
// The combined derived-role graph is cycle-checked up front; on a cycle
// nothing is stored.
func (s *MemoryStore) BulkPut(ctx context.Context, policies []*types.Policy) ([]*types.StoredPolicy, []*BulkItemError, error) {
	if err := s.checkCombinedGraph(ctx, policies); err != nil {
		return nil, nil, err
	}

	stored := make([]*types.StoredPolicy, 0, len(policies))
	var itemErrs []*BulkItemError
	var changes []types.PolicyChange

	s.mu.Lock()
	for i, p := range policies {
		if err := s.validator.ValidatePolicy(p); err != nil {
			itemErrs = append(itemErrs, &BulkItemError{Index: i, Name: p.Name(), Err: err})
			continue
		}
		sp, change := s.putLocked(ctx, p, nil)
		stored = append(stored, sp)
		changes = append(changes, change)
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.dispatch(change)
	}
	return stored, itemErrs, nil
}

// checkCombinedGraph validates the derived-role graph formed by the
// incoming policies together with those already stored.
func (s *MemoryStore) checkCombinedGraph(ctx context.Context, policies []*types.Policy) error {
	var defs []*types.DerivedRoleDef
	for _, p := range policies {
		if p.DerivedRoles != nil {
			defs = append(defs, p.DerivedRoles.Definitions...)
		}
	}
	if len(defs) == 0 {
		return nil
	}

	existing, err := s.GetDerivedRoles(ctx)
	if err != nil {
		return err
	}
	incoming := make(map[string]bool, len(policies))
	for _, p := range policies {
		if p.DerivedRoles != nil {
			incoming[p.StorageID()] = true
		}
	}
	for _, sp := range existing {
		if !incoming[sp.ID] {
			defs = append(defs, sp.Policy.DerivedRoles.Definitions...)
		}
	}
	return ValidateDerivedRoleGraph(defs)
}

// Watch registers an in-process change listener
func (s *MemoryStore) Watch(fn WatchFunc) (unwatch func()) {
	w := &watcher{
		fn:    fn,
		queue: make(chan types.PolicyChange, watchQueueSize),
		done:  make(chan struct{}),
	}

	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = w
	s.watchMu.Unlock()

	go w.run(s.logger)

	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
		w.close()
	}
}

func (w *watcher) run(logger *zap.Logger) {
	for {
		select {
		case <-w.done:
			return
		case change := <-w.queue:
			w.deliver(change, logger)
		}
	}
}

func (w *watcher) deliver(change types.PolicyChange, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("policy watch callback panicked", zap.Any("panic", r))
		}
	}()
	w.fn(change)
}

func (w *watcher) close() {
	w.closed.Do(func() { close(w.done) })
}

// dispatch fans a change event out to all watchers without blocking.
// A full watcher queue drops the oldest event to make room.
func (s *MemoryStore) dispatch(change types.PolicyChange) {
	s.watchMu.Lock()
	watchers := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.watchMu.Unlock()

	for _, w := range watchers {
		select {
		case w.queue <- change:
		default:
			select {
			case <-w.queue:
			default:
			}
			select {
			case w.queue <- change:
			default:
			}
			s.logger.Warn("policy watcher queue overflow, dropped oldest event")
		}
	}
}

// Count returns the number of policies for the tenant on the context
func (s *MemoryStore) Count(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readTenant(ctx).policies)
}

// Close stops all watcher goroutines
func (s *MemoryStore) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for id, w := range s.watchers {
		w.close()
		delete(s.watchers, id)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
