// Package decision provides the append-only decision log and anomaly storage
package decision

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/authz-engine/agentic-core/pkg/types"
)

// TopActions is the number of actions reported in principal statistics
const TopActions = 5

// Query narrows a decision log read
type Query struct {
	PrincipalID  string
	ResourceKind string
	Since        time.Time
	Until        time.Time
	Limit        int
}

// Store is the append-only decision log. Records carry ULID ids so their
// ordering is stable and monotonic per principal. Baseline computation
// reads through this interface only.
type Store interface {
	// Append assigns the record a ULID (when unset) and stores it
	Append(ctx context.Context, rec *types.DecisionRecord) error

	// Query returns matching records, newest first
	Query(ctx context.Context, q Query) ([]*types.DecisionRecord, error)

	// Stats summarizes a principal's history: totals, unique resources,
	// top actions by count and common hours of day.
	Stats(ctx context.Context, principalID string) (*types.PrincipalStats, error)

	// SaveAnomaly stores the authoritative copy of an anomaly
	SaveAnomaly(ctx context.Context, a *types.Anomaly) error

	// Anomalies lists anomalies, optionally filtered by principal
	Anomalies(ctx context.Context, principalID string) ([]*types.Anomaly, error)

	// SetAnomalyStatus transitions an anomaly's triage status
	SetAnomalyStatus(ctx context.Context, id string, status types.AnomalyStatus) error

	// Close releases resources
	Close() error
}

// MemoryStore is the in-memory decision log. Retention is bounded: the
// oldest records are dropped once maxRecords is exceeded.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string][]*types.DecisionRecord // tenant -> ordered records
	byPrinc    map[string]map[string][]*types.DecisionRecord
	anomalies  map[string][]*types.Anomaly
	anomalyIdx map[string]*types.Anomaly // id -> anomaly
	maxRecords int

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewMemoryStore creates an in-memory decision log
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 100000
	}
	return &MemoryStore{
		records:    make(map[string][]*types.DecisionRecord),
		byPrinc:    make(map[string]map[string][]*types.DecisionRecord),
		anomalies:  make(map[string][]*types.Anomaly),
		anomalyIdx: make(map[string]*types.Anomaly),
		maxRecords: maxRecords,
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
}

var _ Store = (*MemoryStore)(nil)

// NextID returns a fresh monotonic ULID
func (s *MemoryStore) NextID(t time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Append implements Store
func (s *MemoryStore) Append(ctx context.Context, rec *types.DecisionRecord) error {
	if rec == nil || rec.Request == nil || rec.Request.Principal == nil {
		return fmt.Errorf("%w: decision record requires a request with a principal", types.ErrInvalidInput)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.ID == "" {
		rec.ID = s.NextID(rec.Timestamp)
	}
	tenant := types.TenantID(ctx)
	rec.TenantID = tenant

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[tenant] = append(s.records[tenant], rec)
	if over := len(s.records[tenant]) - s.maxRecords; over > 0 {
		dropped := s.records[tenant][:over]
		s.records[tenant] = s.records[tenant][over:]
		s.evictLocked(tenant, dropped)
	}

	if s.byPrinc[tenant] == nil {
		s.byPrinc[tenant] = make(map[string][]*types.DecisionRecord)
	}
	pid := rec.Request.Principal.ID
	s.byPrinc[tenant][pid] = append(s.byPrinc[tenant][pid], rec)
	return nil
}

func (s *MemoryStore) evictLocked(tenant string, dropped []*types.DecisionRecord) {
	goneIDs := make(map[string]bool, len(dropped))
	for _, rec := range dropped {
		goneIDs[rec.ID] = true
	}
	for pid, recs := range s.byPrinc[tenant] {
		kept := recs[:0]
		for _, rec := range recs {
			if !goneIDs[rec.ID] {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			delete(s.byPrinc[tenant], pid)
		} else {
			s.byPrinc[tenant][pid] = kept
		}
	}
}

// Query implements Store
func (s *MemoryStore) Query(ctx context.Context, q Query) ([]*types.DecisionRecord, error) {
	tenant := types.TenantID(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var source []*types.DecisionRecord
	if q.PrincipalID != "" {
		source = s.byPrinc[tenant][q.PrincipalID]
	} else {
		source = s.records[tenant]
	}

	var out []*types.DecisionRecord
	// newest first, so walk backwards
	for i := len(source) - 1; i >= 0; i-- {
		rec := source[i]
		if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
			// records are time-ordered; nothing older can match
			break
		}
		if !q.Until.IsZero() && rec.Timestamp.After(q.Until) {
			continue
		}
		if q.ResourceKind != "" && rec.Request.Resource.Kind != q.ResourceKind {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Stats implements Store
func (s *MemoryStore) Stats(ctx context.Context, principalID string) (*types.PrincipalStats, error) {
	if principalID == "" {
		return nil, fmt.Errorf("%w: principal id is required", types.ErrInvalidInput)
	}
	tenant := types.TenantID(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.byPrinc[tenant][principalID]
	stats := &types.PrincipalStats{
		PrincipalID:   principalID,
		ResourceKinds: make(map[string]int),
	}

	actionCounts := make(map[string]int)
	hourCounts := make(map[int]int)
	resources := make(map[string]bool)

	for _, rec := range recs {
		stats.TotalRequests++
		res := rec.Request.Resource
		resources[res.Kind+"/"+res.ID] = true
		stats.ResourceKinds[res.Kind]++
		for _, a := range rec.Request.Actions {
			actionCounts[a]++
		}
		hourCounts[rec.Timestamp.Hour()]++
	}
	stats.UniqueResources = len(resources)

	for action, count := range actionCounts {
		stats.CommonActions = append(stats.CommonActions, types.ActionCount{Action: action, Count: count})
	}
	sort.Slice(stats.CommonActions, func(i, j int) bool {
		if stats.CommonActions[i].Count != stats.CommonActions[j].Count {
			return stats.CommonActions[i].Count > stats.CommonActions[j].Count
		}
		return stats.CommonActions[i].Action < stats.CommonActions[j].Action
	})
	if len(stats.CommonActions) > TopActions {
		stats.CommonActions = stats.CommonActions[:TopActions]
	}

	for hour := range hourCounts {
		stats.CommonHours = append(stats.CommonHours, hour)
	}
	sort.Ints(stats.CommonHours)

	return stats, nil
}

// SaveAnomaly implements Store
func (s *MemoryStore) SaveAnomaly(ctx context.Context, a *types.Anomaly) error {
	if a == nil || a.PrincipalID == "" {
		return fmt.Errorf("%w: anomaly requires a principal id", types.ErrInvalidInput)
	}
	if a.ID == "" {
		a.ID = s.NextID(time.Now())
	}
	if a.Status == "" {
		a.Status = types.AnomalyOpen
	}
	tenant := types.TenantID(ctx)
	a.TenantID = tenant

	s.mu.Lock()
	defer s.mu.Unlock()

	s.anomalies[tenant] = append(s.anomalies[tenant], a)
	s.anomalyIdx[a.ID] = a
	return nil
}

// Anomalies implements Store
func (s *MemoryStore) Anomalies(ctx context.Context, principalID string) ([]*types.Anomaly, error) {
	tenant := types.TenantID(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Anomaly
	for i := len(s.anomalies[tenant]) - 1; i >= 0; i-- {
		a := s.anomalies[tenant][i]
		if principalID != "" && a.PrincipalID != principalID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// SetAnomalyStatus implements Store
func (s *MemoryStore) SetAnomalyStatus(ctx context.Context, id string, status types.AnomalyStatus) error {
	switch status {
	case types.AnomalyOpen, types.AnomalyResolved, types.AnomalyFalsePositive:
	default:
		return fmt.Errorf("%w: unknown anomaly status %q", types.ErrInvalidInput, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.anomalyIdx[id]
	if !ok {
		return fmt.Errorf("%w: anomaly %q", types.ErrNotFound, id)
	}
	a.Status = status
	return nil
}

// Count returns the number of records for a tenant
func (s *MemoryStore) Count(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[types.TenantID(ctx)])
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }
