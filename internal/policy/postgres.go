package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/agentic-core/pkg/types"
)

// PostgresStore is the Postgres-backed policy store. BulkPut is
// transactional: either every document lands or none does. Change events
// are dispatched in-process after the write commits.
type PostgresStore struct {
	db        *sql.DB
	validator *Validator
	hub       *watchHub
	logger    *zap.Logger
}

// NewPostgresStore creates a Postgres-backed store. The schema must
// already be migrated (db.Migrate).
func NewPostgresStore(conn *sql.DB, validator *Validator, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		db:        conn,
		validator: validator,
		hub:       newWatchHub(watchQueueSize, logger),
		logger:    logger,
	}
}

var _ Store = (*PostgresStore)(nil)

const policyColumns = "id, kind, name, version, hash, disabled, created_at, updated_at, source, labels, document"

// Put implements Store. A derived-roles policy is rejected when it
// would introduce a cycle across the stored set.
func (s *PostgresStore) Put(ctx context.Context, p *types.Policy, opts *PutOptions) (*types.StoredPolicy, error) {
	if err := s.validator.ValidatePolicy(p); err != nil {
		return nil, err
	}
	if err := s.checkCombinedGraph(ctx, []*types.Policy{p}); err != nil {
		return nil, err
	}
	stored, change, err := s.upsert(ctx, s.db, p, opts, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.hub.dispatch(change)
	return stored, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// upsert writes one policy through the given executor (connection or
// transaction) and returns the stored form plus its change event.
func (s *PostgresStore) upsert(ctx context.Context, ex execer, p *types.Policy, opts *PutOptions, now time.Time) (*types.StoredPolicy, types.PolicyChange, error) {
	tenant := types.TenantID(ctx)
	id := p.StorageID()
	hash := p.Hash()

	var source string
	labels := map[string]string{}
	if opts != nil {
		source = opts.Source
		if opts.Labels != nil {
			labels = opts.Labels
		}
	}

	document, err := json.Marshal(p)
	if err != nil {
		return nil, types.PolicyChange{}, fmt.Errorf("%w: encoding policy: %v", types.ErrStore, err)
	}
	labelsJSON, _ := json.Marshal(labels)

	var resourceKind, principalID sql.NullString
	version := ""
	switch {
	case p.ResourcePolicy != nil:
		resourceKind = sql.NullString{String: p.ResourcePolicy.Resource, Valid: true}
		version = p.ResourcePolicy.Version
	case p.PrincipalPolicy != nil:
		principalID = sql.NullString{String: p.PrincipalPolicy.Principal, Valid: true}
	}

	var prevHash sql.NullString
	err = ex.QueryRowContext(ctx,
		`SELECT hash FROM policies WHERE tenant_id = $1 AND id = $2`, tenant, id,
	).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, types.PolicyChange{}, fmt.Errorf("%w: reading existing policy: %v", types.ErrStore, err)
	}
	exists := err == nil

	// created_at, disabled, labels and source survive updates unless the
	// caller supplies replacements
	row := ex.QueryRowContext(ctx, `
		INSERT INTO policies (tenant_id, id, kind, name, version, hash, disabled,
			created_at, updated_at, source, labels, resource_kind, principal_id, document)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			version = EXCLUDED.version,
			hash = EXCLUDED.hash,
			updated_at = EXCLUDED.updated_at,
			source = CASE WHEN EXCLUDED.source <> '' THEN EXCLUDED.source ELSE policies.source END,
			labels = CASE WHEN EXCLUDED.labels <> '{}'::jsonb THEN EXCLUDED.labels ELSE policies.labels END,
			resource_kind = EXCLUDED.resource_kind,
			principal_id = EXCLUDED.principal_id,
			document = EXCLUDED.document
		RETURNING `+policyColumns,
		tenant, id, string(p.Kind()), p.Name(), version, hash, now,
		source, labelsJSON, resourceKind, principalID, document)

	stored, err := scanPolicy(row)
	if err != nil {
		return nil, types.PolicyChange{}, fmt.Errorf("%w: storing policy: %v", types.ErrStore, err)
	}

	changeType := types.PolicyCreated
	if exists {
		changeType = types.PolicyUpdated
	}
	change := types.PolicyChange{
		Type:       changeType,
		PolicyID:   stored.ID,
		PolicyName: stored.Name,
		PolicyKind: stored.Kind,
		NewHash:    stored.Hash,
		Timestamp:  now,
	}
	if exists {
		change.PreviousHash = prevHash.String
	}
	return stored, change, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*types.StoredPolicy, error) {
	var stored types.StoredPolicy
	var kind string
	var labelsJSON, document []byte

	err := row.Scan(&stored.ID, &kind, &stored.Name, &stored.Version, &stored.Hash,
		&stored.Disabled, &stored.CreatedAt, &stored.UpdatedAt, &stored.Source,
		&labelsJSON, &document)
	if err != nil {
		return nil, err
	}
	stored.Kind = types.PolicyKind(kind)
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &stored.Labels); err != nil {
			return nil, err
		}
	}
	stored.Policy = &types.Policy{}
	if err := json.Unmarshal(document, stored.Policy); err != nil {
		return nil, err
	}
	return &stored, nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, id string) (*types.StoredPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE tenant_id = $1 AND id = $2`,
		types.TenantID(ctx), id)
	stored, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: policy %q", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading policy: %v", types.ErrStore, err)
	}
	return stored, nil
}

// GetByName implements Store
func (s *PostgresStore) GetByName(ctx context.Context, name string, kind types.PolicyKind) (*types.StoredPolicy, error) {
	return s.Get(ctx, fmt.Sprintf("%s:%s", kind, name))
}

// Query implements Store
func (s *PostgresStore) Query(ctx context.Context, filter QueryFilter) ([]*types.StoredPolicy, error) {
	var conditions []string
	args := []any{types.TenantID(ctx)}
	conditions = append(conditions, "tenant_id = $1")

	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, kind := range filter.Kinds {
			args = append(args, string(kind))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ResourceKind != "" {
		args = append(args, filter.ResourceKind)
		conditions = append(conditions, fmt.Sprintf("resource_kind = $%d", len(args)))
	}
	if filter.NameGlob != "" {
		args = append(args, globToLike(filter.NameGlob))
		conditions = append(conditions, fmt.Sprintf("name LIKE $%d", len(args)))
	}
	if len(filter.Labels) > 0 {
		labelsJSON, _ := json.Marshal(filter.Labels)
		args = append(args, labelsJSON)
		conditions = append(conditions, fmt.Sprintf("labels @> $%d", len(args)))
	}
	if filter.Disabled != nil {
		args = append(args, *filter.Disabled)
		conditions = append(conditions, fmt.Sprintf("disabled = $%d", len(args)))
	}

	orderColumn := "name"
	switch filter.SortBy {
	case SortByCreatedAt:
		orderColumn = "created_at"
	case SortByUpdatedAt:
		orderColumn = "updated_at"
	}
	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}

	query := "SELECT " + policyColumns + " FROM policies WHERE " +
		strings.Join(conditions, " AND ") +
		fmt.Sprintf(" ORDER BY %s %s", orderColumn, direction)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying policies: %v", types.ErrStore, err)
	}
	defer rows.Close()

	var out []*types.StoredPolicy
	for rows.Next() {
		stored, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning policy: %v", types.ErrStore, err)
		}
		out = append(out, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating policies: %v", types.ErrStore, err)
	}
	return out, nil
}

// globToLike converts a path.Match style glob to a SQL LIKE pattern
func globToLike(glob string) string {
	var sb strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			sb.WriteByte('%')
		case '?':
			sb.WriteByte('_')
		case '%', '_', '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM policies WHERE tenant_id = $1 AND id = $2 RETURNING name, kind, hash`,
		types.TenantID(ctx), id)

	var name, kind, hash string
	if err := row.Scan(&name, &kind, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: policy %q", types.ErrNotFound, id)
		}
		return fmt.Errorf("%w: deleting policy: %v", types.ErrStore, err)
	}

	s.hub.dispatch(types.PolicyChange{
		Type:         types.PolicyDeleted,
		PolicyID:     id,
		PolicyName:   name,
		PolicyKind:   types.PolicyKind(kind),
		PreviousHash: hash,
		Timestamp:    time.Now().UTC(),
	})
	return nil
}

// Disable implements Store
func (s *PostgresStore) Disable(ctx context.Context, id string) error {
	return s.setDisabled(ctx, id, true)
}

// Enable implements Store
func (s *PostgresStore) Enable(ctx context.Context, id string) error {
	return s.setDisabled(ctx, id, false)
}

func (s *PostgresStore) setDisabled(ctx context.Context, id string, disabled bool) error {
	// no event when the flag is already in the requested state
	row := s.db.QueryRowContext(ctx, `
		UPDATE policies SET disabled = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2 AND disabled <> $3
		RETURNING name, kind, hash`,
		types.TenantID(ctx), id, disabled, time.Now().UTC())

	var name, kind, hash string
	err := row.Scan(&name, &kind, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT TRUE FROM policies WHERE tenant_id = $1 AND id = $2`,
			types.TenantID(ctx), id).Scan(&exists)
		if errors.Is(checkErr, sql.ErrNoRows) {
			return fmt.Errorf("%w: policy %q", types.ErrNotFound, id)
		}
		if checkErr != nil {
			return fmt.Errorf("%w: checking policy: %v", types.ErrStore, checkErr)
		}
		return nil // idempotent no-op
	}
	if err != nil {
		return fmt.Errorf("%w: updating policy: %v", types.ErrStore, err)
	}

	changeType := types.PolicyDisabled
	if !disabled {
		changeType = types.PolicyEnabled
	}
	s.hub.dispatch(types.PolicyChange{
		Type:       changeType,
		PolicyID:   id,
		PolicyName: name,
		PolicyKind: types.PolicyKind(kind),
		NewHash:    hash,
		Timestamp:  time.Now().UTC(),
	})
	return nil
}

// GetPoliciesForResource implements Store
func (s *PostgresStore) GetPoliciesForResource(ctx context.Context, resourceKind string) ([]*types.StoredPolicy, error) {
	return s.queryEnabled(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE tenant_id = $1 AND kind = $2 AND resource_kind = $3 AND NOT disabled
		 ORDER BY name`,
		types.TenantID(ctx), string(types.KindResourcePolicy), resourceKind)
}

// GetDerivedRoles implements Store
func (s *PostgresStore) GetDerivedRoles(ctx context.Context) ([]*types.StoredPolicy, error) {
	return s.queryEnabled(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE tenant_id = $1 AND kind = $2 AND NOT disabled
		 ORDER BY name`,
		types.TenantID(ctx), string(types.KindDerivedRoles))
}

func (s *PostgresStore) queryEnabled(ctx context.Context, query string, args ...any) ([]*types.StoredPolicy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying policies: %v", types.ErrStore, err)
	}
	defer rows.Close()

	var out []*types.StoredPolicy
	for rows.Next() {
		stored, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning policy: %v", types.ErrStore, err)
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

// GetPrincipalPolicy implements Store
func (s *PostgresStore) GetPrincipalPolicy(ctx context.Context, principalID string) (*types.StoredPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE tenant_id = $1 AND kind = $2 AND principal_id = $3 AND NOT disabled
		 LIMIT 1`,
		types.TenantID(ctx), string(types.KindPrincipalPolicy), principalID)
	stored, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: principal policy for %q", types.ErrNotFound, principalID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading principal policy: %v", types.ErrStore, err)
	}
	return stored, nil
}

// BulkPut implements Store. The write is atomic: validation or storage
// failure of any document rolls the whole batch back.
func (s *PostgresStore) BulkPut(ctx context.Context, policies []*types.Policy) ([]*types.StoredPolicy, []*BulkItemError, error) {
	if err := s.checkCombinedGraph(ctx, policies); err != nil {
		return nil, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: starting transaction: %v", types.ErrStore, err)
	}

	now := time.Now().UTC()
	stored := make([]*types.StoredPolicy, 0, len(policies))
	changes := make([]types.PolicyChange, 0, len(policies))

	for i, p := range policies {
		if err := s.validator.ValidatePolicy(p); err != nil {
			tx.Rollback()
			return nil, nil, fmt.Errorf("policy %d (%s): %w", i, p.Name(), err)
		}
		sp, change, err := s.upsert(ctx, tx, p, nil, now)
		if err != nil {
			tx.Rollback()
			return nil, nil, fmt.Errorf("policy %d (%s): %w", i, p.Name(), err)
		}
		stored = append(stored, sp)
		changes = append(changes, change)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("%w: committing batch: %v", types.ErrStore, err)
	}
	for _, change := range changes {
		s.hub.dispatch(change)
	}
	return stored, nil, nil
}

// checkCombinedGraph validates the derived-role graph formed by the
// incoming batch plus every stored definition it does not replace.
func (s *PostgresStore) checkCombinedGraph(ctx context.Context, policies []*types.Policy) error {
	replaced := make(map[string]bool)
	var defs []*types.DerivedRoleDef
	for _, p := range policies {
		if p.DerivedRoles == nil {
			continue
		}
		replaced[p.StorageID()] = true
		defs = append(defs, p.DerivedRoles.Definitions...)
	}
	if len(defs) == 0 {
		return nil
	}

	existing, err := s.GetDerivedRoles(ctx)
	if err != nil {
		return err
	}
	for _, sp := range existing {
		if replaced[sp.ID] || sp.Policy.DerivedRoles == nil {
			continue
		}
		defs = append(defs, sp.Policy.DerivedRoles.Definitions...)
	}
	return ValidateDerivedRoleGraph(defs)
}

// Watch implements Store
func (s *PostgresStore) Watch(fn WatchFunc) (unwatch func()) {
	return s.hub.add(fn)
}

// Close implements Store
func (s *PostgresStore) Close() error {
	s.hub.close()
	return s.db.Close()
}
