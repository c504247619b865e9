package grants

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentra-qms/sentra-authz/internal/platform/db"
	"github.com/sentra-qms/sentra-authz/internal/shared"
)

// Repository provides PostgreSQL backed persistence for user permission
// state. Every mutation bumps last_updated inside the same transaction so
// the cache generation marker can never lag the state it guards.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureState creates the default empty state row for a new user.
func (r *Repository) EnsureState(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_permission_state (user_id, role_id, last_updated)
VALUES ($1, NULL, NOW()) ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

// SetRole assigns (or clears) the user's role.
func (r *Repository) SetRole(ctx context.Context, userID int64, roleID *int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO user_permission_state (user_id, role_id, last_updated)
VALUES ($1, $2, NOW())
ON CONFLICT (user_id) DO UPDATE SET role_id = EXCLUDED.role_id, last_updated = NOW()`, userID, roleID)
		return err
	})
}

// AddCustomGrant stores a permanent grant or denial. A duplicate entry for
// the same permission and kind surfaces as ErrConflict.
func (r *Repository) AddCustomGrant(ctx context.Context, userID, permissionID int64, denial bool, grantedBy int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO user_custom_grants (user_id, permission_id, is_denial, granted_by, granted_at)
VALUES ($1, $2, $3, $4, NOW())`, userID, permissionID, denial, grantedBy); err != nil {
			return shared.MapPgError(err)
		}
		return touch(ctx, tx, userID)
	})
}

// RemoveCustomGrant deletes a permanent grant. It reports whether a row was
// removed.
func (r *Repository) RemoveCustomGrant(ctx context.Context, userID, permissionID int64, denial bool) (bool, error) {
	var removed bool
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM user_custom_grants
WHERE user_id = $1 AND permission_id = $2 AND is_denial = $3`, userID, permissionID, denial)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		if !removed {
			return nil
		}
		return touch(ctx, tx, userID)
	})
	return removed, err
}

// UpsertTemporaryGrant stores a time-bounded grant, replacing any existing
// entry for the same permission id.
func (r *Repository) UpsertTemporaryGrant(ctx context.Context, userID, permissionID int64, expiresAt time.Time, reason string, grantedBy int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO user_temporary_grants (user_id, permission_id, expires_at, reason, granted_by, granted_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (user_id, permission_id) DO UPDATE
SET expires_at = EXCLUDED.expires_at, reason = EXCLUDED.reason, granted_by = EXCLUDED.granted_by, granted_at = NOW()`,
			userID, permissionID, expiresAt, reason, grantedBy); err != nil {
			return err
		}
		return touch(ctx, tx, userID)
	})
}

// RemoveTemporaryGrant deletes a temporary grant, reporting whether a row
// was removed.
func (r *Repository) RemoveTemporaryGrant(ctx context.Context, userID, permissionID int64) (bool, error) {
	var removed bool
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM user_temporary_grants WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		if !removed {
			return nil
		}
		return touch(ctx, tx, userID)
	})
	return removed, err
}

// UpsertContextAssignment links a context to the user, reactivating a prior
// assignment if one exists.
func (r *Repository) UpsertContextAssignment(ctx context.Context, userID, contextID, assignedBy int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO user_context_assignments (user_id, context_id, is_active, assigned_by, assigned_at)
VALUES ($1, $2, TRUE, $3, NOW())
ON CONFLICT (user_id, context_id) DO UPDATE SET is_active = TRUE, assigned_by = EXCLUDED.assigned_by, assigned_at = NOW()`,
			userID, contextID, assignedBy); err != nil {
			return err
		}
		return touch(ctx, tx, userID)
	})
}

// RemoveContextAssignment unlinks a context, reporting whether a row was
// removed.
func (r *Repository) RemoveContextAssignment(ctx context.Context, userID, contextID int64) (bool, error) {
	var removed bool
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM user_context_assignments WHERE user_id = $1 AND context_id = $2`, userID, contextID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		if !removed {
			return nil
		}
		return touch(ctx, tx, userID)
	})
	return removed, err
}

// UpsertOverride stores the single override for (user, resourceType,
// resourceID), replacing any prior entry.
func (r *Repository) UpsertOverride(ctx context.Context, userID int64, o ResourceOverride, grantedIDs, deniedIDs []int64, assignedBy int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO user_resource_overrides (user_id, resource_type, resource_id, granted_ids, denied_ids, expires_at, assigned_by, assigned_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (user_id, resource_type, resource_id) DO UPDATE
SET granted_ids = EXCLUDED.granted_ids, denied_ids = EXCLUDED.denied_ids, expires_at = EXCLUDED.expires_at,
    assigned_by = EXCLUDED.assigned_by, assigned_at = NOW()`,
			userID, o.ResourceType, o.ResourceID, grantedIDs, deniedIDs, o.ExpiresAt, assignedBy); err != nil {
			return err
		}
		return touch(ctx, tx, userID)
	})
}

// RemoveOverride deletes the override for (user, resourceType, resourceID),
// reporting whether a row was removed.
func (r *Repository) RemoveOverride(ctx context.Context, userID int64, resourceType, resourceID string) (bool, error) {
	var removed bool
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM user_resource_overrides
WHERE user_id = $1 AND resource_type = $2 AND resource_id = $3`, userID, resourceType, resourceID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected() > 0
		if !removed {
			return nil
		}
		return touch(ctx, tx, userID)
	})
	return removed, err
}

// InsertPendingRoleAssignment queues an approval-gated role assignment.
func (r *Repository) InsertPendingRoleAssignment(ctx context.Context, userID, roleID, requestedBy int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO role_assignment_approvals (user_id, role_id, requested_by, requested_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (user_id, role_id) DO UPDATE SET requested_by = EXCLUDED.requested_by, requested_at = NOW()`,
		userID, roleID, requestedBy)
	return err
}

// CountActivePermissions reports how many of the given ids are active
// catalog entries. Callers use it to validate override sets in one round
// trip.
func (r *Repository) CountActivePermissions(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM permissions WHERE id = ANY($1) AND is_active`, ids).Scan(&count)
	return count, err
}

// HasGrant reports whether the permission is held as a permanent or
// temporary grant, regardless of expiry.
func (r *Repository) HasGrant(ctx context.Context, userID, permissionID int64) (permanent, temporary bool, err error) {
	err = r.pool.QueryRow(ctx, `SELECT
EXISTS (SELECT 1 FROM user_custom_grants WHERE user_id = $1 AND permission_id = $2 AND NOT is_denial),
EXISTS (SELECT 1 FROM user_temporary_grants WHERE user_id = $1 AND permission_id = $2)`,
		userID, permissionID).Scan(&permanent, &temporary)
	return permanent, temporary, err
}

// DeleteExpired removes temporary grants and resource overrides with a past
// expiry, returning the ids of users whose state changed. Purely a cleanup:
// read paths already ignore expired entries.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) ([]int64, error) {
	affected := map[int64]struct{}{}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `DELETE FROM user_temporary_grants WHERE expires_at <= $1 RETURNING user_id`, now)
		if err != nil {
			return err
		}
		if err := collectIDs(rows, affected); err != nil {
			return err
		}
		rows, err = tx.Query(ctx, `DELETE FROM user_resource_overrides WHERE expires_at IS NOT NULL AND expires_at <= $1 RETURNING user_id`, now)
		if err != nil {
			return err
		}
		if err := collectIDs(rows, affected); err != nil {
			return err
		}
		for userID := range affected {
			if err := touch(ctx, tx, userID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	return ids, nil
}

// EffectiveState loads the full read-side join for one user. Expired
// temporary grants and overrides are returned as-is; the resolver filters
// them against its own clock.
func (r *Repository) EffectiveState(ctx context.Context, userID int64) (EffectiveState, error) {
	state := EffectiveState{UserID: userID}

	err := r.pool.QueryRow(ctx, `SELECT role_id, last_updated FROM user_permission_state WHERE user_id = $1`,
		userID).Scan(&state.RoleID, &state.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state, nil
		}
		return EffectiveState{}, err
	}

	if state.RoleID != nil {
		err := r.pool.QueryRow(ctx, `SELECT name FROM roles WHERE id = $1 AND is_active`, *state.RoleID).Scan(&state.RoleName)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return EffectiveState{}, err
		}
		if state.RoleName != "" {
			state.RolePermissions, err = r.permissionNamesForRole(ctx, *state.RoleID)
			if err != nil {
				return EffectiveState{}, err
			}
		}
	}

	if err := r.loadCustomGrants(ctx, userID, &state); err != nil {
		return EffectiveState{}, err
	}
	if err := r.loadTemporaryGrants(ctx, userID, &state); err != nil {
		return EffectiveState{}, err
	}
	if err := r.loadContexts(ctx, userID, &state); err != nil {
		return EffectiveState{}, err
	}
	if err := r.loadOverrides(ctx, userID, &state); err != nil {
		return EffectiveState{}, err
	}
	return state, nil
}

func (r *Repository) permissionNamesForRole(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.name FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = $1 AND p.is_active ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (r *Repository) loadCustomGrants(ctx context.Context, userID int64, state *EffectiveState) error {
	rows, err := r.pool.Query(ctx, `SELECT p.name, g.is_denial FROM user_custom_grants g
JOIN permissions p ON p.id = g.permission_id
WHERE g.user_id = $1 AND p.is_active ORDER BY p.name`, userID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var denial bool
		if err := rows.Scan(&name, &denial); err != nil {
			return err
		}
		if denial {
			state.CustomDenied = append(state.CustomDenied, name)
		} else {
			state.CustomGranted = append(state.CustomGranted, name)
		}
	}
	return rows.Err()
}

func (r *Repository) loadTemporaryGrants(ctx context.Context, userID int64, state *EffectiveState) error {
	rows, err := r.pool.Query(ctx, `SELECT g.permission_id, p.name, g.expires_at, g.reason, g.granted_by, g.granted_at
FROM user_temporary_grants g
JOIN permissions p ON p.id = g.permission_id
WHERE g.user_id = $1 AND p.is_active ORDER BY p.name`, userID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var g TemporaryGrant
		if err := rows.Scan(&g.PermissionID, &g.Permission, &g.ExpiresAt, &g.Reason, &g.GrantedBy, &g.GrantedAt); err != nil {
			return err
		}
		state.TemporaryGrants = append(state.TemporaryGrants, g)
	}
	return rows.Err()
}

func (r *Repository) loadContexts(ctx context.Context, userID int64, state *EffectiveState) error {
	rows, err := r.pool.Query(ctx, `SELECT c.id, c.name, c.resource_type, c.condition, c.permission_ids
FROM user_context_assignments a
JOIN permission_contexts c ON c.id = a.context_id
WHERE a.user_id = $1 AND a.is_active AND c.is_active ORDER BY c.name`, userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var pending []struct {
		view ContextView
		ids  []int64
	}
	var allIDs []int64
	for rows.Next() {
		var view ContextView
		var condJSON []byte
		var ids []int64
		if err := rows.Scan(&view.ContextID, &view.Name, &view.ResourceType, &condJSON, &ids); err != nil {
			return err
		}
		if len(condJSON) > 0 {
			if err := json.Unmarshal(condJSON, &view.Condition); err != nil {
				return err
			}
		}
		pending = append(pending, struct {
			view ContextView
			ids  []int64
		}{view, ids})
		allIDs = append(allIDs, ids...)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	names, err := r.activePermissionNames(ctx, allIDs)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		view := entry.view
		for _, id := range entry.ids {
			if name, ok := names[id]; ok {
				view.Permissions = append(view.Permissions, name)
			}
		}
		state.Contexts = append(state.Contexts, view)
	}
	return nil
}

func (r *Repository) loadOverrides(ctx context.Context, userID int64, state *EffectiveState) error {
	rows, err := r.pool.Query(ctx, `SELECT resource_type, resource_id, granted_ids, denied_ids, expires_at, assigned_by, assigned_at
FROM user_resource_overrides WHERE user_id = $1 ORDER BY resource_type, resource_id`, userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var pending []struct {
		override ResourceOverride
		granted  []int64
		denied   []int64
	}
	var allIDs []int64
	for rows.Next() {
		var o ResourceOverride
		var granted, denied []int64
		if err := rows.Scan(&o.ResourceType, &o.ResourceID, &granted, &denied, &o.ExpiresAt, &o.AssignedBy, &o.AssignedAt); err != nil {
			return err
		}
		pending = append(pending, struct {
			override ResourceOverride
			granted  []int64
			denied   []int64
		}{o, granted, denied})
		allIDs = append(allIDs, granted...)
		allIDs = append(allIDs, denied...)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	names, err := r.activePermissionNames(ctx, allIDs)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		o := entry.override
		for _, id := range entry.granted {
			if name, ok := names[id]; ok {
				o.Granted = append(o.Granted, name)
			}
		}
		for _, id := range entry.denied {
			if name, ok := names[id]; ok {
				o.Denied = append(o.Denied, name)
			}
		}
		state.Overrides = append(state.Overrides, o)
	}
	return nil
}

func (r *Repository) activePermissionNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM permissions WHERE id = ANY($1) AND is_active`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

func touch(ctx context.Context, tx pgx.Tx, userID int64) error {
	_, err := tx.Exec(ctx, `INSERT INTO user_permission_state (user_id, role_id, last_updated)
VALUES ($1, NULL, NOW())
ON CONFLICT (user_id) DO UPDATE SET last_updated = NOW()`, userID)
	return err
}

func collectIDs(rows pgx.Rows, into map[int64]struct{}) error {
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		into[id] = struct{}{}
	}
	return rows.Err()
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
