package roles

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentra-qms/sentra-authz/internal/shared"
)

const roleColumns = `id, name, display_name, priority, is_active, is_system, requires_mfa, requires_approval, max_users, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListRoles returns all roles ordered by priority then name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY priority DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// GetRole fetches a role by id.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.NotFoundf("role %d", id)
		}
		return Role{}, err
	}
	return role, nil
}

// GetRoleByName fetches a role by its unique name.
func (r *Repository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.NotFoundf("role %s", name)
		}
		return Role{}, err
	}
	return role, nil
}

// InsertRole stores a new role. Duplicate names surface as ErrConflict.
func (r *Repository) InsertRole(ctx context.Context, role Role) (Role, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO roles (name, display_name, priority, is_active, is_system, requires_mfa, requires_approval, max_users, created_at, updated_at)
VALUES ($1, $2, $3, TRUE, FALSE, $4, $5, $6, NOW(), NOW())
RETURNING id, is_active, is_system, created_at, updated_at`,
		role.Name, role.DisplayName, role.Priority, role.RequiresMFA, role.RequiresApproval, role.MaxUsers,
	).Scan(&role.ID, &role.IsActive, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, shared.MapPgError(err)
	}
	return role, nil
}

// UpdateRole persists mutable role fields.
func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	err := r.pool.QueryRow(ctx, `UPDATE roles
SET display_name = $2, priority = $3, is_active = $4, requires_mfa = $5, requires_approval = $6, max_users = $7, updated_at = NOW()
WHERE id = $1
RETURNING updated_at`,
		role.ID, role.DisplayName, role.Priority, role.IsActive, role.RequiresMFA, role.RequiresApproval, role.MaxUsers,
	).Scan(&role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.NotFoundf("role %d", role.ID)
		}
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role by id.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFoundf("role %d", id)
	}
	return nil
}

// ListPermissionIDs returns the role's permission set.
func (r *Repository) ListPermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPermissionNames returns names of the role's active permissions.
func (r *Repository) ListPermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.name
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = $1 AND p.is_active
ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AttachPermission links a permission to a role.
func (r *Repository) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id, created_at)
VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`, roleID, permissionID)
	return err
}

// DetachPermission unlinks a permission from a role.
func (r *Repository) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	return err
}

// CountHolders counts users currently assigned the role.
func (r *Repository) CountHolders(ctx context.Context, roleID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_permission_state WHERE role_id = $1`, roleID).Scan(&count)
	return count, err
}

// ListHolderIDs returns every user currently assigned the role. Role-set
// mutations use it to invalidate all holders' cached decisions.
func (r *Repository) ListHolderIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM user_permission_state WHERE role_id = $1 ORDER BY user_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Priority, &role.IsActive, &role.IsSystem,
		&role.RequiresMFA, &role.RequiresApproval, &role.MaxUsers, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}
