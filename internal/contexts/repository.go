package contexts

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentra-qms/sentra-authz/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a new permission context. The condition is stored as JSONB.
func (r *Repository) Insert(ctx context.Context, pc PermissionContext) (PermissionContext, error) {
	condJSON, err := json.Marshal(pc.Condition)
	if err != nil {
		return PermissionContext{}, err
	}
	err = r.pool.QueryRow(ctx, `INSERT INTO permission_contexts (name, resource_type, condition, permission_ids, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, TRUE, NOW(), NOW())
RETURNING id, is_active, created_at, updated_at`,
		pc.Name, pc.ResourceType, condJSON, pc.PermissionIDs,
	).Scan(&pc.ID, &pc.IsActive, &pc.CreatedAt, &pc.UpdatedAt)
	if err != nil {
		return PermissionContext{}, shared.MapPgError(err)
	}
	return pc, nil
}

// Get fetches a context by id.
func (r *Repository) Get(ctx context.Context, id int64) (PermissionContext, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, name, resource_type, condition, permission_ids, is_active, created_at, updated_at
FROM permission_contexts WHERE id = $1`, id)
	pc, err := scanContext(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PermissionContext{}, shared.NotFoundf("context %d", id)
		}
		return PermissionContext{}, err
	}
	return pc, nil
}

// List returns all contexts, optionally only active ones.
func (r *Repository) List(ctx context.Context, onlyActive bool) ([]PermissionContext, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, resource_type, condition, permission_ids, is_active, created_at, updated_at
FROM permission_contexts
WHERE ($1 = FALSE OR is_active)
ORDER BY name`, onlyActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var contexts []PermissionContext
	for rows.Next() {
		pc, err := scanContext(rows)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, pc)
	}
	return contexts, rows.Err()
}

// Deactivate soft-deletes a context.
func (r *Repository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE permission_contexts SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFoundf("context %d", id)
	}
	return nil
}

func scanContext(row pgx.Row) (PermissionContext, error) {
	var pc PermissionContext
	var condJSON []byte
	err := row.Scan(&pc.ID, &pc.Name, &pc.ResourceType, &condJSON, &pc.PermissionIDs, &pc.IsActive, &pc.CreatedAt, &pc.UpdatedAt)
	if err != nil {
		return PermissionContext{}, err
	}
	if len(condJSON) > 0 {
		if err := json.Unmarshal(condJSON, &pc.Condition); err != nil {
			return PermissionContext{}, err
		}
	}
	return pc, nil
}
