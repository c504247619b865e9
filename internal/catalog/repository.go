package catalog

import (
	"context"
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

// Insert stores a new permission. Duplicate names surface as ErrConflict.
func (r *Repository) Insert(ctx context.Context, p Permission) (Permission, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO permissions (name, resource, actions, category, requires_mfa, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NOW())
RETURNING id, is_active, created_at, updated_at`,
		p.Name, p.Resource, p.Actions, p.Category, p.RequiresMFA,
	).Scan(&p.ID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Permission{}, shared.MapPgError(err)
	}
	return p, nil
}

// Get fetches a permission by id.
func (r *Repository) Get(ctx context.Context, id int64) (Permission, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT id, name, resource, actions, category, requires_mfa, is_active, created_at, updated_at
FROM permissions WHERE id = $1`, id))
}

// GetByName fetches a permission by its unique name.
func (r *Repository) GetByName(ctx context.Context, name string) (Permission, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT id, name, resource, actions, category, requires_mfa, is_active, created_at, updated_at
FROM permissions WHERE name = $1`, name))
}

// List returns permissions, optionally restricted to active ones or a category.
func (r *Repository) List(ctx context.Context, onlyActive bool, category string) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, resource, actions, category, requires_mfa, is_active, created_at, updated_at
FROM permissions
WHERE ($1 = FALSE OR is_active)
  AND ($2 = '' OR category = $2)
ORDER BY name`, onlyActive, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Actions, &p.Category, &p.RequiresMFA, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// Deactivate soft-deletes a permission. Historical grant rows keep referencing it.
func (r *Repository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE permissions SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFoundf("permission %d", id)
	}
	return nil
}

// Categories summarises the catalog by category.
func (r *Repository) Categories(ctx context.Context) ([]Category, error) {
	rows, err := r.pool.Query(ctx, `SELECT category, COUNT(*) FROM permissions WHERE is_active GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cats []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cats, nil
}

func (r *Repository) scanOne(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Name, &p.Resource, &p.Actions, &p.Category, &p.RequiresMFA, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, shared.NotFoundf("permission")
		}
		return Permission{}, err
	}
	return p, nil
}
