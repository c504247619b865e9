package identity

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

// GetUser fetches a user by id.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	var user User
	var attrJSON []byte
	err := r.pool.QueryRow(ctx, `SELECT u.id, u.email, u.is_active, u.mfa_enabled, s.role_id, u.attributes, u.created_at, u.updated_at
FROM users u
LEFT JOIN user_permission_state s ON s.user_id = u.id
WHERE u.id = $1`, id).Scan(&user.ID, &user.Email, &user.IsActive, &user.MFAEnabled, &user.RoleID, &attrJSON, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, shared.NotFoundf("user %d", id)
		}
		return User{}, err
	}
	if len(attrJSON) > 0 {
		if err := json.Unmarshal(attrJSON, &user.Attributes); err != nil {
			return User{}, err
		}
	}
	return user, nil
}

// ListUsers returns all users ordered by id.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT u.id, u.email, u.is_active, u.mfa_enabled, s.role_id, u.attributes, u.created_at, u.updated_at
FROM users u
LEFT JOIN user_permission_state s ON s.user_id = u.id
ORDER BY u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var user User
		var attrJSON []byte
		if err := rows.Scan(&user.ID, &user.Email, &user.IsActive, &user.MFAEnabled, &user.RoleID, &attrJSON, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		if len(attrJSON) > 0 {
			if err := json.Unmarshal(attrJSON, &user.Attributes); err != nil {
				return nil, err
			}
		}
		users = append(users, user)
	}
	return users, rows.Err()
}
