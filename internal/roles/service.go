package roles

import (
	"context"
	"fmt"
	"strings"

	"github.com/sentra-qms/sentra-authz/internal/shared"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	InsertRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	ListPermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	ListPermissionNames(ctx context.Context, roleID int64) ([]string, error)
	AttachPermission(ctx context.Context, roleID, permissionID int64) error
	DetachPermission(ctx context.Context, roleID, permissionID int64) error
	CountHolders(ctx context.Context, roleID int64) (int, error)
	ListHolderIDs(ctx context.Context, roleID int64) ([]int64, error)
}

// Invalidator drops cached decisions for every holder of a role. Invalidation
// failures abort the mutation: stale authorization state is worse than a
// failed admin call.
type Invalidator interface {
	InvalidateUsers(ctx context.Context, userIDs []int64) error
}

// Service orchestrates role store operations.
type Service struct {
	repo        RepositoryPort
	invalidator Invalidator
	audit       *shared.AuditRecorder
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, invalidator Invalidator, audit *shared.AuditRecorder) *Service {
	return &Service{repo: repo, invalidator: invalidator, audit: audit}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by id.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// GetRoleByName fetches a role by name.
func (s *Service) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return s.repo.GetRoleByName(ctx, strings.ToLower(strings.TrimSpace(name)))
}

// CreateInput describes a new role.
type CreateInput struct {
	Name             string
	DisplayName      string
	Priority         int
	RequiresMFA      bool
	RequiresApproval bool
	MaxUsers         int
}

// CreateRole inserts a new non-system role.
func (s *Service) CreateRole(ctx context.Context, input CreateInput) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(input.Name))
	if name == "" {
		return Role{}, fmt.Errorf("roles: name required: %w", shared.ErrPolicyViolation)
	}
	role, err := s.repo.InsertRole(ctx, Role{
		Name:             name,
		DisplayName:      strings.TrimSpace(input.DisplayName),
		Priority:         input.Priority,
		RequiresMFA:      input.RequiresMFA,
		RequiresApproval: input.RequiresApproval,
		MaxUsers:         input.MaxUsers,
	})
	if err != nil {
		return Role{}, err
	}
	s.recordAudit(ctx, "role.create", role.ID, map[string]any{"name": role.Name})
	return role, nil
}

// DeleteRole removes a role. System roles cannot be deleted.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return shared.PolicyViolationf("roles: %s is a system role", role.Name)
	}
	holders, err := s.repo.ListHolderIDs(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	if err := s.invalidator.InvalidateUsers(ctx, holders); err != nil {
		return fmt.Errorf("roles: invalidate holders of role %d: %w", id, err)
	}
	s.recordAudit(ctx, "role.delete", id, map[string]any{"name": role.Name, "holders": len(holders)})
	return nil
}

// ListRolePermissions returns the names of the role's active permissions.
func (s *Service) ListRolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.ListPermissionNames(ctx, roleID)
}

// UpdateRolePermissions replaces the role's permission set by diffing against
// the stored assignments, then invalidates every current holder.
func (s *Service) UpdateRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return shared.PolicyViolationf("roles: %s is a system role", role.Name)
	}

	current, err := s.repo.ListPermissionIDs(ctx, roleID)
	if err != nil {
		return err
	}
	existing := make(map[int64]struct{}, len(current))
	for _, id := range current {
		existing[id] = struct{}{}
	}
	keep := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		keep[id] = struct{}{}
		if _, ok := existing[id]; !ok {
			if err := s.repo.AttachPermission(ctx, roleID, id); err != nil {
				return err
			}
		}
	}
	for id := range existing {
		if _, ok := keep[id]; !ok {
			if err := s.repo.DetachPermission(ctx, roleID, id); err != nil {
				return err
			}
		}
	}

	holders, err := s.repo.ListHolderIDs(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.invalidator.InvalidateUsers(ctx, holders); err != nil {
		return fmt.Errorf("roles: invalidate holders of role %d: %w", roleID, err)
	}
	s.recordAudit(ctx, "role.permissions.update", roleID, map[string]any{
		"name":        role.Name,
		"permissions": len(permissionIDs),
		"holders":     len(holders),
	})
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, roleID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(shared.AuditEvent{
		ActorID:  shared.ActorFromContext(ctx).ID,
		Action:   action,
		Entity:   "role",
		EntityID: fmt.Sprintf("%d", roleID),
		Meta:     meta,
	})
}
