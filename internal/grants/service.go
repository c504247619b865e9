package grants

import (
	"context"
	"fmt"
	"time"

	"github.com/sentra-qms/sentra-authz/internal/catalog"
	"github.com/sentra-qms/sentra-authz/internal/contexts"
	"github.com/sentra-qms/sentra-authz/internal/identity"
	"github.com/sentra-qms/sentra-authz/internal/roles"
	"github.com/sentra-qms/sentra-authz/internal/shared"
)

// RepositoryPort is the persistence surface the service depends on.
type RepositoryPort interface {
	EnsureState(ctx context.Context, userID int64) error
	SetRole(ctx context.Context, userID int64, roleID *int64) error
	AddCustomGrant(ctx context.Context, userID, permissionID int64, denial bool, grantedBy int64) error
	RemoveCustomGrant(ctx context.Context, userID, permissionID int64, denial bool) (bool, error)
	UpsertTemporaryGrant(ctx context.Context, userID, permissionID int64, expiresAt time.Time, reason string, grantedBy int64) error
	RemoveTemporaryGrant(ctx context.Context, userID, permissionID int64) (bool, error)
	UpsertContextAssignment(ctx context.Context, userID, contextID, assignedBy int64) error
	RemoveContextAssignment(ctx context.Context, userID, contextID int64) (bool, error)
	UpsertOverride(ctx context.Context, userID int64, o ResourceOverride, grantedIDs, deniedIDs []int64, assignedBy int64) error
	RemoveOverride(ctx context.Context, userID int64, resourceType, resourceID string) (bool, error)
	InsertPendingRoleAssignment(ctx context.Context, userID, roleID, requestedBy int64) error
	CountActivePermissions(ctx context.Context, ids []int64) (int, error)
	HasGrant(ctx context.Context, userID, permissionID int64) (permanent, temporary bool, err error)
	EffectiveState(ctx context.Context, userID int64) (EffectiveState, error)
}

// RoleSource resolves roles and their holder counts.
type RoleSource interface {
	GetRole(ctx context.Context, id int64) (roles.Role, error)
	CountHolders(ctx context.Context, roleID int64) (int, error)
}

// PermissionSource resolves catalog entries.
type PermissionSource interface {
	Get(ctx context.Context, id int64) (catalog.Permission, error)
}

// ContextSource resolves context definitions.
type ContextSource interface {
	Get(ctx context.Context, id int64) (contexts.PermissionContext, error)
}

// UserSource resolves users.
type UserSource interface {
	GetUser(ctx context.Context, id int64) (identity.User, error)
}

// Invalidator drops the user's cached decisions. Invalidation runs before
// the mutation returns; a failed invalidation fails the mutation so callers
// never observe success with a stale cache.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID int64) error
}

// Service applies permission mutations with their policy checks.
type Service struct {
	repo        RepositoryPort
	roleSrc     RoleSource
	permSrc     PermissionSource
	ctxSrc      ContextSource
	userSrc     UserSource
	invalidator Invalidator
	audit       *shared.AuditRecorder
}

// NewService constructs the service.
func NewService(repo RepositoryPort, roleSrc RoleSource, permSrc PermissionSource, ctxSrc ContextSource, userSrc UserSource, invalidator Invalidator, audit *shared.AuditRecorder) *Service {
	return &Service{
		repo:        repo,
		roleSrc:     roleSrc,
		permSrc:     permSrc,
		ctxSrc:      ctxSrc,
		userSrc:     userSrc,
		invalidator: invalidator,
		audit:       audit,
	}
}

// GrantOptions shapes a permission grant. A nil ExpiresAt means a permanent
// custom grant; a set ExpiresAt makes the grant temporary.
type GrantOptions struct {
	ExpiresAt *time.Time
	Reason    string
}

// AssignRole sets the user's role, or queues the request when the role is
// approval-gated, in which case nothing is applied yet.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) (AssignStatus, error) {
	user, err := s.userSrc.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if !user.IsActive {
		return "", shared.Inactivef("user %d is inactive", userID)
	}
	role, err := s.roleSrc.GetRole(ctx, roleID)
	if err != nil {
		return "", err
	}
	if !role.IsActive {
		return "", shared.Inactivef("role %q is inactive", role.Name)
	}
	if role.RequiresMFA && !user.MFAEnabled {
		return "", shared.PolicyViolationf("role %q requires MFA and user %d has none", role.Name, userID)
	}
	if !role.Unlimited() {
		holders, err := s.roleSrc.CountHolders(ctx, roleID)
		if err != nil {
			return "", err
		}
		if holders >= role.MaxUsers {
			return "", shared.PolicyViolationf("role %q is at its holder cap of %d", role.Name, role.MaxUsers)
		}
	}
	actor := shared.ActorFromContext(ctx)
	if role.RequiresApproval {
		if err := s.repo.InsertPendingRoleAssignment(ctx, userID, roleID, actor.ID); err != nil {
			return "", err
		}
		s.recordAudit(ctx, "role.assign.pending", userID, map[string]any{"role": role.Name})
		return AssignPending, nil
	}
	if err := s.repo.SetRole(ctx, userID, &roleID); err != nil {
		return "", err
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return "", err
	}
	s.recordAudit(ctx, "role.assign", userID, map[string]any{"role": role.Name})
	return AssignApplied, nil
}

// GrantPermission adds a permanent or temporary grant for the user.
func (s *Service) GrantPermission(ctx context.Context, userID, permissionID int64, opts GrantOptions) error {
	perm, err := s.permSrc.Get(ctx, permissionID)
	if err != nil {
		return err
	}
	if !perm.IsActive {
		return shared.Inactivef("permission %q is inactive", perm.Name)
	}
	user, err := s.userSrc.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if perm.RequiresMFA && !user.MFAEnabled {
		return shared.PolicyViolationf("permission %q requires MFA and user %d has none", perm.Name, userID)
	}
	actor := shared.ActorFromContext(ctx)
	if opts.ExpiresAt != nil {
		if err := s.repo.UpsertTemporaryGrant(ctx, userID, permissionID, *opts.ExpiresAt, opts.Reason, actor.ID); err != nil {
			return err
		}
	} else {
		if err := s.repo.AddCustomGrant(ctx, userID, permissionID, false, actor.ID); err != nil {
			return err
		}
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, "permission.grant", userID, map[string]any{
		"permission": perm.Name,
		"temporary":  opts.ExpiresAt != nil,
	})
	return nil
}

// DenyPermission records a permanent denial for the user.
func (s *Service) DenyPermission(ctx context.Context, userID, permissionID int64) error {
	perm, err := s.permSrc.Get(ctx, permissionID)
	if err != nil {
		return err
	}
	if _, err := s.userSrc.GetUser(ctx, userID); err != nil {
		return err
	}
	actor := shared.ActorFromContext(ctx)
	if err := s.repo.AddCustomGrant(ctx, userID, permissionID, true, actor.ID); err != nil {
		return err
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, "permission.deny", userID, map[string]any{"permission": perm.Name})
	return nil
}

// RevokePermission removes the user's permanent and temporary grants for
// the permission. Revoking a permission the user does not hold is
// ErrNotFound.
func (s *Service) RevokePermission(ctx context.Context, userID, permissionID int64) error {
	permanent, err := s.repo.RemoveCustomGrant(ctx, userID, permissionID, false)
	if err != nil {
		return err
	}
	temporary, err := s.repo.RemoveTemporaryGrant(ctx, userID, permissionID)
	if err != nil {
		return err
	}
	if !permanent && !temporary {
		return shared.NotFoundf("user %d holds no grant for permission %d", userID, permissionID)
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, "permission.revoke", userID, map[string]any{"permission_id": permissionID})
	return nil
}

// RemoveDenial lifts a permanent denial.
func (s *Service) RemoveDenial(ctx context.Context, userID, permissionID int64) error {
	removed, err := s.repo.RemoveCustomGrant(ctx, userID, permissionID, true)
	if err != nil {
		return err
	}
	if !removed {
		return shared.NotFoundf("user %d has no denial of permission %d", userID, permissionID)
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, "permission.denial.remove", userID, map[string]any{"permission_id": permissionID})
	return nil
}

// AssignContext links an active context to the user.
func (s *Service) AssignContext(ctx context.Context, userID, contextID int64) error {
	def, err := s.ctxSrc.Get(ctx, contextID)
	if err != nil {
		return err
	}
	if !def.IsActive {
		return shared.Inactivef("context %q is inactive", def.Name)
	}
	if _, err := s.userSrc.GetUser(ctx, userID); err != nil {
		return err
	}
	actor := shared.ActorFromContext(ctx)
	if err := s.repo.UpsertContextAssignment(ctx, userID, contextID, actor.ID); err != nil {
		return err
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, "context.assign", userID, map[string]any{"context": def.Name})
	return nil
}

// RemoveContext unlinks a context from the user.
func (s *Service) RemoveContext(ctx context.Context, userID, contextID int64) error {
	removed, err := s.repo.RemoveContextAssignment(ctx, userID, contextID)
	if err != nil {
		return err
	}
	if !removed {
		return shared.NotFoundf("user %d has no assignment for context %d", userID, contextID)
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, "context.remove", userID, map[string]any{"context_id": contextID})
	return nil
}

// SetResourceOverride pins the user's permissions for one resource
// instance, replacing any prior override for the same instance.
func (s *Service) SetResourceOverride(ctx context.Context, userID int64, resourceType, resourceID string, grantedIDs, deniedIDs []int64, expiresAt *time.Time) error {
	if _, err := s.userSrc.GetUser(ctx, userID); err != nil {
		return err
	}
	ids := append(append([]int64{}, grantedIDs...), deniedIDs...)
	active, err := s.repo.CountActivePermissions(ctx, dedupe(ids))
	if err != nil {
		return err
	}
	if active != len(dedupe(ids)) {
		return shared.NotFoundf("override references unknown or inactive permissions")
	}
	o := ResourceOverride{ResourceType: resourceType, ResourceID: resourceID, ExpiresAt: expiresAt}
	actor := shared.ActorFromContext(ctx)
	if err := s.repo.UpsertOverride(ctx, userID, o, grantedIDs, deniedIDs, actor.ID); err != nil {
		return err
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, "override.set", userID, map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"granted":       len(grantedIDs),
		"denied":        len(deniedIDs),
	})
	return nil
}

// RemoveResourceOverride deletes the override for one resource instance.
func (s *Service) RemoveResourceOverride(ctx context.Context, userID int64, resourceType, resourceID string) error {
	removed, err := s.repo.RemoveOverride(ctx, userID, resourceType, resourceID)
	if err != nil {
		return err
	}
	if !removed {
		return shared.NotFoundf("user %d has no override for %s/%s", userID, resourceType, resourceID)
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, "override.remove", userID, map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
	})
	return nil
}

// State exposes the full effective state for admin inspection.
func (s *Service) State(ctx context.Context, userID int64) (EffectiveState, error) {
	if _, err := s.userSrc.GetUser(ctx, userID); err != nil {
		return EffectiveState{}, err
	}
	return s.repo.EffectiveState(ctx, userID)
}

func (s *Service) invalidate(ctx context.Context, userID int64) error {
	if err := s.invalidator.InvalidateUser(ctx, userID); err != nil {
		return fmt.Errorf("grants: invalidate user %d: %w", userID, err)
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, userID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(shared.AuditEvent{
		ActorID:  shared.ActorFromContext(ctx).ID,
		Action:   action,
		Entity:   "user",
		EntityID: fmt.Sprintf("%d", userID),
		Meta:     meta,
	})
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
