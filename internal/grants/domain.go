package grants

import (
	"time"

	"github.com/sentra-qms/sentra-authz/internal/contexts"
)

// TemporaryGrant is a time-bounded permission grant. Re-granting the same
// permission replaces the previous entry (last write wins per permission id).
type TemporaryGrant struct {
	PermissionID int64
	Permission   string
	ExpiresAt    time.Time
	GrantedBy    int64
	GrantedAt    time.Time
	Reason       string
}

// Expired reports whether the grant is inert at the given instant. Read
// paths filter lazily; the background sweep is only a cleanup.
func (g TemporaryGrant) Expired(now time.Time) bool {
	return !g.ExpiresAt.After(now)
}

// ContextAssignment links a user to a permission context.
type ContextAssignment struct {
	ContextID  int64
	IsActive   bool
	AssignedAt time.Time
	AssignedBy int64
}

// ResourceOverride pins permissions for one concrete resource instance. At
// most one override exists per (user, resourceType, resourceID);
// re-assignment replaces the prior entry.
type ResourceOverride struct {
	ResourceType string
	ResourceID   string
	Granted      []string
	Denied       []string
	ExpiresAt    *time.Time
	AssignedAt   time.Time
	AssignedBy   int64
}

// Active reports whether the override still applies at the given instant.
func (o ResourceOverride) Active(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// ContextView is a user's assigned context joined with its definition,
// permissions already resolved to names.
type ContextView struct {
	ContextID    int64
	Name         string
	ResourceType string
	Condition    contexts.Condition
	Permissions  []string
}

// EffectiveState is the read-side join the resolver consumes: every
// permission source for one user, resolved to active permission names in a
// single load. LastUpdated is the cache-generation marker bumped by every
// mutation.
type EffectiveState struct {
	UserID          int64
	RoleID          *int64
	RoleName        string
	RolePermissions []string
	CustomGranted   []string
	CustomDenied    []string
	TemporaryGrants []TemporaryGrant
	Contexts        []ContextView
	Overrides       []ResourceOverride
	LastUpdated     time.Time
}

// OverrideFor returns the override targeting the given instance, if any.
func (s EffectiveState) OverrideFor(resourceType, resourceID string) (ResourceOverride, bool) {
	for _, o := range s.Overrides {
		if o.ResourceType == resourceType && o.ResourceID == resourceID {
			return o, true
		}
	}
	return ResourceOverride{}, false
}

// AssignStatus reports the outcome of a role assignment request.
type AssignStatus string

const (
	// AssignApplied means the role was set and caches were invalidated.
	AssignApplied AssignStatus = "applied"
	// AssignPending means the role requires approval and the request was
	// queued instead of applied.
	AssignPending AssignStatus = "pending_approval"
)
