package roles

import "time"

// Role represents a named, prioritized bundle of permissions assignable to
// users. Priority is a tie-break signal for callers only; resolution never
// reads it. System roles are seeded and immutable.
type Role struct {
	ID               int64
	Name             string
	DisplayName      string
	Priority         int
	IsActive         bool
	IsSystem         bool
	RequiresMFA      bool
	RequiresApproval bool
	MaxUsers         int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Unlimited indicates the role has no holder cap.
func (r Role) Unlimited() bool {
	return r.MaxUsers <= 0
}
