package identity

import "time"

// User is the read model the engine needs from the identity store: activity
// flag, assigned role, MFA enrolment, and the free-form attributes that
// contextual conditions can reference through "user.<field>".
type User struct {
	ID         int64
	Email      string
	IsActive   bool
	MFAEnabled bool
	RoleID     *int64
	Attributes map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FieldMap flattens the user for the context evaluator. Attributes never
// shadow the fixed fields.
func (u User) FieldMap() map[string]any {
	fields := make(map[string]any, len(u.Attributes)+3)
	for k, v := range u.Attributes {
		fields[k] = v
	}
	fields["id"] = u.ID
	fields["email"] = u.Email
	if u.RoleID != nil {
		fields["roleId"] = *u.RoleID
	}
	return fields
}
