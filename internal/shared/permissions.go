package shared

import "strings"

// Resource types served by the platform. The resolver treats the type as an
// opaque string; these constants exist for seeding and tests.
const (
	ResourceCustomer   = "customer"
	ResourceSupplier   = "supplier"
	ResourceInspection = "inspection"
	ResourceDocument   = "document"
	ResourceReport     = "report"
	ResourceUser       = "user"
	ResourceRole       = "role"
)

// RoleSuperadmin is the universal-bypass role name.
const RoleSuperadmin = "superadmin"

// PermissionName builds the canonical "<resource>:<action>" identifier.
func PermissionName(resource, action string) string {
	return strings.ToLower(strings.TrimSpace(resource)) + ":" + strings.ToLower(strings.TrimSpace(action))
}

// SplitPermissionName breaks a permission name into resource and action.
// A missing separator yields the whole name as resource and an empty action.
func SplitPermissionName(name string) (resource, action string) {
	parts := strings.SplitN(name, ":", 3)
	resource = parts[0]
	if len(parts) > 1 {
		action = parts[1]
	}
	return resource, action
}
