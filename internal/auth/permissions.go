package auth

import "slices"

// Permission is a named capability.
type Permission string

const (
	PermRead     Permission = "registry:read"
	PermCommand  Permission = "device:command"
	PermRegister Permission = "registry:write"
	PermAudit    Permission = "audit:read"
)

// rolePermissions is the whole authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleReader:   {PermRead},
	RoleOperator: {PermRead, PermCommand},
	RoleAdmin:    {PermRead, PermCommand, PermRegister, PermAudit},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns a copy of the permissions granted to role,
// or nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
