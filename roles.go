package auth

import "strings"

// UserRole is the authorization level stored on a Profile Record
type UserRole = string

const (
	// RoleUser is a signed-in visitor (i.e. view)
	RoleUser UserRole = "user"
	// RoleEditor can manage site content (i.e. view, edit)
	RoleEditor UserRole = "editor"
	// RoleAdmin can manage content and settings (i.e. view, edit, create, delete)
	RoleAdmin UserRole = "admin"
)

// DefaultRole is assigned once, when a Profile Record is created. The
// reconciliation path never writes role afterwards.
const DefaultRole = RoleUser

var roleHierarchy = map[UserRole]int{
	RoleUser:   0,
	RoleEditor: 1,
	RoleAdmin:  2,
}

// IsValidRole checks if the role is one of the predefined roles
func IsValidRole(role UserRole) bool {
	_, ok := roleHierarchy[role]
	return ok
}

// IsAtLeast checks if role meets the minimum required level. Unknown roles
// never qualify.
func IsAtLeast(role, minRole UserRole) bool {
	currentLevel, exists := roleHierarchy[role]
	if !exists {
		return false
	}

	minLevel, exists := roleHierarchy[minRole]
	if !exists {
		return false
	}

	return currentLevel >= minLevel
}

// GetAllRoles returns all predefined roles in hierarchical order
func GetAllRoles() []UserRole {
	return []UserRole{
		RoleUser,
		RoleEditor,
		RoleAdmin,
	}
}

// ParseRole safely parses a string into a UserRole
func ParseRole(roleStr string) (UserRole, error) {
	role := UserRole(strings.ToLower(strings.TrimSpace(roleStr)))
	if !IsValidRole(role) {
		return "", WithMeta(ErrInvalidRole, nil, map[string]any{"role": roleStr})
	}
	return role, nil
}

// RequireRole checks the profile of a granted principal against a minimum
// role. A missing profile is treated as the default role.
func RequireRole(profile *ProfileRecord, minRole UserRole) error {
	role := DefaultRole
	if profile != nil && profile.Role != "" {
		role = profile.Role
	}

	if !IsAtLeast(role, minRole) {
		meta := map[string]any{"role": role, "required": minRole}
		if profile != nil {
			meta["uid"] = profile.UID
		}
		return WithMeta(ErrForbidden, nil, meta)
	}
	return nil
}
