package session

import (
	"cmp"
	"slices"
)

// HasPermission reports whether the session holds code. Admin roles hold
// every permission.
func (m *Manager) HasPermission(code string) bool {
	perms, roles := m.state.grants()
	return m.isAdmin(roles) || slices.Contains(perms, code)
}

// HasAnyPermission reports whether the session holds at least one of
// codes. It is false for an empty list.
func (m *Manager) HasAnyPermission(codes ...string) bool {
	perms, roles := m.state.grants()
	if len(codes) == 0 {
		return false
	}

	if m.isAdmin(roles) {
		return true
	}

	return slices.ContainsFunc(codes, func(code string) bool {
		return slices.Contains(perms, code)
	})
}

// HasAllPermissions reports whether the session holds every one of codes.
// It is true for an empty list.
func (m *Manager) HasAllPermissions(codes ...string) bool {
	perms, roles := m.state.grants()
	if m.isAdmin(roles) {
		return true
	}

	for _, code := range codes {
		if !slices.Contains(perms, code) {
			return false
		}
	}

	return true
}

// HasRole reports whether the session carries role.
func (m *Manager) HasRole(role string) bool {
	_, roles := m.state.grants()
	return slices.Contains(roles, role)
}

// IsAdmin reports whether the session carries any admin role.
func (m *Manager) IsAdmin() bool {
	_, roles := m.state.grants()
	return m.isAdmin(roles)
}

// IsSuperAdmin reports whether the session carries the super admin role.
func (m *Manager) IsSuperAdmin() bool {
	return m.HasRole(m.superAdminRole)
}

func (m *Manager) isAdmin(roles []string) bool {
	return slices.ContainsFunc(roles, func(role string) bool {
		return slices.Contains(m.adminRoles, role)
	})
}

// Permissions returns a copy of the granted permission codes.
func (m *Manager) Permissions() []string {
	perms, _ := m.state.grants()
	return cloneStrings(perms)
}

// Roles returns a copy of the granted roles.
func (m *Manager) Roles() []string {
	_, roles := m.state.grants()
	return cloneStrings(roles)
}

// DisplayName is the name to greet the user with: the full name, then the
// username, then a placeholder.
func (m *Manager) DisplayName() string {
	u := m.state.user()
	if u == nil {
		return unknownDisplayName
	}

	return cmp.Or(u.Name, u.Username, unknownDisplayName)
}

// Avatar returns the user's avatar URL or the configured default.
func (m *Manager) Avatar() string {
	u := m.state.user()
	if u == nil {
		return m.defaultAvatar
	}

	return cmp.Or(u.Avatar, m.defaultAvatar)
}
