// Package identity implements the trust contract with the external auth
// provider. The core never re-queries relational tables for authorization:
// every access decision flows through the claim helpers defined here.
package identity

import "strings"

// PlatformRole is the platform-wide super-admin role name.
const PlatformRole = "super_admin"

// Permission is a single effective permission carried by a token.
// Name follows the applet.action convention (e.g. "organizations.manage").
type Permission struct {
	Name  string `json:"name"`
	Scope string `json:"scope"`
}

// Claims is the decoded identity token the core trusts. It is issued by an
// opaque external auth provider; the core treats it as an identity oracle.
type Claims struct {
	UserID      string       `json:"sub"`
	OrgID       string       `json:"org_id"`
	UserRole    string       `json:"user_role"`
	Permissions []Permission `json:"permissions"`
	OrgUnitID   string       `json:"org_unit_id,omitempty"`
	Version     int          `json:"version"`
}

// HasPlatformPrivilege reports whether the principal holds the platform-wide
// super-admin privilege.
func (c *Claims) HasPlatformPrivilege() bool {
	if c == nil {
		return false
	}
	return c.UserRole == PlatformRole
}

// HasOrgAdminPermission reports whether the principal may administer the
// given organization. Platform privilege implies admin on every org.
func (c *Claims) HasOrgAdminPermission(orgID string) bool {
	if c == nil {
		return false
	}
	if c.HasPlatformPrivilege() {
		return true
	}
	if c.OrgID != orgID {
		return false
	}
	for _, p := range c.Permissions {
		if p.Name == "organizations.manage" {
			return true
		}
	}
	return false
}

// HasPermissionAtScope reports whether the principal holds the named
// permission at the given scope path. A permission granted at a scope covers
// every descendant scope (labelled-tree prefix match).
func (c *Claims) HasPermissionAtScope(name, scope string) bool {
	if c == nil {
		return false
	}
	if c.HasPlatformPrivilege() {
		return true
	}
	for _, p := range c.Permissions {
		if p.Name != name {
			continue
		}
		if p.Scope == "" || p.Scope == scope {
			return true
		}
		if strings.HasPrefix(scope, p.Scope+".") {
			return true
		}
	}
	return false
}

// CanAccessOrg reports whether the principal may read rows scoped to orgID.
func (c *Claims) CanAccessOrg(orgID string) bool {
	if c == nil {
		return false
	}
	return c.HasPlatformPrivilege() || c.OrgID == orgID
}
