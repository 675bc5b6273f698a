// Package auth provides the caller identity model and permission checks
// enforced at the service facade.
package auth

import (
	"strings"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// Permission names a discrete operation a caller may perform.
type Permission string

// Permissions checked by the facade.
const (
	PermSessionCreate Permission = "session:create"
	PermSessionRead   Permission = "session:read"
	PermSessionUpdate Permission = "session:update"
	PermSessionDelete Permission = "session:delete"
	PermContextCreate Permission = "context:create"
	PermContextRead   Permission = "context:read"
	PermContextUpdate Permission = "context:update"
	PermContextDelete Permission = "context:delete"
	PermExecute       Permission = "context:execute"
	PermAdmin         Permission = "admin"
)

// RoleAdmin grants every permission.
const RoleAdmin = "admin"

// rolePermissions maps roles to the permissions they grant.
var rolePermissions = map[string][]Permission{
	"user": {
		PermSessionCreate, PermSessionRead, PermSessionUpdate, PermSessionDelete,
		PermContextCreate, PermContextRead, PermContextUpdate, PermContextDelete,
		PermExecute,
	},
	"viewer": {
		PermSessionRead, PermContextRead,
	},
}

// Context is the authenticated caller identity attached to every request.
type Context struct {
	UserID    string   `json:"userId"`
	Username  string   `json:"username,omitempty"`
	Roles     []string `json:"roles"`
	Scopes    []string `json:"scopes,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
}

// HasRole reports whether the caller carries the role.
func (c *Context) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Can reports whether the caller's roles grant the permission. Admin role
// grants everything.
func (c *Context) Can(perm Permission) bool {
	if c.HasRole(RoleAdmin) {
		return true
	}
	for _, role := range c.Roles {
		for _, p := range rolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// HasScope reports whether a scope grant covers the wanted scope.
// Grants match exactly, as the global wildcard "*", or as a resource
// wildcard "resource:*" covering every action on that resource.
func (c *Context) HasScope(want string) bool {
	// No scopes configured means scoping is not in use for this caller.
	if len(c.Scopes) == 0 {
		return true
	}
	for _, have := range c.Scopes {
		if have == "*" || have == want {
			return true
		}
		if resource, ok := strings.CutSuffix(have, ":*"); ok {
			if strings.HasPrefix(want, resource+":") {
				return true
			}
		}
	}
	return false
}

// Require checks both the permission and the matching scope, returning a
// structured error suitable for the protocol boundary.
func (c *Context) Require(perm Permission) error {
	if c == nil || c.UserID == "" {
		return types.NewError(types.KindUnauthenticated, "auth_required", "authentication required")
	}
	if !c.Can(perm) {
		return types.Errorf(types.KindPermissionDenied, "permission_denied", "missing permission %s", perm)
	}
	if !c.HasScope(string(perm)) {
		return types.Errorf(types.KindPermissionDenied, "scope_denied", "missing scope %s", perm)
	}
	return nil
}

// OwnsSession reports whether the caller may act on the given session:
// their own session, or any session for admins.
func (c *Context) OwnsSession(sessionUserID string) bool {
	if c.HasRole(RoleAdmin) {
		return true
	}
	return c.UserID == sessionUserID
}
