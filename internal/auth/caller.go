package auth

import (
	"context"
	"strings"
)

// Role names used across the service. A caller holding any role at all is
// considered administrative for search purposes; participants hold none.
const (
	RoleDeveloper        = "developer"
	RoleResearcher       = "researcher"
	RoleStudyCoordinator = "study_coordinator"
	RoleWorker           = "worker"
	RoleAdmin            = "admin"
)

// Caller carries the authenticated identity, roles and org memberships for a
// request. Every domain operation receives it explicitly; nothing reads
// per-request state from globals.
type Caller struct {
	AccountID string
	Roles     []string
	OrgIDs    []string
}

// HasRole reports whether the caller holds the named role.
func (c Caller) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the caller holds at least one of the named roles.
func (c Caller) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}

// Privileged reports whether the caller holds any role at all.
func (c Caller) Privileged() bool {
	return len(c.Roles) > 0
}

// Admin reports whether the caller holds the admin role.
func (c Caller) Admin() bool {
	return c.HasRole(RoleAdmin)
}

// NormalizeRoles lower-cases, trims and deduplicates a role list.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}

type ctxKey string

const callerKey ctxKey = "auth_caller"

// ContextWithCaller stores the authenticated caller in the context.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	caller.Roles = NormalizeRoles(caller.Roles)
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext extracts the authenticated caller from the context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	v, ok := ctx.Value(callerKey).(Caller)
	if !ok || strings.TrimSpace(v.AccountID) == "" {
		return Caller{}, false
	}
	return v, true
}
