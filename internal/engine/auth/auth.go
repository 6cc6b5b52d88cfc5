// Package auth maps principal roles to the permissions the API checks.
package auth

import (
	"fmt"
	"sort"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	RoleReader  = "reader"
	RoleEditor  = "editor"
	RoleService = "service"
	RoleAdmin   = "admin"
)

const (
	LevelsRead    = "levels.read"
	LevelsSync    = "levels.sync"
	ConfigsRead   = "configs.read"
	ConfigsWrite  = "configs.write"
	ProfilesRead  = "profiles.read"
	ProfilesWrite = "profiles.write"
	BundlesRead   = "bundles.read"
	BundlesWrite  = "bundles.write"
	JobsRead      = "jobs.read"
	EventsPublish = "events.publish"
	SourcingRead  = "sourcing.read"
	wildcardPerm  = "*"
)

var readPerms = []string{LevelsRead, ConfigsRead, ProfilesRead, BundlesRead, JobsRead, SourcingRead}

var rolePermissions = map[string][]string{
	RoleReader:  readPerms,
	RoleEditor:  append(append([]string{}, readPerms...), ConfigsWrite, ProfilesWrite, BundlesWrite, LevelsSync),
	RoleService: append(append([]string{}, readPerms...), EventsPublish, LevelsSync),
	RoleAdmin:   {wildcardPerm},
}

// KnownRole reports whether role grants anything.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Permissions expands roles into a sorted permission set. Unknown roles add
// nothing.
func Permissions(roles []string) []string {
	seen := map[string]bool{}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			seen[p] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether the explicit permissions or the roles grant perm.
func Allowed(roles, perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == wildcardPerm {
			return true
		}
	}
	for _, p := range Permissions(roles) {
		if p == perm || p == wildcardPerm {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless perm is granted.
func Require(roles, perms []string, perm string) error {
	if Allowed(roles, perms, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
