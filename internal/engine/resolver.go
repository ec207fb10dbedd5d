package engine

import (
	"log"
	"sort"

	"accessgate/internal/metadata"
)

// Resolver computes the transitive role closure for a principal: directly
// assigned roles, roles granted through (nested) group membership, and
// every ancestor role reachable through parent pointers. All traversals
// carry a visited set so misconfigured cycles terminate.
type Resolver struct {
	reg *metadata.Registry
}

func NewResolver(reg *metadata.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve returns the set of role ids the principal holds. The result is
// order-independent: a union over all reachable roles.
func (rv *Resolver) Resolve(principalID string) (map[string]bool, error) {
	principal := rv.reg.GetPrincipal(principalID)
	if principal == nil {
		return nil, NotFoundError("principal", principalID)
	}

	frontier := append([]string{}, rv.reg.DirectRoleIDs(principalID)...)
	frontier = append(frontier, rv.groupRoles(principalID)...)

	visited := make(map[string]bool)
	resolved := make(map[string]bool)
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		if visited[id] {
			// Shared ancestor or a parent cycle; either way this branch
			// is already covered.
			continue
		}
		visited[id] = true

		role := rv.reg.GetRole(id)
		if role == nil {
			log.Printf("WARN: principal %s references unknown role %s", principalID, id)
			continue
		}
		resolved[id] = true
		if role.ParentID != "" {
			frontier = append(frontier, role.ParentID)
		}
	}

	return resolved, nil
}

// groupRoles collects roles granted via group membership, walking group
// parent chains with the same cycle guard as roles.
func (rv *Resolver) groupRoles(principalID string) []string {
	var roles []string
	visited := make(map[string]bool)
	frontier := append([]string{}, rv.reg.GroupIDs(principalID)...)

	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		if visited[id] {
			continue
		}
		visited[id] = true

		group := rv.reg.GetGroup(id)
		if group == nil {
			log.Printf("WARN: principal %s references unknown group %s", principalID, id)
			continue
		}
		roles = append(roles, group.RoleIDs...)
		if group.ParentID != "" {
			frontier = append(frontier, group.ParentID)
		}
	}

	return roles
}

// SortedRoleIDs returns a role set as a sorted slice, for deterministic
// iteration and audit output.
func SortedRoleIDs(roles map[string]bool) []string {
	ids := make([]string, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
