package engine

import (
	"log"
	"sort"

	"accessgate/internal/metadata"
)

// AggregateResult is the outcome of matching a principal's resolved roles
// against a resource/action.
type AggregateResult struct {
	Allowed            bool
	MatchedPermissions []*metadata.Permission
	FieldPermissions   metadata.FieldPermissions
}

// Aggregator matches resolved roles' permissions against a target
// resource and merges field-tier grants.
type Aggregator struct {
	reg *metadata.Registry
}

func NewAggregator(reg *metadata.Registry) *Aggregator {
	return &Aggregator{reg: reg}
}

// Aggregate collects every permission attached to the given roles that
// covers the resource, grants the action, and whose conditions hold.
// Decision policy is implicit deny: allowed iff at least one permission
// matches. There is no deny permission type, so grants only ever add.
//
// An empty action skips the action gate; that form serves field-permission
// lookups where only the merged tier map matters.
func (a *Aggregator) Aggregate(roleIDs map[string]bool, resource *metadata.Resource, action string, context map[string]any) *AggregateResult {
	result := &AggregateResult{
		FieldPermissions: metadata.FieldPermissions{},
	}

	// Sorted role iteration keeps MatchedPermissions order stable.
	for _, roleID := range SortedRoleIDs(roleIDs) {
		for _, perm := range a.reg.PermissionsForRole(roleID) {
			if err := ValidateLocator(perm); err != nil {
				log.Printf("WARN: skipping permission %s: %v", perm.ID, err)
				continue
			}
			if !MatchesResource(perm, resource) {
				continue
			}
			if action != "" && !perm.HasAction(action) {
				continue
			}
			if !EvaluateConditions(perm.Conditions, context) {
				continue
			}
			result.MatchedPermissions = append(result.MatchedPermissions, perm)
			a.mergeFields(resource.Type, perm.FieldPermissions, result.FieldPermissions)
		}
	}

	result.Allowed = action != "" && len(result.MatchedPermissions) > 0
	return result
}

// mergeFields unions one permission's field grants into the accumulated
// tier map. Merging is additive across all matching permissions; role
// priority is never consulted. Keys not declared by a field definition
// for the entity type are dropped.
func (a *Aggregator) mergeFields(entityType string, grants, into metadata.FieldPermissions) {
	validate := a.reg.HasFieldDefs(entityType)

	for tier, fields := range grants {
		if tier != metadata.TierCore && tier != metadata.TierPlatform && tier != metadata.TierTenant {
			log.Printf("WARN: dropping unknown field tier %q for entity type %s", tier, entityType)
			continue
		}
		for field, actions := range fields {
			if validate && !a.reg.FieldExists(entityType, tier, field) {
				log.Printf("WARN: dropping undeclared field %s/%s for entity type %s", tier, field, entityType)
				continue
			}
			merged := into[tier]
			if merged == nil {
				merged = map[string][]string{}
				into[tier] = merged
			}
			merged[field] = unionActions(merged[field], actions)
		}
	}
}

// unionActions merges two action sets, deduplicated and sorted.
func unionActions(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
