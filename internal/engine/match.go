package engine

import (
	"strings"

	"accessgate/internal/metadata"
)

// ValidateLocator enforces the permission locator rule: at most one
// of resource_id and resource_path, and at least one of id/path/type.
func ValidateLocator(p *metadata.Permission) error {
	if p.ResourceID != "" && p.ResourcePath != "" {
		return ValidationError("permission has both resource_id and resource_path")
	}
	if p.ResourceID == "" && p.ResourcePath == "" && p.ResourceType == "" {
		return ValidationError("permission has no resource locator")
	}
	return nil
}

// MatchesResource reports whether a permission's locator covers the
// target resource. Precedence: explicit id, then path/type pattern, then
// bare type-wide grant.
func MatchesResource(p *metadata.Permission, r *metadata.Resource) bool {
	if p.ResourceID != "" {
		return p.ResourceID == r.ID
	}
	if p.ResourcePath != "" {
		return matchPattern(p.ResourcePath, r)
	}
	return p.ResourceType != "" && p.ResourceType == r.Type
}

// MatchesChain reports whether an approval chain covers the resource.
// Chains match by resource type plus an optional pattern.
func MatchesChain(c *metadata.ApprovalChain, r *metadata.Resource) bool {
	if c.ResourceType != "" && c.ResourceType != r.Type {
		return false
	}
	if c.ResourcePattern == "" {
		return c.ResourceType != ""
	}
	return matchPattern(c.ResourcePattern, r)
}

// matchPattern matches a glob-style "prefix/*" pattern against the
// resource's materialized path or its "type:id" address. Without a
// trailing star the pattern must equal one of them (or the bare type).
func matchPattern(pattern string, r *metadata.Resource) bool {
	typeAddr := r.Type + ":" + r.ID
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(r.Path, prefix) || strings.HasPrefix(typeAddr, prefix)
	}
	return pattern == r.Path || pattern == typeAddr || pattern == r.Type
}
