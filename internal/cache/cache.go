// Package cache provides the decision cache: short-lived memoization of
// evaluation outcomes keyed by principal, resource and action. The cache
// is an optimization layer only; every entry expires on its own and
// mutations additionally clear affected principal scopes eagerly.
package cache

import (
	"context"
	"strings"
	"time"
)

// Key identifies one cached decision.
type Key struct {
	TenantID     string
	PrincipalID  string
	ResourceType string
	ResourceID   string
	Action       string
}

// String renders the stable cache key. Principal-scoped invalidation
// relies on the tenant and principal fields leading the key.
func (k Key) String() string {
	return strings.Join([]string{k.TenantID, k.PrincipalID, k.ResourceType, k.ResourceID, k.Action}, "|")
}

// PrincipalScope is the key prefix covering every entry for one
// principal in one tenant.
func PrincipalScope(tenantID, principalID string) string {
	return tenantID + "|" + principalID + "|"
}

// Value is a cached evaluation outcome. Denials are cached too, with a
// shorter TTL than grants.
type Value struct {
	Allowed              bool                           `json:"allowed"`
	FieldPermissions     map[string]map[string][]string `json:"field_permissions,omitempty"`
	MatchedPermissionIDs []string                       `json:"matched_permission_ids,omitempty"`
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int64   `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// DecisionCache is the storage contract. Get reports (value, found);
// a transport error is returned separately so callers can treat it as a
// miss. Clear removes every entry whose key starts with scope; an empty
// scope clears everything.
type DecisionCache interface {
	Get(ctx context.Context, key Key) (*Value, bool, error)
	Set(ctx context.Context, key Key, value *Value, ttl time.Duration) error
	Delete(ctx context.Context, key Key) error
	Clear(ctx context.Context, scope string) error
	Stats(ctx context.Context) (Stats, error)
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
