package metadata

// Field tiers. Each tier's fields carry independently grantable
// read/write/hidden visibility.
const (
	TierCore     = "core"
	TierPlatform = "platform"
	TierTenant   = "tenant"
)

// Field-level actions.
const (
	FieldRead   = "read"
	FieldWrite  = "write"
	FieldHidden = "hidden"
)

// Condition is one attribute-based check. Op selects the interpreter arm:
//
//	eq     Value is a scalar compared for equality
//	in     Value is a list tested for membership
//	range  Value is a two-element [lo, hi] inclusive numeric/time range
//
// Path is resolved with dot notation against the evaluation context.
type Condition struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// FieldPermissions maps tier -> field name -> granted actions.
type FieldPermissions map[string]map[string][]string

// Permission grants a set of actions on a resource locator, optionally
// gated by conditions. Exactly one of ResourceID and ResourcePath may be
// set; a permission with neither grants type-wide via ResourceType.
type Permission struct {
	ID               string           `json:"id"`
	ResourceID       string           `json:"resource_id,omitempty"`
	ResourcePath     string           `json:"resource_path,omitempty"` // glob, e.g. "/root-id/*" or "doc:*"
	ResourceType     string           `json:"resource_type"`
	Actions          []string         `json:"actions"`
	Conditions       []Condition      `json:"conditions,omitempty"`
	FieldPermissions FieldPermissions `json:"field_permissions,omitempty"`
}

// HasAction reports whether the permission grants the given action.
func (p *Permission) HasAction(action string) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// FieldDefinition declares that a field exists for an entity type at a
// tier. Consulted only to validate field_permissions keys, never for
// access decisions.
type FieldDefinition struct {
	EntityType string `json:"entity_type"`
	FieldName  string `json:"field_name"`
	Tier       string `json:"tier"`
}
