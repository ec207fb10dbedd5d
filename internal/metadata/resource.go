package metadata

// Resource is a protected target. Path is the materialized hierarchical
// address (e.g. "/root-id/child-id/") used for wildcard matching.
type Resource struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ParentID   string         `json:"parent_id,omitempty"`
	Path       string         `json:"path"`
	Attributes map[string]any `json:"attributes,omitempty"`
}
