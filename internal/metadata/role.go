package metadata

// Role is a named grant bundle. Roles form a forest via single-parent
// pointers; parent chains may be misconfigured into cycles, so every
// traversal carries a visited-set guard.
type Role struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	// Priority orders roles in listings and audit output. It has no
	// effect on permission merging.
	Priority   int  `json:"priority"`
	Assignable bool `json:"assignable"`
}

// Group grants its roles to all member principals. Groups nest via
// single-parent pointers, with the same cycle guard as roles.
type Group struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name"`
	ParentID string   `json:"parent_id,omitempty"`
	RoleIDs  []string `json:"role_ids,omitempty"`
}
