package metadata

// Principal is a unified user or service-account identity. Principals are
// owned by the external identity system; this engine only reads them.
type Principal struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	ServiceAccount bool           `json:"service_account"`
	Attributes     map[string]any `json:"attributes,omitempty"` // department, location, custom
	Active         bool           `json:"active"`
}

// Identity is the authenticated caller, set by the auth middleware.
// Role claims from tokens are never trusted; roles are always re-resolved
// from persisted state.
type Identity struct {
	PrincipalID string `json:"principal_id"`
	TenantID    string `json:"tenant_id"`
}
