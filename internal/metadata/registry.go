package metadata

import (
	"sort"
	"sync"
)

// Snapshot is a full read of the access-control state, produced by the
// loader and swapped into the registry atomically.
type Snapshot struct {
	Principals  []*Principal
	Roles       []*Role
	Groups      []*Group
	Assignments map[string][]string // principal id -> directly assigned role ids
	Memberships map[string][]string // principal id -> group ids
	Permissions map[string][]*Permission
	Resources   []*Resource
	FieldDefs   []*FieldDefinition
	Chains      []*ApprovalChain
}

// Registry is the in-memory directory of principals, roles, groups,
// permissions, resources and approval chains. It is loaded from the
// persistence store at startup and replaced wholesale after admin
// mutations; readers see either the old or the new state, never a mix.
type Registry struct {
	mu          sync.RWMutex
	principals  map[string]*Principal
	roles       map[string]*Role
	groups      map[string]*Group
	assignments map[string][]string
	memberships map[string][]string
	permsByRole map[string][]*Permission
	resources   map[string]*Resource
	fieldDefs   map[string]map[string]map[string]bool // entity type -> tier -> field
	chains      map[string]*ApprovalChain
	chainOrder  []*ApprovalChain // active chains, sorted by id for determinism
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.Load(Snapshot{})
	return r
}

// Load replaces the entire registry content.
func (r *Registry) Load(s Snapshot) {
	principals := make(map[string]*Principal, len(s.Principals))
	for _, p := range s.Principals {
		principals[p.ID] = p
	}
	roles := make(map[string]*Role, len(s.Roles))
	for _, ro := range s.Roles {
		roles[ro.ID] = ro
	}
	groups := make(map[string]*Group, len(s.Groups))
	for _, g := range s.Groups {
		groups[g.ID] = g
	}
	resources := make(map[string]*Resource, len(s.Resources))
	for _, res := range s.Resources {
		resources[res.ID] = res
	}
	fieldDefs := make(map[string]map[string]map[string]bool)
	for _, fd := range s.FieldDefs {
		tiers := fieldDefs[fd.EntityType]
		if tiers == nil {
			tiers = make(map[string]map[string]bool)
			fieldDefs[fd.EntityType] = tiers
		}
		fields := tiers[fd.Tier]
		if fields == nil {
			fields = make(map[string]bool)
			tiers[fd.Tier] = fields
		}
		fields[fd.FieldName] = true
	}
	chains := make(map[string]*ApprovalChain, len(s.Chains))
	var order []*ApprovalChain
	for _, c := range s.Chains {
		chains[c.ID] = c
		if c.Active {
			order = append(order, c)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].ID < order[j].ID })

	assignments := s.Assignments
	if assignments == nil {
		assignments = map[string][]string{}
	}
	memberships := s.Memberships
	if memberships == nil {
		memberships = map[string][]string{}
	}
	permsByRole := s.Permissions
	if permsByRole == nil {
		permsByRole = map[string][]*Permission{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.principals = principals
	r.roles = roles
	r.groups = groups
	r.assignments = assignments
	r.memberships = memberships
	r.permsByRole = permsByRole
	r.resources = resources
	r.fieldDefs = fieldDefs
	r.chains = chains
	r.chainOrder = order
}

// GetPrincipal returns the principal with the given id, or nil.
func (r *Registry) GetPrincipal(id string) *Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.principals[id]
}

// AllPrincipalIDs returns every known principal id, sorted.
func (r *Registry) AllPrincipalIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.principals))
	for id := range r.principals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetRole returns the role with the given id, or nil.
func (r *Registry) GetRole(id string) *Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[id]
}

// GetGroup returns the group with the given id, or nil.
func (r *Registry) GetGroup(id string) *Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[id]
}

// DirectRoleIDs returns the roles assigned directly to a principal.
func (r *Registry) DirectRoleIDs(principalID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assignments[principalID]
}

// GroupIDs returns the groups the principal is a direct member of.
func (r *Registry) GroupIDs(principalID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberships[principalID]
}

// PermissionsForRole returns the permissions linked to a role.
func (r *Registry) PermissionsForRole(roleID string) []*Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.permsByRole[roleID]
}

// GetResource returns the resource with the given id, or nil.
func (r *Registry) GetResource(id string) *Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resources[id]
}

// FieldExists reports whether the entity type declares the field at the
// given tier.
func (r *Registry) FieldExists(entityType, tier, field string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tiers, ok := r.fieldDefs[entityType]
	if !ok {
		return false
	}
	return tiers[tier][field]
}

// HasFieldDefs reports whether any field definitions exist for the entity
// type. When none exist, field permission keys are accepted as-is.
func (r *Registry) HasFieldDefs(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fieldDefs[entityType]) > 0
}

// GetChain returns the approval chain with the given id, or nil.
func (r *Registry) GetChain(id string) *ApprovalChain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chains[id]
}

// ActiveChains returns all active approval chains in stable order.
func (r *Registry) ActiveChains() []*ApprovalChain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chainOrder
}
