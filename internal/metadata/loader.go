package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LoadAll reads the full access-control state from the database and
// swaps it into the registry.
func LoadAll(ctx context.Context, pool *pgxpool.Pool, reg *Registry) error {
	var snap Snapshot
	var err error

	if snap.Principals, err = loadPrincipals(ctx, pool); err != nil {
		return fmt.Errorf("load principals: %w", err)
	}
	if snap.Roles, err = loadRoles(ctx, pool); err != nil {
		return fmt.Errorf("load roles: %w", err)
	}
	if snap.Groups, err = loadGroups(ctx, pool); err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	if snap.Assignments, err = loadLinks(ctx, pool,
		"SELECT principal_id, role_id FROM _role_assignments"); err != nil {
		return fmt.Errorf("load role assignments: %w", err)
	}
	if snap.Memberships, err = loadLinks(ctx, pool,
		"SELECT principal_id, group_id FROM _group_members"); err != nil {
		return fmt.Errorf("load group members: %w", err)
	}
	if snap.Permissions, err = loadPermissions(ctx, pool); err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	if snap.Resources, err = loadResources(ctx, pool); err != nil {
		return fmt.Errorf("load resources: %w", err)
	}
	if snap.FieldDefs, err = loadFieldDefs(ctx, pool); err != nil {
		return fmt.Errorf("load field definitions: %w", err)
	}
	if snap.Chains, err = loadChains(ctx, pool); err != nil {
		return fmt.Errorf("load approval chains: %w", err)
	}

	reg.Load(snap)

	log.Printf("Loaded %d principals, %d roles, %d groups, %d resources, %d chains into registry",
		len(snap.Principals), len(snap.Roles), len(snap.Groups), len(snap.Resources), len(snap.Chains))
	return nil
}

// Reload is an alias for LoadAll, called after admin mutations.
func Reload(ctx context.Context, pool *pgxpool.Pool, reg *Registry) error {
	return LoadAll(ctx, pool, reg)
}

func loadPrincipals(ctx context.Context, pool *pgxpool.Pool) ([]*Principal, error) {
	rows, err := pool.Query(ctx,
		"SELECT id, tenant_id, service_account, attributes, active FROM _principals ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var principals []*Principal
	for rows.Next() {
		p := &Principal{}
		var attrsJSON []byte
		if err := rows.Scan(&p.ID, &p.TenantID, &p.ServiceAccount, &attrsJSON, &p.Active); err != nil {
			return nil, fmt.Errorf("scan principal row: %w", err)
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &p.Attributes); err != nil {
				log.Printf("WARN: principal %s has invalid attributes JSON: %v", p.ID, err)
			}
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

func loadRoles(ctx context.Context, pool *pgxpool.Pool) ([]*Role, error) {
	rows, err := pool.Query(ctx,
		"SELECT id, tenant_id, name, COALESCE(parent_id, ''), priority, assignable FROM _roles ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		ro := &Role{}
		if err := rows.Scan(&ro.ID, &ro.TenantID, &ro.Name, &ro.ParentID, &ro.Priority, &ro.Assignable); err != nil {
			return nil, fmt.Errorf("scan role row: %w", err)
		}
		roles = append(roles, ro)
	}
	return roles, rows.Err()
}

func loadGroups(ctx context.Context, pool *pgxpool.Pool) ([]*Group, error) {
	rows, err := pool.Query(ctx,
		"SELECT id, tenant_id, name, COALESCE(parent_id, ''), role_ids FROM _groups ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g := &Group{}
		var roleJSON []byte
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Name, &g.ParentID, &roleJSON); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		if len(roleJSON) > 0 {
			if err := json.Unmarshal(roleJSON, &g.RoleIDs); err != nil {
				log.Printf("WARN: group %s has invalid role_ids JSON: %v", g.ID, err)
			}
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// loadLinks reads a two-column link table into a map keyed by the first
// column.
func loadLinks(ctx context.Context, pool *pgxpool.Pool, query string) (map[string][]string, error) {
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	links := map[string][]string{}
	for rows.Next() {
		var key, val string
		if err := rows.Scan(&key, &val); err != nil {
			return nil, fmt.Errorf("scan link row: %w", err)
		}
		links[key] = append(links[key], val)
	}
	return links, rows.Err()
}

func loadPermissions(ctx context.Context, pool *pgxpool.Pool) (map[string][]*Permission, error) {
	rows, err := pool.Query(ctx,
		`SELECT rp.role_id, p.id, p.definition
		 FROM _permissions p
		 JOIN _role_permissions rp ON rp.permission_id = p.id
		 ORDER BY rp.role_id, p.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perms := map[string][]*Permission{}
	for rows.Next() {
		var roleID, id string
		var defJSON []byte
		if err := rows.Scan(&roleID, &id, &defJSON); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}

		var perm Permission
		if err := json.Unmarshal(defJSON, &perm); err != nil {
			log.Printf("WARN: skipping permission %s (invalid JSON): %v", id, err)
			continue
		}
		perm.ID = id
		perms[roleID] = append(perms[roleID], &perm)
	}
	return perms, rows.Err()
}

func loadResources(ctx context.Context, pool *pgxpool.Pool) ([]*Resource, error) {
	rows, err := pool.Query(ctx,
		"SELECT id, type, COALESCE(parent_id, ''), path, attributes FROM _resources ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []*Resource
	for rows.Next() {
		res := &Resource{}
		var attrsJSON []byte
		if err := rows.Scan(&res.ID, &res.Type, &res.ParentID, &res.Path, &attrsJSON); err != nil {
			return nil, fmt.Errorf("scan resource row: %w", err)
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &res.Attributes); err != nil {
				log.Printf("WARN: resource %s has invalid attributes JSON: %v", res.ID, err)
			}
		}
		resources = append(resources, res)
	}
	return resources, rows.Err()
}

func loadFieldDefs(ctx context.Context, pool *pgxpool.Pool) ([]*FieldDefinition, error) {
	rows, err := pool.Query(ctx,
		"SELECT entity_type, field_name, tier FROM _field_definitions ORDER BY entity_type, field_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*FieldDefinition
	for rows.Next() {
		fd := &FieldDefinition{}
		if err := rows.Scan(&fd.EntityType, &fd.FieldName, &fd.Tier); err != nil {
			return nil, fmt.Errorf("scan field definition row: %w", err)
		}
		defs = append(defs, fd)
	}
	return defs, rows.Err()
}

func loadChains(ctx context.Context, pool *pgxpool.Pool) ([]*ApprovalChain, error) {
	rows, err := pool.Query(ctx,
		"SELECT id, definition, active FROM _approval_chains ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []*ApprovalChain
	for rows.Next() {
		var id string
		var defJSON []byte
		var active bool
		if err := rows.Scan(&id, &defJSON, &active); err != nil {
			return nil, fmt.Errorf("scan approval chain row: %w", err)
		}

		var chain ApprovalChain
		if err := json.Unmarshal(defJSON, &chain); err != nil {
			log.Printf("WARN: skipping approval chain %s (invalid JSON): %v", id, err)
			continue
		}
		chain.ID = id
		chain.Active = active
		chains = append(chains, &chain)
	}
	return chains, rows.Err()
}
