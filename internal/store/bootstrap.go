package store

import (
	"context"
	"fmt"
)

const systemTablesSQL = `
CREATE TABLE IF NOT EXISTS _principals (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    service_account BOOLEAN NOT NULL DEFAULT false,
    attributes      JSONB NOT NULL DEFAULT '{}',
    active          BOOLEAN NOT NULL DEFAULT true,
    created_at      TIMESTAMPTZ DEFAULT NOW(),
    updated_at      TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _roles (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    name       TEXT NOT NULL,
    parent_id  TEXT REFERENCES _roles(id),
    priority   INT NOT NULL DEFAULT 0,
    assignable BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _role_assignments (
    principal_id TEXT NOT NULL REFERENCES _principals(id) ON DELETE CASCADE,
    role_id      TEXT NOT NULL REFERENCES _roles(id) ON DELETE CASCADE,
    created_at   TIMESTAMPTZ DEFAULT NOW(),
    PRIMARY KEY (principal_id, role_id)
);

CREATE TABLE IF NOT EXISTS _groups (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    name       TEXT NOT NULL,
    parent_id  TEXT REFERENCES _groups(id),
    role_ids   JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _group_members (
    principal_id TEXT NOT NULL REFERENCES _principals(id) ON DELETE CASCADE,
    group_id     TEXT NOT NULL REFERENCES _groups(id) ON DELETE CASCADE,
    created_at   TIMESTAMPTZ DEFAULT NOW(),
    PRIMARY KEY (principal_id, group_id)
);

CREATE TABLE IF NOT EXISTS _permissions (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    definition JSONB NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _role_permissions (
    role_id       TEXT NOT NULL REFERENCES _roles(id) ON DELETE CASCADE,
    permission_id UUID NOT NULL REFERENCES _permissions(id) ON DELETE CASCADE,
    created_at    TIMESTAMPTZ DEFAULT NOW(),
    PRIMARY KEY (role_id, permission_id)
);

CREATE TABLE IF NOT EXISTS _resources (
    id         TEXT PRIMARY KEY,
    type       TEXT NOT NULL,
    parent_id  TEXT REFERENCES _resources(id),
    path       TEXT NOT NULL,
    attributes JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_resources_path ON _resources(path);

CREATE TABLE IF NOT EXISTS _field_definitions (
    entity_type TEXT NOT NULL,
    field_name  TEXT NOT NULL,
    tier        TEXT NOT NULL CHECK (tier IN ('core', 'platform', 'tenant')),
    PRIMARY KEY (entity_type, field_name)
);

CREATE TABLE IF NOT EXISTS _approval_chains (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    definition JSONB NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _access_requests (
    id               UUID PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    requester_id     TEXT NOT NULL,
    chain_id         TEXT NOT NULL,
    details          JSONB NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    current_level    INT NOT NULL DEFAULT 1,
    level_entered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at       TIMESTAMPTZ DEFAULT NOW(),
    updated_at       TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_access_requests_open
    ON _access_requests(status) WHERE status IN ('pending', 'pending_next_level');

CREATE TABLE IF NOT EXISTS _approvals (
    id          UUID PRIMARY KEY,
    request_id  UUID NOT NULL REFERENCES _access_requests(id) ON DELETE CASCADE,
    approver_id TEXT NOT NULL,
    level       INT NOT NULL,
    decision    TEXT NOT NULL CHECK (decision IN ('approved', 'denied')),
    comments    TEXT,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (request_id, level)
);

CREATE TABLE IF NOT EXISTS _audit_events (
    id            UUID PRIMARY KEY,
    tenant_id     TEXT,
    principal_id  TEXT,
    kind          TEXT NOT NULL,
    resource_type TEXT,
    resource_id   TEXT,
    action        TEXT,
    request_id    TEXT,
    allowed       BOOLEAN,
    reason        TEXT,
    details       JSONB,
    created_at    TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_events_principal ON _audit_events(principal_id, created_at);
`

// Bootstrap creates the system tables if they do not exist. The UNIQUE
// (request_id, level) constraint on _approvals is what serializes racing
// decisions for the same level.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, systemTablesSQL); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	return nil
}
