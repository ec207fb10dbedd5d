package engine

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"accessgate/internal/store"
)

// Audit event kinds.
const (
	AuditDecision         = "decision"
	AuditApprovalRequired = "approval_required"
	AuditAutoApproved     = "auto_approved"
	AuditRequestCreated   = "request_created"
	AuditRequestApproved  = "request_approved"
	AuditRequestAdvanced  = "request_advanced"
	AuditRequestDenied    = "request_denied"
	AuditRequestCancelled = "request_cancelled"
	AuditRequestEscalated = "request_escalated"
	AuditRequestExpired   = "request_expired"
	AuditCacheInvalidated = "cache_invalidated"
	AuditMutationFailed   = "mutation_failed"
)

// AuditEvent is one append-only record. The engine writes events; it
// never reads them back.
type AuditEvent struct {
	TenantID     string         `json:"tenant_id,omitempty"`
	PrincipalID  string         `json:"principal_id,omitempty"`
	Kind         string         `json:"kind"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Allowed      *bool          `json:"allowed,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// AuditSink receives every decision, approval transition and
// invalidation-triggering mutation. Sink failures must never fail the
// operation being audited.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// LogAuditSink writes events to the process log.
type LogAuditSink struct{}

func (LogAuditSink) Record(_ context.Context, event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT %s", data)
}

// NopAuditSink discards events. Test use.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, AuditEvent) {}

// PgAuditSink appends events to the _audit_events table.
type PgAuditSink struct {
	store *store.Store
}

func NewPgAuditSink(s *store.Store) *PgAuditSink {
	return &PgAuditSink{store: s}
}

func (s *PgAuditSink) Record(ctx context.Context, event AuditEvent) {
	var detailsJSON []byte
	if event.Details != nil {
		detailsJSON, _ = json.Marshal(event.Details)
	}

	_, err := s.store.Pool.Exec(ctx,
		`INSERT INTO _audit_events (id, tenant_id, principal_id, kind, resource_type, resource_id, action, request_id, allowed, reason, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.New().String(), event.TenantID, event.PrincipalID, event.Kind,
		event.ResourceType, event.ResourceID, event.Action, event.RequestID,
		event.Allowed, event.Reason, detailsJSON, time.Now())
	if err != nil {
		log.Printf("ERROR: audit record failed: %v", err)
	}
}

func boolPtr(b bool) *bool { return &b }
