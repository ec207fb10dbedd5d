package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"accessgate/internal/cache"
	"accessgate/internal/metadata"
)

// Decision is the engine's answer to "may this principal perform this
// action on this resource".
type Decision struct {
	Allowed              bool                      `json:"allowed"`
	RequiresApproval     bool                      `json:"requires_approval"`
	AccessRequestID      string                    `json:"access_request_id,omitempty"`
	FieldPermissions     metadata.FieldPermissions `json:"field_permissions,omitempty"`
	MatchedPermissionIDs []string                  `json:"matched_permission_ids,omitempty"`
	Cached               bool                      `json:"cached"`
}

// EvaluateInput is one evaluation target, also the unit of batch calls.
type EvaluateInput struct {
	ResourceID string         `json:"resource_id"`
	Action     string         `json:"action"`
	Context    map[string]any `json:"context,omitempty"`
}

// BatchResult pairs a batch item with its outcome; exactly one of
// Decision and Error is set.
type BatchResult struct {
	Decision *Decision      `json:"decision,omitempty"`
	Error    *ErrorResponse `json:"error,omitempty"`
}

// Evaluator orchestrates one evaluation: principal and resource lookup,
// cache probe, approval gate check, role resolution, permission
// aggregation, caching and auditing. All collaborators are injected.
type Evaluator struct {
	reg      *metadata.Registry
	resolver *Resolver
	agg      *Aggregator
	gate     *Gate
	cache    cache.DecisionCache
	ttl      time.Duration
	negTTL   time.Duration
	audit    AuditSink
}

func NewEvaluator(reg *metadata.Registry, resolver *Resolver, agg *Aggregator, gate *Gate, c cache.DecisionCache, ttl, negTTL time.Duration, audit AuditSink) *Evaluator {
	e := &Evaluator{
		reg:      reg,
		resolver: resolver,
		agg:      agg,
		cache:    c,
		ttl:      ttl,
		negTTL:   negTTL,
		audit:    audit,
	}
	if gate != nil {
		e.gate = gate
		gate.SetResolvedHook(func(ctx context.Context, req *metadata.AccessRequest) {
			e.invalidateScope(ctx, req.TenantID, req.RequesterID, "request "+req.ID+" resolved")
		})
	}
	return e
}

// Evaluate answers a single permission check. Outcomes that went through
// the full pipeline are cached; approval-gated outcomes never are, so a
// pending request is re-examined on every call.
func (e *Evaluator) Evaluate(ctx context.Context, principalID string, input EvaluateInput) (*Decision, error) {
	if input.Action == "" {
		return nil, ValidationError("action is required")
	}
	if input.ResourceID == "" {
		return nil, ValidationError("resource id is required")
	}

	principal := e.reg.GetPrincipal(principalID)
	if principal == nil {
		return nil, NotFoundError("principal", principalID)
	}
	resource := e.reg.GetResource(input.ResourceID)
	if resource == nil {
		return nil, NotFoundError("resource", input.ResourceID)
	}

	if !principal.Active {
		decision := &Decision{Allowed: false}
		e.auditDecision(ctx, principal, resource, input.Action, decision, "principal inactive")
		return decision, nil
	}

	key := cache.Key{
		TenantID:     principal.TenantID,
		PrincipalID:  principal.ID,
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		Action:       input.Action,
	}
	if cached, ok, err := e.cache.Get(ctx, key); err != nil {
		log.Printf("WARN: decision cache get failed, treating as miss: %v", err)
	} else if ok {
		decision := &Decision{
			Allowed:              cached.Allowed,
			FieldPermissions:     cached.FieldPermissions,
			MatchedPermissionIDs: cached.MatchedPermissionIDs,
			Cached:               true,
		}
		e.auditDecision(ctx, principal, resource, input.Action, decision, "")
		return decision, nil
	}

	if e.gate != nil {
		if chain := e.gate.MatchChain(resource); chain != nil {
			return e.evaluateGated(ctx, chain, principal, resource, input)
		}
	}

	decision, err := e.evaluateDirect(ctx, principal, resource, input)
	if err != nil {
		return nil, err
	}

	ttl := e.ttl
	if !decision.Allowed {
		ttl = e.negTTL
	}
	value := &cache.Value{
		Allowed:              decision.Allowed,
		FieldPermissions:     decision.FieldPermissions,
		MatchedPermissionIDs: decision.MatchedPermissionIDs,
	}
	if err := e.cache.Set(ctx, key, value, ttl); err != nil {
		log.Printf("WARN: decision cache set failed: %v", err)
	}

	e.auditDecision(ctx, principal, resource, input.Action, decision, "")
	return decision, nil
}

// evaluateGated handles resources covered by an approval chain: open (or
// re-use) an access request. An approved request, whether auto-approved
// or signed off through every level, lifts the gate and evaluation falls
// through to the permission layer. Gated decisions are never cached.
func (e *Evaluator) evaluateGated(ctx context.Context, chain *metadata.ApprovalChain, principal *metadata.Principal, resource *metadata.Resource, input EvaluateInput) (*Decision, error) {
	justification, _ := input.Context["justification"].(string)
	req, err := e.gate.CreateAccessRequest(ctx, chain, principal, resource, input.Action, justification, input.Context)
	if err != nil {
		return nil, err
	}

	if req.Status == metadata.StatusApproved {
		decision, err := e.evaluateDirect(ctx, principal, resource, input)
		if err != nil {
			return nil, err
		}
		decision.AccessRequestID = req.ID
		e.auditDecision(ctx, principal, resource, input.Action, decision, "approved via request "+req.ID+" on chain "+chain.ID)
		return decision, nil
	}

	decision := &Decision{
		Allowed:          false,
		RequiresApproval: true,
		AccessRequestID:  req.ID,
	}
	e.audit.Record(ctx, AuditEvent{
		TenantID:     principal.TenantID,
		PrincipalID:  principal.ID,
		Kind:         AuditApprovalRequired,
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		Action:       input.Action,
		RequestID:    req.ID,
		Allowed:      boolPtr(false),
	})
	return decision, nil
}

// evaluateDirect runs role resolution and permission aggregation with no
// cache or gate involvement.
func (e *Evaluator) evaluateDirect(ctx context.Context, principal *metadata.Principal, resource *metadata.Resource, input EvaluateInput) (*Decision, error) {
	roles, err := e.resolver.Resolve(principal.ID)
	if err != nil {
		return nil, err
	}

	env := approvalEnv(principal, resource, input.Context)
	result := e.agg.Aggregate(roles, resource, input.Action, env)

	decision := &Decision{
		Allowed:          result.Allowed,
		FieldPermissions: result.FieldPermissions,
	}
	for _, perm := range result.MatchedPermissions {
		decision.MatchedPermissionIDs = append(decision.MatchedPermissionIDs, perm.ID)
	}
	return decision, nil
}

// EvaluateBatch evaluates each item independently; one item's failure
// never aborts the rest.
func (e *Evaluator) EvaluateBatch(ctx context.Context, principalID string, inputs []EvaluateInput) []BatchResult {
	results := make([]BatchResult, len(inputs))
	for i, input := range inputs {
		decision, err := e.Evaluate(ctx, principalID, input)
		if err != nil {
			results[i] = BatchResult{Error: asErrorResponse(err)}
			continue
		}
		results[i] = BatchResult{Decision: decision}
	}
	return results
}

// GetFieldPermissions returns the merged field-tier map for a principal
// and resource without an action gate. Never cached.
func (e *Evaluator) GetFieldPermissions(ctx context.Context, principalID, resourceID string, evalCtx map[string]any) (metadata.FieldPermissions, error) {
	principal := e.reg.GetPrincipal(principalID)
	if principal == nil {
		return nil, NotFoundError("principal", principalID)
	}
	resource := e.reg.GetResource(resourceID)
	if resource == nil {
		return nil, NotFoundError("resource", resourceID)
	}

	roles, err := e.resolver.Resolve(principalID)
	if err != nil {
		return nil, err
	}
	env := approvalEnv(principal, resource, evalCtx)
	result := e.agg.Aggregate(roles, resource, "", env)
	return result.FieldPermissions, nil
}

// InvalidatePrincipal drops every cached decision for one principal.
// Called on role assignment or attribute changes.
func (e *Evaluator) InvalidatePrincipal(ctx context.Context, principalID string) error {
	principal := e.reg.GetPrincipal(principalID)
	if principal == nil {
		return NotFoundError("principal", principalID)
	}
	e.invalidateScope(ctx, principal.TenantID, principal.ID, "principal mutated")
	return nil
}

// InvalidateRole drops cached decisions for every principal whose
// resolved closure contains the role. Coarse on purpose: correctness
// comes first, the cache refills on demand.
func (e *Evaluator) InvalidateRole(ctx context.Context, roleID string) error {
	if e.reg.GetRole(roleID) == nil {
		return NotFoundError("role", roleID)
	}

	for _, principalID := range e.reg.AllPrincipalIDs() {
		roles, err := e.resolver.Resolve(principalID)
		if err != nil {
			log.Printf("WARN: resolve %s during role invalidation: %v", principalID, err)
			continue
		}
		if !roles[roleID] {
			continue
		}
		principal := e.reg.GetPrincipal(principalID)
		if principal == nil {
			continue
		}
		e.invalidateScope(ctx, principal.TenantID, principal.ID, "role "+roleID+" mutated")
	}
	return nil
}

// ClearCache clears by raw scope prefix; empty scope clears everything.
func (e *Evaluator) ClearCache(ctx context.Context, scope string) error {
	if err := e.cache.Clear(ctx, scope); err != nil {
		return UnavailableError(fmt.Sprintf("clear decision cache: %v", err))
	}
	e.audit.Record(ctx, AuditEvent{Kind: AuditCacheInvalidated, Reason: "manual clear, scope " + scope})
	return nil
}

// CacheStats reports cache counters.
func (e *Evaluator) CacheStats(ctx context.Context) (cache.Stats, error) {
	stats, err := e.cache.Stats(ctx)
	if err != nil {
		return cache.Stats{}, UnavailableError(fmt.Sprintf("cache stats: %v", err))
	}
	return stats, nil
}

func (e *Evaluator) invalidateScope(ctx context.Context, tenantID, principalID, reason string) {
	if err := e.cache.Clear(ctx, cache.PrincipalScope(tenantID, principalID)); err != nil {
		log.Printf("ERROR: invalidate cache for principal %s: %v", principalID, err)
		return
	}
	e.audit.Record(ctx, AuditEvent{
		TenantID:    tenantID,
		PrincipalID: principalID,
		Kind:        AuditCacheInvalidated,
		Reason:      reason,
	})
}

func (e *Evaluator) auditDecision(ctx context.Context, principal *metadata.Principal, resource *metadata.Resource, action string, decision *Decision, reason string) {
	e.audit.Record(ctx, AuditEvent{
		TenantID:     principal.TenantID,
		PrincipalID:  principal.ID,
		Kind:         AuditDecision,
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		Action:       action,
		Allowed:      boolPtr(decision.Allowed),
		Reason:       reason,
	})
}

// asErrorResponse converts any error into the wire error shape, mapping
// unknown errors to a generic internal failure.
func asErrorResponse(err error) *ErrorResponse {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &ErrorResponse{Error: appErr}
	}
	return &ErrorResponse{Error: NewAppError("INTERNAL_ERROR", 500, err.Error())}
}
