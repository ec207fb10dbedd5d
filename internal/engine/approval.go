package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"accessgate/internal/metadata"
	"accessgate/internal/store"
)

// Gate decides whether an action needs a multi-level approval workflow
// and drives request/approval state machines. All state transitions go
// through the RequestStore's conditional updates, so concurrent deciders
// (a human approver and the escalation sweep, or two approvers for the
// same level) resolve to exactly one winner; losers get CONFLICT.
type Gate struct {
	reg      *metadata.Registry
	requests RequestStore
	resolver *Resolver
	notifier Notifier
	audit    AuditSink

	// onResolved fires after a request reaches approved or denied; the
	// orchestrator hooks cache invalidation here.
	onResolved func(ctx context.Context, req *metadata.AccessRequest)

	// grantWindow is how long a fully approved request keeps satisfying
	// the gate. Zero means approvals never lapse.
	grantWindow time.Duration

	now func() time.Time
}

// DefaultGrantWindow bounds how long an approval keeps granting the
// requested action before the requester must go through the chain again.
const DefaultGrantWindow = 24 * time.Hour

func NewGate(reg *metadata.Registry, requests RequestStore, resolver *Resolver, notifier Notifier, audit AuditSink) *Gate {
	return &Gate{
		reg:         reg,
		requests:    requests,
		resolver:    resolver,
		notifier:    notifier,
		audit:       audit,
		grantWindow: DefaultGrantWindow,
		now:         time.Now,
	}
}

// SetGrantWindow overrides how long approved requests keep satisfying
// the gate. Zero disables expiry.
func (g *Gate) SetGrantWindow(d time.Duration) {
	g.grantWindow = d
}

// SetResolvedHook registers the callback invoked when a request resolves.
func (g *Gate) SetResolvedHook(hook func(ctx context.Context, req *metadata.AccessRequest)) {
	g.onResolved = hook
}

// MatchChain returns the first active approval chain covering the
// resource, or nil. Chains without levels cannot gate anything and are
// skipped.
func (g *Gate) MatchChain(resource *metadata.Resource) *metadata.ApprovalChain {
	for _, chain := range g.reg.ActiveChains() {
		if len(chain.Levels) == 0 {
			log.Printf("WARN: approval chain %s has no levels, skipping", chain.ID)
			continue
		}
		if MatchesChain(chain, resource) {
			return chain
		}
	}
	return nil
}

// CreateAccessRequest opens an approval workflow for the requester, or
// resolves it immediately when the chain's auto-approve rules hold. A
// prior approved request for the same resource and action inside the
// grant window is returned instead of re-gating the requester, and an
// open request by the same requester is returned instead of creating a
// duplicate.
func (g *Gate) CreateAccessRequest(ctx context.Context, chain *metadata.ApprovalChain, requester *metadata.Principal, resource *metadata.Resource, action, justification string, evalCtx map[string]any) (*metadata.AccessRequest, error) {
	first := chain.FirstLevel()
	if first == nil {
		return nil, ValidationError(fmt.Sprintf("approval chain %s has no levels", chain.ID))
	}

	details := metadata.RequestDetails{
		ResourceType:  resource.Type,
		ResourceID:    resource.ID,
		Action:        action,
		Justification: justification,
	}

	if granted, err := g.approvedGrant(ctx, chain.ID, requester.ID, details); err != nil {
		return nil, UnavailableError(fmt.Sprintf("look up approved requests: %v", err))
	} else if granted != nil {
		return granted, nil
	}

	if existing, err := g.findOpenRequest(ctx, chain.ID, requester.ID, details); err != nil {
		return nil, UnavailableError(fmt.Sprintf("list open requests: %v", err))
	} else if existing != nil {
		return existing, nil
	}

	now := g.now()
	req := &metadata.AccessRequest{
		ID:             uuid.New().String(),
		TenantID:       requester.TenantID,
		RequesterID:    requester.ID,
		ChainID:        chain.ID,
		Details:        details,
		Status:         metadata.StatusPending,
		CurrentLevel:   first.Level,
		CreatedAt:      now,
		LevelEnteredAt: now,
	}

	env := approvalEnv(requester, resource, evalCtx)
	if g.autoApproves(chain, first, env) {
		req.Status = metadata.StatusApproved
		if err := g.requests.Create(ctx, req); err != nil {
			return nil, UnavailableError(fmt.Sprintf("persist auto-approved request: %v", err))
		}
		g.audit.Record(ctx, AuditEvent{
			TenantID:     req.TenantID,
			PrincipalID:  requester.ID,
			Kind:         AuditAutoApproved,
			ResourceType: resource.Type,
			ResourceID:   resource.ID,
			Action:       action,
			RequestID:    req.ID,
		})
		return req, nil
	}

	if err := g.requests.Create(ctx, req); err != nil {
		return nil, UnavailableError(fmt.Sprintf("persist access request: %v", err))
	}
	g.audit.Record(ctx, AuditEvent{
		TenantID:     req.TenantID,
		PrincipalID:  requester.ID,
		Kind:         AuditRequestCreated,
		ResourceType: resource.Type,
		ResourceID:   resource.ID,
		Action:       action,
		RequestID:    req.ID,
	})
	dispatchNotify(g.notifier, first.ApproverRole, req.ID, first.Level)
	return req, nil
}

// autoApproves evaluates the chain's auto-approve rules: the merged
// condition maps (first-level keys override chain-level keys for the
// same path, otherwise both apply) plus the optional guard expression.
// A chain with no rules configured never auto-approves.
func (g *Gate) autoApproves(chain *metadata.ApprovalChain, first *metadata.ApprovalLevel, env map[string]any) bool {
	merged := mergeAutoApprove(chain.AutoApprove, first.AutoApprove)
	if len(merged) == 0 && chain.AutoApproveGuard == "" {
		return false
	}
	return EvaluateConditions(merged, env) && EvaluateGuard(chain, env)
}

// mergeAutoApprove combines chain-level and level-specific auto-approve
// conditions; a level condition replaces a chain condition with the same
// path.
func mergeAutoApprove(chainConds, levelConds []metadata.Condition) []metadata.Condition {
	levelPaths := make(map[string]bool, len(levelConds))
	for _, c := range levelConds {
		levelPaths[c.Path] = true
	}

	merged := make([]metadata.Condition, 0, len(chainConds)+len(levelConds))
	for _, c := range chainConds {
		if !levelPaths[c.Path] {
			merged = append(merged, c)
		}
	}
	return append(merged, levelConds...)
}

// approvalEnv builds the namespaced environment conditions and guards
// evaluate against: requester.*, resource.*, context.*.
func approvalEnv(requester *metadata.Principal, resource *metadata.Resource, evalCtx map[string]any) map[string]any {
	requesterEnv := map[string]any{
		"id":              requester.ID,
		"tenant_id":       requester.TenantID,
		"service_account": requester.ServiceAccount,
	}
	for k, v := range requester.Attributes {
		requesterEnv[k] = v
	}

	resourceEnv := map[string]any{
		"id":   resource.ID,
		"type": resource.Type,
		"path": resource.Path,
	}
	for k, v := range resource.Attributes {
		resourceEnv[k] = v
	}

	if evalCtx == nil {
		evalCtx = map[string]any{}
	}
	return map[string]any{
		"requester": requesterEnv,
		"resource":  resourceEnv,
		"context":   evalCtx,
	}
}

// approvedGrant returns a prior approved request covering the same ask,
// still inside the grant window. A resolved approval keeps satisfying
// the gate; otherwise the requester would be sent straight back into the
// approval queue on the evaluation after their final sign-off.
func (g *Gate) approvedGrant(ctx context.Context, chainID, requesterID string, details metadata.RequestDetails) (*metadata.AccessRequest, error) {
	req, err := g.requests.FindApproved(ctx, chainID, requesterID, details.ResourceID, details.Action)
	if err != nil || req == nil {
		return nil, err
	}
	if g.grantWindow > 0 {
		decidedAt := req.UpdatedAt
		if decidedAt.IsZero() {
			decidedAt = req.CreatedAt
		}
		if g.now().Sub(decidedAt) > g.grantWindow {
			return nil, nil
		}
	}
	return req, nil
}

func (g *Gate) findOpenRequest(ctx context.Context, chainID, requesterID string, details metadata.RequestDetails) (*metadata.AccessRequest, error) {
	open, err := g.requests.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	for _, req := range open {
		if req.ChainID == chainID && req.RequesterID == requesterID &&
			req.Details.ResourceID == details.ResourceID && req.Details.Action == details.Action {
			return req, nil
		}
	}
	return nil, nil
}

// GetRequest returns an access request by id.
func (g *Gate) GetRequest(ctx context.Context, requestID string) (*metadata.AccessRequest, error) {
	req, err := g.requests.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError("access request", requestID)
		}
		return nil, UnavailableError(fmt.Sprintf("load access request: %v", err))
	}
	return req, nil
}

// RecordDecision applies an approver's decision at a level.
//
// Rejections: UNAUTHORIZED when the approver does not hold the level's
// approver role; CONFLICT when the request is already resolved, the level
// is not the active one, a terminal decision for the level exists, or a
// concurrent writer won the transition race. The engine never retries; a
// caller receiving CONFLICT re-reads and decides again.
func (g *Gate) RecordDecision(ctx context.Context, requestID, approverID string, level int, decision, comments string) (*metadata.AccessRequest, error) {
	if decision != metadata.DecisionApproved && decision != metadata.DecisionDenied {
		return nil, ValidationError(fmt.Sprintf("unknown decision %q", decision))
	}

	req, err := g.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	chain := g.reg.GetChain(req.ChainID)
	if chain == nil {
		return nil, NotFoundError("approval chain", req.ChainID)
	}
	lvl := chain.LevelAt(level)
	if lvl == nil {
		return nil, ValidationError(fmt.Sprintf("chain %s has no level %d", chain.ID, level))
	}

	approverRoles, err := g.resolver.Resolve(approverID)
	if err != nil {
		return nil, err
	}
	if !approverRoles[lvl.ApproverRole] {
		g.recordMutationFailed(ctx, req, "approver lacks role "+lvl.ApproverRole)
		return nil, UnauthorizedError(fmt.Sprintf("principal %s does not hold approver role for level %d", approverID, level))
	}

	if !req.Open() {
		return nil, ConflictError(fmt.Sprintf("request %s already %s", req.ID, req.Status))
	}
	if level != req.CurrentLevel {
		return nil, ConflictError(fmt.Sprintf("request %s is at level %d, not %d", req.ID, req.CurrentLevel, level))
	}

	update, next := g.decisionUpdate(chain, level, decision)
	approval := &metadata.Approval{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		ApproverID: approverID,
		Level:      level,
		Decision:   decision,
		Comments:   comments,
		CreatedAt:  g.now(),
	}

	applied, err := g.requests.Decide(ctx, approval, req.Status, req.CurrentLevel, update)
	if err != nil {
		return nil, UnavailableError(fmt.Sprintf("record decision: %v", err))
	}
	if !applied {
		g.recordMutationFailed(ctx, req, "lost decision race at level "+fmt.Sprint(level))
		return nil, ConflictError(fmt.Sprintf("decision for request %s level %d already recorded", req.ID, level))
	}

	req.Status = update.Status
	req.CurrentLevel = update.CurrentLevel
	if update.ResetLevelEntered {
		req.LevelEnteredAt = g.now()
	}

	switch req.Status {
	case metadata.StatusApproved:
		g.auditTransition(ctx, req, AuditRequestApproved, "")
		g.fireResolved(ctx, req)
	case metadata.StatusDenied:
		g.auditTransition(ctx, req, AuditRequestDenied, "")
		g.fireResolved(ctx, req)
	case metadata.StatusPendingNextLevel:
		g.auditTransition(ctx, req, AuditRequestAdvanced, fmt.Sprintf("advanced to level %d", req.CurrentLevel))
		if next != nil {
			dispatchNotify(g.notifier, next.ApproverRole, req.ID, next.Level)
		}
	}

	return req, nil
}

// decisionUpdate computes the transition a decision causes: denial is
// terminal; approval at the final level grants, otherwise the request
// advances to the next level with a fresh timeout clock.
func (g *Gate) decisionUpdate(chain *metadata.ApprovalChain, level int, decision string) (RequestUpdate, *metadata.ApprovalLevel) {
	if decision == metadata.DecisionDenied {
		return RequestUpdate{Status: metadata.StatusDenied, CurrentLevel: level}, nil
	}
	next := chain.NextLevelAfter(level)
	if next == nil {
		return RequestUpdate{Status: metadata.StatusApproved, CurrentLevel: level}, nil
	}
	return RequestUpdate{
		Status:            metadata.StatusPendingNextLevel,
		CurrentLevel:      next.Level,
		ResetLevelEntered: true,
	}, next
}

// Cancel withdraws an open request. Only the requester may cancel, and
// only while the request is still pending.
func (g *Gate) Cancel(ctx context.Context, requestID, byPrincipalID string) (*metadata.AccessRequest, error) {
	req, err := g.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != byPrincipalID {
		return nil, UnauthorizedError(fmt.Sprintf("principal %s is not the requester of %s", byPrincipalID, requestID))
	}
	if !req.Open() {
		return nil, ConflictError(fmt.Sprintf("request %s already %s", req.ID, req.Status))
	}

	update := RequestUpdate{Status: metadata.StatusCancelled, CurrentLevel: req.CurrentLevel}
	applied, err := g.requests.Transition(ctx, req.ID, req.Status, req.CurrentLevel, update)
	if err != nil {
		return nil, UnavailableError(fmt.Sprintf("cancel request: %v", err))
	}
	if !applied {
		return nil, ConflictError(fmt.Sprintf("request %s changed concurrently", req.ID))
	}

	req.Status = metadata.StatusCancelled
	g.auditTransition(ctx, req, AuditRequestCancelled, "")
	return req, nil
}

func (g *Gate) fireResolved(ctx context.Context, req *metadata.AccessRequest) {
	if g.onResolved != nil {
		g.onResolved(ctx, req)
	}
}

func (g *Gate) auditTransition(ctx context.Context, req *metadata.AccessRequest, kind, reason string) {
	g.audit.Record(ctx, AuditEvent{
		TenantID:     req.TenantID,
		PrincipalID:  req.RequesterID,
		Kind:         kind,
		ResourceType: req.Details.ResourceType,
		ResourceID:   req.Details.ResourceID,
		Action:       req.Details.Action,
		RequestID:    req.ID,
		Reason:       reason,
	})
}

func (g *Gate) recordMutationFailed(ctx context.Context, req *metadata.AccessRequest, reason string) {
	g.audit.Record(ctx, AuditEvent{
		TenantID:    req.TenantID,
		PrincipalID: req.RequesterID,
		Kind:        AuditMutationFailed,
		RequestID:   req.ID,
		Reason:      reason,
	})
}
