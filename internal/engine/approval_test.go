package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"accessgate/internal/metadata"
)

type captureNotifier struct {
	ch chan string
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{ch: make(chan string, 16)}
}

func (n *captureNotifier) Notify(_ context.Context, approverRole, _ string, level int) {
	n.ch <- fmt.Sprintf("%s@%d", approverRole, level)
}

func (n *captureNotifier) wait(t *testing.T) string {
	t.Helper()
	select {
	case s := <-n.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ""
	}
}

func intPtr(i int) *int { return &i }

func twoLevelChain() *metadata.ApprovalChain {
	return &metadata.ApprovalChain{
		ID:              "chain-1",
		TenantID:        "t1",
		Name:            "sensitive data access",
		ResourceType:    "sensitive_data",
		ResourcePattern: "sensitive_data:*",
		Levels: []metadata.ApprovalLevel{
			{Level: 1, ApproverRole: "role-mgr", TimeoutHours: 4, EscalateToLevel: intPtr(2)},
			{Level: 2, ApproverRole: "role-vp", TimeoutHours: 8},
		},
		Active: true,
	}
}

func gateFixture(t *testing.T, chains ...*metadata.ApprovalChain) (*Gate, *MemRequestStore, *captureNotifier, *metadata.Registry) {
	t.Helper()

	reg := metadata.NewRegistry()
	reg.Load(metadata.Snapshot{
		Principals: []*metadata.Principal{
			{ID: "requester", TenantID: "t1", Active: true, Attributes: map[string]any{"department": "engineering"}},
			{ID: "mgr", TenantID: "t1", Active: true},
			{ID: "vp", TenantID: "t1", Active: true},
		},
		Roles: []*metadata.Role{
			{ID: "role-mgr", TenantID: "t1"},
			{ID: "role-vp", TenantID: "t1"},
		},
		Assignments: map[string][]string{
			"mgr": {"role-mgr"},
			"vp":  {"role-vp"},
		},
		Resources: []*metadata.Resource{
			{ID: "42", Type: "sensitive_data", Path: "/sensitive/42"},
			{ID: "doc-1", Type: "document", Path: "/doc-1"},
		},
		Chains: chains,
	})

	requests := NewMemRequestStore()
	notifier := newCaptureNotifier()
	gate := NewGate(reg, requests, NewResolver(reg), notifier, NopAuditSink{})
	return gate, requests, notifier, reg
}

func mustCreateRequest(t *testing.T, gate *Gate, reg *metadata.Registry, evalCtx map[string]any) *metadata.AccessRequest {
	t.Helper()
	requester := reg.GetPrincipal("requester")
	resource := reg.GetResource("42")
	chain := gate.MatchChain(resource)
	if chain == nil {
		t.Fatal("expected a matching chain")
	}
	req, err := gate.CreateAccessRequest(context.Background(), chain, requester, resource, "read", "need it", evalCtx)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestMatchChain(t *testing.T) {
	gate, _, _, reg := gateFixture(t, twoLevelChain())

	if gate.MatchChain(reg.GetResource("42")) == nil {
		t.Fatal("expected chain to cover sensitive_data:42")
	}
	if gate.MatchChain(reg.GetResource("doc-1")) != nil {
		t.Fatal("chain must not cover unrelated resource types")
	}
}

func TestMatchChainSkipsInactive(t *testing.T) {
	inactive := twoLevelChain()
	inactive.Active = false
	gate, _, _, reg := gateFixture(t, inactive)

	if gate.MatchChain(reg.GetResource("42")) != nil {
		t.Fatal("inactive chain must not gate anything")
	}
}

func TestCreateAccessRequestPending(t *testing.T) {
	gate, _, notifier, reg := gateFixture(t, twoLevelChain())

	req := mustCreateRequest(t, gate, reg, nil)
	if req.Status != metadata.StatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if req.CurrentLevel != 1 {
		t.Fatalf("expected level 1, got %d", req.CurrentLevel)
	}
	if got := notifier.wait(t); got != "role-mgr@1" {
		t.Fatalf("expected level 1 approvers notified, got %s", got)
	}

	// A second identical call reuses the open request.
	again := mustCreateRequest(t, gate, reg, nil)
	if again.ID != req.ID {
		t.Fatalf("expected existing open request %s, got new %s", req.ID, again.ID)
	}
}

func TestNoAutoApproveWithoutConfig(t *testing.T) {
	gate, _, _, reg := gateFixture(t, twoLevelChain())

	req := mustCreateRequest(t, gate, reg, map[string]any{"urgent": true})
	if req.Status != metadata.StatusPending {
		t.Fatalf("chain with no auto-approve rules must stay pending, got %s", req.Status)
	}
}

func TestAutoApproveConditions(t *testing.T) {
	chain := twoLevelChain()
	chain.AutoApprove = []metadata.Condition{
		{Path: "requester.department", Op: "eq", Value: "engineering"},
		{Path: "context.amount", Op: "range", Value: []any{0, 100}},
	}
	gate, _, _, reg := gateFixture(t, chain)

	req := mustCreateRequest(t, gate, reg, map[string]any{"amount": 50})
	if req.Status != metadata.StatusApproved {
		t.Fatalf("expected auto-approval, got %s", req.Status)
	}
}

func TestAutoApprovePartialConditionsFail(t *testing.T) {
	chain := twoLevelChain()
	chain.AutoApprove = []metadata.Condition{
		{Path: "requester.department", Op: "eq", Value: "engineering"},
		{Path: "context.amount", Op: "range", Value: []any{0, 100}},
	}
	gate, _, _, reg := gateFixture(t, chain)

	req := mustCreateRequest(t, gate, reg, map[string]any{"amount": 5000})
	if req.Status != metadata.StatusPending {
		t.Fatalf("one failing condition must block auto-approval, got %s", req.Status)
	}
}

func TestAutoApproveLevelOverridesChain(t *testing.T) {
	chain := twoLevelChain()
	chain.AutoApprove = []metadata.Condition{
		{Path: "requester.department", Op: "eq", Value: "finance"},
	}
	chain.Levels[0].AutoApprove = []metadata.Condition{
		{Path: "requester.department", Op: "eq", Value: "engineering"},
	}
	gate, _, _, reg := gateFixture(t, chain)

	req := mustCreateRequest(t, gate, reg, nil)
	if req.Status != metadata.StatusApproved {
		t.Fatalf("first-level condition must override the chain condition for the same path, got %s", req.Status)
	}
}

func TestAutoApproveGuard(t *testing.T) {
	chain := twoLevelChain()
	chain.AutoApprove = []metadata.Condition{
		{Path: "requester.department", Op: "eq", Value: "engineering"},
	}
	chain.AutoApproveGuard = `context.amount < 100`
	gate, _, _, reg := gateFixture(t, chain)

	req := mustCreateRequest(t, gate, reg, map[string]any{"amount": 20})
	if req.Status != metadata.StatusApproved {
		t.Fatalf("expected guard to pass, got %s", req.Status)
	}
}

func TestAutoApproveGuardBlocks(t *testing.T) {
	chain := twoLevelChain()
	chain.AutoApprove = []metadata.Condition{
		{Path: "requester.department", Op: "eq", Value: "engineering"},
	}
	chain.AutoApproveGuard = `context.amount < 100`
	gate, _, _, reg := gateFixture(t, chain)

	req := mustCreateRequest(t, gate, reg, map[string]any{"amount": 500})
	if req.Status != metadata.StatusPending {
		t.Fatalf("failing guard must block auto-approval, got %s", req.Status)
	}
}

func TestRecordDecisionProgression(t *testing.T) {
	gate, _, notifier, reg := gateFixture(t, twoLevelChain())

	var resolved *metadata.AccessRequest
	gate.SetResolvedHook(func(_ context.Context, req *metadata.AccessRequest) { resolved = req })

	req := mustCreateRequest(t, gate, reg, nil)
	notifier.wait(t) // level 1 notification

	updated, err := gate.RecordDecision(context.Background(), req.ID, "mgr", 1, metadata.DecisionApproved, "lgtm")
	if err != nil {
		t.Fatalf("level 1 decision: %v", err)
	}
	if updated.Status != metadata.StatusPendingNextLevel || updated.CurrentLevel != 2 {
		t.Fatalf("expected advance to level 2, got %s level %d", updated.Status, updated.CurrentLevel)
	}
	if got := notifier.wait(t); got != "role-vp@2" {
		t.Fatalf("expected level 2 approvers notified, got %s", got)
	}
	if resolved != nil {
		t.Fatal("resolved hook must not fire before the final level")
	}

	final, err := gate.RecordDecision(context.Background(), req.ID, "vp", 2, metadata.DecisionApproved, "")
	if err != nil {
		t.Fatalf("level 2 decision: %v", err)
	}
	if final.Status != metadata.StatusApproved {
		t.Fatalf("expected approved, got %s", final.Status)
	}
	if resolved == nil || resolved.ID != req.ID {
		t.Fatal("resolved hook must fire on final approval")
	}
}

func TestRecordDecisionDeniedIsTerminal(t *testing.T) {
	gate, _, notifier, reg := gateFixture(t, twoLevelChain())
	req := mustCreateRequest(t, gate, reg, nil)
	notifier.wait(t)

	updated, err := gate.RecordDecision(context.Background(), req.ID, "mgr", 1, metadata.DecisionDenied, "nope")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if updated.Status != metadata.StatusDenied {
		t.Fatalf("expected denied, got %s", updated.Status)
	}

	_, err = gate.RecordDecision(context.Background(), req.ID, "mgr", 1, metadata.DecisionApproved, "")
	if appErr, ok := err.(*AppError); !ok || appErr.Code != "CONFLICT" {
		t.Fatalf("decision on resolved request must conflict, got %v", err)
	}
}

func TestRecordDecisionUnauthorizedApprover(t *testing.T) {
	gate, _, notifier, reg := gateFixture(t, twoLevelChain())
	req := mustCreateRequest(t, gate, reg, nil)
	notifier.wait(t)

	_, err := gate.RecordDecision(context.Background(), req.ID, "requester", 1, metadata.DecisionApproved, "")
	if appErr, ok := err.(*AppError); !ok || appErr.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED for non-approver, got %v", err)
	}

	// vp holds the level 2 role, not level 1.
	_, err = gate.RecordDecision(context.Background(), req.ID, "vp", 1, metadata.DecisionApproved, "")
	if appErr, ok := err.(*AppError); !ok || appErr.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED for wrong-level approver, got %v", err)
	}
}

func TestRecordDecisionWrongLevelConflicts(t *testing.T) {
	gate, _, notifier, reg := gateFixture(t, twoLevelChain())
	req := mustCreateRequest(t, gate, reg, nil)
	notifier.wait(t)

	_, err := gate.RecordDecision(context.Background(), req.ID, "vp", 2, metadata.DecisionApproved, "")
	if appErr, ok := err.(*AppError); !ok || appErr.Code != "CONFLICT" {
		t.Fatalf("deciding a non-active level must conflict, got %v", err)
	}
}

func TestRecordDecisionValidation(t *testing.T) {
	gate, _, notifier, reg := gateFixture(t, twoLevelChain())
	req := mustCreateRequest(t, gate, reg, nil)
	notifier.wait(t)

	_, err := gate.RecordDecision(context.Background(), req.ID, "mgr", 1, "maybe", "")
	if appErr, ok := err.(*AppError); !ok || appErr.Code != "VALIDATION_FAILED" {
		t.Fatalf("expected VALIDATION_FAILED for unknown decision, got %v", err)
	}

	_, err = gate.RecordDecision(context.Background(), "missing", "mgr", 1, metadata.DecisionApproved, "")
	if appErr, ok := err.(*AppError); !ok || appErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for unknown request, got %v", err)
	}
}

func TestConcurrentDecisionsExactlyOneWins(t *testing.T) {
	gate, _, notifier, reg := gateFixture(t, twoLevelChain())
	req := mustCreateRequest(t, gate, reg, nil)
	notifier.wait(t)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = gate.RecordDecision(context.Background(), req.ID, "mgr", 1, metadata.DecisionApproved, "")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = gate.RecordDecision(context.Background(), req.ID, "mgr", 1, metadata.DecisionDenied, "")
	}()
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			if appErr, ok := err.(*AppError); ok && appErr.Code == "CONFLICT" {
				conflicts++
			} else {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got %d wins %d conflicts", wins, conflicts)
	}

	final, err := gate.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reload request: %v", err)
	}
	if final.Open() && final.CurrentLevel == 1 {
		t.Fatalf("request must have left level 1, got %s level %d", final.Status, final.CurrentLevel)
	}
}

func TestApprovedRequestSatisfiesGate(t *testing.T) {
	gate, _, notifier, reg := gateFixture(t, twoLevelChain())

	req := mustCreateRequest(t, gate, reg, nil)
	notifier.wait(t)
	if _, err := gate.RecordDecision(context.Background(), req.ID, "mgr", 1, metadata.DecisionApproved, ""); err != nil {
		t.Fatalf("level 1: %v", err)
	}
	notifier.wait(t)
	if _, err := gate.RecordDecision(context.Background(), req.ID, "vp", 2, metadata.DecisionApproved, ""); err != nil {
		t.Fatalf("level 2: %v", err)
	}

	// Asking again returns the approved request instead of re-gating the
	// requester into a fresh pending workflow.
	again := mustCreateRequest(t, gate, reg, nil)
	if again.ID != req.ID {
		t.Fatalf("expected approved request %s to satisfy the gate, got new request %s", req.ID, again.ID)
	}
	if again.Status != metadata.StatusApproved {
		t.Fatalf("expected approved, got %s", again.Status)
	}
}

func TestApprovedGrantExpires(t *testing.T) {
	gate, _, notifier, reg := gateFixture(t, twoLevelChain())
	gate.SetGrantWindow(time.Hour)

	req := mustCreateRequest(t, gate, reg, nil)
	notifier.wait(t)
	if _, err := gate.RecordDecision(context.Background(), req.ID, "mgr", 1, metadata.DecisionApproved, ""); err != nil {
		t.Fatalf("level 1: %v", err)
	}
	notifier.wait(t)
	if _, err := gate.RecordDecision(context.Background(), req.ID, "vp", 2, metadata.DecisionApproved, ""); err != nil {
		t.Fatalf("level 2: %v", err)
	}

	gate.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	again := mustCreateRequest(t, gate, reg, nil)
	if again.ID == req.ID {
		t.Fatal("a lapsed grant must not satisfy the gate")
	}
	if again.Status != metadata.StatusPending {
		t.Fatalf("expected a fresh pending request, got %s", again.Status)
	}
}

func TestCancel(t *testing.T) {
	gate, _, notifier, reg := gateFixture(t, twoLevelChain())
	req := mustCreateRequest(t, gate, reg, nil)
	notifier.wait(t)

	if _, err := gate.Cancel(context.Background(), req.ID, "mgr"); err == nil {
		t.Fatal("only the requester may cancel")
	}

	cancelled, err := gate.Cancel(context.Background(), req.ID, "requester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != metadata.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	_, err = gate.Cancel(context.Background(), req.ID, "requester")
	if appErr, ok := err.(*AppError); !ok || appErr.Code != "CONFLICT" {
		t.Fatalf("cancelling a resolved request must conflict, got %v", err)
	}
}
