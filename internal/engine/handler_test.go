package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"accessgate/internal/auth"
	"accessgate/internal/cache"
	"accessgate/internal/metadata"
)

func reloadSnapshot(docActions ...string) metadata.Snapshot {
	return metadata.Snapshot{
		Principals:  []*metadata.Principal{{ID: "alice", TenantID: "t1", Active: true}},
		Roles:       []*metadata.Role{{ID: "editor", TenantID: "t1"}},
		Assignments: map[string][]string{"alice": {"editor"}},
		Permissions: map[string][]*metadata.Permission{
			"editor": {{ID: "p-doc", ResourceType: "document", Actions: docActions}},
		},
		Resources: []*metadata.Resource{{ID: "doc-1", Type: "document", Path: "/doc-1"}},
	}
}

func TestReloadClearsDecisionCache(t *testing.T) {
	reg := metadata.NewRegistry()
	reg.Load(reloadSnapshot("read"))

	gate := NewGate(reg, NewMemRequestStore(), NewResolver(reg), newCaptureNotifier(), NopAuditSink{})
	evaluator := NewEvaluator(reg, NewResolver(reg), NewAggregator(reg), gate,
		cache.NewMemoryCache(), 300*time.Second, 30*time.Second, NopAuditSink{})

	// Stand-in for an admin mutation: the reloaded metadata grants a new
	// action on documents.
	reload := func(c *fiber.Ctx) error {
		reg.Load(reloadSnapshot("read", "delete"))
		return nil
	}
	handler := NewHandler(evaluator, gate, reg, reload)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterRoutes(app, handler, "test-secret")

	input := EvaluateInput{ResourceID: "doc-1", Action: "delete"}
	first, err := evaluator.Evaluate(context.Background(), "alice", input)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Allowed {
		t.Fatal("delete must be denied before the reload")
	}
	warmed, err := evaluator.Evaluate(context.Background(), "alice", input)
	if err != nil {
		t.Fatalf("evaluate again: %v", err)
	}
	if !warmed.Cached {
		t.Fatal("denial should be cached before the reload")
	}

	token, err := auth.GenerateAccessToken("test-secret", "alice", "t1", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/admin/reload", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("reload request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from reload, got %d", resp.StatusCode)
	}

	after, err := evaluator.Evaluate(context.Background(), "alice", input)
	if err != nil {
		t.Fatalf("evaluate after reload: %v", err)
	}
	if after.Cached {
		t.Fatal("reload must drop cached decisions")
	}
	if !after.Allowed {
		t.Fatal("reloaded permission must take effect on the next evaluation")
	}
}
