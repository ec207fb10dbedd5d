package engine

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"accessgate/internal/auth"
	"accessgate/internal/metadata"
)

// Handler exposes the engine over HTTP. It is a thin facade: request
// parsing and identity plumbing here, all semantics in the evaluator and
// gate.
type Handler struct {
	evaluator *Evaluator
	gate      *Gate
	reg       *metadata.Registry
	reload    func(c *fiber.Ctx) error
}

// NewHandler builds the facade. reload refreshes the registry from the
// persistence store; pass nil when running without one.
func NewHandler(evaluator *Evaluator, gate *Gate, reg *metadata.Registry, reload func(c *fiber.Ctx) error) *Handler {
	return &Handler{evaluator: evaluator, gate: gate, reg: reg, reload: reload}
}

func (h *Handler) identity(c *fiber.Ctx) (*metadata.Identity, error) {
	identity := auth.IdentityFrom(c)
	if identity == nil {
		return nil, UnauthorizedError("request is not authenticated")
	}
	return identity, nil
}

// Evaluate answers POST /api/evaluate.
func (h *Handler) Evaluate(c *fiber.Ctx) error {
	identity, err := h.identity(c)
	if err != nil {
		return err
	}

	var input EvaluateInput
	if err := c.BodyParser(&input); err != nil {
		return ValidationError("invalid request body: " + err.Error())
	}

	decision, err := h.evaluator.Evaluate(c.Context(), identity.PrincipalID, input)
	if err != nil {
		return err
	}
	return c.JSON(decision)
}

// EvaluateBatch answers POST /api/evaluate/batch.
func (h *Handler) EvaluateBatch(c *fiber.Ctx) error {
	identity, err := h.identity(c)
	if err != nil {
		return err
	}

	var body struct {
		Items []EvaluateInput `json:"items"`
	}
	if err := c.BodyParser(&body); err != nil {
		return ValidationError("invalid request body: " + err.Error())
	}
	if len(body.Items) == 0 {
		return ValidationError("items must not be empty")
	}

	results := h.evaluator.EvaluateBatch(c.Context(), identity.PrincipalID, body.Items)
	return c.JSON(fiber.Map{"results": results})
}

// FieldPermissions answers GET /api/resources/:id/field-permissions.
func (h *Handler) FieldPermissions(c *fiber.Ctx) error {
	identity, err := h.identity(c)
	if err != nil {
		return err
	}

	fields, err := h.evaluator.GetFieldPermissions(c.Context(), identity.PrincipalID, c.Params("id"), nil)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"field_permissions": fields})
}

// CreateRequest answers POST /api/requests: open an approval workflow
// explicitly, without going through an evaluation.
func (h *Handler) CreateRequest(c *fiber.Ctx) error {
	identity, err := h.identity(c)
	if err != nil {
		return err
	}

	var body struct {
		ResourceID    string         `json:"resource_id"`
		Action        string         `json:"action"`
		Justification string         `json:"justification"`
		Context       map[string]any `json:"context"`
	}
	if err := c.BodyParser(&body); err != nil {
		return ValidationError("invalid request body: " + err.Error())
	}
	if body.ResourceID == "" || body.Action == "" {
		return ValidationError("resource_id and action are required")
	}

	requester := h.reg.GetPrincipal(identity.PrincipalID)
	if requester == nil {
		return NotFoundError("principal", identity.PrincipalID)
	}
	resource := h.reg.GetResource(body.ResourceID)
	if resource == nil {
		return NotFoundError("resource", body.ResourceID)
	}
	chain := h.gate.MatchChain(resource)
	if chain == nil {
		return ValidationError(fmt.Sprintf("no approval chain covers resource %s", body.ResourceID))
	}

	req, err := h.gate.CreateAccessRequest(c.Context(), chain, requester, resource, body.Action, body.Justification, body.Context)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// GetRequest answers GET /api/requests/:id.
func (h *Handler) GetRequest(c *fiber.Ctx) error {
	if _, err := h.identity(c); err != nil {
		return err
	}
	req, err := h.gate.GetRequest(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(req)
}

// RecordDecision answers POST /api/requests/:id/decisions.
func (h *Handler) RecordDecision(c *fiber.Ctx) error {
	identity, err := h.identity(c)
	if err != nil {
		return err
	}

	var body struct {
		Level    int    `json:"level"`
		Decision string `json:"decision"`
		Comments string `json:"comments"`
	}
	if err := c.BodyParser(&body); err != nil {
		return ValidationError("invalid request body: " + err.Error())
	}

	req, err := h.gate.RecordDecision(c.Context(), c.Params("id"), identity.PrincipalID, body.Level, body.Decision, body.Comments)
	if err != nil {
		return err
	}
	return c.JSON(req)
}

// CancelRequest answers POST /api/requests/:id/cancel.
func (h *Handler) CancelRequest(c *fiber.Ctx) error {
	identity, err := h.identity(c)
	if err != nil {
		return err
	}

	req, err := h.gate.Cancel(c.Context(), c.Params("id"), identity.PrincipalID)
	if err != nil {
		return err
	}
	return c.JSON(req)
}

// RunSweep answers POST /api/admin/sweep. Operators can force a pass
// between scheduler ticks; the sweep is idempotent.
func (h *Handler) RunSweep(c *fiber.Ctx) error {
	if _, err := h.identity(c); err != nil {
		return err
	}
	escalated, expired, err := h.gate.RunEscalationSweep(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"escalated": escalated, "expired": expired})
}

// Invalidate answers POST /api/admin/invalidate: drop cached decisions
// for a principal or for everyone holding a role.
func (h *Handler) Invalidate(c *fiber.Ctx) error {
	if _, err := h.identity(c); err != nil {
		return err
	}

	var body struct {
		PrincipalID string `json:"principal_id"`
		RoleID      string `json:"role_id"`
		Scope       string `json:"scope"`
	}
	if err := c.BodyParser(&body); err != nil {
		return ValidationError("invalid request body: " + err.Error())
	}

	switch {
	case body.PrincipalID != "":
		if err := h.evaluator.InvalidatePrincipal(c.Context(), body.PrincipalID); err != nil {
			return err
		}
	case body.RoleID != "":
		if err := h.evaluator.InvalidateRole(c.Context(), body.RoleID); err != nil {
			return err
		}
	default:
		if err := h.evaluator.ClearCache(c.Context(), body.Scope); err != nil {
			return err
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// CacheStats answers GET /api/admin/cache/stats.
func (h *Handler) CacheStats(c *fiber.Ctx) error {
	if _, err := h.identity(c); err != nil {
		return err
	}
	stats, err := h.evaluator.CacheStats(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

// Reload answers POST /api/admin/reload: re-read the registry from the
// persistence store after out-of-band metadata changes, then drop every
// cached decision. Entries computed against the old metadata must not
// outlive it.
func (h *Handler) Reload(c *fiber.Ctx) error {
	if _, err := h.identity(c); err != nil {
		return err
	}
	if h.reload == nil {
		return ValidationError("registry reload is not configured")
	}
	if err := h.reload(c); err != nil {
		return UnavailableError("registry reload failed: " + err.Error())
	}
	if err := h.evaluator.ClearCache(c.Context(), ""); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "reloaded"})
}
