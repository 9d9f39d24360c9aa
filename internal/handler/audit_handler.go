package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/wikirag/internal/port"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditHandler exposes the audit trail.
type AuditHandler struct {
	store port.AuditStore
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(store port.AuditStore) *AuditHandler {
	return &AuditHandler{store: store}
}

// Register sets up audit routes.
func (h *AuditHandler) Register(router fiber.Router) {
	router.Get("/audit/logs", h.ListLogs)
}

// ListLogs returns the newest audit records, optionally filtered by action:
// GET /audit/logs?limit=50&action=reindex.
func (h *AuditHandler) ListLogs(c fiber.Ctx) error {
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a positive integer"})
		}
		limit = min(n, maxAuditLimit)
	}

	records, err := h.store.ListAuditLogs(c.Context(), limit, c.Query("action"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"logs": records, "count": len(records)})
}
