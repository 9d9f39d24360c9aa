package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/wikirag/internal/port"
)

// HistoryHandler serves the stored chat history.
type HistoryHandler struct {
	store port.HistoryStore
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(store port.HistoryStore) *HistoryHandler {
	return &HistoryHandler{store: store}
}

// Register sets up history routes.
func (h *HistoryHandler) Register(router fiber.Router) {
	router.Get("/history", h.List)
}

// List returns chat messages newest first.
func (h *HistoryHandler) List(c fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "100"))
	if err != nil || limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid limit"})
	}

	msgs, err := h.store.List(c.Context(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"messages": msgs,
		"count":    len(msgs),
	})
}
