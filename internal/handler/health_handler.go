package handler

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/wikirag/internal/port"
	"github.com/arturoeanton/wikirag/internal/service"
)

// HealthHandler reports service readiness.
type HealthHandler struct {
	appName   string
	library   *service.Library
	embedder  port.Embedder
	generator port.Generator
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(appName string, library *service.Library, embedder port.Embedder, generator port.Generator) *HealthHandler {
	return &HealthHandler{appName: appName, library: library, embedder: embedder, generator: generator}
}

// Register sets up the health route.
func (h *HealthHandler) Register(router fiber.Router) {
	router.Get("/api/v1/health", h.Health)
}

// Health returns status, corpus size and model identifiers.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	status := "healthy"
	chunks, dim := 0, 0
	builtAt := ""
	if snap := h.library.Snapshot(); snap != nil {
		chunks, dim = snap.Len(), snap.Dimension()
		builtAt = snap.BuiltAt().Format(time.RFC3339)
	} else {
		status = "degraded"
	}
	return c.JSON(fiber.Map{
		"status":          status,
		"app":             h.appName,
		"version":         "1.0.0",
		"chunks":          chunks,
		"dimension":       dim,
		"loaded_at":       builtAt,
		"embedding_model": h.embedder.ModelName(),
		"generator_model": h.generator.ModelName(),
	})
}
