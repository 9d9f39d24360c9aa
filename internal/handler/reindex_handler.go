package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/arturoeanton/wikirag/internal/domain"
	"github.com/arturoeanton/wikirag/internal/middleware"
	"github.com/arturoeanton/wikirag/internal/service"
)

// ReindexHandler rebuilds the serving index in the background.
type ReindexHandler struct {
	library *service.Library
	tracker *JobTracker
	audit   middleware.AuditWriter
	running atomic.Bool
}

// NewReindexHandler creates a new reindex handler. audit may be nil.
func NewReindexHandler(library *service.Library, tracker *JobTracker, audit middleware.AuditWriter) *ReindexHandler {
	return &ReindexHandler{library: library, tracker: tracker, audit: audit}
}

// Register sets up reindex routes.
func (h *ReindexHandler) Register(router fiber.Router) {
	router.Post("/reindex", h.Reindex)
}

// Reindex starts a rebuild job and returns its id.
func (h *ReindexHandler) Reindex(c fiber.Ctx) error {
	if !h.running.CompareAndSwap(false, true) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": service.ErrRebuildInProgress.Error()})
	}

	jobID := h.tracker.Start(domain.AuditActionReindex)

	go func() {
		defer h.running.Store(false)
		start := time.Now()
		snap, err := h.library.Rebuild(context.Background(), func(done, total int) {
			h.tracker.Progress(jobID, done, total)
		})
		if err != nil {
			slog.Error("reindex failed", "job_id", jobID, "error", err)
			h.tracker.Fail(jobID, err)
			return
		}
		h.record(jobID, snap.Len(), time.Since(start))
		h.tracker.Complete(jobID, snap.Len(), snap.Dimension())
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": jobID,
		"status": JobRunning,
	})
}

func (h *ReindexHandler) record(jobID string, chunks int, took time.Duration) {
	details, _ := json.Marshal(map[string]any{"job_id": jobID, "chunks": chunks, "duration_ms": took.Milliseconds()})
	middleware.Record(h.audit, domain.AuditLog{Action: domain.AuditActionReindex, Resource: "index", Details: string(details)})
}
