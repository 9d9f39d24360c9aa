package handler

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/utils/v2"

	"github.com/arturoeanton/wikirag/internal/domain"
	"github.com/arturoeanton/wikirag/internal/middleware"
	"github.com/arturoeanton/wikirag/internal/service"
)

// ChatHandler answers questions over the corpus.
type ChatHandler struct {
	rag      *service.RAGService
	defaultK int
	audit    middleware.AuditWriter
}

// NewChatHandler creates a new chat handler. Every answered or failed question
// is written to audit as a rag_query record; audit may be nil.
func NewChatHandler(rag *service.RAGService, defaultK int, audit middleware.AuditWriter) *ChatHandler {
	return &ChatHandler{rag: rag, defaultK: defaultK, audit: audit}
}

// Register sets up chat routes.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Post("/chat", h.Chat)
	router.Post("/retrieve", h.Retrieve)
}

type queryRequest struct {
	Query string `json:"query"`
	K     *int   `json:"k"`
}

func (h *ChatHandler) bind(c fiber.Ctx) (string, int, bool) {
	var body queryRequest
	if err := c.Bind().JSON(&body); err != nil {
		return "", 0, false
	}
	k := h.defaultK
	if body.K != nil {
		k = *body.K
	}
	return strings.TrimSpace(body.Query), k, true
}

// Chat answers a question: {query, k?} → {answer, supporting_chunks, sources}.
func (h *ChatHandler) Chat(c fiber.Ctx) error {
	query, k, ok := h.bind(c)
	if !ok || query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Query is required"})
	}

	start := time.Now()
	ans, err := h.rag.Answer(c.Context(), query, k)
	h.recordQuery(c, query, k, ans, err, start)
	if err != nil {
		slog.Error("chat failed", "error", err)
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"answer":            ans.Text,
		"supporting_chunks": ans.Texts(),
		"sources":           ans.SupportingChunks,
	})
}

// Retrieve returns the nearest chunks without generating an answer.
func (h *ChatHandler) Retrieve(c fiber.Ctx) error {
	query, k, ok := h.bind(c)
	if !ok || query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Query is required"})
	}

	chunks, err := h.rag.Retriever().Retrieve(c.Context(), query, k)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"chunks": chunks,
		"count":  len(chunks),
	})
}

func (h *ChatHandler) recordQuery(c fiber.Ctx, query string, k int, ans *domain.Answer, err error, start time.Time) {
	if h.audit == nil {
		return
	}
	details := map[string]any{
		"query":       query,
		"k":           k,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		details["error"] = err.Error()
	} else {
		details["chunks"] = len(ans.SupportingChunks)
	}
	blob, _ := json.Marshal(details)
	middleware.Record(h.audit, domain.AuditLog{
		Action:    domain.AuditActionRAGQuery,
		Resource:  "/chat",
		Details:   string(blob),
		IP:        utils.CopyString(c.IP()),
		UserAgent: utils.CopyString(c.Get("User-Agent")),
		CreatedAt: start,
	})
}
