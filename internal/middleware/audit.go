package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/utils/v2"

	"github.com/arturoeanton/wikirag/internal/domain"
)

// AuditWriter defines how audit records are persisted.
type AuditWriter interface {
	WriteAudit(ctx context.Context, l domain.AuditLog) error
}

// AuditMiddleware records a summary of every request. writer may be nil, in
// which case the summary is only logged.
func AuditMiddleware(writer AuditWriter) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()

		// Fiber strings point into pooled request buffers; the entry outlives the ctx.
		method := utils.CopyString(c.Method())
		path := utils.CopyString(c.Path())
		ip := utils.CopyString(c.IP())
		userAgent := utils.CopyString(c.Get("User-Agent"))

		err := c.Next()

		statusCode := c.Response().StatusCode()
		duration := time.Since(start)
		slog.Debug("audit", "method", method, "path", path, "status", statusCode, "duration", duration)

		if writer == nil {
			return err
		}

		details, _ := json.Marshal(map[string]any{
			"method":      method,
			"status":      statusCode,
			"duration_ms": duration.Milliseconds(),
		})
		entry := domain.AuditLog{
			Action:    domain.AuditActionHTTPRequest,
			Resource:  path,
			Details:   string(details),
			IP:        ip,
			UserAgent: userAgent,
			CreatedAt: start,
		}

		go Record(writer, entry)

		return err
	}
}

// Record persists entry, giving the writer at most five seconds. Failures are
// logged. A nil writer records nothing.
func Record(writer AuditWriter, entry domain.AuditLog) {
	if writer == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writer.WriteAudit(ctx, entry); err != nil {
		slog.Error("failed to write audit log", "action", entry.Action, "error", err)
	}
}
