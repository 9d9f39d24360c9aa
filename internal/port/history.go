package port

import (
	"context"
	"time"

	"github.com/arturoeanton/wikirag/internal/domain"
)

// HistorySink receives the messages of each answered exchange.
type HistorySink interface {
	Append(ctx context.Context, role domain.Role, content string, at time.Time) error
}

// HistoryStore is a HistorySink that can also list past messages.
type HistoryStore interface {
	HistorySink

	// List returns up to limit messages, newest first. limit <= 0 means no limit.
	List(ctx context.Context, limit int) ([]domain.ChatMessage, error)
}

// AuditStore persists and lists audit records.
type AuditStore interface {
	WriteAudit(ctx context.Context, l domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int, action string) ([]domain.AuditLog, error)
}
