package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/arturoeanton/wikirag/internal/domain"
)

// Memory is an in-process history and audit store. Contents are lost on exit.
type Memory struct {
	mu      sync.RWMutex
	history []domain.ChatMessage
	audit   []domain.AuditLog
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{}
}

// Append stores one chat message.
func (m *Memory) Append(ctx context.Context, role domain.Role, content string, at time.Time) error {
	if !role.Valid() {
		return fmt.Errorf("append history: unknown role %q", role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, domain.ChatMessage{
		ID:        int64(len(m.history) + 1),
		Timestamp: at,
		Role:      role,
		Content:   content,
	})
	return nil
}

// List returns up to limit messages, newest first.
func (m *Memory) List(ctx context.Context, limit int) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	out := slices.Clone(m.history)
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b domain.ChatMessage) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []domain.ChatMessage{}
	}
	return out, nil
}

// WriteAudit implements middleware.AuditWriter.
func (m *Memory) WriteAudit(ctx context.Context, l domain.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = int64(len(m.audit) + 1)
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m.audit = append(m.audit, l)
	return nil
}

// ListAuditLogs returns recent audit logs, optionally filtered by action.
func (m *Memory) ListAuditLogs(ctx context.Context, limit int, action string) ([]domain.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := []domain.AuditLog{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		if action != "" && m.audit[i].Action != action {
			continue
		}
		logs = append(logs, m.audit[i])
		if limit > 0 && len(logs) == limit {
			break
		}
	}
	return logs, nil
}
