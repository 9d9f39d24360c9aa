// Package store persists chat history and audit logs. SQLStore talks to
// Postgres (lib/pq) or an embedded SQLite file (modernc.org/sqlite); Memory
// keeps everything in process.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arturoeanton/wikirag/internal/domain"
)

// timeLayout sorts lexicographically, which SQLite relies on for ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect struct {
	name     string
	schema   []string
	numbered bool // $1, $2 instead of ?
	encodeTS func(time.Time) any
}

// SQLStore implements port.HistoryStore and the audit writer over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InitSchema creates the chat_history and audit_logs tables if needed.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for dialects that need it.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// --- Chat history ---

// Append stores one chat message.
func (s *SQLStore) Append(ctx context.Context, role domain.Role, content string, at time.Time) error {
	if !role.Valid() {
		return fmt.Errorf("append history: unknown role %q", role)
	}
	query := s.rebind(`INSERT INTO chat_history (timestamp, role, content) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, s.dialect.encodeTS(at), string(role), content); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// List returns up to limit messages, newest first.
func (s *SQLStore) List(ctx context.Context, limit int) ([]domain.ChatMessage, error) {
	query := `SELECT id, timestamp, role, content FROM chat_history ORDER BY timestamp DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	msgs := []domain.ChatMessage{}
	for rows.Next() {
		var (
			m    domain.ChatMessage
			ts   any
			role string
		)
		if err := rows.Scan(&m.ID, &ts, &role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if m.Timestamp, err = decodeTS(ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		m.Role = domain.Role(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Audit logs ---

// WriteAudit implements middleware.AuditWriter.
func (s *SQLStore) WriteAudit(ctx context.Context, l domain.AuditLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	if l.Details == "" {
		l.Details = "{}"
	}
	query := s.rebind(`INSERT INTO audit_logs (action, resource, details, ip, user_agent, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		l.Action, l.Resource, l.Details, l.IP, l.UserAgent, s.dialect.encodeTS(l.CreatedAt),
	)
	return err
}

// ListAuditLogs returns recent audit logs, optionally filtered by action.
func (s *SQLStore) ListAuditLogs(ctx context.Context, limit int, action string) ([]domain.AuditLog, error) {
	query := `SELECT id, action, resource, details, ip, user_agent, created_at FROM audit_logs`
	var args []any
	if action != "" {
		query += ` WHERE action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.AuditLog{}
	for rows.Next() {
		var (
			l  domain.AuditLog
			ts any
		)
		if err := rows.Scan(&l.ID, &l.Action, &l.Resource, &l.Details, &l.IP, &l.UserAgent, &ts); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if l.CreatedAt, err = decodeTS(ts); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func encodeText(t time.Time) any {
	return t.UTC().Format(timeLayout)
}

func encodeNative(t time.Time) any {
	return t.UTC()
}

func decodeTS(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		return time.Parse(timeLayout, ts)
	case []byte:
		return time.Parse(timeLayout, string(ts))
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}
