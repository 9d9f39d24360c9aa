package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	encodeTS: encodeNative,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS chat_history (
			id        BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			role      TEXT NOT NULL,
			content   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_history_timestamp ON chat_history (timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id         BIGSERIAL PRIMARY KEY,
			action     TEXT NOT NULL,
			resource   TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT '{}',
			ip         TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	},
}

// NewPostgresStore opens a connection and returns a store instance.
func NewPostgresStore(databaseURL string) (*SQLStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLStore{db: db, dialect: postgresDialect}, nil
}
