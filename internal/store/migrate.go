package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in
// schema_version. Statements must run unchanged on SQLite and PostgreSQL.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: messages, customers, identities, conversations",
		SQL: `
		CREATE TABLE IF NOT EXISTS customers (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			metadata    TEXT NOT NULL DEFAULT '{}',
			created_at  BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS identities (
			id          TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
			type        TEXT NOT NULL,
			value       TEXT NOT NULL,
			raw_value   TEXT NOT NULL DEFAULT '',
			provider    TEXT NOT NULL DEFAULT '',
			created_at  BIGINT NOT NULL,
			UNIQUE (type, value)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			customer_id     TEXT NOT NULL DEFAULT '',
			channel         TEXT NOT NULL,
			thread_key      TEXT NOT NULL UNIQUE,
			participants    TEXT NOT NULL DEFAULT '[]',
			status          TEXT NOT NULL DEFAULT 'active',
			tags            TEXT NOT NULL DEFAULT '[]',
			last_message_at BIGINT NOT NULL DEFAULT 0,
			created_at      BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			provider_id         TEXT NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			channel             TEXT NOT NULL,
			direction           TEXT NOT NULL,
			from_value          TEXT NOT NULL,
			to_value            TEXT NOT NULL,
			body                TEXT NOT NULL DEFAULT '',
			content_type        TEXT NOT NULL,
			message_hash        TEXT NOT NULL,
			thread_key          TEXT NOT NULL DEFAULT '',
			customer_id         TEXT NOT NULL DEFAULT '',
			conversation_id     TEXT NOT NULL DEFAULT '',
			attachments         TEXT NOT NULL DEFAULT '[]',
			provider_meta       TEXT NOT NULL DEFAULT '{}',
			ts                  BIGINT NOT NULL,
			created_at          BIGINT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_provider_msg
			ON messages(provider_id, provider_message_id) WHERE provider_message_id <> '';
		`,
	},
	{
		Version:     2,
		Description: "v2: lookup indexes for pair queries, conversation listing and recent threads",
		SQL: `
		CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(channel, from_value, to_value, ts);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, ts);
		CREATE INDEX IF NOT EXISTS idx_messages_hash ON messages(message_hash);
		CREATE INDEX IF NOT EXISTS idx_identities_customer ON identities(customer_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_recent ON conversations(channel, status, last_message_at);
		`,
	},
}

// RunMigrations applies all pending schema migrations, one transaction per
// version.
func RunMigrations(ctx context.Context, db *sql.DB, d dialect, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current := 0
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description, "dialect", d)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.ExecContext(ctx,
			d.rebind("INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Description, time.Now().UTC().UnixNano(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, or 0 before the first.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// splitSQL splits a multi-statement script on semicolons. Statements must
// not contain semicolons inside literals.
func splitSQL(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
