package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/hrygo/deskbridge/internal/profile"
	"github.com/hrygo/deskbridge/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a Postgres connection from the profile DSN and verifies it with
// a ping.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, fmt.Errorf("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open db with dsn %s: %w", profile.DSN, err)
	}
	if err := pgDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	driver := DB{db: pgDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

var migrationStmts = []string{
	`CREATE TABLE IF NOT EXISTS conversation (
		id BIGSERIAL PRIMARY KEY,
		entity_id BIGINT NOT NULL,
		entity_type TEXT NOT NULL,
		topic_id BIGINT,
		status TEXT NOT NULL DEFAULT 'pending',
		language TEXT NOT NULL DEFAULT '',
		entity_name TEXT NOT NULL DEFAULT '',
		custom_id TEXT NOT NULL DEFAULT '',
		verification TEXT NOT NULL DEFAULT 'pending',
		pre_bind_count INTEGER NOT NULL DEFAULT 0,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL,
		UNIQUE(entity_id, entity_type)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_topic_id
		ON conversation (topic_id) WHERE topic_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS binding (
		id BIGSERIAL PRIMARY KEY,
		custom_id TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		state TEXT NOT NULL DEFAULT 'unused',
		used_by_entity BIGINT,
		used_ts BIGINT,
		created_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS message (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL,
		direction TEXT NOT NULL,
		sender_id BIGINT NOT NULL,
		platform_msg_id BIGINT NOT NULL DEFAULT 0,
		body TEXT NOT NULL DEFAULT '',
		created_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_conversation_created
		ON message (conversation_id, created_ts)`,
	`CREATE TABLE IF NOT EXISTS blacklist (
		user_id BIGINT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		expires_ts BIGINT,
		created_ts BIGINT NOT NULL
	)`,
}

// Migrate creates the schema. Every statement is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration statement: %w", err)
		}
	}
	return nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func placeholders(n int) string {
	list := []string{}
	for i := 0; i < n; i++ {
		list = append(list, placeholder(i+1))
	}
	return strings.Join(list, ", ")
}
