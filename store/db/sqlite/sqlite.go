package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/deskbridge/internal/profile"
	"github.com/hrygo/deskbridge/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a database specified by its database driver name and a
// driver-specific data source name, usually consisting of at least a
// database name and connection information.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	// Ensure a DSN is set before attempting to open the database.
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect to the database with some sane settings:
	// - No shared-cache: it's obsolete; WAL journal mode is a better solution.
	// - No foreign key constraints: it's currently disabled by default, but it's a
	// good practice to be explicit and prevent future surprises on SQLite upgrades.
	// - Journal mode set to WAL: it's the recommended journal mode for most applications
	// as it prevents locking issues.
	//
	// Notes:
	// - When using the `modernc.org/sqlite` driver, each pragma must be prefixed with `_pragma=`.
	//
	// References:
	// - https://pkg.go.dev/modernc.org/sqlite#Driver.Open
	// - https://www.sqlite.org/sharedcache.html
	// - https://www.sqlite.org/pragma.html
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// SQLite: a single connection is optimal with WAL.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}

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
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id INTEGER NOT NULL,
		entity_type TEXT NOT NULL,
		topic_id INTEGER,
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
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		custom_id TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		state TEXT NOT NULL DEFAULT 'unused',
		used_by_entity INTEGER,
		used_ts BIGINT,
		created_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS message (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		sender_id INTEGER NOT NULL,
		platform_msg_id INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL DEFAULT '',
		created_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_conversation_created
		ON message (conversation_id, created_ts)`,
	`CREATE TABLE IF NOT EXISTS blacklist (
		user_id INTEGER PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		expires_ts BIGINT,
		created_ts BIGINT NOT NULL
	)`,
}

// Migrate creates the schema. Every statement is idempotent, so running it on
// an initialized database is a no-op.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to run migration statement")
		}
	}
	return nil
}
