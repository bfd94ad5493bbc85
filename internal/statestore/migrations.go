package statestore

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS onboarding_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity TEXT NOT NULL CHECK(length(identity) > 0),
	agent_id TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL CHECK(status IN ('new','active','pending_welcome','collecting_info','ready_for_handover','complete','cancelled','oauth_failed')),
	name TEXT,
	email TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	expires_at TEXT,
	oauth_nonce TEXT,
	oauth_status TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS onboarding_records_live_identity
ON onboarding_records(identity)
WHERE status != 'cancelled';

CREATE TABLE IF NOT EXISTS state_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity TEXT NOT NULL,
	from_status TEXT,
	to_status TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX IF NOT EXISTS onboarding_records_identity ON onboarding_records(identity, id);
CREATE INDEX IF NOT EXISTS onboarding_records_updated_at ON onboarding_records(updated_at) WHERE status NOT IN ('complete','cancelled');
CREATE UNIQUE INDEX IF NOT EXISTS onboarding_records_oauth_nonce ON onboarding_records(oauth_nonce) WHERE oauth_nonce IS NOT NULL;
CREATE INDEX IF NOT EXISTS state_transitions_identity ON state_transitions(identity, id);
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}
