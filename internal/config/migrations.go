package config

import (
	"fmt"
	"strings"
)

// Column types differ between SQLite and PostgreSQL; migrations are written
// once with placeholders and expanded per dialect.
var dialectTypes = map[string]*strings.Replacer{
	DriverSQLite: strings.NewReplacer(
		"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{bool}}", "INTEGER",
		"{{true}}", "1",
		"{{false}}", "0",
		"{{ts}}", "DATETIME",
		"{{bigint}}", "INTEGER",
	),
	DriverPostgres: strings.NewReplacer(
		"{{pk}}", "BIGSERIAL PRIMARY KEY",
		"{{bool}}", "BOOLEAN",
		"{{true}}", "TRUE",
		"{{false}}", "FALSE",
		"{{ts}}", "TIMESTAMPTZ",
		"{{bigint}}", "BIGINT",
	),
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id {{pk}},
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			key_prefix TEXT NOT NULL,
			key_hash TEXT NOT NULL,
			environment TEXT NOT NULL,
			is_active {{bool}} NOT NULL DEFAULT {{true}},
			usage_count {{bigint}} NOT NULL DEFAULT 0,
			created_at {{ts}} NOT NULL,
			last_used_at {{ts}},
			expires_at {{ts}},
			revoked_at {{ts}},
			revoked_reason TEXT NOT NULL DEFAULT ''
		)`,

		// Validation scans active keys of one environment.
		`CREATE INDEX IF NOT EXISTS idx_api_keys_env_active ON api_keys(environment, is_active, revoked_at)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id)`,

		`CREATE TABLE IF NOT EXISTS quota_windows (
			owner_id TEXT PRIMARY KEY,
			plan_tier TEXT NOT NULL,
			monthly_limit {{bigint}} NOT NULL,
			used {{bigint}} NOT NULL DEFAULT 0,
			period_start {{ts}} NOT NULL,
			period_end {{ts}} NOT NULL,
			overage_allowed {{bool}} NOT NULL DEFAULT {{false}},
			api_access {{bool}} NOT NULL DEFAULT {{true}},
			max_api_keys INTEGER NOT NULL DEFAULT 0,
			updated_at {{ts}} NOT NULL
		)`,

		// Idempotency ledger: one row per counted request.
		`CREATE TABLE IF NOT EXISTS usage_records (
			owner_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			amount {{bigint}} NOT NULL,
			created_at {{ts}} NOT NULL,
			PRIMARY KEY (owner_id, request_id)
		)`,

		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			id {{pk}},
			owner_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL DEFAULT '',
			access_token_enc TEXT NOT NULL,
			refresh_token_enc TEXT NOT NULL DEFAULT '',
			expires_at {{ts}} NOT NULL,
			scopes_json TEXT NOT NULL DEFAULT '[]',
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			token_type TEXT NOT NULL DEFAULT 'user',
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL,
			UNIQUE(owner_id, workspace_id)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_events (
			id {{pk}},
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			resource_type TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			success {{bool}} NOT NULL DEFAULT {{true}},
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			created_at {{ts}} NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_audit_actor_time ON audit_events(actor_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(event_type)`,
	}

	expand := dialectTypes[s.driver]
	for _, m := range migrations {
		q := expand.Replace(m)
		if _, err := s.db.Exec(q); err != nil {
			// ALTER TABLE ADD COLUMN fails if the column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, q)
		}
	}
	return nil
}
