package store

import (
	"strings"

	"github.com/aether-os/aether/internal/db/dialect"
)

// Schema statements are portable between SQLite and Postgres: TEXT primary
// keys, TIMESTAMP columns, JSON blobs as TEXT.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		role          TEXT NOT NULL DEFAULT 'user',
		created_at    TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		token      TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tokens_user ON tokens(user_id)`,
	`CREATE TABLE IF NOT EXISTS orgs (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		owner_uid    TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS org_members (
		org_id  TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role    TEXT NOT NULL,
		PRIMARY KEY (org_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS teams (
		id         TEXT PRIMARY KEY,
		org_id     TEXT NOT NULL,
		name       TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (org_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS team_members (
		team_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (team_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS processes (
		pid         INTEGER PRIMARY KEY,
		ppid        INTEGER NOT NULL DEFAULT 0,
		uid         TEXT NOT NULL,
		owner_uid   TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		role        TEXT NOT NULL DEFAULT '',
		goal        TEXT NOT NULL DEFAULT '',
		state       TEXT NOT NULL,
		agent_phase TEXT NOT NULL DEFAULT 'booting',
		cwd         TEXT NOT NULL DEFAULT '',
		env         TEXT NOT NULL DEFAULT '{}',
		sandbox     TEXT NOT NULL DEFAULT '{}',
		tty_id      TEXT NOT NULL DEFAULT '',
		exit_code   INTEGER,
		cpu_time_ms INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL,
		exited_at   TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processes_state ON processes(state)`,
	`CREATE TABLE IF NOT EXISTS agent_logs (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		pid       INTEGER NOT NULL,
		step      INTEGER NOT NULL,
		phase     TEXT NOT NULL,
		tool      TEXT NOT NULL DEFAULT '',
		content   TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_logs_pid_step ON agent_logs(pid, step)`,
	`CREATE TABLE IF NOT EXISTS files_meta (
		path        TEXT PRIMARY KEY,
		owner_uid   TEXT NOT NULL,
		type        TEXT NOT NULL,
		size        INTEGER NOT NULL DEFAULT 0,
		hidden      INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL,
		modified_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_meta_owner ON files_meta(owner_uid)`,
	`CREATE TABLE IF NOT EXISTS kernel_metrics (
		timestamp       TIMESTAMP NOT NULL,
		process_count   INTEGER NOT NULL,
		cpu_percent     REAL NOT NULL,
		memory_mb       REAL NOT NULL,
		container_count INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kernel_metrics_ts ON kernel_metrics(timestamp)`,
	`CREATE TABLE IF NOT EXISTS plugins (
		id             TEXT PRIMARY KEY,
		owner_uid      TEXT NOT NULL,
		manifest       TEXT NOT NULL,
		install_source TEXT NOT NULL DEFAULT 'local',
		enabled        INTEGER NOT NULL DEFAULT 1,
		installed_at   TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mcp_servers (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		transport    TEXT NOT NULL,
		command      TEXT NOT NULL DEFAULT '',
		args         TEXT NOT NULL DEFAULT '[]',
		env          TEXT NOT NULL DEFAULT '[]',
		url          TEXT NOT NULL DEFAULT '',
		auto_connect INTEGER NOT NULL DEFAULT 0,
		enabled      INTEGER NOT NULL DEFAULT 1,
		tool_cache   TEXT NOT NULL DEFAULT '[]',
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS openclaw_imports (
		skill_id         TEXT PRIMARY KEY,
		skill            TEXT NOT NULL,
		dependencies_met INTEGER NOT NULL DEFAULT 1,
		source_path      TEXT NOT NULL DEFAULT '',
		imported_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS integrations (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		name        TEXT NOT NULL,
		credentials BLOB NOT NULL,
		nonce       BLOB NOT NULL,
		status      TEXT NOT NULL DEFAULT 'unknown',
		created_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS integration_logs (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		integration_id TEXT NOT NULL,
		action         TEXT NOT NULL,
		status         TEXT NOT NULL,
		detail         TEXT NOT NULL DEFAULT '',
		timestamp      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_integration_logs_id ON integration_logs(integration_id)`,
	`CREATE TABLE IF NOT EXISTS cron_jobs (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		agent_config    TEXT NOT NULL DEFAULT '{}',
		enabled         INTEGER NOT NULL DEFAULT 1,
		owner_uid       TEXT NOT NULL,
		last_run        TIMESTAMP,
		next_run        TIMESTAMP,
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_triggers (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		event_filter TEXT NOT NULL DEFAULT '{}',
		cooldown_ms  INTEGER NOT NULL DEFAULT 0,
		agent_config TEXT NOT NULL DEFAULT '{}',
		owner_uid    TEXT NOT NULL,
		last_fired_at TIMESTAMP,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memory_records (
		id         TEXT PRIMARY KEY,
		agent_uid  TEXT NOT NULL,
		layer      TEXT NOT NULL,
		content    TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		importance REAL NOT NULL DEFAULT 0.5,
		source_pid INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_agent_layer ON memory_records(agent_uid, layer)`,
}

func (s *Store) initSchema() error {
	pg := dialect.IsPostgres(s.writer().DriverName())
	for _, stmt := range schemaStatements {
		if pg {
			stmt = translatePostgres(stmt)
		}
		if _, err := s.writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// translatePostgres rewrites the SQLite-flavored DDL for Postgres.
func translatePostgres(stmt string) string {
	stmt = strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	stmt = strings.ReplaceAll(stmt, "BLOB", "BYTEA")
	return stmt
}
