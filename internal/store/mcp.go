package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/db/dialect"
)

// UpsertMCPServer inserts or updates an MCP server spec.
func (s *Store) UpsertMCPServer(ctx context.Context, m *MCPServerRecord) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	args, err := json.Marshal(m.Args)
	if err != nil {
		args = []byte("[]")
	}
	env, err := json.Marshal(m.Env)
	if err != nil {
		env = []byte("[]")
	}
	if m.ToolCache == "" {
		m.ToolCache = "[]"
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO mcp_servers (id, name, transport, command, args, env, url, auto_connect, enabled, tool_cache, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				transport = excluded.transport,
				command = excluded.command,
				args = excluded.args,
				env = excluded.env,
				url = excluded.url,
				auto_connect = excluded.auto_connect,
				enabled = excluded.enabled,
				tool_cache = excluded.tool_cache
		`), m.ID, m.Name, m.Transport, m.Command, string(args), string(env), m.URL,
			dialect.BoolToInt(m.AutoConnect), dialect.BoolToInt(m.Enabled), m.ToolCache, m.CreatedAt)
		return err
	})
}

// UpdateMCPToolCache rewrites the cached tool list for a server.
func (s *Store) UpdateMCPToolCache(ctx context.Context, id, toolCache string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE mcp_servers SET tool_cache = ? WHERE id = ?
		`), toolCache, id)
		return err
	})
}

// ListMCPServers returns all configured MCP servers. Rows with corrupt JSON
// columns are skipped with a log line rather than aborting restore.
func (s *Store) ListMCPServers(ctx context.Context) ([]*MCPServerRecord, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, name, transport, command, args, env, url, auto_connect, enabled, tool_cache, created_at
		FROM mcp_servers ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var servers []*MCPServerRecord
	for rows.Next() {
		m := &MCPServerRecord{}
		var args, env string
		var autoConnect, enabled int
		if err := rows.Scan(&m.ID, &m.Name, &m.Transport, &m.Command, &args, &env, &m.URL,
			&autoConnect, &enabled, &m.ToolCache, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.AutoConnect = autoConnect != 0
		m.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(args), &m.Args); err != nil {
			s.logger.Warn("skipping mcp server with corrupt args", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		if err := json.Unmarshal([]byte(env), &m.Env); err != nil {
			s.logger.Warn("skipping mcp server with corrupt env", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		servers = append(servers, m)
	}
	return servers, rows.Err()
}

// DeleteMCPServer removes a server spec.
func (s *Store) DeleteMCPServer(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM mcp_servers WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("mcp server not found: %s", id)
		}
		return nil
	})
}

// UpsertOpenClawImport inserts or updates an imported skill.
func (s *Store) UpsertOpenClawImport(ctx context.Context, i *OpenClawImport) error {
	if i.ImportedAt.IsZero() {
		i.ImportedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO openclaw_imports (skill_id, skill, dependencies_met, source_path, imported_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (skill_id) DO UPDATE SET
				skill = excluded.skill,
				dependencies_met = excluded.dependencies_met,
				source_path = excluded.source_path,
				imported_at = excluded.imported_at
		`), i.SkillID, i.Skill, dialect.BoolToInt(i.DependenciesMet), i.SourcePath, i.ImportedAt)
		return err
	})
}

// ListOpenClawImports returns all persisted skill imports.
func (s *Store) ListOpenClawImports(ctx context.Context) ([]*OpenClawImport, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT skill_id, skill, dependencies_met, source_path, imported_at
		FROM openclaw_imports ORDER BY imported_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var imports []*OpenClawImport
	for rows.Next() {
		i := &OpenClawImport{}
		var met int
		if err := rows.Scan(&i.SkillID, &i.Skill, &met, &i.SourcePath, &i.ImportedAt); err != nil {
			return nil, err
		}
		i.DependenciesMet = met != 0
		imports = append(imports, i)
	}
	return imports, rows.Err()
}

// DeleteOpenClawImport removes an imported skill.
func (s *Store) DeleteOpenClawImport(ctx context.Context, skillID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM openclaw_imports WHERE skill_id = ?`), skillID)
		return err
	})
}
