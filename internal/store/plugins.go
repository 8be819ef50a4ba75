package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aether-os/aether/internal/db/dialect"
)

// UpsertPlugin inserts or updates an installed plugin.
func (s *Store) UpsertPlugin(ctx context.Context, p *PluginRecord) error {
	now := time.Now().UTC()
	if p.InstalledAt.IsZero() {
		p.InstalledAt = now
	}
	p.UpdatedAt = now
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO plugins (id, owner_uid, manifest, install_source, enabled, installed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				manifest = excluded.manifest,
				install_source = excluded.install_source,
				enabled = excluded.enabled,
				updated_at = excluded.updated_at
		`), p.ID, p.OwnerUID, p.Manifest, p.InstallSource, dialect.BoolToInt(p.Enabled), p.InstalledAt, p.UpdatedAt)
		return err
	})
}

// GetPlugin retrieves one plugin, or nil when absent.
func (s *Store) GetPlugin(ctx context.Context, id string) (*PluginRecord, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id, owner_uid, manifest, install_source, enabled, installed_at, updated_at
		FROM plugins WHERE id = ?
	`), id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	plugins, err := scanPlugins(rows)
	if err != nil || len(plugins) == 0 {
		return nil, err
	}
	return plugins[0], nil
}

// ListPlugins returns all installed plugins.
func (s *Store) ListPlugins(ctx context.Context) ([]*PluginRecord, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, owner_uid, manifest, install_source, enabled, installed_at, updated_at
		FROM plugins ORDER BY installed_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPlugins(rows)
}

func scanPlugins(rows *sql.Rows) ([]*PluginRecord, error) {
	var plugins []*PluginRecord
	for rows.Next() {
		p := &PluginRecord{}
		var enabled int
		if err := rows.Scan(&p.ID, &p.OwnerUID, &p.Manifest, &p.InstallSource, &enabled, &p.InstalledAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Enabled = enabled != 0
		plugins = append(plugins, p)
	}
	return plugins, rows.Err()
}

// SetPluginEnabled flips the enabled flag.
func (s *Store) SetPluginEnabled(ctx context.Context, id string, enabled bool) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE plugins SET enabled = ?, updated_at = ? WHERE id = ?
		`), dialect.BoolToInt(enabled), time.Now().UTC(), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("plugin not found: %s", id)
		}
		return nil
	})
}

// DeletePlugin removes a plugin row.
func (s *Store) DeletePlugin(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM plugins WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("plugin not found: %s", id)
		}
		return nil
	})
}
