package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aether-os/aether/internal/db/dialect"
)

// UpsertFileMeta inserts or updates the metadata row for a path.
func (s *Store) UpsertFileMeta(ctx context.Context, m *FileMeta) error {
	if m.ModifiedAt.IsZero() {
		m.ModifiedAt = time.Now().UTC()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.ModifiedAt
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO files_meta (path, owner_uid, type, size, hidden, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (path) DO UPDATE SET
				owner_uid = excluded.owner_uid,
				type = excluded.type,
				size = excluded.size,
				hidden = excluded.hidden,
				modified_at = excluded.modified_at
		`), m.Path, m.OwnerUID, m.Type, m.Size, dialect.BoolToInt(m.Hidden), m.CreatedAt, m.ModifiedAt)
		return err
	})
}

// DeleteFileMeta removes metadata for a path and everything below it.
func (s *Store) DeleteFileMeta(ctx context.Context, path string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM files_meta WHERE path = ?`), path); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM files_meta WHERE path LIKE ?`), path+"/%")
		return err
	})
}

// GetFilesByOwner returns all metadata rows for one owner.
func (s *Store) GetFilesByOwner(ctx context.Context, ownerUID string) ([]*FileMeta, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT path, owner_uid, type, size, hidden, created_at, modified_at
		FROM files_meta WHERE owner_uid = ? ORDER BY path
	`), ownerUID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanFileMetas(rows)
}

// GetAllFiles returns the complete file metadata index.
func (s *Store) GetAllFiles(ctx context.Context) ([]*FileMeta, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT path, owner_uid, type, size, hidden, created_at, modified_at
		FROM files_meta ORDER BY path
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanFileMetas(rows)
}

func scanFileMetas(rows *sql.Rows) ([]*FileMeta, error) {
	var metas []*FileMeta
	for rows.Next() {
		m := &FileMeta{}
		var hidden int
		if err := rows.Scan(&m.Path, &m.OwnerUID, &m.Type, &m.Size, &hidden, &m.CreatedAt, &m.ModifiedAt); err != nil {
			return nil, err
		}
		m.Hidden = hidden != 0
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// RecordMetric appends one kernel resource sample.
func (s *Store) RecordMetric(ctx context.Context, m *KernelMetric) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO kernel_metrics (timestamp, process_count, cpu_percent, memory_mb, container_count)
			VALUES (?, ?, ?, ?, ?)
		`), m.Timestamp, m.ProcessCount, m.CPUPercent, m.MemoryMB, m.ContainerCount)
		return err
	})
}

// GetRecentMetrics returns the most recent samples, newest first.
func (s *Store) GetRecentMetrics(ctx context.Context, limit int) ([]*KernelMetric, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT timestamp, process_count, cpu_percent, memory_mb, container_count
		FROM kernel_metrics ORDER BY timestamp DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var metrics []*KernelMetric
	for rows.Next() {
		m := &KernelMetric{}
		if err := rows.Scan(&m.Timestamp, &m.ProcessCount, &m.CPUPercent, &m.MemoryMB, &m.ContainerCount); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
