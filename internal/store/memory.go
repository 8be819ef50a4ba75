package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// InsertMemoryRecord persists one agent memory entry.
func (s *Store) InsertMemoryRecord(ctx context.Context, m *MemoryRecord) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		tags = []byte("[]")
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO memory_records (id, agent_uid, layer, content, tags, importance, source_pid, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), m.ID, m.AgentUID, m.Layer, m.Content, string(tags), m.Importance, m.SourcePID, m.CreatedAt)
		return err
	})
}

// QueryMemoryRecords returns an agent's records, optionally filtered by
// layer, ordered by importance then recency.
func (s *Store) QueryMemoryRecords(ctx context.Context, agentUID, layer string, limit int) ([]*MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, agent_uid, layer, content, tags, importance, source_pid, created_at
		FROM memory_records WHERE agent_uid = ?`
	args := []any{agentUID}
	if layer != "" {
		query += ` AND layer = ?`
		args = append(args, layer)
	}
	query += ` ORDER BY importance DESC, created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*MemoryRecord
	for rows.Next() {
		m := &MemoryRecord{}
		var tags string
		if err := rows.Scan(&m.ID, &m.AgentUID, &m.Layer, &m.Content, &tags, &m.Importance, &m.SourcePID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			s.logger.Warn("skipping memory record with corrupt tags", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		records = append(records, m)
	}
	return records, rows.Err()
}
