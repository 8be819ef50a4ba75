package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// integrationLogRetention caps how many log entries are kept per integration.
const integrationLogRetention = 200

// InsertIntegration persists a new integration.
func (s *Store) InsertIntegration(ctx context.Context, i *Integration) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO integrations (id, type, name, credentials, nonce, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), i.ID, i.Type, i.Name, i.Credentials, i.Nonce, i.Status, i.CreatedAt)
		return err
	})
}

// UpdateIntegrationStatus updates the status column.
func (s *Store) UpdateIntegrationStatus(ctx context.Context, id, status string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE integrations SET status = ? WHERE id = ?`), status, id)
		return err
	})
}

// GetIntegration retrieves an integration by id, or nil when absent.
func (s *Store) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id, type, name, credentials, nonce, status, created_at FROM integrations WHERE id = ?
	`), id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	list, err := scanIntegrations(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// ListIntegrations returns all registered integrations.
func (s *Store) ListIntegrations(ctx context.Context) ([]*Integration, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, type, name, credentials, nonce, status, created_at FROM integrations ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIntegrations(rows)
}

func scanIntegrations(rows *sql.Rows) ([]*Integration, error) {
	var list []*Integration
	for rows.Next() {
		i := &Integration{}
		if err := rows.Scan(&i.ID, &i.Type, &i.Name, &i.Credentials, &i.Nonce, &i.Status, &i.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, i)
	}
	return list, rows.Err()
}

// DeleteIntegration removes an integration and its logs.
func (s *Store) DeleteIntegration(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM integrations WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("integration not found: %s", id)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM integration_logs WHERE integration_id = ?`), id)
		return err
	})
}

// AppendIntegrationLog records one call and trims old entries beyond the
// retention cap.
func (s *Store) AppendIntegrationLog(ctx context.Context, l *IntegrationLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO integration_logs (integration_id, action, status, detail, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`), l.IntegrationID, l.Action, l.Status, l.Detail, l.Timestamp); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM integration_logs WHERE integration_id = ? AND id NOT IN (
				SELECT id FROM integration_logs WHERE integration_id = ? ORDER BY id DESC LIMIT ?
			)
		`), l.IntegrationID, l.IntegrationID, integrationLogRetention)
		return err
	})
}

// GetIntegrationLogs returns the recorded calls for one integration, newest
// first.
func (s *Store) GetIntegrationLogs(ctx context.Context, integrationID string) ([]*IntegrationLog, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id, integration_id, action, status, detail, timestamp
		FROM integration_logs WHERE integration_id = ? ORDER BY id DESC
	`), integrationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []*IntegrationLog
	for rows.Next() {
		l := &IntegrationLog{}
		if err := rows.Scan(&l.ID, &l.IntegrationID, &l.Action, &l.Status, &l.Detail, &l.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
