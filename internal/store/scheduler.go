package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aether-os/aether/internal/db/dialect"
)

// UpsertCronJob inserts or updates a cron job.
func (s *Store) UpsertCronJob(ctx context.Context, j *CronJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO cron_jobs (id, name, cron_expression, agent_config, enabled, owner_uid, last_run, next_run, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				cron_expression = excluded.cron_expression,
				agent_config = excluded.agent_config,
				enabled = excluded.enabled,
				last_run = excluded.last_run,
				next_run = excluded.next_run
		`), j.ID, j.Name, j.CronExpression, j.AgentConfig, dialect.BoolToInt(j.Enabled),
			j.OwnerUID, j.LastRun, j.NextRun, j.CreatedAt)
		return err
	})
}

// ListCronJobs returns all cron jobs.
func (s *Store) ListCronJobs(ctx context.Context) ([]*CronJob, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, name, cron_expression, agent_config, enabled, owner_uid, last_run, next_run, created_at
		FROM cron_jobs ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []*CronJob
	for rows.Next() {
		j := &CronJob{}
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.Name, &j.CronExpression, &j.AgentConfig, &enabled,
			&j.OwnerUID, &lastRun, &nextRun, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		if lastRun.Valid {
			t := lastRun.Time
			j.LastRun = &t
		}
		if nextRun.Valid {
			t := nextRun.Time
			j.NextRun = &t
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeleteCronJob removes a cron job.
func (s *Store) DeleteCronJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cron_jobs WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("cron job not found: %s", id)
		}
		return nil
	})
}

// UpsertEventTrigger inserts or updates an event trigger.
func (s *Store) UpsertEventTrigger(ctx context.Context, t *EventTrigger) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO event_triggers (id, name, event_type, event_filter, cooldown_ms, agent_config, owner_uid, last_fired_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				event_type = excluded.event_type,
				event_filter = excluded.event_filter,
				cooldown_ms = excluded.cooldown_ms,
				agent_config = excluded.agent_config,
				last_fired_at = excluded.last_fired_at
		`), t.ID, t.Name, t.EventType, t.EventFilter, t.CooldownMS, t.AgentConfig,
			t.OwnerUID, t.LastFiredAt, t.CreatedAt)
		return err
	})
}

// ListEventTriggers returns all event triggers.
func (s *Store) ListEventTriggers(ctx context.Context) ([]*EventTrigger, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, name, event_type, event_filter, cooldown_ms, agent_config, owner_uid, last_fired_at, created_at
		FROM event_triggers ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var triggers []*EventTrigger
	for rows.Next() {
		t := &EventTrigger{}
		var lastFired sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.EventType, &t.EventFilter, &t.CooldownMS,
			&t.AgentConfig, &t.OwnerUID, &lastFired, &t.CreatedAt); err != nil {
			return nil, err
		}
		if lastFired.Valid {
			ts := lastFired.Time
			t.LastFiredAt = &ts
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// DeleteEventTrigger removes an event trigger.
func (s *Store) DeleteEventTrigger(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM event_triggers WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("event trigger not found: %s", id)
		}
		return nil
	})
}
