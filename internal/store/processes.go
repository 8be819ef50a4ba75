package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/tracing"
)

// InsertProcess persists a new process record.
func (s *Store) InsertProcess(ctx context.Context, p *ProcessRecord) error {
	env, err := json.Marshal(p.Env)
	if err != nil {
		env = []byte("{}")
	}
	sandbox, err := json.Marshal(p.Sandbox)
	if err != nil {
		sandbox = []byte("{}")
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO processes (pid, ppid, uid, owner_uid, name, role, goal, state, agent_phase, cwd, env, sandbox, tty_id, exit_code, cpu_time_ms, created_at, exited_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), p.PID, p.PPID, p.UID, p.OwnerUID, p.Name, p.Role, p.Goal, p.State, p.AgentPhase, p.CWD,
			string(env), string(sandbox), p.TTYID, p.ExitCode, p.CPUTimeMS, p.CreatedAt, p.ExitedAt)
		return err
	})
}

// UpdateProcess rewrites the mutable columns of a process record.
func (s *Store) UpdateProcess(ctx context.Context, p *ProcessRecord) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE processes SET state = ?, agent_phase = ?, tty_id = ?, exit_code = ?, cpu_time_ms = ?, exited_at = ?
			WHERE pid = ?
		`), p.State, p.AgentPhase, p.TTYID, p.ExitCode, p.CPUTimeMS, p.ExitedAt, p.PID)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("process not found: %d", p.PID)
		}
		return nil
	})
}

// GetProcess retrieves one process record by pid.
func (s *Store) GetProcess(ctx context.Context, pid int64) (*ProcessRecord, error) {
	row := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT pid, ppid, uid, owner_uid, name, role, goal, state, agent_phase, cwd, env, sandbox, tty_id, exit_code, cpu_time_ms, created_at, exited_at
		FROM processes WHERE pid = ?
	`), pid)
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("process not found: %d", pid)
	}
	return p, err
}

// GetAllProcesses returns the whole process table, oldest first.
func (s *Store) GetAllProcesses(ctx context.Context) ([]*ProcessRecord, error) {
	ctx, span := tracing.Tracer("aether-db").Start(ctx, "db.GetAllProcesses")
	defer span.End()

	rows, err := s.reader().QueryContext(ctx, `
		SELECT pid, ppid, uid, owner_uid, name, role, goal, state, agent_phase, cwd, env, sandbox, tty_id, exit_code, cpu_time_ms, created_at, exited_at
		FROM processes ORDER BY pid
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var procs []*ProcessRecord
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			s.logger.Warn("skipping corrupt process row", zap.Error(err))
			continue
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// MaxPID returns the highest persisted pid, or 0 when the table is empty.
// The boot sequence restarts the pid counter from MaxPID+1.
func (s *Store) MaxPID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.reader().QueryRowContext(ctx, `SELECT MAX(pid) FROM processes`).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (*ProcessRecord, error) {
	p := &ProcessRecord{}
	var env, sandbox string
	var exitCode sql.NullInt64
	var exitedAt sql.NullTime
	err := row.Scan(&p.PID, &p.PPID, &p.UID, &p.OwnerUID, &p.Name, &p.Role, &p.Goal, &p.State,
		&p.AgentPhase, &p.CWD, &env, &sandbox, &p.TTYID, &exitCode, &p.CPUTimeMS, &p.CreatedAt, &exitedAt)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		p.ExitCode = &code
	}
	if exitedAt.Valid {
		t := exitedAt.Time
		p.ExitedAt = &t
	}
	if err := json.Unmarshal([]byte(env), &p.Env); err != nil {
		return nil, fmt.Errorf("corrupt env for pid %d: %w", p.PID, err)
	}
	if err := json.Unmarshal([]byte(sandbox), &p.Sandbox); err != nil {
		return nil, fmt.Errorf("corrupt sandbox for pid %d: %w", p.PID, err)
	}
	return p, nil
}

// AppendAgentLog persists one agent loop entry. Steps are unique per pid.
func (s *Store) AppendAgentLog(ctx context.Context, l *AgentLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO agent_logs (pid, step, phase, tool, content, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`), l.PID, l.Step, l.Phase, l.Tool, l.Content, l.Timestamp)
		return err
	})
}

// GetAgentLogs returns all log entries for a pid ordered by step.
func (s *Store) GetAgentLogs(ctx context.Context, pid int64) ([]*AgentLog, error) {
	ctx, span := tracing.Tracer("aether-db").Start(ctx, "db.GetAgentLogs")
	defer span.End()

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id, pid, step, phase, tool, content, timestamp
		FROM agent_logs WHERE pid = ? ORDER BY step
	`), pid)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []*AgentLog
	for rows.Next() {
		l := &AgentLog{}
		if err := rows.Scan(&l.ID, &l.PID, &l.Step, &l.Phase, &l.Tool, &l.Content, &l.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetAllAgentLogs returns every persisted agent log entry.
func (s *Store) GetAllAgentLogs(ctx context.Context) ([]*AgentLog, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, pid, step, phase, tool, content, timestamp
		FROM agent_logs ORDER BY pid, step
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []*AgentLog
	for rows.Next() {
		l := &AgentLog{}
		if err := rows.Scan(&l.ID, &l.PID, &l.Step, &l.Phase, &l.Tool, &l.Content, &l.Timestamp); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
