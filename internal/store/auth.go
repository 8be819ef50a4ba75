package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// IsUniqueViolation reports whether err is a duplicate-key error on either
// driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// InsertUser persists a new user.
func (s *Store) InsertUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO users (id, username, password_hash, display_name, role, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), u.ID, u.Username, u.PasswordHash, u.DisplayName, u.Role, u.CreatedAt)
		return err
	})
}

// GetUserByID retrieves a user by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, password_hash, display_name, role, created_at FROM users WHERE id = ?`, id)
}

// GetUserByUsername retrieves a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, password_hash, display_name, role, created_at FROM users WHERE username = ?`, username)
}

func (s *Store) getUser(ctx context.Context, query, arg string) (*User, error) {
	u := &User{}
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(query), arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListUsers returns all users ordered by creation time.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, username, password_hash, display_name, role, created_at FROM users ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user and all their tokens atomically.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("user not found: %s", id)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tokens WHERE user_id = ?`), id)
		return err
	})
}

// InsertToken persists a session token.
func (s *Store) InsertToken(ctx context.Context, t *Token) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO tokens (token, user_id, expires_at) VALUES (?, ?, ?)
		`), t.Token, t.UserID, t.ExpiresAt)
		return err
	})
}

// GetToken retrieves a token row.
func (s *Store) GetToken(ctx context.Context, token string) (*Token, error) {
	t := &Token{}
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT token, user_id, expires_at FROM tokens WHERE token = ?
	`), token).Scan(&t.Token, &t.UserID, &t.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteExpiredTokens drops all tokens past their expiry.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tokens WHERE expires_at <= ?`), now)
		return err
	})
}

// InsertOrg persists a new org together with its owner membership. The two
// rows commit atomically so an org can never exist without its owner.
func (s *Store) InsertOrg(ctx context.Context, o *Org) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO orgs (id, name, display_name, owner_uid, created_at) VALUES (?, ?, ?, ?, ?)
		`), o.ID, o.Name, o.DisplayName, o.OwnerUID, o.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO org_members (org_id, user_id, role) VALUES (?, ?, ?)
		`), o.ID, o.OwnerUID, OrgRoleOwner)
		return err
	})
}

// GetOrg retrieves an org by id.
func (s *Store) GetOrg(ctx context.Context, id string) (*Org, error) {
	o := &Org{}
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT id, name, display_name, owner_uid, created_at FROM orgs WHERE id = ?
	`), id).Scan(&o.ID, &o.Name, &o.DisplayName, &o.OwnerUID, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrgs returns all orgs.
func (s *Store) ListOrgs(ctx context.Context) ([]*Org, error) {
	rows, err := s.reader().QueryContext(ctx, `
		SELECT id, name, display_name, owner_uid, created_at FROM orgs ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orgs []*Org
	for rows.Next() {
		o := &Org{}
		if err := rows.Scan(&o.ID, &o.Name, &o.DisplayName, &o.OwnerUID, &o.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// CountOrgs returns the number of orgs in the system.
func (s *Store) CountOrgs(ctx context.Context) (int, error) {
	var count int
	err := s.reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM orgs`).Scan(&count)
	return count, err
}

// DeleteOrg removes an org, its members, its teams, and all team memberships
// in a single transaction.
func (s *Store) DeleteOrg(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM orgs WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("org not found: %s", id)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM org_members WHERE org_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM team_members WHERE team_id IN (SELECT id FROM teams WHERE org_id = ?)
		`), id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM teams WHERE org_id = ?`), id)
		return err
	})
}

// UpsertOrgMember adds or re-roles an org member.
func (s *Store) UpsertOrgMember(ctx context.Context, m *OrgMember) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO org_members (org_id, user_id, role) VALUES (?, ?, ?)
			ON CONFLICT (org_id, user_id) DO UPDATE SET role = excluded.role
		`), m.OrgID, m.UserID, m.Role)
		return err
	})
}

// GetOrgMember returns a membership row, or nil when absent.
func (s *Store) GetOrgMember(ctx context.Context, orgID, userID string) (*OrgMember, error) {
	m := &OrgMember{}
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT org_id, user_id, role FROM org_members WHERE org_id = ? AND user_id = ?
	`), orgID, userID).Scan(&m.OrgID, &m.UserID, &m.Role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListOrgMembers returns all members of an org.
func (s *Store) ListOrgMembers(ctx context.Context, orgID string) ([]*OrgMember, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT org_id, user_id, role FROM org_members WHERE org_id = ?
	`), orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []*OrgMember
	for rows.Next() {
		m := &OrgMember{}
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// DeleteOrgMember removes a member from an org, and from the org's teams.
func (s *Store) DeleteOrgMember(ctx context.Context, orgID, userID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM org_members WHERE org_id = ? AND user_id = ?
		`), orgID, userID)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("member not found: %s", userID)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM team_members WHERE user_id = ? AND team_id IN (SELECT id FROM teams WHERE org_id = ?)
		`), userID, orgID)
		return err
	})
}

// InsertTeam persists a new team.
func (s *Store) InsertTeam(ctx context.Context, t *Team) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO teams (id, org_id, name, created_at) VALUES (?, ?, ?, ?)
		`), t.ID, t.OrgID, t.Name, t.CreatedAt)
		return err
	})
}

// GetTeam retrieves a team by id.
func (s *Store) GetTeam(ctx context.Context, id string) (*Team, error) {
	t := &Team{}
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(`
		SELECT id, org_id, name, created_at FROM teams WHERE id = ?
	`), id).Scan(&t.ID, &t.OrgID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTeams returns all teams of an org.
func (s *Store) ListTeams(ctx context.Context, orgID string) ([]*Team, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(`
		SELECT id, org_id, name, created_at FROM teams WHERE org_id = ? ORDER BY created_at
	`), orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var teams []*Team
	for rows.Next() {
		t := &Team{}
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// DeleteTeam removes a team and its memberships atomically.
func (s *Store) DeleteTeam(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM teams WHERE id = ?`), id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("team not found: %s", id)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM team_members WHERE team_id = ?`), id)
		return err
	})
}

// UpsertTeamMember adds a user to a team.
func (s *Store) UpsertTeamMember(ctx context.Context, m *TeamMember) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO team_members (team_id, user_id) VALUES (?, ?)
			ON CONFLICT (team_id, user_id) DO NOTHING
		`), m.TeamID, m.UserID)
		return err
	})
}

// DeleteTeamMember removes a user from a team.
func (s *Store) DeleteTeamMember(ctx context.Context, teamID, userID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM team_members WHERE team_id = ? AND user_id = ?
		`), teamID, userID)
		return err
	})
}
