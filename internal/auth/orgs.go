package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/store"
)

// CreateOrg creates an org owned by ownerUID. The owner membership is part
// of the same transaction, so an org always has exactly one owner.
func (m *Manager) CreateOrg(ctx context.Context, name, displayName, ownerUID string) (*store.Org, error) {
	if name == "" {
		return nil, errs.InvalidArgument("org name must not be empty")
	}
	org := &store.Org{
		ID:          uuid.New().String(),
		Name:        name,
		DisplayName: displayName,
		OwnerUID:    ownerUID,
	}
	if err := m.store.InsertOrg(ctx, org); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, errs.Conflict("org name already taken: %s", name)
		}
		return nil, fmt.Errorf("insert org: %w", err)
	}
	m.logger.Info("org created", zap.String("org", name), zap.String("owner", ownerUID))
	return org, nil
}

// GetOrg returns an org by id.
func (m *Manager) GetOrg(ctx context.Context, orgID string) (*store.Org, error) {
	org, err := m.store.GetOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, errs.NotFound("org not found: %s", orgID)
	}
	return org, nil
}

// ListOrgs returns all orgs.
func (m *Manager) ListOrgs(ctx context.Context) ([]*store.Org, error) {
	return m.store.ListOrgs(ctx)
}

// DeleteOrg removes an org with all members, teams, and team memberships in
// one transaction.
func (m *Manager) DeleteOrg(ctx context.Context, orgID string) error {
	if err := m.store.DeleteOrg(ctx, orgID); err != nil {
		return errs.NotFound("org not found: %s", orgID)
	}
	m.logger.Info("org deleted", zap.String("org_id", orgID))
	return nil
}

// AddMember adds a user to an org with a role. Adding a second owner is
// rejected; the owner role is fixed at org creation.
func (m *Manager) AddMember(ctx context.Context, orgID, userID, role string) error {
	if role == store.OrgRoleOwner {
		return errs.InvalidArgument("an org has exactly one owner")
	}
	if _, ok := rolePermissions[role]; !ok {
		return errs.InvalidArgument("unknown org role: %s", role)
	}
	org, err := m.store.GetOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if org == nil {
		return errs.NotFound("org not found: %s", orgID)
	}
	if userID == org.OwnerUID {
		return errs.InvalidArgument("owner role cannot be changed")
	}
	return m.store.UpsertOrgMember(ctx, &store.OrgMember{OrgID: orgID, UserID: userID, Role: role})
}

// RemoveMember removes a member. The owner cannot be removed.
func (m *Manager) RemoveMember(ctx context.Context, orgID, userID string) error {
	org, err := m.store.GetOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if org == nil {
		return errs.NotFound("org not found: %s", orgID)
	}
	if userID == org.OwnerUID {
		return errs.InvalidArgument("the org owner cannot be removed")
	}
	if err := m.store.DeleteOrgMember(ctx, orgID, userID); err != nil {
		return errs.NotFound("member not found: %s", userID)
	}
	return nil
}

// ListMembers returns all members of an org.
func (m *Manager) ListMembers(ctx context.Context, orgID string) ([]*store.OrgMember, error) {
	return m.store.ListOrgMembers(ctx, orgID)
}

// CreateTeam creates a team within an org. Team names are unique per org.
func (m *Manager) CreateTeam(ctx context.Context, orgID, name string) (*store.Team, error) {
	if name == "" {
		return nil, errs.InvalidArgument("team name must not be empty")
	}
	org, err := m.store.GetOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, errs.NotFound("org not found: %s", orgID)
	}
	team := &store.Team{ID: uuid.New().String(), OrgID: orgID, Name: name}
	if err := m.store.InsertTeam(ctx, team); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, errs.Conflict("team name already taken: %s", name)
		}
		return nil, fmt.Errorf("insert team: %w", err)
	}
	return team, nil
}

// DeleteTeam removes a team with its memberships.
func (m *Manager) DeleteTeam(ctx context.Context, teamID string) error {
	if err := m.store.DeleteTeam(ctx, teamID); err != nil {
		return errs.NotFound("team not found: %s", teamID)
	}
	return nil
}

// AddTeamMember adds an org member to a team. The user must already belong
// to the team's org.
func (m *Manager) AddTeamMember(ctx context.Context, teamID, userID string) error {
	team, err := m.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if team == nil {
		return errs.NotFound("team not found: %s", teamID)
	}
	member, err := m.store.GetOrgMember(ctx, team.OrgID, userID)
	if err != nil {
		return err
	}
	if member == nil {
		return errs.InvalidArgument("user %s is not a member of the team's org", userID)
	}
	return m.store.UpsertTeamMember(ctx, &store.TeamMember{TeamID: teamID, UserID: userID})
}

// RemoveTeamMember removes a user from a team.
func (m *Manager) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	return m.store.DeleteTeamMember(ctx, teamID, userID)
}
