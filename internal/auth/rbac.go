package auth

import (
	"context"
	"fmt"

	"github.com/aether-os/aether/internal/store"
)

// Permissions checked by the dispatcher before invoking managers.
const (
	PermOrgView       = "org.view"
	PermOrgManage     = "org.manage"
	PermOrgDelete     = "org.delete"
	PermMembersView   = "members.view"
	PermMembersInvite = "members.invite"
	PermMembersRemove = "members.remove"
	PermTeamsCreate   = "teams.create"
	PermTeamsManage   = "teams.manage"
	PermAgentsView    = "agents.view"
	PermAgentsSpawn   = "agents.spawn"
	PermFSRead        = "fs.read"
	PermFSWrite       = "fs.write"
	PermPluginsManage = "plugins.manage"
)

// rolePermissions is the org-role to permission matrix.
var rolePermissions = map[string]map[string]bool{
	store.OrgRoleOwner: {
		PermOrgView: true, PermOrgManage: true, PermOrgDelete: true,
		PermMembersView: true, PermMembersInvite: true, PermMembersRemove: true,
		PermTeamsCreate: true, PermTeamsManage: true,
		PermAgentsView: true, PermAgentsSpawn: true,
		PermFSRead: true, PermFSWrite: true, PermPluginsManage: true,
	},
	store.OrgRoleAdmin: {
		PermOrgView: true, PermOrgManage: true,
		PermMembersView: true, PermMembersInvite: true, PermMembersRemove: true,
		PermTeamsCreate: true, PermTeamsManage: true,
		PermAgentsView: true, PermAgentsSpawn: true,
		PermFSRead: true, PermFSWrite: true, PermPluginsManage: true,
	},
	store.OrgRoleManager: {
		PermOrgView: true,
		PermMembersView: true, PermMembersInvite: true,
		PermTeamsCreate: true, PermTeamsManage: true,
		PermAgentsView: true, PermAgentsSpawn: true,
		PermFSRead: true, PermFSWrite: true,
	},
	store.OrgRoleMember: {
		PermOrgView:     true,
		PermMembersView: true,
		PermAgentsView:  true, PermAgentsSpawn: true,
		PermFSRead: true, PermFSWrite: true,
	},
	store.OrgRoleViewer: {
		PermOrgView:     true,
		PermMembersView: true,
		PermAgentsView:  true,
		PermFSRead:      true,
	},
}

// HasPermission resolves whether a user holds a permission.
//
// System admins bypass all checks. With an orgID, the user's membership role
// in that org decides via the matrix; non-members are denied. Without an
// orgID: if no orgs exist at all, the kernel runs permissive and any
// authenticated user passes; if orgs exist, the caller was expected to
// resolve the implicit org first, so deny.
func (m *Manager) HasPermission(ctx context.Context, userID, permission, orgID string) (bool, error) {
	user, err := m.store.GetUserByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return false, nil
	}
	if user.Role == store.RoleAdmin {
		return true, nil
	}

	if orgID == "" {
		count, err := m.store.CountOrgs(ctx)
		if err != nil {
			return false, fmt.Errorf("count orgs: %w", err)
		}
		return count == 0, nil
	}

	member, err := m.store.GetOrgMember(ctx, orgID, userID)
	if err != nil {
		return false, fmt.Errorf("lookup membership: %w", err)
	}
	if member == nil {
		return false, nil
	}
	return rolePermissions[member.Role][permission], nil
}
