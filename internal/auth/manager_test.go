package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/kernel/errs"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
	"github.com/aether-os/aether/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "auth.db")
	s, err := store.Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })

	authCfg := config.AuthConfig{Secret: "test-pepper", TokenDuration: 3600, BcryptCost: 4}
	return NewManager(s, authCfg, logger.Default())
}

func TestCreateUserRejectsEmptyUsername(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateUser(context.Background(), "", "pw", "", store.RoleUser)
	require.Error(t, err)
	assert.Equal(t, v1.ErrInvalidArgument, errs.Code(err))
}

func TestCreateUserDuplicateConflicts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateUser(ctx, "alice", "pw", "", store.RoleUser)
	require.NoError(t, err)
	_, err = m.CreateUser(ctx, "alice", "pw2", "", store.RoleUser)
	require.Error(t, err)
	assert.Equal(t, v1.ErrConflict, errs.Code(err))
}

func TestLoginAndValidate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateUser(ctx, "admin", "admin123", "Administrator", store.RoleAdmin)
	require.NoError(t, err)

	token, user, err := m.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)
	assert.NotEmpty(t, token)

	resolved, err := m.ValidateToken(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "admin", resolved.Username)

	unknown, err := m.ValidateToken(ctx, "bogus")
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestLoginWrongPassword(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateUser(ctx, "bob", "secret", "", store.RoleUser)
	require.NoError(t, err)

	_, _, err = m.Login(ctx, "bob", "wrong")
	require.Error(t, err)
	assert.Equal(t, v1.ErrUnauthorized, errs.Code(err))
}

func TestDeletedUserTokensInvalid(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	u, err := m.CreateUser(ctx, "carol", "pw", "", store.RoleUser)
	require.NoError(t, err)
	token, _, err := m.Login(ctx, "carol", "pw")
	require.NoError(t, err)

	require.NoError(t, m.DeleteUser(ctx, u.ID))

	resolved, err := m.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestAdminBypassesAllChecks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	admin, err := m.CreateUser(ctx, "root", "pw", "", store.RoleAdmin)
	require.NoError(t, err)
	owner, err := m.CreateUser(ctx, "owner", "pw", "", store.RoleUser)
	require.NoError(t, err)
	org, err := m.CreateOrg(ctx, "acme", "", owner.ID)
	require.NoError(t, err)

	for _, perm := range []string{PermOrgDelete, PermFSWrite, PermPluginsManage} {
		ok, err := m.HasPermission(ctx, admin.ID, perm, org.ID)
		require.NoError(t, err)
		assert.True(t, ok, perm)
	}
}

func TestViewerPermissions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	owner, err := m.CreateUser(ctx, "owner", "pw", "", store.RoleUser)
	require.NoError(t, err)
	viewer, err := m.CreateUser(ctx, "viewer", "pw", "", store.RoleUser)
	require.NoError(t, err)
	org, err := m.CreateOrg(ctx, "acme", "", owner.ID)
	require.NoError(t, err)
	require.NoError(t, m.AddMember(ctx, org.ID, viewer.ID, store.OrgRoleViewer))

	ok, err := m.HasPermission(ctx, viewer.ID, PermFSWrite, org.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.HasPermission(ctx, viewer.ID, PermOrgView, org.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPermissiveModeWithoutOrgs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	u, err := m.CreateUser(ctx, "solo", "pw", "", store.RoleUser)
	require.NoError(t, err)

	ok, err := m.HasPermission(ctx, u.ID, PermAgentsSpawn, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// Once an org exists, an unresolved org denies.
	_, err = m.CreateOrg(ctx, "acme", "", u.ID)
	require.NoError(t, err)
	ok, err = m.HasPermission(ctx, u.ID, PermAgentsSpawn, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOwnerCannotBeRemovedOrDemoted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	owner, err := m.CreateUser(ctx, "owner", "pw", "", store.RoleUser)
	require.NoError(t, err)
	org, err := m.CreateOrg(ctx, "acme", "", owner.ID)
	require.NoError(t, err)

	err = m.RemoveMember(ctx, org.ID, owner.ID)
	require.Error(t, err)
	assert.Equal(t, v1.ErrInvalidArgument, errs.Code(err))

	err = m.AddMember(ctx, org.ID, owner.ID, store.OrgRoleViewer)
	require.Error(t, err)
}

func TestNonMemberDenied(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	owner, err := m.CreateUser(ctx, "owner", "pw", "", store.RoleUser)
	require.NoError(t, err)
	outsider, err := m.CreateUser(ctx, "outsider", "pw", "", store.RoleUser)
	require.NoError(t, err)
	org, err := m.CreateOrg(ctx, "acme", "", owner.ID)
	require.NoError(t, err)

	ok, err := m.HasPermission(ctx, outsider.ID, PermOrgView, org.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
