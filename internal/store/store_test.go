package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "aether.db")
	s, err := Open(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestProcessInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &ProcessRecord{
		PID:        1,
		UID:        "u1",
		OwnerUID:   "u1",
		Name:       "coder",
		Role:       "Coder",
		Goal:       "print hello",
		State:      StateCreated,
		AgentPhase: PhaseBooting,
		CWD:        "/home/u1",
		Env:        map[string]string{"LANG": "C"},
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.InsertProcess(ctx, p))

	got, err := s.GetProcess(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Coder", got.Role)
	assert.Equal(t, StateCreated, got.State)
	assert.Equal(t, map[string]string{"LANG": "C"}, got.Env)
	assert.Nil(t, got.ExitCode)

	code := 0
	now := time.Now().UTC()
	got.State = StateDead
	got.ExitCode = &code
	got.ExitedAt = &now
	require.NoError(t, s.UpdateProcess(ctx, got))

	got2, err := s.GetProcess(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateDead, got2.State)
	require.NotNil(t, got2.ExitCode)
	assert.Equal(t, 0, *got2.ExitCode)
}

func TestMaxPIDEmptyTable(t *testing.T) {
	s := newTestStore(t)
	max, err := s.MaxPID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)
}

func TestAgentLogsOrderedAndUniquePerStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for step := 1; step <= 3; step++ {
		require.NoError(t, s.AppendAgentLog(ctx, &AgentLog{
			PID: 7, Step: step, Phase: PhaseThinking, Content: "step",
		}))
	}
	// Duplicate (pid, step) must be rejected by the unique index.
	err := s.AppendAgentLog(ctx, &AgentLog{PID: 7, Step: 2, Phase: PhaseThinking, Content: "dup"})
	assert.Error(t, err)

	logs, err := s.GetAgentLogs(ctx, 7)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, l := range logs {
		assert.Equal(t, i+1, l.Step)
	}
}

func TestUserUniqueUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertUser(ctx, &User{ID: "u1", Username: "alice", PasswordHash: "x", Role: RoleUser}))
	err := s.InsertUser(ctx, &User{ID: "u2", Username: "alice", PasswordHash: "y", Role: RoleUser})
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestDeleteOrgCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOrg(ctx, &Org{ID: "o1", Name: "acme", OwnerUID: "u1"}))
	require.NoError(t, s.UpsertOrgMember(ctx, &OrgMember{OrgID: "o1", UserID: "u2", Role: OrgRoleMember}))
	require.NoError(t, s.InsertTeam(ctx, &Team{ID: "t1", OrgID: "o1", Name: "core"}))
	require.NoError(t, s.UpsertTeamMember(ctx, &TeamMember{TeamID: "t1", UserID: "u2"}))

	require.NoError(t, s.DeleteOrg(ctx, "o1"))

	members, err := s.ListOrgMembers(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, members)

	teams, err := s.ListTeams(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, teams)

	team, err := s.GetTeam(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, team)
}

func TestOrgInsertCreatesOwnerMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOrg(ctx, &Org{ID: "o1", Name: "acme", OwnerUID: "u1"}))
	m, err := s.GetOrgMember(ctx, "o1", "u1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, OrgRoleOwner, m.Role)
}

func TestFileMetaUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFileMeta(ctx, &FileMeta{Path: "u1/notes.txt", OwnerUID: "u1", Type: "file", Size: 5}))
	require.NoError(t, s.UpsertFileMeta(ctx, &FileMeta{Path: "u1/notes.txt", OwnerUID: "u1", Type: "file", Size: 9}))

	files, err := s.GetFilesByOwner(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(9), files[0].Size)
}

func TestCronJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &CronJob{ID: "c1", Name: "nightly", CronExpression: "0 3 * * *", AgentConfig: "{}", Enabled: true, OwnerUID: "u1"}
	require.NoError(t, s.UpsertCronJob(ctx, job))

	jobs, err := s.ListCronJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 3 * * *", jobs[0].CronExpression)

	require.NoError(t, s.DeleteCronJob(ctx, "c1"))
	jobs, err = s.ListCronJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestIntegrationLogRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < integrationLogRetention+10; i++ {
		require.NoError(t, s.AppendIntegrationLog(ctx, &IntegrationLog{
			IntegrationID: "s3-1", Action: "s3.list_buckets", Status: "ok",
		}))
	}
	logs, err := s.GetIntegrationLogs(ctx, "s3-1")
	require.NoError(t, err)
	assert.Len(t, logs, integrationLogRetention)
}

func TestTokenExpiryCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertToken(ctx, &Token{Token: "a", UserID: "u1", ExpiresAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, s.InsertToken(ctx, &Token{Token: "b", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}))

	require.NoError(t, s.DeleteExpiredTokens(ctx, time.Now()))

	a, err := s.GetToken(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, a)
	b, err := s.GetToken(ctx, "b")
	require.NoError(t, err)
	assert.NotNil(t, b)
}
