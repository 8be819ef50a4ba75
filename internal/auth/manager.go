// Package auth implements users, tokens, orgs, teams, and the
// role-to-permission matrix.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/store"
)

// Manager handles authentication and authorization.
type Manager struct {
	store  *store.Store
	cfg    config.AuthConfig
	logger *logger.Logger
}

// NewManager creates the auth manager.
func NewManager(s *store.Store, cfg config.AuthConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:  s,
		cfg:    cfg,
		logger: log.WithComponent("auth"),
	}
}

// EnsureDefaultAdmin creates the bootstrap admin account when no users exist.
func (m *Manager) EnsureDefaultAdmin(ctx context.Context, username, password string) error {
	users, err := m.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if len(users) > 0 {
		return nil
	}
	_, err = m.CreateUser(ctx, username, password, "Administrator", store.RoleAdmin)
	if err != nil {
		return err
	}
	m.logger.Info("default admin account created", zap.String("username", username))
	return nil
}

// CreateUser registers a new user. Passwords are hashed with bcrypt, salted
// per user, peppered with the kernel secret.
func (m *Manager) CreateUser(ctx context.Context, username, password, displayName, role string) (*store.User, error) {
	if username == "" {
		return nil, errs.InvalidArgument("username must not be empty")
	}
	if password == "" {
		return nil, errs.InvalidArgument("password must not be empty")
	}
	if role == "" {
		role = store.RoleUser
	}
	if role != store.RoleAdmin && role != store.RoleUser {
		return nil, errs.InvalidArgument("unknown role: %s", role)
	}

	hash, err := bcrypt.GenerateFromPassword(m.pepper(password), m.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.InsertUser(ctx, user); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, errs.Conflict("username already taken: %s", username)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	m.logger.Info("user created", zap.String("username", username), zap.String("role", role))
	return user, nil
}

// Login verifies credentials and issues an opaque token with absolute expiry.
func (m *Manager) Login(ctx context.Context, username, password string) (string, *store.User, error) {
	user, err := m.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return "", nil, errs.Unauthorized("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), m.pepper(password)); err != nil {
		return "", nil, errs.Unauthorized("invalid credentials")
	}

	token, err := newToken()
	if err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	err = m.store.InsertToken(ctx, &store.Token{
		Token:     token,
		UserID:    user.ID,
		ExpiresAt: time.Now().UTC().Add(m.cfg.TokenDurationTime()),
	})
	if err != nil {
		return "", nil, fmt.Errorf("persist token: %w", err)
	}
	return token, user, nil
}

// ValidateToken resolves a token to its user. Returns nil for unknown,
// expired, or orphaned tokens.
func (m *Manager) ValidateToken(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, nil
	}
	t, err := m.store.GetToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if t == nil || time.Now().UTC().After(t.ExpiresAt) {
		return nil, nil
	}
	return m.store.GetUserByID(ctx, t.UserID)
}

// DeleteUser removes a user and invalidates all their tokens. Admin only;
// the dispatcher enforces that.
func (m *Manager) DeleteUser(ctx context.Context, userID string) error {
	if err := m.store.DeleteUser(ctx, userID); err != nil {
		return errs.NotFound("user not found: %s", userID)
	}
	return nil
}

// PruneExpiredTokens drops tokens past their absolute expiry.
func (m *Manager) PruneExpiredTokens(ctx context.Context) error {
	return m.store.DeleteExpiredTokens(ctx, time.Now().UTC())
}

// pepper mixes the kernel secret into the password before hashing.
func (m *Manager) pepper(password string) []byte {
	return []byte(password + m.cfg.Secret)
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
