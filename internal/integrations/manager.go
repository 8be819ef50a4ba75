// Package integrations manages external service connectors. Credentials are
// encrypted at rest; every call is recorded in the integration log.
package integrations

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/store"
)

// testTimeout bounds integration connectivity tests.
const testTimeout = 10 * time.Second

// Action is one operation an integration provider offers.
type Action struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Provider implements one integration type.
type Provider interface {
	Type() string
	Actions() []Action
	Test(ctx context.Context, creds map[string]string) (bool, string)
	Execute(ctx context.Context, creds map[string]string, action string, params map[string]any) (any, error)
}

// TestResult is the outcome of an integration connectivity test.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Manager registers integrations and dispatches their actions.
type Manager struct {
	store     *store.Store
	logger    *logger.Logger
	key       []byte
	providers map[string]Provider
}

// NewManager creates the integration manager. The encryption key is derived
// from the kernel secret.
func NewManager(s *store.Store, secret string, log *logger.Logger) *Manager {
	key := sha256.Sum256([]byte("aether-integrations:" + secret))
	return &Manager{
		store:     s,
		logger:    log.WithComponent("integrations"),
		key:       key[:],
		providers: make(map[string]Provider),
	}
}

// AddProvider registers a provider implementation.
func (m *Manager) AddProvider(p Provider) {
	m.providers[p.Type()] = p
}

// Register persists a new integration with encrypted credentials.
func (m *Manager) Register(ctx context.Context, integrationType, name string, creds map[string]string) (*store.Integration, error) {
	provider, ok := m.providers[integrationType]
	if !ok {
		return nil, errs.InvalidArgument("unknown integration type: %s", integrationType)
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	ciphertext, nonce, err := encrypt(plaintext, m.key)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	integration := &store.Integration{
		ID:          uuid.New().String(),
		Type:        provider.Type(),
		Name:        name,
		Credentials: ciphertext,
		Nonce:       nonce,
		Status:      "unknown",
	}
	if err := m.store.InsertIntegration(ctx, integration); err != nil {
		return nil, fmt.Errorf("persist integration: %w", err)
	}

	m.logger.Info("integration registered",
		zap.String("id", integration.ID),
		zap.String("type", integrationType))
	return integration, nil
}

// Actions lists the actions an integration offers.
func (m *Manager) Actions(ctx context.Context, id string) ([]Action, error) {
	_, provider, _, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	return provider.Actions(), nil
}

// Test probes an integration's connectivity and records the outcome.
func (m *Manager) Test(ctx context.Context, id string) (*TestResult, error) {
	integration, provider, creds, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	testCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	success, message := provider.Test(testCtx, creds)
	status := "ok"
	if !success {
		status = "error"
	}
	if err := m.store.UpdateIntegrationStatus(ctx, id, status); err != nil {
		m.logger.Warn("failed to update integration status", zap.String("id", id), zap.Error(err))
	}
	m.appendLog(ctx, integration.ID, "test", status, message)
	return &TestResult{Success: success, Message: message}, nil
}

// Execute runs one action and records the call.
func (m *Manager) Execute(ctx context.Context, id, action string, params map[string]any) (any, error) {
	integration, provider, creds, err := m.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	result, execErr := provider.Execute(ctx, creds, action, params)
	if execErr != nil {
		m.appendLog(ctx, integration.ID, action, "error", execErr.Error())
		return nil, execErr
	}
	m.appendLog(ctx, integration.ID, action, "ok", "")
	return result, nil
}

// GetLogs returns the recorded calls for an integration.
func (m *Manager) GetLogs(ctx context.Context, id string) ([]*store.IntegrationLog, error) {
	return m.store.GetIntegrationLogs(ctx, id)
}

// List returns all integrations (credentials withheld).
func (m *Manager) List(ctx context.Context) ([]*store.Integration, error) {
	return m.store.ListIntegrations(ctx)
}

// Remove deletes an integration and its logs.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.store.DeleteIntegration(ctx, id); err != nil {
		return errs.NotFound("integration not found: %s", id)
	}
	return nil
}

func (m *Manager) resolve(ctx context.Context, id string) (*store.Integration, Provider, map[string]string, error) {
	integration, err := m.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if integration == nil {
		return nil, nil, nil, errs.NotFound("integration not found: %s", id)
	}
	provider, ok := m.providers[integration.Type]
	if !ok {
		return nil, nil, nil, errs.InvalidArgument("no provider for type: %s", integration.Type)
	}

	plaintext, err := decrypt(integration.Credentials, integration.Nonce, m.key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, nil, nil, fmt.Errorf("decode credentials: %w", err)
	}
	return integration, provider, creds, nil
}

func (m *Manager) appendLog(ctx context.Context, integrationID, action, status, detail string) {
	err := m.store.AppendIntegrationLog(ctx, &store.IntegrationLog{
		IntegrationID: integrationID,
		Action:        action,
		Status:        status,
		Detail:        detail,
	})
	if err != nil {
		m.logger.Warn("failed to append integration log",
			zap.String("integration_id", integrationID), zap.Error(err))
	}
}
