// Package tty maps TTY session ids onto sandbox shells — container-backed
// when a container backend is attached and healthy, local PTY otherwise —
// and fans shell output onto the event bus.
package tty

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/events"
	"github.com/aether-os/aether/internal/sandbox"
	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// Session is one open TTY. Exactly one of (local PTY, container shell)
// backs it; Containerized records which.
type Session struct {
	ID            string `json:"id"`
	PID           int64  `json:"pid"`
	Containerized bool   `json:"containerized"`

	proc sandbox.ShellProcess
}

// Manager owns all TTY sessions.
type Manager struct {
	ptyBackend       sandbox.PTYBackend
	containerBackend sandbox.ContainerBackend // nil when docker is disabled
	bus              *events.Bus
	logger           *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates the TTY manager. containerBackend may be nil.
func NewManager(ptyBackend sandbox.PTYBackend, containerBackend sandbox.ContainerBackend, bus *events.Bus, log *logger.Logger) *Manager {
	return &Manager{
		ptyBackend:       ptyBackend,
		containerBackend: containerBackend,
		bus:              bus,
		logger:           log.WithComponent("tty"),
		sessions:         make(map[string]*Session),
	}
}

// Open creates a TTY session for a process. When the container backend is
// attached and can spawn a shell, the session is containerized; otherwise it
// falls back to a local PTY.
func (m *Manager) Open(ctx context.Context, spec sandbox.ShellSpec) (*Session, error) {
	var proc sandbox.ShellProcess
	containerized := false

	if m.containerBackend != nil && m.containerBackend.Available(ctx) {
		p, err := m.containerBackend.SpawnShell(ctx, spec)
		if err != nil {
			m.logger.Warn("container shell unavailable, falling back to local pty",
				zap.Int64("pid", spec.PID), zap.Error(err))
		} else {
			proc = p
			containerized = true
		}
	}
	if proc == nil {
		p, err := m.ptyBackend.SpawnShell(ctx, spec)
		if err != nil {
			return nil, err
		}
		proc = p
	}

	session := &Session{
		ID:            uuid.New().String(),
		PID:           spec.PID,
		Containerized: containerized,
		proc:          proc,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	go m.pumpOutput(session)

	m.bus.Emit(v1.EventTTYOpened, map[string]any{
		"ttyId":         session.ID,
		"pid":           session.PID,
		"containerized": session.Containerized,
	})
	return session, nil
}

// pumpOutput streams shell output onto the bus until the shell exits.
// Per-TTY byte order is preserved; nothing is guaranteed across sessions.
func (m *Manager) pumpOutput(s *Session) {
	buf := make([]byte, 4096)
	reader := s.proc.Reader()
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			m.bus.Emit(v1.EventTTYOutput, map[string]any{
				"ttyId": s.ID,
				"data":  string(buf[:n]),
			})
		}
		if err != nil {
			break
		}
	}

	exitCode := s.proc.Wait()
	m.removeSession(s.ID)
	m.bus.Emit(v1.EventTTYClosed, map[string]any{
		"ttyId":    s.ID,
		"pid":      s.PID,
		"exitCode": exitCode,
	})
}

// Write forwards input to a session. Returns false for unknown ttyId.
func (m *Manager) Write(ttyID string, data []byte) bool {
	m.mu.RLock()
	s, ok := m.sessions[ttyID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if _, err := s.proc.Write(data); err != nil {
		m.logger.Debug("tty write failed", zap.String("tty_id", ttyID), zap.Error(err))
		return false
	}
	return true
}

// Resize adjusts a session's terminal size. Returns false for unknown ttyId.
// Container sessions resize best-effort.
func (m *Manager) Resize(ttyID string, cols, rows uint16) bool {
	m.mu.RLock()
	s, ok := m.sessions[ttyID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		m.logger.Debug("tty resize failed", zap.String("tty_id", ttyID), zap.Error(err))
	}
	return true
}

// Close kills the session's shell. The output pump observes the exit,
// removes the session, and emits tty.closed.
func (m *Manager) Close(ttyID string) bool {
	m.mu.RLock()
	s, ok := m.sessions[ttyID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if err := s.proc.Kill(); err != nil {
		m.logger.Warn("tty kill failed", zap.String("tty_id", ttyID), zap.Error(err))
	}
	return true
}

// GetByPID returns all sessions belonging to a process.
func (m *Manager) GetByPID(pid int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.PID == pid {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown closes all sessions.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}
}

func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
