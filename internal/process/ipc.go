package process

import (
	"context"
	"time"

	"github.com/google/uuid"

	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// SendMessage appends a message to the target's mailbox and emits
// ipc.delivered. Returns nil (no error) when the target is unknown.
func (m *Manager) SendMessage(ctx context.Context, fromPID, toPID int64, channel string, payload any) *IPCMessage {
	proc, err := m.Get(toPID)
	if err != nil {
		return nil
	}

	msg := &IPCMessage{
		ID:        uuid.New().String(),
		FromPID:   fromPID,
		ToPID:     toPID,
		Channel:   channel,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	proc.mu.Lock()
	proc.mailbox = append(proc.mailbox, msg)
	proc.mu.Unlock()

	m.bus.Emit(v1.EventIPCDelivered, map[string]any{
		"id":      msg.ID,
		"from":    fromPID,
		"to":      toPID,
		"channel": channel,
	})
	m.bus.Emit(v1.EventIPCMessage, map[string]any{
		"id":      msg.ID,
		"from":    fromPID,
		"to":      toPID,
		"channel": channel,
		"payload": payload,
	})
	return msg
}

// DrainMessages atomically reads and empties a mailbox.
func (m *Manager) DrainMessages(pid int64) []*IPCMessage {
	proc, err := m.Get(pid)
	if err != nil {
		return nil
	}
	proc.mu.Lock()
	msgs := proc.mailbox
	proc.mailbox = nil
	proc.mu.Unlock()
	return msgs
}
