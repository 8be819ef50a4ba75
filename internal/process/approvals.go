package process

import (
	"context"

	"github.com/aether-os/aether/internal/kernel/errs"
	"github.com/aether-os/aether/internal/store"
)

// RequestApproval suspends a process into waiting and returns the channel
// the operator's decision arrives on. The runtime selects on it together
// with its abort context.
func (m *Manager) RequestApproval(ctx context.Context, pid int64) (<-chan ApprovalDecision, error) {
	proc, err := m.Get(pid)
	if err != nil {
		return nil, err
	}

	proc.mu.Lock()
	if proc.approval != nil {
		ch := proc.approval
		proc.mu.Unlock()
		return ch, nil
	}
	ch := make(chan ApprovalDecision, 1)
	proc.approval = ch
	proc.mu.Unlock()

	if err := m.SetState(ctx, pid, store.StateWaiting); err != nil {
		return nil, err
	}
	return ch, nil
}

// Approve resolves a pending approval positively and resumes the process.
func (m *Manager) Approve(ctx context.Context, pid int64) error {
	return m.resolveApproval(ctx, pid, ApprovalDecision{Approved: true})
}

// Reject resolves a pending approval negatively. The runtime terminates the
// process as failed.
func (m *Manager) Reject(ctx context.Context, pid int64, reason string) error {
	return m.resolveApproval(ctx, pid, ApprovalDecision{Approved: false, Reason: reason})
}

func (m *Manager) resolveApproval(ctx context.Context, pid int64, decision ApprovalDecision) error {
	proc, err := m.Get(pid)
	if err != nil {
		return err
	}

	proc.mu.Lock()
	ch := proc.approval
	proc.approval = nil
	proc.mu.Unlock()

	if ch == nil {
		return errs.InvalidArgument("process %d has no pending approval", pid)
	}
	ch <- decision

	if decision.Approved {
		return m.SetState(ctx, pid, store.StateRunning)
	}
	// The rejected runtime observes the decision and exits as failed; the
	// state leaves waiting through the zombie edge there.
	return nil
}
