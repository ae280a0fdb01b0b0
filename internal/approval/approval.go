// Package approval implements the approval gate state machine. A gate starts
// pending and makes exactly one transition to approved, rejected, timed-out,
// or cancelled; concurrent resolvers race on a conditional store update and
// at most one wins.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/store"
)

// DefaultPollInterval paces the executor's gate polling.
const DefaultPollInterval = 500 * time.Millisecond

// Manager creates and resolves approval gates.
type Manager struct {
	store store.GateStore
	clock clock.Clock
}

// NewManager creates a gate manager.
func NewManager(st store.GateStore, c clock.Clock) *Manager {
	return &Manager{store: st, clock: c}
}

// Create persists a pending gate for a stage.
func (m *Manager) Create(buildID, stageName string, def *pipeline.ApprovalDef) (*store.ApprovalGate, error) {
	gate := &store.ApprovalGate{
		ID:             clock.NewID(m.clock),
		BuildID:        buildID,
		StageName:      stageName,
		Status:         store.GatePending,
		RequiredRole:   def.Role,
		Message:        def.Message,
		TimeoutMinutes: def.TimeoutMinutes,
		MinApprovals:   def.MinApprovals,
		ApproverGroup:  def.ApproverGroup,
		CreatedAt:      m.clock.Now(),
	}
	if err := m.store.CreateGate(gate); err != nil {
		return nil, fmt.Errorf("creating approval gate: %w", err)
	}
	return gate, nil
}

// Approve attempts the pending→approved transition. Returns true iff this
// caller won it.
func (m *Manager) Approve(gateID, user string) (bool, error) {
	n, err := m.store.ResolveGate(gateID, store.GateApproved, user, m.clock.Now())
	if err != nil {
		return false, fmt.Errorf("approving gate: %w", err)
	}
	return n == 1, nil
}

// Reject attempts the pending→rejected transition. Returns true iff this
// caller won it.
func (m *Manager) Reject(gateID, user string) (bool, error) {
	n, err := m.store.ResolveGate(gateID, store.GateRejected, user, m.clock.Now())
	if err != nil {
		return false, fmt.Errorf("rejecting gate: %w", err)
	}
	return n == 1, nil
}

// WaitResult is the outcome of waiting on a gate.
type WaitResult struct {
	Proceed bool
	Status  string
	Reason  string
}

// Wait polls the gate until it resolves, times out, or the build is
// cancelled. Cancellation leaves the gate pending in the store; timeout
// writes timed-out back best effort.
func (m *Manager) Wait(ctx context.Context, gateID string, pollInterval time.Duration, cancelled *plugin.Flag) WaitResult {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	for {
		if cancelled != nil && cancelled.IsSet() {
			return WaitResult{Proceed: false, Status: store.GateCancelled, Reason: "build cancelled while waiting for approval"}
		}

		gate, err := m.store.GetGate(gateID)
		if err != nil {
			return WaitResult{Proceed: false, Status: store.GateCancelled, Reason: fmt.Sprintf("reading gate: %v", err)}
		}
		switch gate.Status {
		case store.GateApproved:
			return WaitResult{Proceed: true, Status: store.GateApproved, Reason: "approved by " + gate.ApprovedBy}
		case store.GateRejected:
			return WaitResult{Proceed: false, Status: store.GateRejected, Reason: "rejected by " + gate.RejectedBy}
		case store.GateTimedOut:
			return WaitResult{Proceed: false, Status: store.GateTimedOut, Reason: "approval timed out"}
		case store.GateCancelled:
			return WaitResult{Proceed: false, Status: store.GateCancelled, Reason: "approval cancelled"}
		}

		if gate.TimeoutMinutes > 0 {
			deadline := gate.CreatedAt.Add(time.Duration(gate.TimeoutMinutes) * time.Minute)
			if !m.clock.Now().Before(deadline) {
				_, _ = m.store.ResolveGate(gateID, store.GateTimedOut, "", m.clock.Now())
				return WaitResult{Proceed: false, Status: store.GateTimedOut, Reason: "approval timed out"}
			}
		}

		select {
		case <-ctx.Done():
			return WaitResult{Proceed: false, Status: store.GateCancelled, Reason: "build cancelled while waiting for approval"}
		case <-time.After(pollInterval):
		}
	}
}
