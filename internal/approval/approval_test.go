package approval

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/store"
)

func newManager() (*Manager, *store.Memory) {
	st := store.NewMemory()
	return NewManager(st, clock.System{}), st
}

func pendingGate(t *testing.T, m *Manager) *store.ApprovalGate {
	t.Helper()
	gate, err := m.Create("b1", "Deploy", &pipeline.ApprovalDef{
		Message: "ship it?", Role: "admin", TimeoutMinutes: 60,
	})
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}
	return gate
}

func TestApprove_SingleWinner(t *testing.T) {
	m, _ := newManager()
	gate := pendingGate(t, m)

	const callers = 8
	var wg sync.WaitGroup
	wins := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		user := string(rune('a' + i))
		go func() {
			defer wg.Done()
			var won bool
			if user < "e" {
				won, _ = m.Approve(gate.ID, user)
			} else {
				won, _ = m.Reject(gate.ID, user)
			}
			if won {
				wins <- user
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
}

func TestWait_Approved(t *testing.T) {
	m, _ := newManager()
	gate := pendingGate(t, m)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Approve(gate.ID, "alice")
	}()

	res := m.Wait(context.Background(), gate.ID, 5*time.Millisecond, &plugin.Flag{})
	if !res.Proceed || res.Status != store.GateApproved {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(res.Reason, "alice") {
		t.Errorf("reason should name the approver: %s", res.Reason)
	}
}

func TestWait_Rejected(t *testing.T) {
	m, _ := newManager()
	gate := pendingGate(t, m)
	_, _ = m.Reject(gate.ID, "bob")

	res := m.Wait(context.Background(), gate.ID, 5*time.Millisecond, &plugin.Flag{})
	if res.Proceed || res.Status != store.GateRejected {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestWait_CancellationLeavesGatePending(t *testing.T) {
	m, st := newManager()
	gate := pendingGate(t, m)

	flag := &plugin.Flag{}
	flag.Set()
	res := m.Wait(context.Background(), gate.ID, 5*time.Millisecond, flag)
	if res.Proceed {
		t.Fatal("cancelled wait should not proceed")
	}
	if !strings.Contains(res.Reason, "cancelled") {
		t.Errorf("reason should mention cancellation: %s", res.Reason)
	}

	stored, err := st.GetGate(gate.ID)
	if err != nil {
		t.Fatalf("get gate: %v", err)
	}
	if stored.Status != store.GatePending {
		t.Errorf("gate should remain pending, got %s", stored.Status)
	}
}

func TestWait_TimeoutWritesBack(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	m := NewManager(st, fake)

	gate, err := m.Create("b1", "Deploy", &pipeline.ApprovalDef{TimeoutMinutes: 30})
	if err != nil {
		t.Fatalf("create gate: %v", err)
	}
	fake.Advance(31 * time.Minute)

	res := m.Wait(context.Background(), gate.ID, time.Millisecond, &plugin.Flag{})
	if res.Proceed || res.Status != store.GateTimedOut {
		t.Fatalf("unexpected result: %+v", res)
	}
	stored, _ := st.GetGate(gate.ID)
	if stored.Status != store.GateTimedOut {
		t.Errorf("timeout not written back, gate status %s", stored.Status)
	}
}
