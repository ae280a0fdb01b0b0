package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chengis/chengis/internal/clock"
	"github.com/chengis/chengis/internal/store"
)

type fakeOPA struct {
	stdout   []byte
	exitCode int
	delay    time.Duration
}

func (f *fakeOPA) Eval(ctx context.Context, policyPath, query string, input []byte) ([]byte, int, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, -1, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.stdout, f.exitCode, nil
}

func newEngine(st *store.Memory, opa OPARunner) *Engine {
	return NewEngine(st, clock.System{}, opa, true)
}

func mainInput() Input {
	return Input{
		OrgID: "org1", BuildID: "b1", JobID: "j1",
		Branch: "main", Author: "alice", StageName: "Deploy",
		Parameters: map[string]string{"env": "prod"},
	}
}

func TestEvaluate_DisabledAlwaysAllows(t *testing.T) {
	st := store.NewMemory()
	st.SeedPolicies("org1", []store.PolicyRule{{
		ID: "p1", Type: TypeBranchRestriction, Enabled: true,
		Config: map[string]any{"branches": []string{"release/*"}, "action": "allow"},
	}})
	e := NewEngine(st, clock.System{}, nil, false)

	dec, err := e.Evaluate(context.Background(), mainInput())
	if err != nil || !dec.Allow {
		t.Fatalf("disabled engine should allow: %+v, %v", dec, err)
	}
}

func TestEvaluate_BranchRestriction(t *testing.T) {
	st := store.NewMemory()
	st.SeedPolicies("org1", []store.PolicyRule{{
		ID: "p1", Type: TypeBranchRestriction, Enabled: true,
		Config: map[string]any{"branches": []any{"main", "release/*"}, "action": "allow"},
	}})
	e := newEngine(st, nil)

	dec, err := e.Evaluate(context.Background(), mainInput())
	if err != nil || !dec.Allow {
		t.Fatalf("main should be allowed: %+v, %v", dec, err)
	}

	in := mainInput()
	in.Branch = "feature/x"
	dec, _ = e.Evaluate(context.Background(), in)
	if dec.Allow {
		t.Fatal("feature branch should be denied")
	}
	if dec.PolicyID != "p1" {
		t.Errorf("deny should carry the policy id, got %q", dec.PolicyID)
	}
}

func TestEvaluate_PriorityOrderShortCircuits(t *testing.T) {
	st := store.NewMemory()
	st.SeedPolicies("org1", []store.PolicyRule{
		{ID: "late", Type: TypeAuthorRestriction, Priority: 10, Enabled: true,
			Config: map[string]any{"authors": []string{"nobody"}, "action": "allow"}},
		{ID: "early", Type: TypeBranchRestriction, Priority: 1, Enabled: true,
			Config: map[string]any{"branches": []string{"release/*"}, "action": "allow"}},
	})
	e := newEngine(st, nil)

	dec, _ := e.Evaluate(context.Background(), mainInput())
	if dec.Allow || dec.PolicyID != "early" {
		t.Fatalf("expected the lower-priority rule to deny first: %+v", dec)
	}
	// Only the winning rule was evaluated.
	if evals := st.PolicyEvaluations(); len(evals) != 1 || evals[0].PolicyID != "early" {
		t.Errorf("unexpected evaluations: %+v", evals)
	}
}

func TestEvaluate_ParameterRestriction(t *testing.T) {
	st := store.NewMemory()
	st.SeedPolicies("org1", []store.PolicyRule{{
		ID: "p1", Type: TypeParameterRestriction, Enabled: true,
		Config: map[string]any{"parameter": "env", "operator": "equals", "value": "prod", "action": "deny"},
	}})
	e := newEngine(st, nil)

	dec, _ := e.Evaluate(context.Background(), mainInput())
	if dec.Allow {
		t.Fatal("env=prod should be denied")
	}

	in := mainInput()
	in.Parameters["env"] = "staging"
	dec, _ = e.Evaluate(context.Background(), in)
	if !dec.Allow {
		t.Fatalf("env=staging should pass: %+v", dec)
	}
}

func TestEvaluate_TimeWindow(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC)) // Saturday 03:00
	st := store.NewMemory()
	st.SeedPolicies("org1", []store.PolicyRule{{
		ID: "p1", Type: TypeTimeWindow, Enabled: true,
		Config: map[string]any{"start_hour": 9, "end_hour": 17, "action": "allow"},
	}})
	e := NewEngine(st, fake, nil, true)

	dec, _ := e.Evaluate(context.Background(), mainInput())
	if dec.Allow {
		t.Fatal("03:00 is outside the window")
	}

	fake.Advance(7 * time.Hour) // 10:00
	dec, _ = e.Evaluate(context.Background(), mainInput())
	if !dec.Allow {
		t.Fatalf("10:00 is inside the window: %+v", dec)
	}
}

func TestEvaluate_RequiredApprovalOverrideMerges(t *testing.T) {
	st := store.NewMemory()
	st.SeedPolicies("org1", []store.PolicyRule{
		{ID: "p1", Type: TypeRequiredApproval, Priority: 1, Enabled: true,
			Config: map[string]any{"stages": []string{"Deploy"}, "min_approvals": 2, "approver_group": []string{"ops"}}},
		{ID: "p2", Type: TypeRequiredApproval, Priority: 2, Enabled: true,
			Config: map[string]any{"min_approvals": 1, "approver_group": []string{"security", "ops"}}},
	})
	e := newEngine(st, nil)

	dec, err := e.Evaluate(context.Background(), mainInput())
	if err != nil || !dec.Allow {
		t.Fatalf("required-approval must not deny: %+v, %v", dec, err)
	}
	if dec.Override == nil {
		t.Fatal("expected an approval override")
	}
	if dec.Override.MinApprovals != 2 {
		t.Errorf("min approvals should be max-of, got %d", dec.Override.MinApprovals)
	}
	if len(dec.Override.ApproverGroup) != 2 {
		t.Errorf("approver group should be the union, got %v", dec.Override.ApproverGroup)
	}
}

func TestEvaluate_OPA(t *testing.T) {
	allow := []byte(`{"result":[{"expressions":[{"value":true}]}]}`)
	deny := []byte(`{"result":[{"expressions":[{"value":false}]}]}`)

	cases := []struct {
		name   string
		opa    *fakeOPA
		allow  bool
		reason string
	}{
		{"allowed", &fakeOPA{stdout: allow}, true, "opa allowed"},
		{"denied", &fakeOPA{stdout: deny}, false, "opa denied"},
		{"not installed", &fakeOPA{exitCode: 127}, true, "not installed"},
		{"timeout", &fakeOPA{stdout: allow, delay: time.Second}, false, "timed out"},
		{"garbage output", &fakeOPA{stdout: []byte("not json")}, false, "not parsable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemory()
			st.SeedPolicies("org1", []store.PolicyRule{{
				ID: "p1", Type: TypeOPA, Enabled: true,
				Config: map[string]any{"policy_path": "/policies", "timeout_ms": 50},
			}})
			e := newEngine(st, tc.opa)

			dec, err := e.Evaluate(context.Background(), mainInput())
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if dec.Allow != tc.allow {
				t.Errorf("allow=%v, want %v (%s)", dec.Allow, tc.allow, dec.Reason)
			}
			if !strings.Contains(dec.Reason, tc.reason) {
				t.Errorf("reason %q should contain %q", dec.Reason, tc.reason)
			}
		})
	}
}
