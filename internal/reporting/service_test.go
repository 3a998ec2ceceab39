package reporting

import (
	"context"
	"math"
	"testing"
	"time"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/assignments"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/simulator"
	"call-dispatch/internal/state"
)

var now = time.Unix(1700000000, 0).UTC()

func seed(t *testing.T) *state.MemoryDurable {
	t.Helper()
	d := state.NewMemoryDurable()
	ctx := context.Background()
	apply := func(w state.Write) {
		if err := d.Apply(ctx, w); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	ag := func(tenantID, id, typ string, st agents.Status) {
		a := agents.Agent{ID: id, TenantID: tenantID, Name: id, Type: typ, Status: st, CreatedAt: now}
		apply(state.Write{Kind: state.WriteAgent, TenantID: tenantID, Agent: &a})
	}
	call := func(tenantID, id, agentID, typ string, st calls.Status, q calls.Qualification, latency time.Duration) {
		c := calls.Call{ID: id, TenantID: tenantID, Type: typ, Status: st, AgentID: agentID, AssignmentID: "s-" + id, Qualification: q, CreatedAt: now}
		asgStatus := assignments.StatusCompleted
		if st.IsOpen() {
			asgStatus = assignments.StatusActive
		}
		a := assignments.Assignment{ID: "s-" + id, TenantID: tenantID, CallID: id, AgentID: agentID, Status: asgStatus, ClaimLatency: latency, CreatedAt: now}
		apply(state.Write{Kind: state.WriteClaim, TenantID: tenantID, Call: &c, Assignment: &a})
	}

	ag("t1", "a1", "agent_type_1", agents.StatusAvailable)
	ag("t1", "a2", "agent_type_2", agents.StatusBusy)
	ag("t1", "a3", "agent_type_1", agents.StatusOffline)
	ag("t2", "b1", "agent_type_1", agents.StatusAvailable)

	call("t1", "c1", "a1", "call_type_1", calls.StatusCompleted, calls.QualificationOK, 2*time.Millisecond)
	call("t1", "c2", "a1", "call_type_1", calls.StatusCompleted, calls.QualificationKO, 4*time.Millisecond)
	call("t1", "c3", "a2", "call_type_2", calls.StatusInProgress, calls.QualificationPending, 150*time.Millisecond)
	call("t1", "c4", "a1", "call_type_1", calls.StatusAbandoned, calls.QualificationPending, 6*time.Millisecond)
	call("t2", "d1", "b1", "call_type_1", calls.StatusCompleted, calls.QualificationOK, time.Millisecond)
	return d
}

func TestStatus_CountsPerTenant(t *testing.T) {
	svc := NewService(seed(t), nil, 0)

	st, err := svc.Status(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if st.TotalAgents != 3 || st.Agents["BUSY"] != 1 || st.Agents["AVAILABLE"] != 1 {
		t.Fatalf("unexpected agent counts: %+v", st)
	}
	if st.TotalCalls != 4 || st.Calls["COMPLETED"] != 2 || st.Calls["ABANDONED"] != 1 {
		t.Fatalf("unexpected call counts: %+v", st)
	}
	if st.ActiveAssignments != 1 {
		t.Fatalf("expected 1 active assignment, got %d", st.ActiveAssignments)
	}

	if _, err := svc.Status(context.Background(), ""); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestClaimLatency_Summary(t *testing.T) {
	svc := NewService(seed(t), nil, 100*time.Millisecond)

	l, err := svc.ClaimLatency(context.Background(), LatencyRequest{TenantID: "t1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if l.Claims != 4 || l.WithinBudget != 3 {
		t.Fatalf("unexpected counts: %+v", l)
	}
	if l.MinMs != 2 || l.MaxMs != 150 || l.AvgMs != 40.5 {
		t.Fatalf("unexpected latency stats: %+v", l)
	}
	if l.WithinBudgetRate != 0.75 || l.BudgetMs != 100 {
		t.Fatalf("unexpected budget stats: %+v", l)
	}

	empty, err := svc.ClaimLatency(context.Background(), LatencyRequest{TenantID: "t1", Range: TimeRange{From: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if empty.Claims != 0 || empty.MinMs != 0 {
		t.Fatalf("expected empty summary, got %+v", empty)
	}
}

func TestQualification_ActualVersusExpected(t *testing.T) {
	sim, err := simulator.New(simulator.Config{Mean: 10, Matrix: simulator.Matrix{
		"agent_type_1": {"call_type_1": 0.3},
	}}, nil)
	if err != nil {
		t.Fatalf("simulator: %v", err)
	}
	svc := NewService(seed(t), sim, 0)

	q, err := svc.Qualification(context.Background(), QualificationRequest{TenantID: "t1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if q.Qualified != 2 || q.Conversions != 1 || q.ConversionRate != 0.5 {
		t.Fatalf("unexpected totals: %+v", q)
	}
	if len(q.Cells) != 1 {
		t.Fatalf("expected one cell, got %+v", q.Cells)
	}
	c := q.Cells[0]
	if c.AgentType != "agent_type_1" || c.CallType != "call_type_1" || c.OK != 1 || c.KO != 1 {
		t.Fatalf("unexpected cell: %+v", c)
	}
	if c.ActualRate != 0.5 || math.Abs(c.ExpectedRate-0.3) > 1e-9 {
		t.Fatalf("unexpected rates: %+v", c)
	}
}
