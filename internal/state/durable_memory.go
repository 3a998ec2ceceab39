package state

import (
	"context"
	"sort"
	"sync"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/assignments"
	"call-dispatch/internal/availability"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/tenant"
)

// MemoryDurable is an in-memory DurableStore for tests and local runs.
// FailWith makes every Apply fail until cleared, which lets tests exercise reconciliation.
type MemoryDurable struct {
	mu          sync.Mutex
	failErr     error
	tenants     map[string]tenant.Tenant
	agents      map[string]agents.Agent
	calls       map[string]calls.Call
	assignments map[string]assignments.Assignment
	applied     []Write
}

func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{
		tenants:     map[string]tenant.Tenant{},
		agents:      map[string]agents.Agent{},
		calls:       map[string]calls.Call{},
		assignments: map[string]assignments.Assignment{},
	}
}

func (d *MemoryDurable) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failErr = err
}

func (d *MemoryDurable) Apply(_ context.Context, w Write) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return d.failErr
	}
	if w.Tenant != nil {
		d.tenants[w.Tenant.ID] = *w.Tenant
	}
	if w.Agent != nil {
		if prev, ok := d.agents[w.Agent.ID]; !ok || prev.Version < w.Agent.Version {
			d.agents[w.Agent.ID] = *w.Agent
		}
	}
	if w.Call != nil {
		if prev, ok := d.calls[w.Call.ID]; !ok || callRank(prev.Status) < callRank(w.Call.Status) {
			d.calls[w.Call.ID] = *w.Call
		}
	}
	if w.Assignment != nil {
		if prev, ok := d.assignments[w.Assignment.ID]; !ok || assignmentSupersedes(prev, *w.Assignment) {
			d.assignments[w.Assignment.ID] = *w.Assignment
		}
	}
	d.applied = append(d.applied, w)
	return nil
}

// The staleness rules match pgstore's upsert guards.

func callRank(s calls.Status) int {
	switch s {
	case calls.StatusPending:
		return 0
	case calls.StatusAssigned:
		return 1
	case calls.StatusInProgress:
		return 2
	default:
		return 3
	}
}

func assignmentSupersedes(prev, next assignments.Assignment) bool {
	if prev.Status.IsTerminal() {
		return false
	}
	return next.Status.IsTerminal() || next.ExpectedDuration > prev.ExpectedDuration
}

// Applied returns the writes in the order they became durable.
func (d *MemoryDurable) Applied() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Write, len(d.applied))
	copy(out, d.applied)
	return out
}

func (d *MemoryDurable) ListAgents(_ context.Context, tenantID string) ([]agents.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []agents.Agent{}
	for _, a := range d.agents {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (d *MemoryDurable) ListAvailableAgents(ctx context.Context, tenantID string) ([]agents.Agent, error) {
	all, err := d.ListAgents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Status == agents.StatusAvailable {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return availability.Less(availability.EntryOf(out[i]), availability.EntryOf(out[j]))
	})
	return out, nil
}

func (d *MemoryDurable) ListCalls(_ context.Context, tenantID string) ([]calls.Call, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []calls.Call{}
	for _, c := range d.calls {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *MemoryDurable) ListAssignments(_ context.Context, tenantID string) ([]assignments.Assignment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []assignments.Assignment{}
	for _, a := range d.assignments {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
