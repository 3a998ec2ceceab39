package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/assignments"
	"call-dispatch/internal/availability"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/tenant"
)

// Memory is an in-process fast store. Each tenant is one shard with its own lock,
// so tenants never contend with each other.
type Memory struct {
	mu      sync.RWMutex
	tenants map[string]tenant.Tenant
	shards  map[string]*shard
}

type shard struct {
	mu          sync.Mutex
	seq         int64
	agents      map[string]agents.Agent
	calls       map[string]calls.Call
	assignments map[string]assignments.Assignment
	index       *availability.Index
}

func NewMemory() *Memory {
	return &Memory{tenants: map[string]tenant.Tenant{}, shards: map[string]*shard{}}
}

func (m *Memory) PutTenant(_ context.Context, t tenant.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
	if _, ok := m.shards[t.ID]; !ok {
		m.shards[t.ID] = &shard{
			agents:      map[string]agents.Agent{},
			calls:       map[string]calls.Call{},
			assignments: map[string]assignments.Assignment{},
			index:       availability.NewIndex(),
		}
	}
	return nil
}

func (m *Memory) Tenant(_ context.Context, id string) (tenant.Tenant, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	return t, ok, nil
}

func (m *Memory) shard(tenantID string) (*shard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shards[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantUnknown, tenantID)
	}
	return s, nil
}

func (m *Memory) CreateAgent(_ context.Context, a agents.Agent) (agents.Agent, error) {
	s, err := m.shard(a.TenantID)
	if err != nil {
		return agents.Agent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return agents.Agent{}, fmt.Errorf("state: agent %s already exists", a.ID)
	}
	s.seq++
	a.Seq = s.seq
	a.Version = 1
	s.agents[a.ID] = a
	if a.Status == agents.StatusAvailable {
		s.index.Admit(availability.EntryOf(a))
	}
	return a, nil
}

func (m *Memory) Agent(_ context.Context, tenantID, agentID string) (agents.Agent, bool, error) {
	s, err := m.shard(tenantID)
	if err != nil {
		return agents.Agent{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	return a, ok, nil
}

func (m *Memory) Agents(_ context.Context, tenantID string) ([]agents.Agent, error) {
	s, err := m.shard(tenantID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agents.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) AvailableAgents(_ context.Context, tenantID string) ([]agents.Agent, error) {
	s, err := m.shard(tenantID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.index.List()
	out := make([]agents.Agent, 0, len(entries))
	for _, e := range entries {
		if a, ok := s.agents[e.AgentID]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) UpdateAgentStatus(_ context.Context, tenantID, agentID string, to agents.Status, now time.Time) (agents.Agent, agents.Change, error) {
	s, err := m.shard(tenantID)
	if err != nil {
		return agents.Agent{}, agents.ChangeNone, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return agents.Agent{}, agents.ChangeNone, ErrAgentNotFound
	}
	next, change, err := agents.ApplyOperatorStatus(a, to, now)
	if err != nil {
		return a, change, err
	}
	switch change {
	case agents.ChangeNone:
		return a, change, nil
	case agents.ChangeAdmit:
		s.index.Admit(availability.EntryOf(next))
	case agents.ChangeWithdraw:
		s.index.Withdraw(agentID)
	}
	s.agents[agentID] = next
	return next, change, nil
}

func (m *Memory) Call(_ context.Context, tenantID, callID string) (calls.Call, bool, error) {
	s, err := m.shard(tenantID)
	if err != nil {
		return calls.Call{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	return c, ok, nil
}

func (m *Memory) Assignment(_ context.Context, tenantID, assignmentID string) (assignments.Assignment, bool, error) {
	s, err := m.shard(tenantID)
	if err != nil {
		return assignments.Assignment{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[assignmentID]
	return a, ok, nil
}

// PeekBest reads the index without the shard lock; TryClaim re-validates the agent.
func (m *Memory) PeekBest(_ context.Context, tenantID string, exclude map[string]struct{}) (string, int, bool, error) {
	s, err := m.shard(tenantID)
	if err != nil {
		return "", 0, false, err
	}
	n := s.index.Len()
	e, ok := s.index.PeekBestExcluding(exclude)
	return e.AgentID, n, ok, nil
}

func (m *Memory) TryClaim(_ context.Context, p ClaimParams) (Claimed, bool, error) {
	s, err := m.shard(p.TenantID)
	if err != nil {
		return Claimed{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[p.AgentID]
	if !ok || a.Status != agents.StatusAvailable || a.CurrentCallID != "" {
		return Claimed{}, false, nil
	}
	if _, exists := s.calls[p.Call.ID]; exists {
		return Claimed{}, false, ErrCallExists
	}

	c, asg := ClaimRows(a, p)
	a = ClaimAgent(a, c.ID, p.Now)

	s.index.Withdraw(a.ID)
	s.agents[a.ID] = a
	s.calls[c.ID] = c
	s.assignments[asg.ID] = asg
	return Claimed{Agent: a, Call: c, Assignment: asg}, true, nil
}

func (m *Memory) Start(_ context.Context, p StartParams) (calls.Call, assignments.Assignment, bool, error) {
	s, err := m.shard(p.TenantID)
	if err != nil {
		return calls.Call{}, assignments.Assignment{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[p.CallID]
	if !ok {
		return calls.Call{}, assignments.Assignment{}, false, ErrCallNotFound
	}
	if !calls.CanTransition(c.Status, calls.StatusInProgress) {
		return c, s.assignments[c.AssignmentID], false, nil
	}
	c, asg := StartRows(c, s.assignments[c.AssignmentID], p)

	s.calls[c.ID] = c
	s.assignments[asg.ID] = asg
	return c, asg, true, nil
}

func (m *Memory) Finish(_ context.Context, p FinishParams) (Finished, bool, error) {
	s, err := m.shard(p.TenantID)
	if err != nil {
		return Finished{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[p.CallID]
	if !ok {
		return Finished{}, false, ErrCallNotFound
	}
	if !calls.CanTransition(c.Status, p.CallStatus) {
		return Finished{Call: c, Assignment: s.assignments[c.AssignmentID], Agent: s.agents[c.AgentID]}, false, nil
	}

	c, asg := FinishRows(c, s.assignments[c.AssignmentID], p)

	a, admit := agents.Release(s.agents[c.AgentID], c.ID, p.Now)
	if admit {
		s.index.Admit(availability.EntryOf(a))
	}

	s.calls[c.ID] = c
	s.assignments[asg.ID] = asg
	s.agents[a.ID] = a
	return Finished{Agent: a, Call: c, Assignment: asg, Readmitted: admit}, true, nil
}
