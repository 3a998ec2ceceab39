package state

import (
	"context"
	"errors"
	"time"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/assignments"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/tenant"
)

var (
	ErrAgentNotFound = errors.New("state: agent not found")
	ErrCallNotFound  = errors.New("state: call not found")
	ErrCallExists    = errors.New("state: call already exists")
	ErrTenantUnknown = errors.New("state: tenant unknown")
)

// ClaimParams is one claim attempt of AgentID for a new call.
type ClaimParams struct {
	TenantID     string
	AgentID      string
	Call         calls.Call
	AssignmentID string
	ClaimLatency time.Duration
	Now          time.Time
}

// Claimed is the post-claim snapshot of the three rows the claim changed.
type Claimed struct {
	Agent      agents.Agent
	Call       calls.Call
	Assignment assignments.Assignment
}

type StartParams struct {
	TenantID string
	CallID   string
	Expected time.Duration
	Now      time.Time
}

// FinishParams drives an open call into a terminal status and releases its agent.
type FinishParams struct {
	TenantID         string
	CallID           string
	CallStatus       calls.Status
	AssignmentStatus assignments.Status
	Qualification    calls.Qualification
	Now              time.Time
}

type Finished struct {
	Agent      agents.Agent
	Call       calls.Call
	Assignment assignments.Assignment
	// Readmitted is true when the agent went back to AVAILABLE.
	Readmitted bool
}

// Store is the fast authoritative store. It is the only arbiter of claim correctness:
// TryClaim, Start and Finish are compare-and-set operations that either apply in full or not at all.
type Store interface {
	tenant.Store

	CreateAgent(ctx context.Context, a agents.Agent) (agents.Agent, error)
	Agent(ctx context.Context, tenantID, agentID string) (agents.Agent, bool, error)
	Agents(ctx context.Context, tenantID string) ([]agents.Agent, error)
	// AvailableAgents returns AVAILABLE agents in index order.
	AvailableAgents(ctx context.Context, tenantID string) ([]agents.Agent, error)
	UpdateAgentStatus(ctx context.Context, tenantID, agentID string, to agents.Status, now time.Time) (agents.Agent, agents.Change, error)

	Call(ctx context.Context, tenantID, callID string) (calls.Call, bool, error)
	Assignment(ctx context.Context, tenantID, assignmentID string) (assignments.Assignment, bool, error)

	// PeekBest returns the best available agent not in exclude, plus the number of available
	// agents observed.
	PeekBest(ctx context.Context, tenantID string, exclude map[string]struct{}) (agentID string, available int, ok bool, err error)

	// TryClaim returns ok == false when the agent is no longer AVAILABLE. Nothing is mutated then.
	TryClaim(ctx context.Context, p ClaimParams) (Claimed, bool, error)
	// Start moves an ASSIGNED call to IN_PROGRESS. ok == false when the call is no longer ASSIGNED.
	Start(ctx context.Context, p StartParams) (calls.Call, assignments.Assignment, bool, error)
	// Finish moves an open call to a terminal status. ok == false when the call already was terminal.
	Finish(ctx context.Context, p FinishParams) (Finished, bool, error)
}

// WriteKind names the fast-store change a durable write mirrors.
type WriteKind string

const (
	WriteTenant WriteKind = "tenant"
	WriteAgent  WriteKind = "agent"
	WriteClaim  WriteKind = "claim"
	WriteStart  WriteKind = "start"
	WriteFinish WriteKind = "finish"
)

// Write is a snapshot of rows to upsert into the durable store. Rows are applied in FK order
// (tenant, agent, call, assignment). Replaying a write is idempotent.
type Write struct {
	Kind       WriteKind
	TenantID   string
	Tenant     *tenant.Tenant
	Agent      *agents.Agent
	Call       *calls.Call
	Assignment *assignments.Assignment
	At         time.Time
}

// DurableStore is the durable record used for reporting and recovery.
type DurableStore interface {
	Apply(ctx context.Context, w Write) error
	Reader
}

type Reader interface {
	ListAgents(ctx context.Context, tenantID string) ([]agents.Agent, error)
	ListAvailableAgents(ctx context.Context, tenantID string) ([]agents.Agent, error)
	ListCalls(ctx context.Context, tenantID string) ([]calls.Call, error)
	ListAssignments(ctx context.Context, tenantID string) ([]assignments.Assignment, error)
}
