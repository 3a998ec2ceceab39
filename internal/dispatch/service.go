package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/assignments"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/events"
	"call-dispatch/internal/lifecycle"
	"call-dispatch/internal/metrics"
	"call-dispatch/internal/state"
	"call-dispatch/internal/tenant"
)

// Config lists the known type tags. Submissions and registrations with other tags are rejected.
type Config struct {
	AgentTypes []string
	CallTypes  []string
	// ClaimBudget is the submission to claim latency target. Slower claims are logged.
	ClaimBudget time.Duration
}

// Service is the ingress and administration surface of the dispatch core.
//
// Tenancy invariant:
// - every operation runs under a tenant.Scope from Resolve and only touches that tenant's rows
type Service struct {
	store   state.Store
	tenants *tenant.Registry
	coord   *Coordinator
	sched   *lifecycle.Scheduler
	events  events.Sink
	metrics metrics.Sink
	log     *slog.Logger

	agentTypes map[string]struct{}
	callTypes  map[string]struct{}
	budget     time.Duration

	clock func() time.Time
	newID func() string
}

func NewService(cfg Config, store state.Store, tenants *tenant.Registry, sched *lifecycle.Scheduler, ev events.Sink, m metrics.Sink, log *slog.Logger) *Service {
	if ev == nil {
		ev = events.Multi{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.ClaimBudget <= 0 {
		cfg.ClaimBudget = 100 * time.Millisecond
	}
	s := &Service{
		store:      store,
		tenants:    tenants,
		sched:      sched,
		events:     ev,
		metrics:    m,
		log:        log,
		agentTypes: setOf(cfg.AgentTypes),
		callTypes:  setOf(cfg.CallTypes),
		budget:     cfg.ClaimBudget,
		clock:      time.Now,
		newID:      uuid.NewString,
	}
	s.coord = NewCoordinator(store, log)
	s.coord.clock = func() time.Time { return s.clock() }
	return s
}

func setOf(xs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		out[x] = struct{}{}
	}
	return out
}

var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)

// normalizePhone strips common separators and checks the result looks like an E.164 number.
func normalizePhone(raw string) (string, bool) {
	p := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	return p, phonePattern.MatchString(p)
}

// --- Tenants ---

// Resolve returns the scope for an active tenant.
func (s *Service) Resolve(ctx context.Context, tenantID string) (tenant.Scope, error) {
	sc, err := s.tenants.Resolve(ctx, tenantID)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		return tenant.Scope{}, invalid("tenant", "unknown", err)
	case errors.Is(err, tenant.ErrInactive):
		return tenant.Scope{}, invalid("tenant", "inactive", err)
	case errors.Is(err, tenant.ErrInvalidInput):
		return tenant.Scope{}, invalid("tenant", "id required", err)
	case err != nil:
		return tenant.Scope{}, err
	}
	return sc, nil
}

func (s *Service) CreateTenant(ctx context.Context, name string) (tenant.Tenant, error) {
	t, err := s.tenants.Create(ctx, name)
	if errors.Is(err, tenant.ErrInvalidInput) {
		return tenant.Tenant{}, invalid("name", "required", err)
	}
	return t, err
}

func (s *Service) SetTenantActive(ctx context.Context, tenantID string, active bool) (tenant.Tenant, error) {
	t, err := s.tenants.SetActive(ctx, tenantID, active)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		return tenant.Tenant{}, invalid("tenant", "unknown", err)
	case errors.Is(err, tenant.ErrInvalidInput):
		return tenant.Tenant{}, invalid("tenant", "id required", err)
	}
	return t, err
}

func checkScope(scope tenant.Scope) error {
	if !scope.Valid() {
		return invalid("tenant", "scope required", nil)
	}
	return nil
}

// storeErr turns lookups that failed because of caller input into validation errors.
func storeErr(err error) error {
	switch {
	case errors.Is(err, state.ErrTenantUnknown):
		return invalid("tenant", "unknown", err)
	case errors.Is(err, state.ErrAgentNotFound):
		return invalid("agent_id", "unknown", err)
	case errors.Is(err, state.ErrCallNotFound):
		return invalid("call_id", "unknown", err)
	}
	return err
}

// --- Agents ---

// RegisterAgent adds an OFFLINE agent to the tenant.
func (s *Service) RegisterAgent(ctx context.Context, scope tenant.Scope, name, agentType string) (agents.Agent, error) {
	if err := checkScope(scope); err != nil {
		return agents.Agent{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return agents.Agent{}, invalid("name", "required", nil)
	}
	if _, ok := s.agentTypes[agentType]; !ok {
		return agents.Agent{}, invalid("agent_type", fmt.Sprintf("unknown %q", agentType), nil)
	}
	now := s.clock().UTC()
	a, err := s.store.CreateAgent(ctx, agents.Agent{
		ID:        s.newID(),
		TenantID:  scope.TenantID,
		Name:      name,
		Type:      agentType,
		Status:    agents.StatusOffline,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return agents.Agent{}, storeErr(err)
	}
	s.log.InfoContext(ctx, "agent registered", "tenant_id", scope.TenantID, "agent_id", a.ID, "agent_type", a.Type)
	return a, nil
}

// SetAgentStatus applies an operator status change. AVAILABLE admits the agent to the index,
// leaving AVAILABLE withdraws it. PAUSED or OFFLINE on a BUSY agent takes effect when its call ends.
func (s *Service) SetAgentStatus(ctx context.Context, scope tenant.Scope, agentID string, to agents.Status) (agents.Agent, error) {
	if err := checkScope(scope); err != nil {
		return agents.Agent{}, err
	}
	a, change, err := s.store.UpdateAgentStatus(ctx, scope.TenantID, agentID, to, s.clock().UTC())
	switch {
	case errors.Is(err, agents.ErrInvalidStatus):
		return agents.Agent{}, invalid("status", fmt.Sprintf("cannot set %q", to), err)
	case errors.Is(err, agents.ErrAgentBusy):
		return agents.Agent{}, invalid("status", "agent is on a call", err)
	case err != nil:
		return agents.Agent{}, storeErr(err)
	}
	if change != agents.ChangeNone {
		s.log.InfoContext(ctx, "agent status changed", "tenant_id", scope.TenantID, "agent_id", agentID, "status", string(to), "change", change.String())
	}
	return a, nil
}

func (s *Service) GetAgent(ctx context.Context, scope tenant.Scope, agentID string) (agents.Agent, error) {
	if err := checkScope(scope); err != nil {
		return agents.Agent{}, err
	}
	a, ok, err := s.store.Agent(ctx, scope.TenantID, agentID)
	if err != nil {
		return agents.Agent{}, storeErr(err)
	}
	if !ok {
		return agents.Agent{}, invalid("agent_id", "unknown", state.ErrAgentNotFound)
	}
	return a, nil
}

func (s *Service) ListAgents(ctx context.Context, scope tenant.Scope) ([]agents.Agent, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	out, err := s.store.Agents(ctx, scope.TenantID)
	return out, storeErr(err)
}

// ListAvailableAgents returns AVAILABLE agents best candidate first.
func (s *Service) ListAvailableAgents(ctx context.Context, scope tenant.Scope) ([]agents.Agent, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	out, err := s.store.AvailableAgents(ctx, scope.TenantID)
	return out, storeErr(err)
}

// --- Calls ---

// SubmitCall assigns a new call to the longest-idle agent of the tenant and arms its completion.
// It returns ErrSaturated, without recording anything, when no agent can take the call.
func (s *Service) SubmitCall(ctx context.Context, scope tenant.Scope, phoneNumber, callType string) (assignments.Assignment, error) {
	submittedAt := s.clock().UTC()
	if err := checkScope(scope); err != nil {
		return assignments.Assignment{}, err
	}
	phone, ok := normalizePhone(phoneNumber)
	if !ok {
		return assignments.Assignment{}, invalid("phone_number", fmt.Sprintf("malformed %q", phoneNumber), nil)
	}
	if _, ok := s.callTypes[callType]; !ok {
		return assignments.Assignment{}, invalid("call_type", fmt.Sprintf("unknown %q", callType), nil)
	}

	call := calls.Call{
		ID:            s.newID(),
		TenantID:      scope.TenantID,
		PhoneNumber:   phone,
		Type:          callType,
		Status:        calls.StatusPending,
		Qualification: calls.QualificationPending,
		CreatedAt:     submittedAt,
	}
	claimed, err := s.coord.Claim(ctx, scope, call, s.newID(), submittedAt)
	if errors.Is(err, ErrSaturated) {
		s.metrics.Saturated(scope.TenantID)
		s.events.Publish(ctx, events.Event{Type: events.TypeSaturated, TenantID: scope.TenantID, CallID: call.ID, OccurredAt: s.clock().UTC()})
		return assignments.Assignment{}, ErrSaturated
	}
	if err != nil {
		return assignments.Assignment{}, storeErr(err)
	}

	latency := claimed.Assignment.ClaimLatency
	s.metrics.Assigned(scope.TenantID, latency)
	if latency > s.budget {
		s.log.WarnContext(ctx, "claim over budget", "tenant_id", scope.TenantID, "call_id", call.ID, "latency", latency, "budget", s.budget)
	}
	s.events.Publish(ctx, events.Event{
		Type:         events.TypeAssigned,
		TenantID:     scope.TenantID,
		CallID:       call.ID,
		AgentID:      claimed.Agent.ID,
		AssignmentID: claimed.Assignment.ID,
		OccurredAt:   claimed.Assignment.CreatedAt,
		ClaimLatency: latency,
	})

	_, asg, err := s.sched.Arm(ctx, claimed)
	if err != nil {
		// The claim stands; the caller still gets its assignment.
		s.log.ErrorContext(ctx, "arm failed", "tenant_id", scope.TenantID, "call_id", call.ID, "err", err)
		return claimed.Assignment, nil
	}
	return asg, nil
}

// CancelCall abandons an open call. A terminal call yields lifecycle.AlreadyTerminal.
func (s *Service) CancelCall(ctx context.Context, scope tenant.Scope, callID string) (lifecycle.CancelResult, error) {
	if err := checkScope(scope); err != nil {
		return "", err
	}
	res, err := s.sched.Cancel(ctx, scope, callID)
	if err != nil {
		return "", storeErr(err)
	}
	s.log.InfoContext(ctx, "call cancel", "tenant_id", scope.TenantID, "call_id", callID, "result", string(res))
	return res, nil
}

func (s *Service) GetCall(ctx context.Context, scope tenant.Scope, callID string) (calls.Call, error) {
	if err := checkScope(scope); err != nil {
		return calls.Call{}, err
	}
	c, ok, err := s.store.Call(ctx, scope.TenantID, callID)
	if err != nil {
		return calls.Call{}, storeErr(err)
	}
	if !ok {
		return calls.Call{}, invalid("call_id", "unknown", state.ErrCallNotFound)
	}
	return c, nil
}
