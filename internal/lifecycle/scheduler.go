package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"call-dispatch/internal/assignments"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/events"
	"call-dispatch/internal/metrics"
	"call-dispatch/internal/simulator"
	"call-dispatch/internal/state"
	"call-dispatch/internal/tenant"
)

// Timer is the cancel handle of an armed completion. Stop reports whether it prevented the firing.
type Timer interface {
	Stop() bool
}

// AfterFunc runs f in its own goroutine once d has elapsed.
type AfterFunc func(d time.Duration, f func()) Timer

// RealAfterFunc schedules on the runtime timer heap.
func RealAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type CancelResult string

const (
	Cancelled       CancelResult = "CANCELLED"
	AlreadyTerminal CancelResult = "ALREADY_TERMINAL"
)

// Scheduler drives claimed calls to a terminal status.
//
// Arm starts the call and sets a timer for the simulated duration. The timer and Cancel race on
// the store's terminal check-and-set; whichever loses is a no-op. Timers never block claims.
type Scheduler struct {
	store   state.Store
	sim     *simulator.Simulator
	events  events.Sink
	metrics metrics.Sink
	log     *slog.Logger

	afterFunc AfterFunc
	clock     func() time.Time

	mu     sync.Mutex
	timers map[string]armed
}

type armed struct {
	timer     Timer
	agentType string
	callType  string
}

type Options struct {
	AfterFunc AfterFunc
	Clock     func() time.Time
}

func NewScheduler(store state.Store, sim *simulator.Simulator, ev events.Sink, m metrics.Sink, log *slog.Logger, opts Options) *Scheduler {
	if opts.AfterFunc == nil {
		opts.AfterFunc = RealAfterFunc
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if ev == nil {
		ev = events.Multi{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:     store,
		sim:       sim,
		events:    ev,
		metrics:   m,
		log:       log,
		afterFunc: opts.AfterFunc,
		clock:     opts.Clock,
		timers:    map[string]armed{},
	}
}

func timerKey(tenantID, callID string) string { return tenantID + "|" + callID }

// Arm moves a freshly claimed call to IN_PROGRESS and schedules its completion.
// A call that is no longer ASSIGNED (cancelled in between) is returned unchanged with no timer.
func (s *Scheduler) Arm(ctx context.Context, c state.Claimed) (calls.Call, assignments.Assignment, error) {
	d := s.sim.Duration()
	call, asg, ok, err := s.store.Start(ctx, state.StartParams{
		TenantID: c.Call.TenantID,
		CallID:   c.Call.ID,
		Expected: d,
		Now:      s.clock().UTC(),
	})
	if err != nil {
		return calls.Call{}, assignments.Assignment{}, fmt.Errorf("lifecycle: start call: %w", err)
	}
	if !ok {
		return call, asg, nil
	}

	tenantID, callID := call.TenantID, call.ID
	s.mu.Lock()
	t := s.afterFunc(d, func() { s.fire(tenantID, callID) })
	s.timers[timerKey(tenantID, callID)] = armed{timer: t, agentType: c.Agent.Type, callType: call.Type}
	s.mu.Unlock()

	s.log.DebugContext(ctx, "call armed", "tenant_id", tenantID, "call_id", callID, "expected", d)
	return call, asg, nil
}

func (s *Scheduler) take(tenantID, callID string) (armed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := timerKey(tenantID, callID)
	a, ok := s.timers[key]
	delete(s.timers, key)
	return a, ok
}

func (s *Scheduler) fire(tenantID, callID string) {
	ctx := context.Background()
	a, ok := s.take(tenantID, callID)
	if !ok {
		// Cancelled or shut down after the runtime already dispatched us.
		return
	}

	q, qerr := s.sim.Qualify(a.agentType, a.callType)
	if qerr != nil {
		s.log.Error("qualification failed; failing call",
			"tenant_id", tenantID, "call_id", callID,
			"agent_type", a.agentType, "call_type", a.callType, "err", qerr)
		s.fail(ctx, tenantID, callID)
		return
	}

	f, ok, err := s.store.Finish(ctx, state.FinishParams{
		TenantID:         tenantID,
		CallID:           callID,
		CallStatus:       calls.StatusCompleted,
		AssignmentStatus: assignments.StatusCompleted,
		Qualification:    q,
		Now:              s.clock().UTC(),
	})
	if err != nil {
		s.log.Error("complete call failed", "tenant_id", tenantID, "call_id", callID, "err", err)
		return
	}
	if !ok {
		return
	}

	s.metrics.Completed(tenantID, a.agentType, a.callType, q)
	s.events.Publish(ctx, events.Event{
		Type:          events.TypeCompleted,
		TenantID:      tenantID,
		CallID:        callID,
		AgentID:       f.Agent.ID,
		AssignmentID:  f.Assignment.ID,
		OccurredAt:    s.clock().UTC(),
		Qualification: q,
		Duration:      f.Assignment.ActualDuration,
	})
}

func (s *Scheduler) fail(ctx context.Context, tenantID, callID string) {
	f, ok, err := s.store.Finish(ctx, state.FinishParams{
		TenantID:         tenantID,
		CallID:           callID,
		CallStatus:       calls.StatusFailed,
		AssignmentStatus: assignments.StatusFailed,
		Qualification:    calls.QualificationPending,
		Now:              s.clock().UTC(),
	})
	if err != nil {
		s.log.Error("fail call failed", "tenant_id", tenantID, "call_id", callID, "err", err)
		return
	}
	if !ok {
		return
	}
	s.metrics.Failed(tenantID)
	s.events.Publish(ctx, events.Event{
		Type:         events.TypeFailed,
		TenantID:     tenantID,
		CallID:       callID,
		AgentID:      f.Agent.ID,
		AssignmentID: f.Assignment.ID,
		OccurredAt:   s.clock().UTC(),
	})
}

// Cancel abandons an open call and releases its agent. Cancelling a terminal call, or losing
// the race against completion, yields AlreadyTerminal.
func (s *Scheduler) Cancel(ctx context.Context, scope tenant.Scope, callID string) (CancelResult, error) {
	c, ok, err := s.store.Call(ctx, scope.TenantID, callID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", state.ErrCallNotFound
	}
	if c.Status.IsTerminal() {
		return AlreadyTerminal, nil
	}

	if a, ok := s.take(scope.TenantID, callID); ok {
		a.timer.Stop()
	}

	f, ok, err := s.store.Finish(ctx, state.FinishParams{
		TenantID:         scope.TenantID,
		CallID:           callID,
		CallStatus:       calls.StatusAbandoned,
		AssignmentStatus: assignments.StatusFailed,
		Qualification:    calls.QualificationPending,
		Now:              s.clock().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("lifecycle: cancel call: %w", err)
	}
	if !ok {
		return AlreadyTerminal, nil
	}

	s.metrics.Abandoned(scope.TenantID)
	s.events.Publish(ctx, events.Event{
		Type:         events.TypeAbandoned,
		TenantID:     scope.TenantID,
		CallID:       callID,
		AgentID:      f.Agent.ID,
		AssignmentID: f.Assignment.ID,
		OccurredAt:   s.clock().UTC(),
	})
	return Cancelled, nil
}

// Armed returns the number of calls waiting for their timer.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every armed timer without touching the calls. Used on shutdown.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, a := range s.timers {
		if a.timer.Stop() {
			n++
		}
		delete(s.timers, key)
	}
	return n
}
