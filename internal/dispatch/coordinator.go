package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-dispatch/internal/calls"
	"call-dispatch/internal/state"
	"call-dispatch/internal/tenant"
)

// Coordinator selects the longest-idle agent and claims it for a call.
//
// The index peek is only a hint. The store's TryClaim re-validates the agent and is the single
// serialization point, so a lost race costs one retry against the next candidate and never a
// double booking. Retries are bounded by the largest available count observed.
type Coordinator struct {
	store state.Store
	log   *slog.Logger
	clock func() time.Time
}

func NewCoordinator(store state.Store, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{store: store, log: log, clock: time.Now}
}

// Claim binds call to an agent of scope. It returns ErrSaturated when every candidate is gone.
func (c *Coordinator) Claim(ctx context.Context, scope tenant.Scope, call calls.Call, assignmentID string, submittedAt time.Time) (state.Claimed, error) {
	exclude := map[string]struct{}{}
	limit := 0
	for attempt := 0; ; attempt++ {
		agentID, available, ok, err := c.store.PeekBest(ctx, scope.TenantID, exclude)
		if err != nil {
			return state.Claimed{}, fmt.Errorf("dispatch: peek: %w", err)
		}
		if available > limit {
			limit = available
		}
		if !ok || attempt >= limit {
			return state.Claimed{}, ErrSaturated
		}

		now := c.clock().UTC()
		claimed, won, err := c.store.TryClaim(ctx, state.ClaimParams{
			TenantID:     scope.TenantID,
			AgentID:      agentID,
			Call:         call,
			AssignmentID: assignmentID,
			ClaimLatency: now.Sub(submittedAt),
			Now:          now,
		})
		if err != nil {
			if errors.Is(err, state.ErrCallExists) {
				return state.Claimed{}, invalid("call_id", "already submitted", err)
			}
			return state.Claimed{}, fmt.Errorf("dispatch: claim: %w", err)
		}
		if won {
			return claimed, nil
		}
		c.log.DebugContext(ctx, "claim lost, retrying", "tenant_id", scope.TenantID, "agent_id", agentID, "attempt", attempt+1)
		exclude[agentID] = struct{}{}
	}
}
