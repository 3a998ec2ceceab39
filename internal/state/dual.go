package state

import (
	"context"
	"sync"
	"time"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/assignments"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/tenant"
)

// Dual is a Store that mirrors every committed fast-store change into the durable store.
//
// The fast store commits first and is never rolled back. Each commit and its enqueue on the
// Reconciler happen under one per-tenant lock, so durable writes follow fast-store commit order.
// The durable attempt runs after the lock is released; if it fails the Reconciler owns it from
// then on.
type Dual struct {
	Store
	rec *Reconciler

	mu    sync.Mutex
	order map[string]*sync.Mutex
}

func NewDual(fast Store, rec *Reconciler) *Dual {
	return &Dual{Store: fast, rec: rec, order: map[string]*sync.Mutex{}}
}

func (d *Dual) tenantLock(tenantID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.order[tenantID]
	if !ok {
		m = &sync.Mutex{}
		d.order[tenantID] = m
	}
	return m
}

// commit runs fn against the fast store and, when it yields a write, enqueues it before any
// other commit of the tenant can. The write is flushed outside the lock.
func (d *Dual) commit(ctx context.Context, tenantID string, fn func() (*Write, error)) error {
	m := d.tenantLock(tenantID)
	m.Lock()
	w, err := fn()
	if err != nil || w == nil {
		m.Unlock()
		return err
	}
	seq := d.rec.Enqueue(*w)
	m.Unlock()

	// The durable copy must not be lost because the caller went away.
	d.rec.Flush(ctx, tenantID, seq)
	return nil
}

func (d *Dual) PutTenant(ctx context.Context, t tenant.Tenant) error {
	return d.commit(ctx, t.ID, func() (*Write, error) {
		if err := d.Store.PutTenant(ctx, t); err != nil {
			return nil, err
		}
		return &Write{Kind: WriteTenant, TenantID: t.ID, Tenant: &t, At: t.CreatedAt}, nil
	})
}

func (d *Dual) CreateAgent(ctx context.Context, a agents.Agent) (agents.Agent, error) {
	var out agents.Agent
	err := d.commit(ctx, a.TenantID, func() (*Write, error) {
		var err error
		if out, err = d.Store.CreateAgent(ctx, a); err != nil {
			return nil, err
		}
		return &Write{Kind: WriteAgent, TenantID: out.TenantID, Agent: &out, At: out.CreatedAt}, nil
	})
	if err != nil {
		return agents.Agent{}, err
	}
	return out, nil
}

func (d *Dual) UpdateAgentStatus(ctx context.Context, tenantID, agentID string, to agents.Status, now time.Time) (agents.Agent, agents.Change, error) {
	var (
		a      agents.Agent
		change agents.Change
	)
	err := d.commit(ctx, tenantID, func() (*Write, error) {
		var err error
		a, change, err = d.Store.UpdateAgentStatus(ctx, tenantID, agentID, to, now)
		if err != nil || change == agents.ChangeNone {
			return nil, err
		}
		return &Write{Kind: WriteAgent, TenantID: tenantID, Agent: &a, At: now}, nil
	})
	return a, change, err
}

func (d *Dual) TryClaim(ctx context.Context, p ClaimParams) (Claimed, bool, error) {
	var (
		c  Claimed
		ok bool
	)
	err := d.commit(ctx, p.TenantID, func() (*Write, error) {
		var err error
		c, ok, err = d.Store.TryClaim(ctx, p)
		if err != nil || !ok {
			return nil, err
		}
		return &Write{Kind: WriteClaim, TenantID: p.TenantID, Agent: &c.Agent, Call: &c.Call, Assignment: &c.Assignment, At: p.Now}, nil
	})
	return c, ok, err
}

func (d *Dual) Start(ctx context.Context, p StartParams) (calls.Call, assignments.Assignment, bool, error) {
	var (
		c  calls.Call
		a  assignments.Assignment
		ok bool
	)
	err := d.commit(ctx, p.TenantID, func() (*Write, error) {
		var err error
		c, a, ok, err = d.Store.Start(ctx, p)
		if err != nil || !ok {
			return nil, err
		}
		return &Write{Kind: WriteStart, TenantID: p.TenantID, Call: &c, Assignment: &a, At: p.Now}, nil
	})
	return c, a, ok, err
}

func (d *Dual) Finish(ctx context.Context, p FinishParams) (Finished, bool, error) {
	var (
		f  Finished
		ok bool
	)
	err := d.commit(ctx, p.TenantID, func() (*Write, error) {
		var err error
		f, ok, err = d.Store.Finish(ctx, p)
		if err != nil || !ok {
			return nil, err
		}
		return &Write{Kind: WriteFinish, TenantID: p.TenantID, Agent: &f.Agent, Call: &f.Call, Assignment: &f.Assignment, At: p.Now}, nil
	})
	return f, ok, err
}
