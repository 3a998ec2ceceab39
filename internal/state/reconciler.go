package state

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ConsistencyError records a durable write that has not landed yet.
// It is never returned to callers of the fast store; the Reconciler retries it.
type ConsistencyError struct {
	Write    Write
	Attempts int
	Err      error
}

func (e *ConsistencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("state: durable %s write for tenant %s queued behind earlier failures", e.Write.Kind, e.Write.TenantID)
	}
	return fmt.Sprintf("state: durable %s write for tenant %s failed (attempts=%d): %v", e.Write.Kind, e.Write.TenantID, e.Attempts, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// ReconcileObserver is notified about queue activity (metrics).
type ReconcileObserver interface {
	ReconcileQueued(tenantID string)
	ReconcileApplied(tenantID string)
}

type ReconcilerConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ApplyTimeout bounds every durable attempt, synchronous or retried.
	ApplyTimeout time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	out := c
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = 100 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = out.InitialBackoff
	}
	if out.ApplyTimeout <= 0 {
		out.ApplyTimeout = 5 * time.Second
	}
	return out
}

// Reconciler applies durable writes in per-tenant FIFO order.
//
// Enqueue only appends, so it is safe to call while holding a commit lock. Flush then applies the
// tenant queue up to a given write. At most one goroutine applies a tenant's queue at a time and
// no lock is held across DurableStore.Apply. A failed head stays at the front and Run retries it
// with exponential backoff; a later write never becomes durable before an earlier one of the same
// tenant.
type Reconciler struct {
	durable DurableStore
	log     *slog.Logger
	obs     ReconcileObserver
	cfg     ReconcilerConfig
	clock   func() time.Time

	mu     sync.Mutex
	queues map[string]*tenantQueue
	wake   chan struct{}
}

type queuedWrite struct {
	seq uint64
	ce  *ConsistencyError

	// counted is set once the write was reported to the observer as queued.
	counted bool
}

type tenantQueue struct {
	mu       sync.Mutex
	pending  []*queuedWrite
	seq      uint64
	applying bool
	want     uint64
	bo       *backoff.ExponentialBackOff
	next     time.Time
}

func NewReconciler(durable DurableStore, cfg ReconcilerConfig, log *slog.Logger, obs ReconcileObserver) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		durable: durable,
		log:     log,
		obs:     obs,
		cfg:     cfg.withDefaults(),
		clock:   time.Now,
		queues:  map[string]*tenantQueue{},
		wake:    make(chan struct{}, 1),
	}
}

func (r *Reconciler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (r *Reconciler) queue(tenantID string) *tenantQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[tenantID]
	if !ok {
		q = &tenantQueue{bo: r.newBackOff()}
		r.queues[tenantID] = q
	}
	return q
}

func (r *Reconciler) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Submit enqueues w and flushes its tenant up to it. It never returns an error.
func (r *Reconciler) Submit(ctx context.Context, w Write) {
	seq := r.Enqueue(w)
	r.Flush(ctx, w.TenantID, seq)
}

// Enqueue appends w to its tenant queue and returns its sequence number. It never touches the
// durable store.
func (r *Reconciler) Enqueue(w Write) uint64 {
	q := r.queue(w.TenantID)
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	qw := &queuedWrite{seq: q.seq, ce: &ConsistencyError{Write: w}}
	q.pending = append(q.pending, qw)
	if q.pending[0].ce.Attempts > 0 {
		r.markQueued(qw)
		r.log.Debug("durable write queued behind pending reconciliation",
			"tenant_id", w.TenantID, "kind", string(w.Kind), "depth", len(q.pending))
	}
	return qw.seq
}

// Flush applies the tenant queue in order until the write numbered upTo has landed. It returns
// early when the head is waiting out a backoff or another goroutine is already applying; that
// goroutine or Run finishes the job. The caller's cancellation is ignored but each attempt is
// bounded by ApplyTimeout.
func (r *Reconciler) Flush(ctx context.Context, tenantID string, upTo uint64) {
	r.apply(context.WithoutCancel(ctx), tenantID, r.queue(tenantID), upTo)
}

func (r *Reconciler) markQueued(qw *queuedWrite) {
	if qw.counted {
		return
	}
	qw.counted = true
	if r.obs != nil {
		r.obs.ReconcileQueued(qw.ce.Write.TenantID)
	}
}

// Pending returns the number of queued writes for a tenant.
func (r *Reconciler) Pending(tenantID string) int {
	q := r.queue(tenantID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run drains queues until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		wait := r.drain(ctx)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-r.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

const idleWait = time.Minute

// drain retries every due queue head and returns how long until the next retry is due.
func (r *Reconciler) drain(ctx context.Context) time.Duration {
	r.mu.Lock()
	qs := make(map[string]*tenantQueue, len(r.queues))
	for id, q := range r.queues {
		qs[id] = q
	}
	r.mu.Unlock()

	wait := idleWait
	for tenantID, q := range qs {
		if ctx.Err() != nil {
			break
		}
		if d, ok := r.apply(ctx, tenantID, q, math.MaxUint64); ok && d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// apply pops and applies queue heads in order. q.mu is released around every DurableStore.Apply;
// the applying flag keeps other goroutines off the queue meanwhile. A caller that finds the queue
// busy raises q.want instead, so the active applier also lands that caller's write before it
// stops. It reports how long until the head is due again when it stopped on a backoff.
func (r *Reconciler) apply(ctx context.Context, tenantID string, q *tenantQueue, upTo uint64) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if upTo > q.want {
		q.want = upTo
	}
	if q.applying {
		return 0, false
	}
	defer func() { q.want = 0 }()

	for len(q.pending) > 0 && q.pending[0].seq <= q.want {
		now := r.clock()
		if now.Before(q.next) {
			return q.next.Sub(now), true
		}
		head := q.pending[0]

		q.applying = true
		q.mu.Unlock()
		actx, cancel := context.WithTimeout(ctx, r.cfg.ApplyTimeout)
		err := r.durable.Apply(actx, head.ce.Write)
		cancel()
		q.mu.Lock()
		q.applying = false

		if err != nil {
			head.ce.Attempts++
			head.ce.Err = err
			now = r.clock()
			q.next = now.Add(q.bo.NextBackOff())
			if head.ce.Attempts == 1 {
				r.log.Warn("durable write failed, queued for reconciliation",
					"tenant_id", tenantID, "kind", string(head.ce.Write.Kind), "error", err.Error())
			} else {
				r.log.Warn("reconciliation retry failed",
					"tenant_id", tenantID, "kind", string(head.ce.Write.Kind), "attempts", head.ce.Attempts, "error", err.Error())
			}
			for _, qw := range q.pending {
				r.markQueued(qw)
			}
			r.signal()
			return q.next.Sub(now), true
		}

		q.pending[0] = nil
		q.pending = q.pending[1:]
		if head.ce.Attempts > 0 {
			r.log.Info("reconciled durable write", "tenant_id", tenantID, "kind", string(head.ce.Write.Kind), "attempts", head.ce.Attempts)
			q.bo.Reset()
			q.next = time.Time{}
		}
		if head.counted && r.obs != nil {
			r.obs.ReconcileApplied(tenantID)
		}
	}
	if len(q.pending) > 0 {
		// Writes past want belong to callers still on their way to Flush; Run is the backstop.
		r.signal()
	}
	return 0, false
}
