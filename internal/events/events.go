package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"call-dispatch/internal/calls"
)

type Type string

const (
	TypeAssigned  Type = "ASSIGNED"
	TypeCompleted Type = "COMPLETED"
	TypeSaturated Type = "SATURATED"
	TypeAbandoned Type = "ABANDONED"
	TypeFailed    Type = "FAILED"
)

// Event is a dispatch notification. AgentID and AssignmentID are empty for SATURATED.
type Event struct {
	Type         Type      `json:"type"`
	TenantID     string    `json:"tenant_id"`
	CallID       string    `json:"call_id,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`

	// ClaimLatency is set on ASSIGNED.
	ClaimLatency time.Duration `json:"claim_latency_ns,omitempty"`

	Qualification calls.Qualification `json:"qualification,omitempty"`
	Duration      time.Duration       `json:"duration_ns,omitempty"`
}

// Sink receives events. Delivery is best effort: Publish never fails the dispatch operation.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// LogSink writes events as structured log lines.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, e Event) {
	l := s.Log
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{
		"type", string(e.Type),
		"tenant_id", e.TenantID,
	}
	if e.CallID != "" {
		attrs = append(attrs, "call_id", e.CallID)
	}
	if e.AgentID != "" {
		attrs = append(attrs, "agent_id", e.AgentID)
	}
	if e.Type == TypeAssigned {
		attrs = append(attrs, "claim_latency_ms", float64(e.ClaimLatency.Microseconds())/1000)
	}
	if e.Qualification != "" {
		attrs = append(attrs, "qualification", string(e.Qualification))
	}
	l.InfoContext(ctx, "dispatch event", attrs...)
}

// RedisSink publishes JSON events on the tenant channel dispatch:{tenant}:events.
type RedisSink struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

func NewRedisSink(rdb redis.UniversalClient, log *slog.Logger) *RedisSink {
	if log == nil {
		log = slog.Default()
	}
	return &RedisSink{rdb: rdb, log: log}
}

func Channel(tenantID string) string { return "dispatch:{" + tenantID + "}:events" }

func (s *RedisSink) Publish(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		s.log.Error("event encode failed", "type", string(e.Type), "err", err)
		return
	}
	if err := s.rdb.Publish(ctx, Channel(e.TenantID), b).Err(); err != nil {
		s.log.Warn("event publish failed", "type", string(e.Type), "tenant_id", e.TenantID, "err", err)
	}
}

// Recorder keeps events in memory. Useful for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of type t in publish order.
func (r *Recorder) OfType(t Type) []Event {
	out := []Event{}
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans out to every sink in order.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, e)
		}
	}
}
