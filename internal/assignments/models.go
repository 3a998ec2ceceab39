package assignments

import "time"

// Assignment binds one call to one agent.
//
// At most one ACTIVE assignment exists per agent, and per non-terminal call.
type Assignment struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	CallID   string `json:"call_id" db:"call_id"`
	AgentID  string `json:"agent_id" db:"agent_id"`

	Status Status `json:"status" db:"status"`

	// ClaimLatency is submission to successful claim.
	ClaimLatency time.Duration `json:"claim_latency_ns" db:"claim_latency_ns"`

	ExpectedDuration time.Duration `json:"expected_duration_ns,omitempty" db:"expected_duration_ns"`
	ActualDuration   time.Duration `json:"actual_duration_ns,omitempty" db:"actual_duration_ns"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Closed returns a copy of a marked with the terminal status st at now. ActualDuration is
// measured from since, the moment the call started talking.
func (a Assignment) Closed(st Status, now, since time.Time) Assignment {
	a.Status = st
	t := now
	a.CompletedAt = &t
	a.ActualDuration = now.Sub(since)
	return a
}
