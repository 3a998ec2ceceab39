package calls

import "time"

// Call is a tenant-scoped unit of work waiting for, or bound to, one agent.
//
// Multi-tenant invariant: TenantID is required on every row.
//
// Status only moves forward along PENDING -> ASSIGNED -> IN_PROGRESS -> terminal.
// Once terminal, the row is never mutated again.
type Call struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	PhoneNumber string `json:"phone_number" db:"phone_number"`
	Type        string `json:"call_type" db:"call_type"`

	Status        Status        `json:"status" db:"status"`
	AgentID       string        `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	AssignmentID  string        `json:"assignment_id,omitempty" db:"assignment_id"`
	Qualification Qualification `json:"qualification" db:"qualification"`

	// DurationSeconds is the actual talk time, set on completion.
	DurationSeconds float64 `json:"duration_seconds,omitempty" db:"duration_seconds"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty" db:"assigned_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusAbandoned  Status = "ABANDONED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusFailed:
		return true
	default:
		return false
	}
}

// IsOpen reports whether a call in this status still holds (or waits for) an agent.
func (s Status) IsOpen() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s.IsOpen() || s.IsTerminal()
}

// CanTransition enforces monotonic progress. Terminal statuses are reachable from any open one
// except PENDING -> COMPLETED, which would skip the claim.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusAssigned:
		return from == StatusPending
	case StatusInProgress:
		return from == StatusAssigned
	case StatusCompleted:
		return from == StatusAssigned || from == StatusInProgress
	case StatusAbandoned, StatusFailed:
		return true
	default:
		return false
	}
}

type Qualification string

const (
	QualificationOK      Qualification = "OK"
	QualificationKO      Qualification = "KO"
	QualificationPending Qualification = "PENDING"
)
