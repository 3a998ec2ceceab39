package agents

import (
	"errors"
	"time"
)

// Agent is a tenant-scoped worker that can hold at most one call at a time.
//
// Invariant: Status == BUSY exactly when CurrentCallID names the call of one ACTIVE assignment.
type Agent struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Name     string `json:"name" db:"name"`
	Type     string `json:"agent_type" db:"agent_type"`

	Status Status `json:"status" db:"status"`

	// Seq is the per-tenant registration order; lower registered earlier.
	Seq int64 `json:"seq" db:"seq"`

	// IdleSince is the idle anchor. Nil means the agent never finished a call and
	// ranks ahead of every agent with an anchor.
	IdleSince *time.Time `json:"idle_since,omitempty" db:"idle_since"`

	CurrentCallID string `json:"current_call_id,omitempty" db:"current_call_id"`

	// AfterCall is the status an operator asked for while the agent was BUSY.
	// It is applied when the in-flight call is released.
	AfterCall Status `json:"after_call_status,omitempty" db:"after_call_status"`

	// Version starts at 1 and grows with every committed change. Durable stores ignore a
	// snapshot whose version is not newer than the one they hold.
	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
	StatusPaused    Status = "PAUSED"
	StatusOffline   Status = "OFFLINE"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusPaused, StatusOffline:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidStatus = errors.New("agents: invalid status change")
	ErrAgentBusy     = errors.New("agents: agent is busy")
)

// IdleFor returns how long the agent has been idle at now. never is true for an agent
// without an anchor.
func (a Agent) IdleFor(now time.Time) (d time.Duration, never bool) {
	if a.IdleSince == nil {
		return 0, true
	}
	return now.Sub(*a.IdleSince), false
}

// Change describes what an operator status change means for the availability index.
type Change int

const (
	ChangeNone Change = iota
	ChangeAdmit
	ChangeWithdraw
	ChangeUpdate
	ChangeDeferred
)

func (c Change) String() string {
	switch c {
	case ChangeAdmit:
		return "admit"
	case ChangeWithdraw:
		return "withdraw"
	case ChangeUpdate:
		return "update"
	case ChangeDeferred:
		return "deferred"
	default:
		return "none"
	}
}

// ApplyOperatorStatus computes the result of an operator request to move a to status to.
// BUSY is owned by the claim path and can never be requested. A BUSY agent cannot be made
// AVAILABLE; PAUSED/OFFLINE on a BUSY agent is deferred until its call is released.
func ApplyOperatorStatus(a Agent, to Status, now time.Time) (Agent, Change, error) {
	if !to.Valid() || to == StatusBusy {
		return a, ChangeNone, ErrInvalidStatus
	}

	if a.Status == StatusBusy {
		if to == StatusAvailable {
			return a, ChangeNone, ErrAgentBusy
		}
		a.AfterCall = to
		a.UpdatedAt = now
		a.Version++
		return a, ChangeDeferred, nil
	}

	if a.Status == to {
		return a, ChangeNone, nil
	}

	from := a.Status
	a.Status = to
	a.UpdatedAt = now
	a.Version++

	switch {
	case to == StatusAvailable:
		// A never-busy agent keeps ranking first until it finishes a call.
		if a.IdleSince != nil {
			t := now
			a.IdleSince = &t
		}
		return a, ChangeAdmit, nil
	case from == StatusAvailable:
		return a, ChangeWithdraw, nil
	default:
		return a, ChangeUpdate, nil
	}
}

// Release frees a BUSY agent from callID. It returns admit == true when the agent went back
// to AVAILABLE and belongs in the availability index again.
func Release(a Agent, callID string, now time.Time) (out Agent, admit bool) {
	if a.Status != StatusBusy || a.CurrentCallID != callID {
		return a, false
	}
	t := now
	a.IdleSince = &t
	a.CurrentCallID = ""
	a.UpdatedAt = now
	a.Version++
	if a.AfterCall != "" {
		a.Status = a.AfterCall
		a.AfterCall = ""
		return a, false
	}
	a.Status = StatusAvailable
	return a, true
}
