package state

import (
	"time"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/assignments"
	"call-dispatch/internal/calls"
)

// ClaimRows builds the call and assignment rows a successful claim writes.
func ClaimRows(a agents.Agent, p ClaimParams) (calls.Call, assignments.Assignment) {
	t := p.Now
	c := p.Call
	c.TenantID = p.TenantID
	c.Status = calls.StatusAssigned
	c.AgentID = a.ID
	c.AssignmentID = p.AssignmentID
	c.Qualification = calls.QualificationPending
	c.AssignedAt = &t

	asg := assignments.Assignment{
		ID:           p.AssignmentID,
		TenantID:     p.TenantID,
		CallID:       c.ID,
		AgentID:      a.ID,
		Status:       assignments.StatusActive,
		ClaimLatency: p.ClaimLatency,
		CreatedAt:    p.Now,
	}
	return c, asg
}

// FinishRows applies the terminal transition p to the call and its assignment. Both durations
// are measured from the start of the call, or from the claim when it never started.
func FinishRows(c calls.Call, asg assignments.Assignment, p FinishParams) (calls.Call, assignments.Assignment) {
	t := p.Now
	c.Status = p.CallStatus
	c.CompletedAt = &t
	if p.Qualification != "" {
		c.Qualification = p.Qualification
	}
	since := asg.CreatedAt
	switch {
	case c.StartedAt != nil:
		since = *c.StartedAt
	case c.AssignedAt != nil:
		since = *c.AssignedAt
	}
	c.DurationSeconds = p.Now.Sub(since).Seconds()
	return c, asg.Closed(p.AssignmentStatus, p.Now, since)
}

// ClaimAgent returns a marked BUSY on callID.
func ClaimAgent(a agents.Agent, callID string, now time.Time) agents.Agent {
	a.Status = agents.StatusBusy
	a.CurrentCallID = callID
	a.AfterCall = ""
	a.UpdatedAt = now
	a.Version++
	return a
}

// StartRows applies ASSIGNED -> IN_PROGRESS to the call and records the expected duration.
func StartRows(c calls.Call, asg assignments.Assignment, p StartParams) (calls.Call, assignments.Assignment) {
	t := p.Now
	c.Status = calls.StatusInProgress
	c.StartedAt = &t
	asg.ExpectedDuration = p.Expected
	return c, asg
}
