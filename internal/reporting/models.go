package reporting

import "time"

// TimeRange filters by creation time. A zero bound is open.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// SystemStatus is a point-in-time view of one tenant.
// Tenant isolation: TenantID is required.

type SystemStatus struct {
	TenantID string `json:"tenant_id"`

	Agents            map[string]int `json:"agents_by_status"`
	TotalAgents       int            `json:"total_agents"`
	ActiveAssignments int            `json:"active_assignments"`

	Calls      map[string]int `json:"calls_by_status"`
	TotalCalls int            `json:"total_calls"`
}

type LatencyRequest struct {
	TenantID string    `json:"tenant_id"`
	Range    TimeRange `json:"range"`
}

// LatencySummary aggregates submission to claim latency over successful claims.
type LatencySummary struct {
	TenantID string `json:"tenant_id"`

	Claims   int     `json:"claims"`
	AvgMs    float64 `json:"avg_ms"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	BudgetMs float64 `json:"budget_ms"`

	WithinBudget     int     `json:"within_budget"`
	WithinBudgetRate float64 `json:"within_budget_rate"`
}

type QualificationRequest struct {
	TenantID string    `json:"tenant_id"`
	Range    TimeRange `json:"range"`
}

// QualificationCell is the outcome tally of one (agent type, call type) combination.
type QualificationCell struct {
	AgentType string `json:"agent_type"`
	CallType  string `json:"call_type"`

	OK int `json:"ok"`
	KO int `json:"ko"`

	ActualRate   float64 `json:"actual_rate"`
	ExpectedRate float64 `json:"expected_rate"`
}

type QualificationSummary struct {
	TenantID string `json:"tenant_id"`

	Cells []QualificationCell `json:"cells"`

	Qualified      int     `json:"qualified"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}
