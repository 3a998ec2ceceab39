package reporting

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"call-dispatch/internal/assignments"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/state"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Rates answers the expected conversion probability of a combination.
// *simulator.Simulator satisfies it.
type Rates interface {
	Probability(agentType, callType string) (float64, error)
}

// Service aggregates tenant reports from the durable record.
//
// IMPORTANT:
// - every report is scoped to one tenant
// - reports read the durable store, never the fast store, so they never contend with claims
type Service struct {
	repo   state.Reader
	rates  Rates
	budget time.Duration
}

func NewService(repo state.Reader, rates Rates, claimBudget time.Duration) *Service {
	if claimBudget <= 0 {
		claimBudget = 100 * time.Millisecond
	}
	return &Service{repo: repo, rates: rates, budget: claimBudget}
}

func (s *Service) Status(ctx context.Context, tenantID string) (SystemStatus, error) {
	if tenantID == "" {
		return SystemStatus{}, ErrInvalidRequest
	}
	ags, err := s.repo.ListAgents(ctx, tenantID)
	if err != nil {
		return SystemStatus{}, err
	}
	cs, err := s.repo.ListCalls(ctx, tenantID)
	if err != nil {
		return SystemStatus{}, err
	}
	asgs, err := s.repo.ListAssignments(ctx, tenantID)
	if err != nil {
		return SystemStatus{}, err
	}

	out := SystemStatus{TenantID: tenantID, Agents: map[string]int{}, Calls: map[string]int{}}
	for _, a := range ags {
		out.Agents[string(a.Status)]++
		out.TotalAgents++
	}
	for _, c := range cs {
		out.Calls[string(c.Status)]++
		out.TotalCalls++
	}
	for _, a := range asgs {
		if a.Status == assignments.StatusActive {
			out.ActiveAssignments++
		}
	}
	return out, nil
}

func (s *Service) ClaimLatency(ctx context.Context, req LatencyRequest) (LatencySummary, error) {
	if req.TenantID == "" {
		return LatencySummary{}, ErrInvalidRequest
	}
	asgs, err := s.repo.ListAssignments(ctx, req.TenantID)
	if err != nil {
		return LatencySummary{}, err
	}

	out := LatencySummary{TenantID: req.TenantID, BudgetMs: ms(s.budget)}
	var total time.Duration
	lo, hi := time.Duration(math.MaxInt64), time.Duration(0)
	for _, a := range asgs {
		if !req.Range.contains(a.CreatedAt) {
			continue
		}
		out.Claims++
		total += a.ClaimLatency
		lo = min(lo, a.ClaimLatency)
		hi = max(hi, a.ClaimLatency)
		if a.ClaimLatency <= s.budget {
			out.WithinBudget++
		}
	}
	if out.Claims == 0 {
		return out, nil
	}
	out.AvgMs = ms(total) / float64(out.Claims)
	out.MinMs = ms(lo)
	out.MaxMs = ms(hi)
	out.WithinBudgetRate = float64(out.WithinBudget) / float64(out.Claims)
	return out, nil
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// Qualification tallies completed calls per (agent type, call type) against the expected rates.
func (s *Service) Qualification(ctx context.Context, req QualificationRequest) (QualificationSummary, error) {
	if req.TenantID == "" {
		return QualificationSummary{}, ErrInvalidRequest
	}
	ags, err := s.repo.ListAgents(ctx, req.TenantID)
	if err != nil {
		return QualificationSummary{}, err
	}
	cs, err := s.repo.ListCalls(ctx, req.TenantID)
	if err != nil {
		return QualificationSummary{}, err
	}
	agentType := make(map[string]string, len(ags))
	for _, a := range ags {
		agentType[a.ID] = a.Type
	}

	type key struct{ at, ct string }
	cells := map[key]*QualificationCell{}
	out := QualificationSummary{TenantID: req.TenantID}
	for _, c := range cs {
		if c.Status != calls.StatusCompleted || !req.Range.contains(c.CreatedAt) {
			continue
		}
		k := key{agentType[c.AgentID], c.Type}
		cell, ok := cells[k]
		if !ok {
			cell = &QualificationCell{AgentType: k.at, CallType: k.ct}
			if s.rates != nil {
				if p, err := s.rates.Probability(k.at, k.ct); err == nil {
					cell.ExpectedRate = p
				}
			}
			cells[k] = cell
		}
		switch c.Qualification {
		case calls.QualificationOK:
			cell.OK++
			out.Conversions++
		case calls.QualificationKO:
			cell.KO++
		default:
			continue
		}
		out.Qualified++
	}

	out.Cells = make([]QualificationCell, 0, len(cells))
	for _, c := range cells {
		if n := c.OK + c.KO; n > 0 {
			c.ActualRate = float64(c.OK) / float64(n)
		}
		out.Cells = append(out.Cells, *c)
	}
	sort.Slice(out.Cells, func(i, j int) bool {
		if out.Cells[i].AgentType != out.Cells[j].AgentType {
			return out.Cells[i].AgentType < out.Cells[j].AgentType
		}
		return out.Cells[i].CallType < out.Cells[j].CallType
	})
	if out.Qualified > 0 {
		out.ConversionRate = float64(out.Conversions) / float64(out.Qualified)
	}
	return out, nil
}
