package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"call-dispatch/internal/calls"
)

// ConfigurationError is returned when the conversion matrix cannot answer a lookup.
// It is fatal for the operation that hit it; there is no default probability.
type ConfigurationError struct {
	AgentType string
	CallType  string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.AgentType == "" && e.CallType == "" {
		return "simulator: " + e.Reason
	}
	return fmt.Sprintf("simulator: %s (agent_type=%q call_type=%q)", e.Reason, e.AgentType, e.CallType)
}

// Matrix maps agent type -> call type -> conversion probability.
type Matrix map[string]map[string]float64

// Validate checks that every (agent type, call type) combination is present and every p is in [0, 1].
// All problems are reported together.
func (m Matrix) Validate(agentTypes, callTypes []string) error {
	var problems []string
	for _, at := range agentTypes {
		row, ok := m[at]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing row for agent type %q", at))
			continue
		}
		for _, ct := range callTypes {
			p, ok := row[ct]
			if !ok {
				problems = append(problems, fmt.Sprintf("missing %q x %q", at, ct))
				continue
			}
			if math.IsNaN(p) || p < 0 || p > 1 {
				problems = append(problems, fmt.Sprintf("%q x %q probability %v outside [0,1]", at, ct, p))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return &ConfigurationError{Reason: "invalid conversion matrix: " + strings.Join(problems, "; ")}
	}
	return nil
}

// Config is the simulator configuration. Unit defaults to one second.
type Config struct {
	Mean   float64
	StdDev float64
	Unit   time.Duration
	Matrix Matrix
}

// Simulator samples call durations and qualification outcomes.
//
// The randomness source is injected so tests can seed it; access is serialized
// because *rand.Rand is not safe for concurrent use.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand

	mean   float64
	std    float64
	unit   time.Duration
	matrix Matrix
}

func New(cfg Config, rng *rand.Rand) (*Simulator, error) {
	if cfg.Unit <= 0 {
		cfg.Unit = time.Second
	}
	if cfg.StdDev < 0 || math.IsNaN(cfg.StdDev) || math.IsNaN(cfg.Mean) {
		return nil, &ConfigurationError{Reason: "duration mean/std must be numbers and std >= 0"}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{rng: rng, mean: cfg.Mean, std: cfg.StdDev, unit: cfg.Unit, matrix: cfg.Matrix}, nil
}

// Duration samples Normal(mean, std) in units, floored at one unit.
func (s *Simulator) Duration() time.Duration {
	s.mu.Lock()
	v := s.rng.NormFloat64()*s.std + s.mean
	s.mu.Unlock()
	if v < 1 {
		v = 1
	}
	return time.Duration(v * float64(s.unit))
}

// Probability returns the conversion probability for the combination.
func (s *Simulator) Probability(agentType, callType string) (float64, error) {
	row, ok := s.matrix[agentType]
	if !ok {
		return 0, &ConfigurationError{AgentType: agentType, CallType: callType, Reason: "unknown agent type"}
	}
	p, ok := row[callType]
	if !ok {
		return 0, &ConfigurationError{AgentType: agentType, CallType: callType, Reason: "unmapped combination"}
	}
	return p, nil
}

// Qualify runs one Bernoulli trial with the combination's probability.
func (s *Simulator) Qualify(agentType, callType string) (calls.Qualification, error) {
	p, err := s.Probability(agentType, callType)
	if err != nil {
		return calls.QualificationPending, err
	}
	s.mu.Lock()
	u := s.rng.Float64()
	s.mu.Unlock()
	if u < p {
		return calls.QualificationOK, nil
	}
	return calls.QualificationKO, nil
}

// Matrix returns a copy of the configured conversion matrix.
func (s *Simulator) Matrix() Matrix {
	out := make(Matrix, len(s.matrix))
	for at, row := range s.matrix {
		r := make(map[string]float64, len(row))
		for ct, p := range row {
			r[ct] = p
		}
		out[at] = r
	}
	return out
}
