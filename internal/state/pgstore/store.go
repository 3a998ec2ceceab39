package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/assignments"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/state"
	"call-dispatch/pkg/utils"
)

// Store is the Postgres durable store.
//
// NOTE: This store assumes the tables in testdata/schema.sql exist.
// Applying schema changes is the job of the external migration tool.
//
// Every write is an idempotent upsert of full row snapshots, applied in FK order inside one
// transaction, so a Write can be replayed by the reconciler any number of times. An upsert never
// replaces a newer row with an older snapshot; see the WHERE clause of each upsert.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// Apply writes w in one transaction. A unique violation means an earlier write this one depends
// on has not landed yet (e.g. the assignment that still holds the agent), so the error is left
// for the reconciler to retry.
func (s *Store) Apply(ctx context.Context, w state.Write) error {
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if w.Tenant != nil {
			if err := upsertTenant(ctx, tx, w); err != nil {
				return err
			}
		}
		if w.Agent != nil {
			if err := upsertAgent(ctx, tx, *w.Agent); err != nil {
				return err
			}
		}
		if w.Call != nil {
			if err := upsertCall(ctx, tx, *w.Call); err != nil {
				return err
			}
		}
		if w.Assignment != nil {
			if err := upsertAssignment(ctx, tx, *w.Assignment); err != nil {
				return err
			}
		}
		return nil
	})
	if utils.PgErrorCode(err) == utils.SQLStateUniqueViolation {
		return fmt.Errorf("pgstore: %s write for tenant %s conflicts with an active row: %w", w.Kind, w.TenantID, err)
	}
	return err
}

func upsertTenant(ctx context.Context, tx *sql.Tx, w state.Write) error {
	const q = `
INSERT INTO tenants (id, name, active, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  active = EXCLUDED.active
`
	t := w.Tenant
	_, err := tx.ExecContext(ctx, q, t.ID, t.Name, t.Active, t.CreatedAt)
	return err
}

func upsertAgent(ctx context.Context, tx *sql.Tx, a agents.Agent) error {
	const q = `
INSERT INTO agents (id, tenant_id, name, agent_type, status, seq, idle_since, current_call_id, after_call_status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  status = EXCLUDED.status,
  idle_since = EXCLUDED.idle_since,
  current_call_id = EXCLUDED.current_call_id,
  after_call_status = EXCLUDED.after_call_status,
  version = EXCLUDED.version,
  updated_at = EXCLUDED.updated_at
WHERE agents.version < EXCLUDED.version
`
	_, err := tx.ExecContext(ctx, q,
		a.ID,
		a.TenantID,
		a.Name,
		a.Type,
		string(a.Status),
		a.Seq,
		a.IdleSince,
		nullString(a.CurrentCallID),
		nullString(string(a.AfterCall)),
		a.Version,
		a.CreatedAt,
		a.UpdatedAt,
	)
	return err
}

// callRank orders call statuses along the lifecycle; all terminal statuses share the top rank.
func callRank(col string) string {
	return `CASE ` + col + ` WHEN 'PENDING' THEN 0 WHEN 'ASSIGNED' THEN 1 WHEN 'IN_PROGRESS' THEN 2 ELSE 3 END`
}

func upsertCall(ctx context.Context, tx *sql.Tx, c calls.Call) error {
	q := `
INSERT INTO calls (id, tenant_id, phone_number, call_type, status, assigned_agent_id, assignment_id, qualification, duration_seconds, created_at, assigned_at, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  assigned_agent_id = EXCLUDED.assigned_agent_id,
  assignment_id = EXCLUDED.assignment_id,
  qualification = EXCLUDED.qualification,
  duration_seconds = EXCLUDED.duration_seconds,
  assigned_at = EXCLUDED.assigned_at,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at
WHERE ` + callRank("calls.status") + ` < ` + callRank("EXCLUDED.status") + `
`
	qual := c.Qualification
	if qual == "" {
		qual = calls.QualificationPending
	}
	_, err := tx.ExecContext(ctx, q,
		c.ID,
		c.TenantID,
		c.PhoneNumber,
		c.Type,
		string(c.Status),
		nullString(c.AgentID),
		nullString(c.AssignmentID),
		string(qual),
		c.DurationSeconds,
		c.CreatedAt,
		c.AssignedAt,
		c.StartedAt,
		c.CompletedAt,
	)
	return err
}

func upsertAssignment(ctx context.Context, tx *sql.Tx, a assignments.Assignment) error {
	const q = `
INSERT INTO assignments (id, tenant_id, call_id, agent_id, status, claim_latency_ns, expected_duration_ns, actual_duration_ns, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  expected_duration_ns = EXCLUDED.expected_duration_ns,
  actual_duration_ns = EXCLUDED.actual_duration_ns,
  completed_at = EXCLUDED.completed_at
WHERE assignments.status IN ('PENDING', 'ACTIVE')
  AND (EXCLUDED.status NOT IN ('PENDING', 'ACTIVE') OR EXCLUDED.expected_duration_ns > assignments.expected_duration_ns)
`
	_, err := tx.ExecContext(ctx, q,
		a.ID,
		a.TenantID,
		a.CallID,
		a.AgentID,
		string(a.Status),
		int64(a.ClaimLatency),
		int64(a.ExpectedDuration),
		int64(a.ActualDuration),
		a.CreatedAt,
		a.CompletedAt,
	)
	return err
}

const agentColumns = `id, tenant_id, name, agent_type, status, seq, idle_since, current_call_id, after_call_status, version, created_at, updated_at`

func (s *Store) ListAgents(ctx context.Context, tenantID string) ([]agents.Agent, error) {
	const q = `
SELECT ` + agentColumns + `
FROM agents
WHERE tenant_id = $1
ORDER BY seq ASC
`
	return s.queryAgents(ctx, q, tenantID)
}

// ListAvailableAgents uses agents_available_idx; order matches the availability index.
func (s *Store) ListAvailableAgents(ctx context.Context, tenantID string) ([]agents.Agent, error) {
	const q = `
SELECT ` + agentColumns + `
FROM agents
WHERE tenant_id = $1 AND status = 'AVAILABLE'
ORDER BY idle_since ASC NULLS FIRST, seq ASC
`
	return s.queryAgents(ctx, q, tenantID)
}

func (s *Store) queryAgents(ctx context.Context, q string, args ...any) ([]agents.Agent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []agents.Agent{}
	for rows.Next() {
		var (
			a         agents.Agent
			status    string
			callID    sql.NullString
			afterCall sql.NullString
		)
		if err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.Name,
			&a.Type,
			&status,
			&a.Seq,
			&a.IdleSince,
			&callID,
			&afterCall,
			&a.Version,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		a.Status = agents.Status(status)
		a.CurrentCallID = callID.String
		a.AfterCall = agents.Status(afterCall.String)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListCalls(ctx context.Context, tenantID string) ([]calls.Call, error) {
	const q = `
SELECT id, tenant_id, phone_number, call_type, status, assigned_agent_id, assignment_id, qualification, duration_seconds, created_at, assigned_at, started_at, completed_at
FROM calls
WHERE tenant_id = $1
ORDER BY created_at ASC
`
	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []calls.Call{}
	for rows.Next() {
		var (
			c             calls.Call
			status, qual  string
			agentID, asID sql.NullString
		)
		if err := rows.Scan(
			&c.ID,
			&c.TenantID,
			&c.PhoneNumber,
			&c.Type,
			&status,
			&agentID,
			&asID,
			&qual,
			&c.DurationSeconds,
			&c.CreatedAt,
			&c.AssignedAt,
			&c.StartedAt,
			&c.CompletedAt,
		); err != nil {
			return nil, err
		}
		c.Status = calls.Status(status)
		c.Qualification = calls.Qualification(qual)
		c.AgentID = agentID.String
		c.AssignmentID = asID.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListAssignments(ctx context.Context, tenantID string) ([]assignments.Assignment, error) {
	const q = `
SELECT id, tenant_id, call_id, agent_id, status, claim_latency_ns, expected_duration_ns, actual_duration_ns, created_at, completed_at
FROM assignments
WHERE tenant_id = $1
ORDER BY created_at ASC
`
	rows, err := s.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []assignments.Assignment{}
	for rows.Next() {
		var (
			a                         assignments.Assignment
			status                    string
			latency, expected, actual int64
		)
		if err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.CallID,
			&a.AgentID,
			&status,
			&latency,
			&expected,
			&actual,
			&a.CreatedAt,
			&a.CompletedAt,
		); err != nil {
			return nil, err
		}
		a.Status = assignments.Status(status)
		a.ClaimLatency = time.Duration(latency)
		a.ExpectedDuration = time.Duration(expected)
		a.ActualDuration = time.Duration(actual)
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ state.DurableStore = (*Store)(nil)
