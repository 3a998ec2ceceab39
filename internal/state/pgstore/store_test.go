package pgstore_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/assignments"
	"call-dispatch/internal/calls"
	"call-dispatch/internal/state"
	"call-dispatch/internal/state/pgstore"
	"call-dispatch/internal/tenant"
	"call-dispatch/pkg/utils"
)

// setupTestDB spins up a Postgres container, loads the schema and returns a connected *sql.DB.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dispatch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pgContainer.Terminate(ctx)) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := utils.OpenPostgres(ctx, "pgx", connStr, utils.PostgresPoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	schema, err := os.ReadFile(filepath.Join("testdata", "schema.sql"))
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, string(schema))
	require.NoError(t, err)
	return db
}

func ptr(t time.Time) *time.Time { return &t }

func TestPGStore_ClaimAndFinishSnapshots(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := setupTestDB(t)
	s := pgstore.New(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	tn := tenant.Tenant{ID: "t1", Name: "acme", Active: true, CreatedAt: now}
	require.NoError(t, s.Apply(ctx, state.Write{Kind: state.WriteTenant, TenantID: "t1", Tenant: &tn}))

	a1 := agents.Agent{ID: "a1", TenantID: "t1", Name: "one", Type: "agent_type_1", Status: agents.StatusAvailable, Seq: 1, Version: 1, CreatedAt: now, UpdatedAt: now}
	a2 := agents.Agent{ID: "a2", TenantID: "t1", Name: "two", Type: "agent_type_1", Status: agents.StatusAvailable, Seq: 2, IdleSince: ptr(now.Add(-time.Hour)), Version: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Apply(ctx, state.Write{Kind: state.WriteAgent, TenantID: "t1", Agent: &a1}))
	require.NoError(t, s.Apply(ctx, state.Write{Kind: state.WriteAgent, TenantID: "t1", Agent: &a2}))

	avail, err := s.ListAvailableAgents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, avail, 2)
	assert.Equal(t, "a1", avail[0].ID, "never-busy agent first")

	busy := a1
	busy.Status = agents.StatusBusy
	busy.CurrentCallID = "c1"
	busy.Version = 2
	call := calls.Call{ID: "c1", TenantID: "t1", PhoneNumber: "+15550001111", Type: "call_type_1", Status: calls.StatusAssigned, AgentID: "a1", AssignmentID: "s1", Qualification: calls.QualificationPending, CreatedAt: now, AssignedAt: ptr(now)}
	asg := assignments.Assignment{ID: "s1", TenantID: "t1", CallID: "c1", AgentID: "a1", Status: assignments.StatusActive, ClaimLatency: 2 * time.Millisecond, CreatedAt: now}
	claim := state.Write{Kind: state.WriteClaim, TenantID: "t1", Agent: &busy, Call: &call, Assignment: &asg}
	require.NoError(t, s.Apply(ctx, claim))
	// Replays are idempotent.
	require.NoError(t, s.Apply(ctx, claim))

	end := now.Add(90 * time.Second)
	done := call
	done.Status = calls.StatusCompleted
	done.Qualification = calls.QualificationOK
	done.CompletedAt = ptr(end)
	done.DurationSeconds = 90
	closed := asg.Closed(assignments.StatusCompleted, end, now)
	released := a1
	released.IdleSince = ptr(end)
	released.Version = 3
	require.NoError(t, s.Apply(ctx, state.Write{Kind: state.WriteFinish, TenantID: "t1", Agent: &released, Call: &done, Assignment: &closed}))

	rows, err := s.ListCalls(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, calls.StatusCompleted, rows[0].Status)
	assert.Equal(t, calls.QualificationOK, rows[0].Qualification)
	assert.Equal(t, "a1", rows[0].AgentID)

	asgs, err := s.ListAssignments(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, asgs, 1)
	assert.Equal(t, assignments.StatusCompleted, asgs[0].Status)
	assert.Equal(t, 2*time.Millisecond, asgs[0].ClaimLatency)

	avail, err = s.ListAvailableAgents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, avail, 2)
	assert.Equal(t, "a2", avail[0].ID, "a2 has idled longer than a1 now")
	require.NotNil(t, avail[1].IdleSince)
	assert.WithinDuration(t, end, *avail[1].IdleSince, time.Millisecond)
}

func TestPGStore_RejectsSecondActiveAssignmentForAgent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := setupTestDB(t)
	s := pgstore.New(db)
	ctx := context.Background()
	now := time.Now().UTC()

	tn := tenant.Tenant{ID: "t1", Name: "acme", Active: true, CreatedAt: now}
	a := agents.Agent{ID: "a1", TenantID: "t1", Name: "one", Type: "agent_type_1", Status: agents.StatusBusy, Seq: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Apply(ctx, state.Write{Kind: state.WriteAgent, TenantID: "t1", Tenant: &tn, Agent: &a}))

	for i, id := range []string{"c1", "c2"} {
		c := calls.Call{ID: id, TenantID: "t1", PhoneNumber: "+15550001111", Type: "call_type_1", Status: calls.StatusAssigned, AgentID: "a1", CreatedAt: now}
		asg := assignments.Assignment{ID: "s-" + id, TenantID: "t1", CallID: id, AgentID: "a1", Status: assignments.StatusActive, CreatedAt: now}
		err := s.Apply(ctx, state.Write{Kind: state.WriteClaim, TenantID: "t1", Call: &c, Assignment: &asg})
		if i == 0 {
			require.NoError(t, err)
		} else {
			require.Error(t, err)
		}
	}
}

func TestPGStore_IgnoresStaleSnapshots(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := setupTestDB(t)
	s := pgstore.New(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	end := now.Add(time.Minute)

	tn := tenant.Tenant{ID: "t1", Name: "acme", Active: true, CreatedAt: now}
	busy := agents.Agent{ID: "a1", TenantID: "t1", Name: "one", Type: "agent_type_1", Status: agents.StatusBusy, CurrentCallID: "c2", Seq: 1, Version: 4, CreatedAt: now, UpdatedAt: end}
	call := calls.Call{ID: "c1", TenantID: "t1", PhoneNumber: "+15550001111", Type: "call_type_1", Status: calls.StatusAbandoned, AgentID: "a1", AssignmentID: "s1", CreatedAt: now, AssignedAt: ptr(now), CompletedAt: ptr(end)}
	asg := assignments.Assignment{ID: "s1", TenantID: "t1", CallID: "c1", AgentID: "a1", Status: assignments.StatusActive, CreatedAt: now}
	closed := asg.Closed(assignments.StatusFailed, end, now)
	require.NoError(t, s.Apply(ctx, state.Write{Kind: state.WriteFinish, TenantID: "t1", Tenant: &tn, Agent: &busy, Call: &call, Assignment: &closed}))

	// Snapshots committed earlier but arriving late.
	released := busy
	released.Status, released.CurrentCallID, released.Version = agents.StatusAvailable, "", 3
	started := call
	started.Status, started.StartedAt, started.CompletedAt = calls.StatusInProgress, ptr(now), nil
	active := asg
	active.ExpectedDuration = time.Minute
	require.NoError(t, s.Apply(ctx, state.Write{Kind: state.WriteStart, TenantID: "t1", Agent: &released, Call: &started, Assignment: &active}))

	ags, err := s.ListAgents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ags, 1)
	assert.Equal(t, agents.StatusBusy, ags[0].Status)
	assert.Equal(t, "c2", ags[0].CurrentCallID)
	assert.EqualValues(t, 4, ags[0].Version)

	rows, err := s.ListCalls(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, calls.StatusAbandoned, rows[0].Status)

	asgs, err := s.ListAssignments(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, asgs, 1)
	assert.Equal(t, assignments.StatusFailed, asgs[0].Status)
}
