package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresPoolConfig_Defaults(t *testing.T) {
	c := PostgresPoolConfig{MaxOpenConns: 5}.withDefaults()
	if c.MaxOpenConns != 5 || c.MaxIdleConns != 25 {
		t.Fatalf("unexpected pool sizes: %+v", c)
	}
	if c.ConnMaxIdleTime != 5*time.Minute || c.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts: %+v", c)
	}
}

func TestPgErrorCode(t *testing.T) {
	wrapped := fmt.Errorf("apply: %w", &pgconn.PgError{Code: SQLStateSerializationFailure})
	if got := PgErrorCode(wrapped); got != SQLStateSerializationFailure {
		t.Fatalf("expected %s, got %q", SQLStateSerializationFailure, got)
	}
	if !transientTxError(wrapped) {
		t.Fatalf("serialization failure must be retried")
	}
	if transientTxError(&pgconn.PgError{Code: SQLStateUniqueViolation}) || transientTxError(errors.New("boom")) {
		t.Fatalf("only serialization failures and deadlocks are retried")
	}
	if PgErrorCode(errors.New("boom")) != "" {
		t.Fatalf("expected no code for a plain error")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	pg, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("utils_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pg.Terminate(ctx)) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := OpenPostgres(ctx, "pgx", dsn, PostgresPoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`)
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM kv`).Scan(&n))
	return n
}

func TestWithTx_CommitAndRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 1, count(t, db))

	boom := errors.New("boom")
	err = WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('b', '2')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, count(t, db))

	require.Panics(t, func() {
		_ = WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
			_, _ = tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('c', '3')`)
			panic("mid-transaction")
		})
	})
	require.Equal(t, 1, count(t, db))
	require.NoError(t, HealthCheck(ctx, db, time.Second))
}

func TestWithTx_RerunsAfterSerializationFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	runs := 0
	err := WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		runs++
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`); err != nil {
			return err
		}
		if runs == 1 {
			return &pgconn.PgError{Code: SQLStateSerializationFailure}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, runs)
	require.Equal(t, 1, count(t, db))

	runs = 0
	err = WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		runs++
		return &pgconn.PgError{Code: SQLStateDeadlockDetected}
	})
	require.Error(t, err)
	require.Equal(t, SQLStateDeadlockDetected, PgErrorCode(err))
	require.Equal(t, maxTxAttempts, runs)
}
