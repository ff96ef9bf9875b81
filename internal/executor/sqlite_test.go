package executor_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/store-backend/internal/executor"
	"github.com/joao-brasil/store-backend/internal/pool"
	"github.com/joao-brasil/store-backend/internal/sqlerr"
	"github.com/joao-brasil/store-backend/pkg/backend"
)

// newSQLiteExecutor runs the executor against a real in-memory SQLite database.
func newSQLiteExecutor(t *testing.T) *executor.Executor {
	t.Helper()
	b := &backend.Backend{
		Name:           "sqlite",
		Driver:         backend.DriverSQLite,
		Database:       fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		MinConnections: 1,
		MaxConnections: 2,
	}
	p, err := pool.New(context.Background(), b, pool.NewSQLConnector(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	exec := executor.New(p, executor.Options{Attempts: 2})
	_, err = exec.Execute(context.Background(), executor.QueryRequest{
		Query:  `CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, email TEXT NOT NULL UNIQUE, name TEXT)`,
		Commit: executor.CommitManual,
	})
	require.NoError(t, err)
	return exec
}

func TestSQLite_FetchOneMissingRow(t *testing.T) {
	exec := newSQLiteExecutor(t)

	row, err := exec.FetchOne(context.Background(), `SELECT * FROM users WHERE email = ?`, "ghost@example.com")
	require.NoError(t, err)
	assert.Equal(t, executor.Row{}, row)
}

func TestSQLite_InsertAndFetch(t *testing.T) {
	exec := newSQLiteExecutor(t)
	ctx := context.Background()

	res, err := exec.Execute(ctx, executor.QueryRequest{
		Query:  `INSERT INTO users (email, name) VALUES (?, ?) RETURNING id`,
		Args:   []any{"ana@example.com", "Ana"},
		Commit: executor.CommitManual,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Row["id"])

	row, err := exec.FetchOne(ctx, `SELECT email, name FROM users WHERE id = ?`, 1)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", row["email"])
	assert.Equal(t, "Ana", row["name"])
}

func TestSQLite_DuplicateKeyPassesThrough(t *testing.T) {
	exec := newSQLiteExecutor(t)
	ctx := context.Background()

	insert := executor.QueryRequest{
		Query:  `INSERT INTO users (email) VALUES (?)`,
		Args:   []any{"dup@example.com"},
		Commit: executor.CommitManual,
	}
	_, err := exec.Execute(ctx, insert)
	require.NoError(t, err)

	_, err = exec.Execute(ctx, insert)
	require.Error(t, err)
	assert.True(t, sqlerr.IsUniqueViolation(err))
	assert.False(t, executor.IsExhaustedRetries(err))
}

func TestSQLite_ExecuteManyIsAtomic(t *testing.T) {
	exec := newSQLiteExecutor(t)
	ctx := context.Background()

	rows, err := exec.ExecuteMany(ctx, `INSERT INTO users (email) VALUES (?) RETURNING id`,
		[][]any{{"a@example.com"}, {"b@example.com"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	_, err = exec.ExecuteMany(ctx, `INSERT INTO users (email) VALUES (?)`,
		[][]any{{"c@example.com"}, {"a@example.com"}})
	require.Error(t, err)
	assert.True(t, sqlerr.IsUniqueViolation(err))

	all, err := exec.FetchAll(ctx, `SELECT email FROM users ORDER BY id`)
	require.NoError(t, err)
	assert.Equal(t, []executor.Row{{"email": "a@example.com"}, {"email": "b@example.com"}}, all)
}
