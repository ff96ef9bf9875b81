//go:build integration

package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/joao-brasil/store-backend/internal/executor"
	"github.com/joao-brasil/store-backend/internal/pool"
	"github.com/joao-brasil/store-backend/internal/sqlerr"
	"github.com/joao-brasil/store-backend/pkg/backend"
)

func startPostgres(t *testing.T) *backend.Backend {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("store"),
		postgres.WithUsername("store"),
		postgres.WithPassword("store"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return &backend.Backend{
		Name:           "main",
		Host:           host,
		Port:           mappedPort.Int(),
		Database:       "store",
		Username:       "store",
		Password:       "store",
		Params:         map[string]string{"sslmode": "disable"},
		MinConnections: 1,
		MaxConnections: 2,
		ReconnectTries: 3,
		ReconnectIdle:  100 * time.Millisecond,
	}
}

func TestPostgres_ExecutorRoundTrip(t *testing.T) {
	for _, driver := range []string{backend.DriverPgx, backend.DriverPostgres} {
		t.Run(driver, func(t *testing.T) {
			b := startPostgres(t)
			b.Driver = driver
			ctx := context.Background()

			p, err := pool.New(ctx, b, pool.NewSQLConnector(b))
			require.NoError(t, err)
			t.Cleanup(func() { _ = p.Close() })
			exec := executor.New(p, executor.Options{})

			_, err = exec.Execute(ctx, executor.QueryRequest{
				Query:  `CREATE TABLE products (id SERIAL PRIMARY KEY, sku TEXT UNIQUE NOT NULL)`,
				Commit: executor.CommitManual,
			})
			require.NoError(t, err)

			rows, err := exec.ExecuteMany(ctx, `INSERT INTO products (sku) VALUES ($1) RETURNING id`,
				[][]any{{"A-1"}, {"A-2"}})
			require.NoError(t, err)
			assert.Len(t, rows, 2)

			row, err := exec.FetchOne(ctx, `SELECT sku FROM products WHERE sku = $1`, "missing")
			require.NoError(t, err)
			assert.Empty(t, row)

			_, err = exec.Execute(ctx, executor.QueryRequest{
				Query:  `INSERT INTO products (sku) VALUES ($1)`,
				Args:   []any{"A-1"},
				Commit: executor.CommitManual,
			})
			assert.True(t, sqlerr.IsUniqueViolation(err))
		})
	}
}

func TestPostgres_TerminatedBackendIsRetried(t *testing.T) {
	b := startPostgres(t)
	ctx := context.Background()

	p, err := pool.New(ctx, b, pool.NewSQLConnector(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	exec := executor.New(p, executor.Options{})

	// Kill the warm connection's session from a second connection.
	victim, err := exec.FetchOne(ctx, `SELECT pg_backend_pid() AS pid`)
	require.NoError(t, err)

	killer, err := pool.NewSQLConnector(b).Connect(ctx)
	require.NoError(t, err)
	defer killer.Close()
	_, err = killer.Query(ctx, `SELECT pg_terminate_backend($1)`, victim["pid"])
	require.NoError(t, err)

	res, err := exec.Execute(ctx, executor.QueryRequest{Query: `SELECT 1 AS one`})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Row["one"])
	assert.GreaterOrEqual(t, res.Attempts, 1)
}
