package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/store-backend/internal/pool"
	"github.com/joao-brasil/store-backend/internal/pool/pooltest"
	"github.com/joao-brasil/store-backend/internal/sqlerr"
	"github.com/joao-brasil/store-backend/pkg/backend"
)

func TestRun_SQLiteBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loadgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  - name: local
    driver: sqlite3
    database: "file:loadgen?mode=memory&cache=shared"
    min_connections: 1
    max_connections: 3
    acquire_timeout: 5s
`), 0o600))

	var out bytes.Buffer
	err := run(context.Background(), &out, options{
		configPath:  path,
		concurrency: 8,
		requests:    10,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "80 queries")
	assert.Contains(t, out.String(), "ok=80")
}

func TestRun_HoldModeLeasesThroughManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loadgen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backends:
  - name: local
    driver: sqlite3
    database: "file:loadgen_hold?mode=memory&cache=shared"
    min_connections: 1
    max_connections: 2
    acquire_timeout: 5s
`), 0o600))

	var out bytes.Buffer
	err := run(context.Background(), &out, options{
		configPath:  path,
		concurrency: 6,
		requests:    3,
		hold:        5 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "18 queries")
	assert.Contains(t, out.String(), "ok=18")
	assert.Contains(t, out.String(), "dead=0")
}

func TestHoldConn_MarksLostConnectionDead(t *testing.T) {
	var lost atomic.Bool
	var conn *pooltest.Connector
	mgr, err := pool.NewManager(context.Background(), []backend.Backend{
		{Name: "main", MaxConnections: 1},
	}, func(*backend.Backend) pool.Connector {
		conn = &pooltest.Connector{Query: func(*pooltest.Conn, string, []any) ([]pool.Row, error) {
			if lost.Load() {
				return nil, sqlerr.ErrConnectionLost
			}
			return []pool.Row{{"n": 1}}, nil
		}}
		return conn
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	p, _ := mgr.Pool("main")

	rep := &report{}
	lost.Store(true)
	err = holdConn(context.Background(), mgr, "main", "SELECT 1", 0, rep)
	assert.ErrorIs(t, err, sqlerr.ErrConnectionLost)
	assert.Equal(t, int64(1), rep.dead.Load())
	assert.Equal(t, 0, p.Stats().Active)
	assert.True(t, conn.Conns()[0].Closed())

	lost.Store(false)
	require.NoError(t, holdConn(context.Background(), mgr, "main", "SELECT 1", time.Millisecond, rep))
	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, 2, conn.Dialled())
}

func TestPercentile(t *testing.T) {
	lat := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(1), percentile(lat, 0))
	assert.Equal(t, time.Duration(5), percentile(lat, 0.5))
	assert.Equal(t, time.Duration(10), percentile(lat, 1))
	assert.Zero(t, percentile(nil, 0.5))
}
