package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/executor"
	"github.com/joao-brasil/store-backend/internal/health"
	"github.com/joao-brasil/store-backend/internal/pool"
	"github.com/joao-brasil/store-backend/internal/pool/pooltest"
	"github.com/joao-brasil/store-backend/internal/queue"
	"github.com/joao-brasil/store-backend/internal/queue/queuetest"
	"github.com/joao-brasil/store-backend/pkg/backend"
)

func staticProbe(name string, err error) health.Probe {
	return health.Probe{Name: name, Check: func(context.Context) (string, error) {
		return "ok", err
	}}
}

func TestCheck_AllHealthy(t *testing.T) {
	c := health.NewChecker("node-1", staticProbe("b", nil), staticProbe("a", nil))

	report := c.Check(context.Background())
	assert.True(t, report.Healthy())
	assert.Equal(t, "node-1", report.InstanceID)
	require.Len(t, report.Components, 2)
	assert.Equal(t, "a", report.Components[0].Name)
	assert.Equal(t, "ok", report.Components[0].Message)
}

func TestCheck_OneUnhealthy(t *testing.T) {
	c := health.NewChecker("node-1", staticProbe("a", nil), staticProbe("b", errors.New("boom")))

	report := c.Check(context.Background())
	assert.Equal(t, health.StatusUnhealthy, report.Status)
	assert.Equal(t, health.StatusUnhealthy, report.Components[1].Status)
	assert.Equal(t, "boom", report.Components[1].Message)
}

func TestCheck_ProbeTimeout(t *testing.T) {
	slow := health.Probe{Name: "slow", Check: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c := health.NewChecker("n", slow).WithTimeout(50 * time.Millisecond)

	start := time.Now()
	report := c.Check(context.Background())
	assert.False(t, report.Healthy())
	assert.Less(t, time.Since(start), time.Second)
}

func TestRedisProbe(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, config.QueueConfig{Name: "notification_queue"})
	_, err := q.SubmitTask(context.Background(), "x")
	require.NoError(t, err)

	report := health.NewChecker("n", health.RedisProbe(q)).Check(context.Background())
	require.True(t, report.Healthy())
	assert.Contains(t, report.Components[0].Message, "depth=1")

	b.SetDown(true)
	report = health.NewChecker("n", health.RedisProbe(q)).Check(context.Background())
	assert.False(t, report.Healthy())
}

func TestBackendProbe(t *testing.T) {
	conn := &pooltest.Connector{}
	p, err := pool.New(context.Background(), &backend.Backend{
		Name: "main", MaxConnections: 2, MinConnections: 1, PingQuery: "SELECT 1",
	}, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	ex := executor.New(p, executor.Options{Attempts: 1, IdleDelay: time.Millisecond})

	probe := health.BackendProbe(ex)
	assert.Equal(t, "backend-main", probe.Name)

	report := health.NewChecker("n", probe).Check(context.Background())
	require.True(t, report.Healthy(), report.Components[0].Message)
	assert.Contains(t, report.Components[0].Message, "max=2")
	assert.Contains(t, conn.Conns()[0].Queries(), "SELECT 1")
}

func TestBackendProbe_ConnectionFailure(t *testing.T) {
	conn := &pooltest.Connector{
		Query: func(*pooltest.Conn, string, []any) ([]pool.Row, error) {
			return nil, errors.New("syntax error")
		},
	}
	p, err := pool.New(context.Background(), &backend.Backend{Name: "main", MaxConnections: 1}, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	ex := executor.New(p, executor.Options{Attempts: 1, IdleDelay: time.Millisecond})

	report := health.NewChecker("n", health.BackendProbe(ex)).Check(context.Background())
	assert.False(t, report.Healthy())
	assert.Contains(t, report.Components[0].Message, "SELECT 1 failed")
}
