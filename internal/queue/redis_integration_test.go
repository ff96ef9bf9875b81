//go:build integration

package queue_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/queue"
)

func startRedis(t *testing.T) *queue.RedisBroker {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	mappedPort, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	hostIP, err := container.Host(ctx)
	require.NoError(t, err)

	b := queue.NewRedisBroker(config.RedisConfig{
		Addr:         fmt.Sprintf("%s:%s", hostIP, mappedPort.Port()),
		DB:           14,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Ping(ctx))
	return b
}

func TestRedis_PushPopOrder(t *testing.T) {
	b := startRedis(t)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, "q", []byte("first"), 0))
	require.NoError(t, b.Push(ctx, "q", []byte("second"), 0))

	n, err := b.Len(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := b.BlockingPop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
}

func TestRedis_BlockingPopTimeout(t *testing.T) {
	b := startRedis(t)

	start := time.Now()
	_, err := b.BlockingPop(context.Background(), "empty", time.Second)
	assert.ErrorIs(t, err, queue.ErrNoMessage)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestRedis_SubmitAndWaitWithWorker(t *testing.T) {
	b := startRedis(t)
	cfg := config.QueueConfig{
		Name:         "notification_queue",
		ReplyTimeout: 5 * time.Second,
		ReplyTTL:     30 * time.Second,
		PollTimeout:  time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := queue.NewWorker(b, cfg, func(_ context.Context, task queue.TaskEnvelope) (any, error) {
		return map[string]string{"echo": task.MsgBody}, nil
	})
	go func() { _ = w.Run(ctx) }()

	q := queue.NewTaskQueue(b, cfg)
	result, ok := q.SubmitAndWait(context.Background(), "over redis", 0)
	require.True(t, ok)
	assert.JSONEq(t, `{"echo":"over redis"}`, string(result))
}
