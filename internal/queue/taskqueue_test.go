package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/queue"
	"github.com/joao-brasil/store-backend/internal/queue/queuetest"
)

func queueConfig() config.QueueConfig {
	return config.QueueConfig{
		Name:          "test_queue",
		ReplyTimeout:  2 * time.Second,
		ReplyTTL:      10 * time.Second,
		PollTimeout:   time.Second,
		NotifyTo:      []string{"ops@example.com"},
		NotifySubject: "Error on Server!",
	}
}

// respond pops n tasks and replies to them in reverse order, echoing the
// body as the result.
func respond(t *testing.T, b queue.Broker, n int) {
	t.Helper()
	ctx := context.Background()
	var tasks []queue.TaskEnvelope
	for len(tasks) < n {
		raw, err := b.BlockingPop(ctx, "test_queue", 5*time.Second)
		if !assert.NoError(t, err) {
			return
		}
		task, err := queue.DecodeTask(raw)
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	for i := len(tasks) - 1; i >= 0; i-- {
		reply, err := queue.EncodeReply(map[string]string{"echo": tasks[i].MsgBody})
		require.NoError(t, err)
		require.NoError(t, b.Push(ctx, queue.ReplyKey(tasks[i].ID), reply, time.Minute))
	}
}

func TestSubmitTask_PushesEnvelope(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())

	id, err := q.SubmitTask(context.Background(), "hello")
	require.NoError(t, err)

	items := b.Items("test_queue")
	require.Len(t, items, 1)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(items[0], &wire))
	assert.Equal(t, id, wire["id"])
	assert.Equal(t, "hello", wire["msg_body"])
	assert.NotContains(t, wire, "wait_for_response")
}

func TestSubmitTask_BrokerDown(t *testing.T) {
	b := queuetest.NewBroker()
	b.SetDown(true)
	q := queue.NewTaskQueue(b, queueConfig())

	id, err := q.SubmitTask(context.Background(), "hello")
	assert.Empty(t, id)
	assert.True(t, queue.IsQueueUnavailable(err))
	assert.ErrorIs(t, err, queuetest.ErrDown)
}

func TestSubmitAndWait_ReceivesReply(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		respond(t, b, 1)
	}()

	result, ok := q.SubmitAndWait(context.Background(), "ping", 0)
	<-done
	require.True(t, ok)
	assert.JSONEq(t, `{"echo":"ping"}`, string(result))
	assert.Equal(t, 0, q.Pending())
}

func TestSubmitAndWait_EnvelopeAsksForReply(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())

	go q.SubmitAndWait(context.Background(), "x", 3*time.Second)

	raw, err := b.BlockingPop(context.Background(), "test_queue", 2*time.Second)
	require.NoError(t, err)
	task, err := queue.DecodeTask(raw)
	require.NoError(t, err)
	assert.True(t, task.WaitForResponse)
	assert.Equal(t, 3, task.Timeout)
	assert.NotEmpty(t, task.ID)
}

func TestSubmitAndWait_Timeout(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())

	start := time.Now()
	result, ok := q.SubmitAndWait(context.Background(), "nobody listens", time.Second)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Nil(t, result)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, 0, q.Pending())
}

func TestSubmitAndWait_SubSecondTimeoutRoundsUp(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())

	start := time.Now()
	_, ok := q.SubmitAndWait(context.Background(), "x", 100*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestSubmitAndWait_BrokerDown(t *testing.T) {
	b := queuetest.NewBroker()
	b.SetDown(true)
	q := queue.NewTaskQueue(b, queueConfig())

	start := time.Now()
	result, ok := q.SubmitAndWait(context.Background(), "x", 5*time.Second)
	assert.False(t, ok)
	assert.Nil(t, result)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubmitAndWait_MalformedReply(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())

	go func() {
		raw, err := b.BlockingPop(context.Background(), "test_queue", 5*time.Second)
		if err != nil {
			return
		}
		task, _ := queue.DecodeTask(raw)
		_ = b.Push(context.Background(), task.ID, []byte("not json"), 0)
	}()

	result, ok := q.SubmitAndWait(context.Background(), "x", 2*time.Second)
	assert.False(t, ok)
	assert.Nil(t, result)
}

func TestSubmitAndWait_ConcurrentRepliesOutOfOrder(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())

	bodies := []string{"a", "b", "c", "d"}
	go respond(t, b, len(bodies))

	var wg sync.WaitGroup
	results := make([]json.RawMessage, len(bodies))
	oks := make([]bool, len(bodies))
	for i, body := range bodies {
		wg.Add(1)
		go func(i int, body string) {
			defer wg.Done()
			results[i], oks[i] = q.SubmitAndWait(context.Background(), body, 5*time.Second)
		}(i, body)
	}

	wg.Wait()

	for i, body := range bodies {
		require.True(t, oks[i], body)
		assert.JSONEq(t, `{"echo":"`+body+`"}`, string(results[i]))
	}
	assert.Equal(t, 0, q.Pending())
}

func TestAwait_TimeoutError(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())

	_, err := q.Await(context.Background(), "missing", time.Second)
	require.Error(t, err)
	assert.True(t, queue.IsQueueTimeout(err))

	var qe *queue.QueueError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "missing", qe.TaskID)
	assert.Equal(t, time.Second, qe.Timeout)
	assert.Contains(t, qe.Error(), "no reply for task missing")
}

func TestDepth(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())

	for i := 0; i < 3; i++ {
		_, err := q.SubmitTask(context.Background(), "x")
		require.NoError(t, err)
	}
	n, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
