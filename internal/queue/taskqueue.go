// Package queue implements a Redis list backed task queue: producers push
// tasks and optionally block on a per-task reply list, workers pop tasks and
// push replies.
package queue

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/logx"
	"github.com/joao-brasil/store-backend/internal/metrics"
)

// TaskQueue submits tasks to a named list.
type TaskQueue struct {
	broker  Broker
	name    string
	timeout time.Duration

	// pending tracks tasks whose submitter is still blocked on a reply.
	pending *xsync.MapOf[string, time.Time]

	log zerolog.Logger
}

// NewTaskQueue binds a queue to a broker.
func NewTaskQueue(b Broker, cfg config.QueueConfig) *TaskQueue {
	timeout := cfg.ReplyTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &TaskQueue{
		broker:  b,
		name:    cfg.Name,
		timeout: timeout,
		pending: xsync.NewMapOf[string, time.Time](),
		log:     logx.Component("queue").With().Str("queue", cfg.Name).Logger(),
	}
}

// Name returns the list tasks are pushed to.
func (q *TaskQueue) Name() string { return q.name }

// Broker returns the underlying transport.
func (q *TaskQueue) Broker() Broker { return q.broker }

// Pending returns how many submitters are waiting for a reply.
func (q *TaskQueue) Pending() int { return q.pending.Size() }

// Depth returns the number of tasks not yet picked up by a worker.
func (q *TaskQueue) Depth(ctx context.Context) (int64, error) {
	return q.broker.Len(ctx, q.name)
}

// SubmitTask pushes a fire-and-forget task and returns its id.
func (q *TaskQueue) SubmitTask(ctx context.Context, body string) (string, error) {
	task := TaskEnvelope{ID: NewTaskID(), MsgBody: body}
	if err := q.push(ctx, task); err != nil {
		return "", err
	}
	metrics.QueueTasks.WithLabelValues(q.name, "submitted").Inc()
	return task.ID, nil
}

// SubmitAndWait pushes a task asking for a reply and blocks until the reply
// arrives or timeout elapses. A zero timeout uses the queue default. It
// returns (nil, false) on timeout, broker failure or an undecodable reply.
func (q *TaskQueue) SubmitAndWait(ctx context.Context, body string, timeout time.Duration) (json.RawMessage, bool) {
	if timeout <= 0 {
		timeout = q.timeout
	}
	timeout = WholeSeconds(timeout)

	task := TaskEnvelope{
		ID:              NewTaskID(),
		MsgBody:         body,
		WaitForResponse: true,
		Timeout:         int(timeout / time.Second),
	}
	if err := q.push(ctx, task); err != nil {
		q.log.Error().Err(err).Msg("submit failed")
		return nil, false
	}
	metrics.QueueTasks.WithLabelValues(q.name, "submitted").Inc()

	result, err := q.Await(ctx, task.ID, timeout)
	if err != nil {
		q.log.Warn().Err(err).Str("task_id", task.ID).Msg("no usable reply")
		return nil, false
	}
	return result, true
}

// Await blocks on the reply list of taskID. Errors are *QueueError.
func (q *TaskQueue) Await(ctx context.Context, taskID string, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	q.pending.Store(taskID, start)
	metrics.PendingReplies.WithLabelValues(q.name).Inc()
	defer func() {
		q.pending.Delete(taskID)
		metrics.PendingReplies.WithLabelValues(q.name).Dec()
	}()

	raw, err := q.broker.BlockingPop(ctx, ReplyKey(taskID), timeout)
	waited := time.Since(start)
	switch {
	case errors.Is(err, ErrNoMessage):
		metrics.ReplyWaitDuration.WithLabelValues(q.name, "timeout").Observe(waited.Seconds())
		return nil, &QueueError{
			Queue: q.name, TaskID: taskID, Kind: QueueErrorTimeout,
			WaitTime: waited, Timeout: timeout,
		}
	case err != nil:
		metrics.ReplyWaitDuration.WithLabelValues(q.name, "error").Observe(waited.Seconds())
		return nil, &QueueError{Queue: q.name, TaskID: taskID, Kind: QueueErrorUnavailable, Err: err}
	}

	result, err := DecodeReply(raw)
	if err != nil {
		metrics.ReplyWaitDuration.WithLabelValues(q.name, "malformed").Observe(waited.Seconds())
		return nil, &QueueError{Queue: q.name, TaskID: taskID, Kind: QueueErrorDecode, Err: err}
	}
	metrics.ReplyWaitDuration.WithLabelValues(q.name, "ok").Observe(waited.Seconds())
	return result, nil
}

func (q *TaskQueue) push(ctx context.Context, task TaskEnvelope) error {
	payload, err := EncodeTask(task)
	if err != nil {
		return &QueueError{Queue: q.name, TaskID: task.ID, Kind: QueueErrorDecode, Err: err}
	}
	if err := q.broker.Push(ctx, q.name, payload, 0); err != nil {
		metrics.QueueTasks.WithLabelValues(q.name, "rejected").Inc()
		return &QueueError{Queue: q.name, TaskID: task.ID, Kind: QueueErrorUnavailable, Err: err}
	}
	return nil
}
