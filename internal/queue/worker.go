package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/logx"
	"github.com/joao-brasil/store-backend/internal/metrics"
)

// Handler processes one task. The returned value becomes the reply result
// when the producer asked for one.
type Handler func(ctx context.Context, task TaskEnvelope) (any, error)

// brokerBackoff is how long Run pauses after a broker error.
const brokerBackoff = time.Second

// Worker consumes tasks from one queue.
type Worker struct {
	broker   Broker
	queue    string
	handler  Handler
	poll     time.Duration
	replyTTL time.Duration

	processed atomic.Int64
	failed    atomic.Int64

	log zerolog.Logger
}

// NewWorker creates a worker for cfg.Name.
func NewWorker(b Broker, cfg config.QueueConfig, h Handler) *Worker {
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Worker{
		broker:   b,
		queue:    cfg.Name,
		handler:  h,
		poll:     poll,
		replyTTL: cfg.ReplyTTL,
		log:      logx.Component("worker").With().Str("queue", cfg.Name).Logger(),
	}
}

// Processed returns the number of tasks handled, failed or not.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Failed returns the number of tasks whose handler returned an error or
// panicked.
func (w *Worker) Failed() int64 { return w.failed.Load() }

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Dur("poll", w.poll).Msg("worker started")
	defer func() {
		w.log.Info().
			Int64("processed", w.Processed()).
			Int64("failed", w.Failed()).
			Msg("worker stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := w.ProcessOne(ctx)
		if err == nil || IsQueueDecode(err) {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn().Err(err).Dur("backoff", brokerBackoff).Msg("broker error")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(brokerBackoff):
		}
	}
}

// ProcessOne waits up to the poll timeout for a task and handles it.
// It reports whether a message was taken off the queue.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	raw, err := w.broker.BlockingPop(ctx, w.queue, w.poll)
	if errors.Is(err, ErrNoMessage) {
		return false, nil
	}
	if err != nil {
		return false, &QueueError{Queue: w.queue, Kind: QueueErrorUnavailable, Err: err}
	}

	task, err := DecodeTask(raw)
	if err != nil {
		metrics.QueueTasks.WithLabelValues(w.queue, "malformed").Inc()
		w.log.Error().Err(err).Bytes("payload", truncate(raw, 256)).Msg("dropping malformed task")
		return true, &QueueError{Queue: w.queue, Kind: QueueErrorDecode, Err: err}
	}

	log := w.log.With().Str("task_id", task.ID).Logger()
	result, herr := w.handle(ctx, task)
	w.processed.Add(1)
	if herr != nil {
		w.failed.Add(1)
		metrics.QueueTasks.WithLabelValues(w.queue, "failed").Inc()
		log.Error().Err(herr).Msg("task failed")
		result = map[string]string{"error": herr.Error()}
	} else {
		metrics.QueueTasks.WithLabelValues(w.queue, "processed").Inc()
		log.Debug().Msg("task processed")
	}

	if !task.WaitForResponse {
		return true, nil
	}

	payload, err := EncodeReply(result)
	if err != nil {
		log.Error().Err(err).Msg("reply not encodable")
		payload, _ = EncodeReply(map[string]string{"error": err.Error()})
	}
	if err := w.broker.Push(ctx, ReplyKey(task.ID), payload, w.replyTTL); err != nil {
		return true, &QueueError{Queue: w.queue, TaskID: task.ID, Kind: QueueErrorUnavailable, Err: err}
	}
	return true, nil
}

// handle runs the handler, turning a panic into a task failure so the
// worker keeps consuming.
func (w *Worker) handle(ctx context.Context, task TaskEnvelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, task)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
