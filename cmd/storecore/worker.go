package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/joao-brasil/store-backend/internal/queue"
)

var (
	workerQueue string

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Consume the task queue and deliver notifications to the log",
		RunE:  runWorker,
	}
)

func init() {
	workerCmd.Flags().StringVar(&workerQueue, "queue", "", "queue to consume (defaults to queue.name)")
}

func runWorker(_ *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if workerQueue != "" {
		cfg.Queue.Name = workerQueue
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := queue.NewRedisBroker(cfg.Redis)
	defer broker.Close()
	if err := broker.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis unavailable at startup, will keep retrying")
	}

	w := queue.NewWorker(broker, cfg.Queue, logDelivery(log))
	return w.Run(ctx)
}

// logDelivery writes notifications to the log instead of sending e-mail.
// Other task bodies are acknowledged as received.
func logDelivery(log zerolog.Logger) queue.Handler {
	return func(_ context.Context, task queue.TaskEnvelope) (any, error) {
		n, err := queue.DecodeNotification(task.MsgBody)
		if err != nil || n.MsgSubject == "" {
			log.Info().Str("task_id", task.ID).Str("body", task.MsgBody).Msg("task received")
			return map[string]any{"received": true}, nil
		}

		log.Warn().
			Str("task_id", task.ID).
			Str("subject", n.MsgSubject).
			Strs("send_to", n.SendTo).
			Str("traceback", n.TracebackVerbose).
			Msg(n.MsgBody)
		return map[string]any{"delivered": true, "recipients": len(n.SendTo)}, nil
	}
}
