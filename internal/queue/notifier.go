package queue

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/logx"
)

// DefaultSubject is used when a notification has no subject.
const DefaultSubject = "Error on Server!"

// Notification is an operator e-mail request carried as a task body.
type Notification struct {
	MsgBody          string   `json:"msg_body"`
	MsgSubject       string   `json:"msg_subject"`
	SendTo           []string `json:"send_to"`
	TracebackVerbose string   `json:"traceback_verbose,omitempty"`
}

// DecodeNotification parses a task body produced by Notifier.
func DecodeNotification(body string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return Notification{}, errors.Wrap(err, "decoding notification")
	}
	return n, nil
}

// Notifier enqueues operator notifications. Failures are logged, never
// returned. A nil *Notifier discards everything.
type Notifier struct {
	queue   *TaskQueue
	sendTo  []string
	subject string
	log     zerolog.Logger
}

// NewNotifier sends to q with the recipients and subject from cfg as
// defaults.
func NewNotifier(q *TaskQueue, cfg config.QueueConfig) *Notifier {
	subject := cfg.NotifySubject
	if subject == "" {
		subject = DefaultSubject
	}
	return &Notifier{
		queue:   q,
		sendTo:  cfg.NotifyTo,
		subject: subject,
		log:     logx.Component("notifier"),
	}
}

// Notify enqueues msg as a fire-and-forget task.
func (n *Notifier) Notify(ctx context.Context, msg Notification) {
	if n == nil || n.queue == nil {
		return
	}
	if msg.MsgSubject == "" {
		msg.MsgSubject = n.subject
	}
	if len(msg.SendTo) == 0 {
		msg.SendTo = n.sendTo
	}

	body, err := json.Marshal(msg)
	if err != nil {
		n.log.Error().Err(err).Msg("notification not encodable")
		return
	}
	id, err := n.queue.SubmitTask(ctx, string(body))
	if err != nil {
		n.log.Error().Err(err).Str("subject", msg.MsgSubject).Msg("notification dropped")
		return
	}
	n.log.Debug().Str("task_id", id).Str("subject", msg.MsgSubject).Msg("notification queued")
}
