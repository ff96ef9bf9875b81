package queue_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/store-backend/internal/queue"
	"github.com/joao-brasil/store-backend/internal/queue/queuetest"
)

func TestNotify_AppliesDefaults(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())
	n := queue.NewNotifier(q, queueConfig())

	n.Notify(context.Background(), queue.Notification{
		MsgBody:          "db down",
		TracebackVerbose: "stack...",
	})

	items := b.Items("test_queue")
	require.Len(t, items, 1)
	task, err := queue.DecodeTask(items[0])
	require.NoError(t, err)
	assert.False(t, task.WaitForResponse)

	msg, err := queue.DecodeNotification(task.MsgBody)
	require.NoError(t, err)
	assert.Equal(t, "db down", msg.MsgBody)
	assert.Equal(t, "Error on Server!", msg.MsgSubject)
	assert.Equal(t, []string{"ops@example.com"}, msg.SendTo)
	assert.Equal(t, "stack...", msg.TracebackVerbose)
}

func TestNotify_KeepsExplicitFields(t *testing.T) {
	b := queuetest.NewBroker()
	q := queue.NewTaskQueue(b, queueConfig())
	n := queue.NewNotifier(q, queueConfig())

	n.Notify(context.Background(), queue.Notification{
		MsgBody:    "x",
		MsgSubject: "Login failures",
		SendTo:     []string{"sec@example.com"},
	})

	task, err := queue.DecodeTask(b.Items("test_queue")[0])
	require.NoError(t, err)
	msg, err := queue.DecodeNotification(task.MsgBody)
	require.NoError(t, err)
	assert.Equal(t, "Login failures", msg.MsgSubject)
	assert.Equal(t, []string{"sec@example.com"}, msg.SendTo)
}

func TestNotify_SwallowsBrokerFailure(t *testing.T) {
	b := queuetest.NewBroker()
	b.SetDown(true)
	q := queue.NewTaskQueue(b, queueConfig())
	n := queue.NewNotifier(q, queueConfig())

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), queue.Notification{MsgBody: "lost"})
	})
}

func TestNotify_NilNotifier(t *testing.T) {
	var n *queue.Notifier
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), queue.Notification{MsgBody: "x"})
	})
}
