package queue

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// QueueErrorKind classifies the type of queue error.
type QueueErrorKind int

const (
	// QueueErrorUnavailable means the broker could not be reached.
	QueueErrorUnavailable QueueErrorKind = iota
	// QueueErrorTimeout means no reply arrived within the timeout.
	QueueErrorTimeout
	// QueueErrorDecode means a task or reply was not valid wire format.
	QueueErrorDecode
)

func (k QueueErrorKind) String() string {
	switch k {
	case QueueErrorUnavailable:
		return "unavailable"
	case QueueErrorTimeout:
		return "timeout"
	case QueueErrorDecode:
		return "decode"
	}
	return "unknown"
}

// QueueError provides structured error information for queue failures.
type QueueError struct {
	Queue    string
	TaskID   string
	Kind     QueueErrorKind
	WaitTime time.Duration // how long the caller waited (timeouts)
	Timeout  time.Duration // configured timeout (timeouts)
	Err      error
}

func (e *QueueError) Error() string {
	switch e.Kind {
	case QueueErrorUnavailable:
		return fmt.Sprintf("queue %s unavailable: %v", e.Queue, e.Err)
	case QueueErrorTimeout:
		return fmt.Sprintf("no reply for task %s on queue %s (waited=%v, timeout=%v)",
			e.TaskID, e.Queue, e.WaitTime, e.Timeout)
	case QueueErrorDecode:
		return fmt.Sprintf("malformed message on queue %s: %v", e.Queue, e.Err)
	default:
		return fmt.Sprintf("queue error on %s", e.Queue)
	}
}

func (e *QueueError) Unwrap() error { return e.Err }

func isKind(err error, kind QueueErrorKind) bool {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Kind == kind
	}
	return false
}

// IsQueueUnavailable checks if the error is a broker outage.
func IsQueueUnavailable(err error) bool { return isKind(err, QueueErrorUnavailable) }

// IsQueueTimeout checks if the error is a reply timeout.
func IsQueueTimeout(err error) bool { return isKind(err, QueueErrorTimeout) }

// IsQueueDecode checks if the error is a wire-format failure.
func IsQueueDecode(err error) bool { return isKind(err, QueueErrorDecode) }
