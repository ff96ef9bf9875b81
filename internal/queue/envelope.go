package queue

import (
	"bytes"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TaskEnvelope is the wire form of a task:
// {"msg_body": "...", "id": "<uuid>", "wait_for_response": true, "timeout": 300}.
type TaskEnvelope struct {
	ID              string `json:"id"`
	MsgBody         string `json:"msg_body"`
	WaitForResponse bool   `json:"wait_for_response,omitempty"`
	// Timeout is how long the producer waits, in whole seconds.
	Timeout int `json:"timeout,omitempty"`
}

// Reply is the wire form of a task result: {"result": <json>}.
type Reply struct {
	Result json.RawMessage `json:"result"`
}

// NewTaskID returns a random v4 UUID.
func NewTaskID() string {
	return uuid.NewString()
}

// ReplyKey returns the list a task's reply is pushed to. It is the task id
// itself, which is what workers outside this module expect.
func ReplyKey(taskID string) string {
	return taskID
}

// EncodeTask serializes t.
func EncodeTask(t TaskEnvelope) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses a task. A msg_body that is a JSON object rather than a
// string is kept as its JSON text.
func DecodeTask(data []byte) (TaskEnvelope, error) {
	var wire struct {
		ID              string          `json:"id"`
		MsgBody         json.RawMessage `json:"msg_body"`
		WaitForResponse bool            `json:"wait_for_response"`
		Timeout         int             `json:"timeout"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return TaskEnvelope{}, errors.Wrap(err, "decoding task")
	}

	t := TaskEnvelope{
		ID:              wire.ID,
		WaitForResponse: wire.WaitForResponse,
		Timeout:         wire.Timeout,
	}
	body := bytes.TrimSpace(wire.MsgBody)
	switch {
	case len(body) == 0 || bytes.Equal(body, []byte("null")):
	case body[0] == '"':
		if err := json.Unmarshal(body, &t.MsgBody); err != nil {
			return TaskEnvelope{}, errors.Wrap(err, "decoding msg_body")
		}
	default:
		t.MsgBody = string(body)
	}

	if t.WaitForResponse && t.ID == "" {
		return TaskEnvelope{}, errors.New("task wants a reply but has no id")
	}
	return t, nil
}

// EncodeReply wraps result as {"result": result}.
func EncodeReply(result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "encoding reply result")
	}
	return json.Marshal(Reply{Result: raw})
}

// DecodeReply extracts the result of a reply. Some workers encode the result
// twice (a JSON string holding JSON); that inner document is returned.
func DecodeReply(data []byte) (json.RawMessage, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decoding reply")
	}
	if len(r.Result) == 0 {
		return nil, errors.New("reply has no result")
	}

	if r.Result[0] == '"' {
		var inner string
		if err := json.Unmarshal(r.Result, &inner); err == nil && json.Valid([]byte(inner)) {
			return json.RawMessage(inner), nil
		}
	}
	return r.Result, nil
}
