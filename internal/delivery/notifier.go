// Package delivery hands issued credentials to their students. The API
// process publishes deliveries onto the queue; the worker process resolves
// the student's address and sends the message.
package delivery

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"qrattend/internal/attendance"
	"qrattend/internal/queue"
)

// MessageType tags credential deliveries on the shared queue.
const MessageType = "credential"

// QueueNotifier implements attendance.Notifier on top of a queue.
type QueueNotifier struct {
	q queue.Queue
}

var _ attendance.Notifier = (*QueueNotifier)(nil)

func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return &QueueNotifier{q: q}
}

// Notify enqueues d. The issuer only logs a failure, so the credential
// stays valid and a later re-issue delivers it again.
func (n *QueueNotifier) Notify(ctx context.Context, d attendance.Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode delivery")
	}
	if err := n.q.Publish(ctx, queue.Message{Type: MessageType, Body: body}); err != nil {
		return errors.Wrap(err, "publish delivery")
	}
	return nil
}
