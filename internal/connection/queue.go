package connection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/chat-relay/internal/queue"
)

// QueuedMessage is an outbound event waiting for a connection.
type QueuedMessage struct {
	ID         string
	Event      string
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

// Queue buffers outbound events while the connection is down.
type Queue struct {
	ring *queue.Ring[QueuedMessage]
	now  func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue(initialCapacity int) *Queue {
	return &Queue{
		ring: queue.NewRing[QueuedMessage](initialCapacity),
		now:  time.Now,
	}
}

// Enqueue appends an already encoded event. Allowed in any state.
func (q *Queue) Enqueue(event string, payload json.RawMessage) QueuedMessage {
	msg := QueuedMessage{
		ID:         uuid.NewString(),
		Event:      event,
		Payload:    payload,
		EnqueuedAt: q.now(),
	}
	q.ring.Push(msg)
	return msg
}

// Flush takes every queued message in one step and emits them in enqueue
// order. Messages enqueued while Flush runs wait for the next Flush. If emit
// fails, the failed message and everything after it go back to the front of
// the queue in their original order.
func (q *Queue) Flush(emit func(QueuedMessage) error) (int, error) {
	msgs := q.ring.Drain()
	for i, msg := range msgs {
		if err := emit(msg); err != nil {
			q.ring.PushFront(msgs[i:]...)
			return i, fmt.Errorf("emit %s (%s): %w", msg.Event, msg.ID, err)
		}
	}
	return len(msgs), nil
}

// Clear discards all queued messages and returns how many were dropped.
func (q *Queue) Clear() int {
	return q.ring.Clear()
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return q.ring.Len()
}

// encodePayload turns payload into the bytes that will go on the wire, so
// a value that cannot be encoded is rejected before it reaches the queue.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: malformed raw JSON", ErrInvalidPayload)
		}
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, nil
}
