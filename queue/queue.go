// Package queue implements the durable priority message queue: FIFO within a
// priority level, higher priorities first, with in-flight tracking, bounded
// retries and a dead-letter tail. The redis realization coordinates multiple
// broker instances; the local realization serves single-instance deployments.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/kv"
)

// Priority orders dispatch. Higher wins.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Boost raises the priority one level, capped at urgent.
func (p Priority) Boost() Priority {
	if p >= PriorityUrgent {
		return PriorityUrgent
	}
	return p + 1
}

// MaxRetries is the failure budget before a message dead-letters.
const MaxRetries = 3

// deadLetterCap bounds the dead-letter tail; older entries fall off.
const deadLetterCap = 1000

// Message is one queued inbound update.
type Message struct {
	ID          string          `json:"id"`
	UpdateID    int64           `json:"update_id"`
	ChatID      int64           `json:"chat_id"`
	UserID      int64           `json:"user_id,omitempty"`
	ChatType    string          `json:"chat_type"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	RetryCount  int             `json:"retry_count"`
	AssignedBot string          `json:"assigned_bot,omitempty"`
	Deadline    time.Time       `json:"deadline,omitzero"`
}

// Stats is a point-in-time census of the three logical queues.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// ErrUnknownMessage is returned when an id is not in the expected queue.
var ErrUnknownMessage = errors.New("queue: message not found")

// Queue is the contract both realizations satisfy. A message is in exactly
// one of pending, processing or dead-letter at any time.
type Queue interface {
	// Enqueue adds the message to pending.
	Enqueue(ctx context.Context, msg *Message) error
	// Dequeue pops the best pending message and moves it to processing.
	// It blocks up to timeout and returns (nil, nil) when nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Message, error)
	// MarkCompleted drops the message from processing.
	MarkCompleted(ctx context.Context, id string) error
	// MarkFailed removes the message from processing and either re-enqueues
	// it (retry budget left) or dead-letters it.
	MarkFailed(ctx context.Context, id string) (requeued bool, err error)
	// CleanupStale fails every processing entry older than olderThan,
	// recovering work orphaned by a crash or a stuck worker.
	CleanupStale(ctx context.Context, olderThan time.Duration) (int, error)
	// DeadLetters lists up to limit dead-lettered messages, newest first.
	DeadLetters(ctx context.Context, limit int) ([]*Message, error)
	// RequeueDeadLetter moves a dead-lettered message back to pending with a
	// fresh retry budget.
	RequeueDeadLetter(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
}

// New picks the realization matching the kv backend.
func New(store kv.Store) Queue {
	if rs, ok := store.(*kv.RedisStore); ok {
		return NewRedisQueue(rs.Client())
	}
	return NewLocalQueue()
}

// score is the composite ordering key: priority-major, enqueue-time-minor.
// Inverting the millisecond clock under a max-pop makes earlier messages win
// within a priority level. Exact in float64 until far future.
func score(p Priority, enqueuedAt time.Time) float64 {
	return float64(p)*1e13 + (1e13 - float64(enqueuedAt.UnixMilli()))
}

func marshalMessage(msg *Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal queue message")
	}
	return string(data), nil
}

func unmarshalMessage(data string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal queue message")
	}
	return &msg, nil
}
