package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// LocalQueue is the in-process realization over a max-heap keyed by the same
// composite score the redis form uses. It exists for deployments without
// redis; the interface semantics are identical.
type LocalQueue struct {
	mu         sync.Mutex
	pending    msgHeap
	processing map[string]*inflight
	dead       []*Message
	now        func() time.Time
}

type inflight struct {
	msg   *Message
	since time.Time
}

func NewLocalQueue() *LocalQueue {
	return &LocalQueue{
		processing: make(map[string]*inflight),
		now:        time.Now,
	}
}

func (q *LocalQueue) Enqueue(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = q.now()
	}
	heap.Push(&q.pending, &scored{msg: msg, score: score(msg.Priority, msg.CreatedAt)})
	return nil
}

func (q *LocalQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := q.now().Add(timeout)
	for {
		q.mu.Lock()
		if q.pending.Len() > 0 {
			item := heap.Pop(&q.pending).(*scored)
			q.processing[item.msg.ID] = &inflight{msg: item.msg, since: q.now()}
			q.mu.Unlock()
			return item.msg, nil
		}
		q.mu.Unlock()

		if q.now().Add(dequeuePollInterval).After(deadline) {
			return nil, nil
		}
		timer := time.NewTimer(dequeuePollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *LocalQueue) MarkCompleted(_ context.Context, id string) error {
	q.mu.Lock()
	delete(q.processing, id)
	q.mu.Unlock()
	return nil
}

func (q *LocalQueue) MarkFailed(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	entry, ok := q.processing[id]
	if !ok {
		q.mu.Unlock()
		return false, ErrUnknownMessage
	}
	delete(q.processing, id)

	msg := entry.msg
	msg.RetryCount++
	if msg.RetryCount < MaxRetries {
		msg.CreatedAt = q.now()
		heap.Push(&q.pending, &scored{msg: msg, score: score(msg.Priority, msg.CreatedAt)})
		q.mu.Unlock()
		return true, nil
	}

	q.dead = append([]*Message{msg}, q.dead...)
	if len(q.dead) > deadLetterCap {
		q.dead = q.dead[:deadLetterCap]
	}
	q.mu.Unlock()
	return false, nil
}

func (q *LocalQueue) CleanupStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)

	q.mu.Lock()
	var stale []string
	for id, entry := range q.processing {
		if entry.since.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	q.mu.Unlock()

	swept := 0
	for _, id := range stale {
		if _, err := q.MarkFailed(ctx, id); err == nil {
			swept++
		}
	}
	return swept, nil
}

func (q *LocalQueue) DeadLetters(_ context.Context, limit int) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]*Message, limit)
	copy(out, q.dead[:limit])
	return out, nil
}

func (q *LocalQueue) RequeueDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	for i, msg := range q.dead {
		if msg.ID != id {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		msg.RetryCount = 0
		msg.CreatedAt = q.now()
		heap.Push(&q.pending, &scored{msg: msg, score: score(msg.Priority, msg.CreatedAt)})
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return ErrUnknownMessage
}

func (q *LocalQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:    int64(q.pending.Len()),
		Processing: int64(len(q.processing)),
		Dead:       int64(len(q.dead)),
	}, nil
}

type scored struct {
	msg   *Message
	score float64
}

// msgHeap is a max-heap on the composite score.
type msgHeap []*scored

func (h msgHeap) Len() int           { return len(h) }
func (h msgHeap) Less(i, j int) bool { return h[i].score > h[j].score }
func (h msgHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x any)        { *h = append(*h, x.(*scored)) }
func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
