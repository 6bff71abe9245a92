package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	pendingKey        = "queue:pending"
	processingKey     = "queue:processing"
	processingTimeKey = "queue:processing:times"
	deadKey           = "queue:dead"

	dequeuePollInterval = 100 * time.Millisecond
)

// dequeueScript pops the best pending member and records it as in-flight in
// one atomic step, so a crash between the two cannot lose the message.
var dequeueScript = redis.NewScript(`
local popped = redis.call("ZPOPMAX", KEYS[1])
if #popped == 0 then
	return false
end
local member = popped[1]
local msg = cjson.decode(member)
redis.call("HSET", KEYS[2], msg.id, member)
redis.call("ZADD", KEYS[3], ARGV[1], msg.id)
return member
`)

// takeProcessingScript removes an in-flight entry and returns it, atomically,
// so two sweepers cannot double-fail the same message.
var takeProcessingScript = redis.NewScript(`
local member = redis.call("HGET", KEYS[1], ARGV[1])
if not member then
	return false
end
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return member
`)

// RedisQueue keeps pending messages in a scored zset, in-flight messages in
// a hash plus a by-time zset for the stale sweep, and dead letters in a
// capped list.
type RedisQueue struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, now: time.Now}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = q.now()
	}
	member, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	err = q.client.ZAdd(ctx, pendingKey, redis.Z{
		Score:  score(msg.Priority, msg.CreatedAt),
		Member: member,
	}).Err()
	return errors.Wrap(err, "failed to enqueue message")
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := q.now().Add(timeout)
	for {
		raw, err := dequeueScript.Run(ctx, q.client, []string{pendingKey, processingKey, processingTimeKey},
			q.now().Unix()).Result()
		if err == nil {
			member, ok := raw.(string)
			if !ok {
				return nil, errors.Errorf("unexpected dequeue reply %T", raw)
			}
			msg, err := unmarshalMessage(member)
			if err != nil {
				return nil, err
			}
			return msg, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, errors.Wrap(err, "failed to dequeue message")
		}

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

func (q *RedisQueue) MarkCompleted(ctx context.Context, id string) error {
	_, err := takeProcessingScript.Run(ctx, q.client, []string{processingKey, processingTimeKey}, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil // already gone, completion is idempotent
	}
	return errors.Wrap(err, "failed to complete message")
}

func (q *RedisQueue) MarkFailed(ctx context.Context, id string) (bool, error) {
	raw, err := takeProcessingScript.Run(ctx, q.client, []string{processingKey, processingTimeKey}, id).Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrUnknownMessage
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to take processing message")
	}
	member, ok := raw.(string)
	if !ok {
		return false, errors.Errorf("unexpected processing reply %T", raw)
	}
	msg, err := unmarshalMessage(member)
	if err != nil {
		return false, err
	}

	msg.RetryCount++
	if msg.RetryCount < MaxRetries {
		msg.CreatedAt = q.now()
		return true, q.Enqueue(ctx, msg)
	}
	return false, q.deadLetter(ctx, msg)
}

func (q *RedisQueue) deadLetter(ctx context.Context, msg *Message) error {
	member, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, deadKey, member)
	pipe.LTrim(ctx, deadKey, 0, deadLetterCap-1)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "failed to dead-letter message")
}

func (q *RedisQueue) CleanupStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).Unix()
	ids, err := q.client.ZRangeByScore(ctx, processingTimeKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatInt(cutoff),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to scan stale processing messages")
	}

	swept := 0
	for _, id := range ids {
		if _, err := q.MarkFailed(ctx, id); err != nil {
			if errors.Is(err, ErrUnknownMessage) {
				continue // another instance swept it first
			}
			return swept, err
		}
		swept++
	}
	return swept, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = deadLetterCap
	}
	members, err := q.client.LRange(ctx, deadKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}
	out := make([]*Message, 0, len(members))
	for _, member := range members {
		msg, err := unmarshalMessage(member)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (q *RedisQueue) RequeueDeadLetter(ctx context.Context, id string) error {
	members, err := q.client.LRange(ctx, deadKey, 0, -1).Result()
	if err != nil {
		return errors.Wrap(err, "failed to scan dead letters")
	}
	for _, member := range members {
		msg, err := unmarshalMessage(member)
		if err != nil {
			return err
		}
		if msg.ID != id {
			continue
		}
		if err := q.client.LRem(ctx, deadKey, 1, member).Err(); err != nil {
			return errors.Wrap(err, "failed to remove dead letter")
		}
		msg.RetryCount = 0
		msg.CreatedAt = q.now()
		return q.Enqueue(ctx, msg)
	}
	return ErrUnknownMessage
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, pendingKey)
	processing := pipe.HLen(ctx, processingKey)
	dead := pipe.LLen(ctx, deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, errors.Wrap(err, "failed to collect queue stats")
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
