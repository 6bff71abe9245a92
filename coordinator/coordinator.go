// Package coordinator is the broker's admission pipeline. Every inbound
// update passes through exactly once: deduplication, rate limiting, priority
// classification, bot assignment and enqueueing. A worker pool drains the
// queue and hands messages to the conversation layer.
package coordinator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/kv"
	"github.com/hrygo/deskbridge/metrics"
	"github.com/hrygo/deskbridge/queue"
	"github.com/hrygo/deskbridge/ratelimit"
	"github.com/hrygo/deskbridge/telegram"
)

const (
	dedupKeyPrefix = "msg:"
	dedupTTL       = 60 * time.Second
)

// OutcomeKind labels what the pipeline did with an update.
type OutcomeKind string

const (
	OutcomeAccepted    OutcomeKind = "accepted"
	OutcomeDuplicate   OutcomeKind = "duplicate"
	OutcomeRateLimited OutcomeKind = "rate_limited"
	OutcomeRejected    OutcomeKind = "rejected"
)

// Outcome reports the pipeline's decision for one update.
type Outcome struct {
	Kind      OutcomeKind
	MessageID string
	Priority  queue.Priority
	Bot       string
	RateLimit *ratelimit.Result
}

// Notifier tells a user their message was rate limited. Implementations
// throttle themselves; the coordinator calls on every denial.
type Notifier interface {
	NotifyRateLimited(ctx context.Context, userID, chatID int64, res *ratelimit.Result)
}

type Config struct {
	// SupportGroupID is the operator group; its traffic skips admission.
	SupportGroupID int64
	// IsAdmin classifies users into the admin rate-limit group.
	IsAdmin func(userID int64) bool
}

// Coordinator runs the admission pipeline.
type Coordinator struct {
	cfg      Config
	kv       kv.Store
	limiter  *ratelimit.Engine
	balancer *Balancer
	queue    queue.Queue
	metrics  *metrics.Metrics
	notifier Notifier
}

func New(cfg Config, store kv.Store, limiter *ratelimit.Engine, balancer *Balancer, q queue.Queue, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		kv:       store,
		limiter:  limiter,
		balancer: balancer,
		queue:    q,
		metrics:  m,
	}
}

// SetNotifier wires the rate-limit notifier. Optional; nil means silent
// denials.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// MessageID derives the stable identity of an update. The same update
// delivered twice (webhook retries, double-POSTs) maps to the same id.
func MessageID(updateID, chatID int64) string {
	sum := md5.Sum([]byte(strconv.FormatInt(updateID, 10) + ":" + strconv.FormatInt(chatID, 10)))
	return hex.EncodeToString(sum[:])[:16]
}

// Coordinate admits one update. The dedup lock is released only when the
// update failed before reaching the queue, so a webhook retry can succeed;
// deliberate denials keep the lock.
func (c *Coordinator) Coordinate(ctx context.Context, upd *telegram.Update, raw json.RawMessage) (Outcome, error) {
	msg := upd.Msg()
	if msg == nil || msg.Chat == nil {
		c.count(OutcomeRejected)
		return Outcome{Kind: OutcomeRejected}, errors.Wrap(telegram.ErrInvalidUpdate, "update without chat")
	}

	id := MessageID(upd.UpdateID, msg.Chat.ID)
	out := Outcome{MessageID: id}

	fresh, err := c.kv.SetNX(ctx, dedupKeyPrefix+id, "1", dedupTTL)
	if err != nil {
		return out, errors.Wrap(err, "failed to acquire dedup lock")
	}
	if !fresh {
		out.Kind = OutcomeDuplicate
		c.count(OutcomeDuplicate)
		return out, nil
	}

	if res := c.admit(ctx, msg); res != nil && !res.Allowed {
		out.Kind = OutcomeRateLimited
		out.RateLimit = res
		c.count(OutcomeRateLimited)
		if c.notifier != nil && msg.From != nil {
			c.notifier.NotifyRateLimited(ctx, msg.From.ID, msg.Chat.ID, res)
		}
		return out, nil
	}

	out.Priority = c.classify(msg)

	queued := &queue.Message{
		ID:       id,
		UpdateID: upd.UpdateID,
		ChatID:   msg.Chat.ID,
		ChatType: msg.Chat.Type,
		Priority: out.Priority,
		Payload:  raw,
	}
	if msg.From != nil {
		queued.UserID = msg.From.ID
	}

	bot, err := c.balancer.SelectBot(ctx, queued)
	if err != nil {
		c.releaseDedup(ctx, id)
		out.Kind = OutcomeRejected
		c.count(OutcomeRejected)
		return out, err
	}
	queued.AssignedBot = bot
	out.Bot = bot

	if err := c.queue.Enqueue(ctx, queued); err != nil {
		c.releaseDedup(ctx, id)
		out.Kind = OutcomeRejected
		c.count(OutcomeRejected)
		return out, err
	}

	out.Kind = OutcomeAccepted
	c.count(OutcomeAccepted)
	return out, nil
}

// admit runs the rate-limit check. Operator-group traffic and messages
// without a sender skip it; engine errors fail open.
func (c *Coordinator) admit(ctx context.Context, msg *telegram.Message) *ratelimit.Result {
	if msg.Chat.ID == c.cfg.SupportGroupID || msg.From == nil {
		return nil
	}

	action := ratelimit.ActionMessage
	if msg.IsCommand() {
		action = ratelimit.ActionCommand
	}
	group := ratelimit.GroupUser
	if c.cfg.IsAdmin != nil && c.cfg.IsAdmin(msg.From.ID) {
		group = ratelimit.GroupAdmin
	}

	res, err := c.limiter.Check(ctx, strconv.FormatInt(msg.From.ID, 10), action, group, 1)
	if err != nil {
		slog.Warn("coordinator: rate limit check failed, allowing",
			slog.Int64("user", msg.From.ID), slog.Any("err", err))
		return nil
	}
	c.countDecision(res)
	return res
}

// classify picks the queue priority: operator and admin traffic first,
// private conversations next, group chatter last.
func (c *Coordinator) classify(msg *telegram.Message) queue.Priority {
	switch {
	case msg.Chat.ID == c.cfg.SupportGroupID:
		return queue.PriorityHigh
	case msg.From != nil && c.cfg.IsAdmin != nil && c.cfg.IsAdmin(msg.From.ID):
		return queue.PriorityHigh
	case msg.Chat.IsPrivate():
		return queue.PriorityNormal
	default:
		return queue.PriorityLow
	}
}

func (c *Coordinator) releaseDedup(ctx context.Context, id string) {
	if err := c.kv.Del(ctx, dedupKeyPrefix+id); err != nil {
		slog.Warn("coordinator: failed to release dedup lock",
			slog.String("msg", id), slog.Any("err", err))
	}
}

func (c *Coordinator) count(kind OutcomeKind) {
	if c.metrics != nil {
		c.metrics.CoordinationsTotal.WithLabelValues(string(kind)).Inc()
	}
}

func (c *Coordinator) countDecision(res *ratelimit.Result) {
	if c.metrics == nil || res == nil {
		return
	}
	verdict := "allowed"
	if !res.Allowed {
		verdict = "denied"
	}
	c.metrics.RateLimitDecisions.WithLabelValues(res.Rule, verdict).Inc()
}
