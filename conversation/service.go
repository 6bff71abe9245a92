// Package conversation implements the support-desk semantics on top of the
// queue: one forum topic per external entity, two-way relay, identity
// binding, bans and topic-loss recovery.
package conversation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/circuit"
	"github.com/hrygo/deskbridge/fleet"
	"github.com/hrygo/deskbridge/internal/profile"
	"github.com/hrygo/deskbridge/kv"
	"github.com/hrygo/deskbridge/metrics"
	"github.com/hrygo/deskbridge/queue"
	"github.com/hrygo/deskbridge/store"
	"github.com/hrygo/deskbridge/telegram"
)

const (
	entityLockTTL = 30 * time.Second
)

// ErrConversationBusy means another worker holds the entity's lock; the
// message goes back to the queue and is retried.
var ErrConversationBusy = errors.New("conversation: entity is locked by another worker")

// Service is the message processor behind the worker pool.
type Service struct {
	profile *profile.Profile
	store   *store.Store
	fleet   *fleet.Manager
	locker  kv.Locker
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(p *profile.Profile, st *store.Store, fl *fleet.Manager, locker kv.Locker, m *metrics.Metrics) *Service {
	return &Service{
		profile: p,
		store:   st,
		fleet:   fl,
		locker:  locker,
		metrics: m,
		now:     time.Now,
	}
}

// Process handles one dequeued message: operator traffic from the support
// group, customer traffic from everywhere else.
func (s *Service) Process(ctx context.Context, qmsg *queue.Message) error {
	upd, err := telegram.ParseUpdate(bytes.NewReader(qmsg.Payload))
	if err != nil {
		// Unparsable payloads are dropped, not retried.
		return nil
	}
	msg := upd.Msg()
	if msg == nil || msg.Chat == nil {
		return nil
	}

	botID := qmsg.AssignedBot
	if botID == "" {
		best, err := s.fleet.BestBot()
		if err != nil {
			return err
		}
		botID = best.ID
	}

	if msg.Chat.ID == s.profile.SupportGroupID {
		return s.handleOperator(ctx, botID, msg)
	}
	return s.handleInbound(ctx, botID, msg)
}

// entity resolves which external entity a customer-side message belongs to:
// the user in private chats, the chat itself in customer groups.
func (s *Service) entity(msg *telegram.Message) (int64, store.EntityType, string) {
	if msg.Chat.IsGroup() {
		return msg.Chat.ID, store.EntityGroup, msg.Chat.Title
	}
	return msg.From.ID, store.EntityUser, msg.From.DisplayName()
}

// lockEntity serializes processing per entity across workers and instances.
func (s *Service) lockEntity(ctx context.Context, entityType store.EntityType, entityID int64) (func(), error) {
	key := fmt.Sprintf("conv:%s:%d", entityType, entityID)
	token, ok, err := s.locker.Acquire(ctx, key, entityLockTTL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire conversation lock")
	}
	if !ok {
		return nil, ErrConversationBusy
	}
	return func() { _ = s.locker.Release(ctx, key, token) }, nil
}

// call runs one outbound API call through the bot's breaker and records the
// outcome against the fleet.
func (s *Service) call(ctx context.Context, botID string, fn func(ctx context.Context, api telegram.API) error) error {
	api, err := s.fleet.API(botID)
	if err != nil {
		return err
	}
	breaker, err := s.fleet.Breaker(botID)
	if err != nil {
		return err
	}

	if breaker != nil {
		err = breaker.Call(ctx, func(callCtx context.Context) error {
			return fn(callCtx, api)
		})
	} else {
		err = fn(ctx, api)
	}
	s.fleet.RecordRequest(botID)
	s.observe(botID, err)

	if retryAfter, limited := telegram.IsRateLimited(err); limited {
		s.fleet.MarkRateLimited(botID, retryAfter)
	} else if errors.Is(err, circuit.ErrCircuitOpen) {
		// Already accounted by the breaker.
	} else if err != nil && (telegram.IsBreakerFailure(err) || telegram.IsUnauthorized(err)) {
		s.fleet.MarkError(botID, err.Error())
	}
	return err
}

func (s *Service) observe(botID string, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.BotRequests.WithLabelValues(botID, result).Inc()
}

// sendText is the common reply helper.
func (s *Service) sendText(ctx context.Context, botID string, chatID, threadID int64, text string) error {
	return s.call(ctx, botID, func(callCtx context.Context, api telegram.API) error {
		_, err := api.SendMessage(callCtx, telegram.SendMessageParams{
			ChatID:   chatID,
			ThreadID: threadID,
			Text:     text,
		})
		return err
	})
}

// renameTopic pushes the conversation's current state into its topic title.
// Renaming to the name the topic already carries is not an error.
func (s *Service) renameTopic(ctx context.Context, botID string, conv *store.Conversation) {
	if conv.TopicID == nil {
		return
	}
	err := s.call(ctx, botID, func(callCtx context.Context, api telegram.API) error {
		return api.EditForumTopic(callCtx, s.profile.SupportGroupID, *conv.TopicID, TopicName(conv))
	})
	if err != nil {
		// Title drift is cosmetic; the next rename catches up.
		slog.Debug("conversation: topic rename failed",
			slog.Int64("topic", *conv.TopicID), slog.Any("err", err))
	}
}

// recordMessage appends a relay record to the conversation history.
func (s *Service) recordMessage(ctx context.Context, conv *store.Conversation, direction store.MessageDirection, senderID, platformMsgID int64, body string) {
	_, err := s.store.CreateMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Direction:      direction,
		SenderID:       senderID,
		PlatformMsgID:  platformMsgID,
		Body:           body,
	})
	if err != nil {
		// History is best-effort; the relay already happened.
		slog.Warn("conversation: failed to record message",
			slog.Int64("conversation", conv.ID), slog.Any("err", err))
	}
}
