package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hrygo/deskbridge/store"
	"github.com/hrygo/deskbridge/telegram"
)

// handleOperator processes a message posted inside the support group.
// Messages outside any topic have no conversation and are ignored.
func (s *Service) handleOperator(ctx context.Context, botID string, msg *telegram.Message) error {
	if msg.MessageThreadID == 0 {
		return nil
	}
	conv, err := s.store.GetConversationByTopic(ctx, msg.MessageThreadID)
	if err != nil {
		return err
	}
	if conv == nil {
		// A topic the broker does not own.
		return nil
	}

	unlock, err := s.lockEntity(ctx, conv.EntityType, conv.EntityID)
	if err != nil {
		return err
	}
	defer unlock()

	if msg.IsCommand() {
		switch msg.Command() {
		case "close":
			return s.closeConversation(ctx, botID, conv)
		case "ban":
			return s.banEntity(ctx, botID, conv, msg)
		case "unban":
			return s.unbanEntity(ctx, botID, conv)
		case "unbind":
			return s.unbindConversation(ctx, botID, conv)
		}
		// Unknown commands relay to the customer like any reply.
	}
	return s.relayOutbound(ctx, botID, conv, msg)
}

// closeConversation ends the conversation and resets the pre-bind budget so
// an operator-closed unverified customer may write again.
func (s *Service) closeConversation(ctx context.Context, botID string, conv *store.Conversation) error {
	status := store.ConversationClosed
	zero := 0
	updated, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:           conv.ID,
		Status:       &status,
		PreBindCount: &zero,
	})
	if err != nil {
		return err
	}
	s.renameTopic(ctx, botID, updated)

	_ = s.sendText(ctx, botID, conv.EntityID, 0,
		"🔴 This conversation was closed by support. Writing again will reopen it.")
	return s.topicAck(ctx, botID, updated, "Conversation closed.")
}

// banEntity blocks the customer. An optional argument limits the ban to that
// many hours; no argument means permanent.
func (s *Service) banEntity(ctx context.Context, botID string, conv *store.Conversation, msg *telegram.Message) error {
	ban := &store.BlackList{UserID: conv.EntityID, Reason: "banned by operator"}
	ack := "User banned permanently."

	if args := msg.CommandArgs(); len(args) > 0 {
		hours, err := strconv.Atoi(args[0])
		if err != nil || hours <= 0 {
			return s.topicAck(ctx, botID, conv, "Usage: /ban [hours]")
		}
		expires := s.now().Add(time.Duration(hours) * time.Hour).Unix()
		ban.ExpiresTs = &expires
		ack = fmt.Sprintf("User banned for %d hours.", hours)
	}

	if _, err := s.store.UpsertBlackList(ctx, ban); err != nil {
		return err
	}
	slog.Info("conversation: entity banned", slog.Int64("entity", conv.EntityID))
	return s.topicAck(ctx, botID, conv, ack)
}

func (s *Service) unbanEntity(ctx context.Context, botID string, conv *store.Conversation) error {
	if err := s.store.DeleteBlackList(ctx, conv.EntityID); err != nil {
		return err
	}
	slog.Info("conversation: entity unbanned", slog.Int64("entity", conv.EntityID))
	return s.topicAck(ctx, botID, conv, "User unbanned.")
}

// unbindConversation detaches the customer identity; the conversation drops
// back to unverified with a fresh pre-bind budget.
func (s *Service) unbindConversation(ctx context.Context, botID string, conv *store.Conversation) error {
	if conv.Verification != store.VerificationVerified {
		return s.topicAck(ctx, botID, conv, "Conversation is not bound.")
	}

	verification := store.VerificationPending
	empty := ""
	zero := 0
	updated, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:           conv.ID,
		Verification: &verification,
		CustomID:     &empty,
		PreBindCount: &zero,
	})
	if err != nil {
		return err
	}
	s.renameTopic(ctx, botID, updated)
	slog.Info("conversation: identity unbound", slog.Int64("entity", conv.EntityID))
	return s.topicAck(ctx, botID, updated, "Identity unbound.")
}

// relayOutbound copies the operator's reply to the customer.
func (s *Service) relayOutbound(ctx context.Context, botID string, conv *store.Conversation, msg *telegram.Message) error {
	var copied int64
	err := s.call(ctx, botID, func(callCtx context.Context, api telegram.API) error {
		var callErr error
		copied, callErr = api.CopyMessage(callCtx, telegram.CopyMessageParams{
			FromChatID: s.profile.SupportGroupID,
			MessageID:  msg.MessageID,
			ToChatID:   conv.EntityID,
		})
		return callErr
	})
	if err != nil {
		return err
	}

	// An operator reply revives a pending conversation.
	if conv.Status == store.ConversationPending {
		status := store.ConversationOpen
		if updated, uerr := s.store.UpdateConversation(ctx, &store.UpdateConversation{
			ID:     conv.ID,
			Status: &status,
		}); uerr == nil {
			s.renameTopic(ctx, botID, updated)
			conv = updated
		}
	}

	senderID := int64(0)
	if msg.From != nil {
		senderID = msg.From.ID
	}
	s.recordMessage(ctx, conv, store.MessageOut, senderID, copied, msg.Body())
	return nil
}

// topicAck posts a short confirmation into the conversation's topic.
func (s *Service) topicAck(ctx context.Context, botID string, conv *store.Conversation, text string) error {
	if conv.TopicID == nil {
		return nil
	}
	return s.sendText(ctx, botID, s.profile.SupportGroupID, *conv.TopicID, text)
}
