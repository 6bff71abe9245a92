package conversation

import (
	"context"
	"log/slog"

	"github.com/hrygo/deskbridge/store"
	"github.com/hrygo/deskbridge/telegram"
)

const (
	welcomeText = "👋 Welcome to support. Just type your question and an operator will answer here.\n" +
		"If you have a customer id, bind it with /bind <id> [password]."
	helpText = "Commands:\n" +
		"/bind <id> [password] — link your customer identity\n" +
		"/help — this message"
	capReachedText = "⛔ This conversation reached the unverified message limit. " +
		"Bind your customer id with /bind <id> [password] to continue."
	closedReopenText  = "🟢 Conversation reopened."
	recoveryNoticeTxt = "♻️ The previous topic was deleted; history continues here."
)

// handleInbound processes one customer-side message under the entity lock.
func (s *Service) handleInbound(ctx context.Context, botID string, msg *telegram.Message) error {
	if !msg.Chat.IsGroup() && msg.From == nil {
		return nil
	}
	entityID, entityType, entityName := s.entity(msg)

	if entityType == store.EntityUser {
		banned, err := s.store.IsBanned(ctx, entityID)
		if err != nil {
			return err
		}
		if banned {
			// Banned users are dropped silently.
			return nil
		}
	}

	unlock, err := s.lockEntity(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	defer unlock()

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			return s.sendText(ctx, botID, msg.Chat.ID, 0, welcomeText)
		case "help":
			return s.sendText(ctx, botID, msg.Chat.ID, 0, helpText)
		case "bind":
			return s.handleBind(ctx, botID, msg, entityID, entityType, entityName)
		}
		// Unknown commands relay like plain text.
	}
	return s.relayInbound(ctx, botID, msg, entityID, entityType, entityName)
}

// relayInbound copies the customer's message into the conversation's topic,
// creating or reopening the conversation as needed.
func (s *Service) relayInbound(ctx context.Context, botID string, msg *telegram.Message, entityID int64, entityType store.EntityType, entityName string) error {
	conv, err := s.store.GetConversationByEntity(ctx, entityID, entityType)
	if err != nil {
		return err
	}
	if conv == nil {
		if conv, err = s.createConversation(ctx, botID, entityID, entityType, entityName); err != nil {
			return err
		}
	}

	if conv.Verification == store.VerificationPending {
		conv, err = s.applyPreBindCap(ctx, botID, conv, msg)
		if err != nil || conv == nil {
			return err
		}
	} else if conv.Status == store.ConversationClosed || conv.Status == store.ConversationResolved {
		if conv, err = s.reopen(ctx, botID, conv); err != nil {
			return err
		}
	}

	if conv.TopicID == nil {
		if conv, err = s.rebuildTopic(ctx, botID, conv); err != nil {
			return err
		}
	}

	copied, err := s.copyToTopic(ctx, botID, msg, conv)
	if telegram.IsTopicDeleted(err) {
		// The operator deleted the topic out from under us: rebuild once and
		// retry the relay.
		if conv, err = s.recoverDeletedTopic(ctx, botID, conv); err != nil {
			return err
		}
		copied, err = s.copyToTopic(ctx, botID, msg, conv)
	}
	if err != nil {
		return err
	}

	senderID := entityID
	if msg.From != nil {
		senderID = msg.From.ID
	}
	s.recordMessage(ctx, conv, store.MessageIn, senderID, copied, msg.Body())
	return nil
}

// createConversation provisions the forum topic and the row for a first
// contact.
func (s *Service) createConversation(ctx context.Context, botID string, entityID int64, entityType store.EntityType, entityName string) (*store.Conversation, error) {
	conv := &store.Conversation{
		EntityID:     entityID,
		EntityType:   entityType,
		Status:       store.ConversationOpen,
		EntityName:   entityName,
		Verification: store.VerificationPending,
	}

	var topicID int64
	err := s.call(ctx, botID, func(callCtx context.Context, api telegram.API) error {
		var callErr error
		topicID, callErr = api.CreateForumTopic(callCtx, s.profile.SupportGroupID, TopicName(conv))
		return callErr
	})
	if err != nil {
		return nil, err
	}
	conv.TopicID = &topicID

	created, err := s.store.CreateConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	slog.Info("conversation: created",
		slog.Int64("entity", entityID),
		slog.String("type", string(entityType)),
		slog.Int64("topic", topicID))
	return created, nil
}

// applyPreBindCap enforces the unverified message budget: every inbound
// message counts, and the one that reaches the limit still relays but closes
// the conversation and tells the entity right away. Returns a nil
// conversation when the message must be dropped.
func (s *Service) applyPreBindCap(ctx context.Context, botID string, conv *store.Conversation, msg *telegram.Message) (*store.Conversation, error) {
	if conv.PreBindCount >= s.profile.PreBindLimit {
		// The count stays at the cap so the conversation does not silently
		// reopen; only a successful /bind resets it.
		_ = s.sendText(ctx, botID, msg.Chat.ID, 0, capReachedText)
		return nil, nil
	}

	count := conv.PreBindCount + 1
	update := &store.UpdateConversation{ID: conv.ID, PreBindCount: &count}
	switch {
	case count >= s.profile.PreBindLimit:
		status := store.ConversationClosed
		update.Status = &status
	case conv.Status == store.ConversationClosed || conv.Status == store.ConversationResolved:
		status := store.ConversationOpen
		update.Status = &status
	}
	updated, err := s.store.UpdateConversation(ctx, update)
	if err != nil {
		return nil, err
	}
	if update.Status != nil {
		s.renameTopic(ctx, botID, updated)
	}
	if count >= s.profile.PreBindLimit {
		_ = s.sendText(ctx, botID, msg.Chat.ID, 0, capReachedText)
	}
	return updated, nil
}

// reopen flips a closed verified conversation back to open on new traffic.
func (s *Service) reopen(ctx context.Context, botID string, conv *store.Conversation) (*store.Conversation, error) {
	status := store.ConversationOpen
	updated, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:     conv.ID,
		Status: &status,
	})
	if err != nil {
		return nil, err
	}
	s.renameTopic(ctx, botID, updated)
	return updated, nil
}

// rebuildTopic creates a fresh topic for a conversation whose topic is gone
// and posts a continuity notice into it.
func (s *Service) rebuildTopic(ctx context.Context, botID string, conv *store.Conversation) (*store.Conversation, error) {
	var topicID int64
	err := s.call(ctx, botID, func(callCtx context.Context, api telegram.API) error {
		var callErr error
		topicID, callErr = api.CreateForumTopic(callCtx, s.profile.SupportGroupID, TopicName(conv))
		return callErr
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:      conv.ID,
		TopicID: &topicID,
	})
	if err != nil {
		return nil, err
	}
	_ = s.sendText(ctx, botID, s.profile.SupportGroupID, topicID, recoveryNoticeTxt)
	slog.Warn("conversation: topic rebuilt",
		slog.Int64("conversation", conv.ID), slog.Int64("topic", topicID))
	return updated, nil
}

// recoverDeletedTopic clears the stale topic reference and rebuilds.
func (s *Service) recoverDeletedTopic(ctx context.Context, botID string, conv *store.Conversation) (*store.Conversation, error) {
	cleared, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:           conv.ID,
		ClearTopicID: true,
	})
	if err != nil {
		return nil, err
	}
	return s.rebuildTopic(ctx, botID, cleared)
}

func (s *Service) copyToTopic(ctx context.Context, botID string, msg *telegram.Message, conv *store.Conversation) (int64, error) {
	var copied int64
	err := s.call(ctx, botID, func(callCtx context.Context, api telegram.API) error {
		var callErr error
		copied, callErr = api.CopyMessage(callCtx, telegram.CopyMessageParams{
			FromChatID: msg.Chat.ID,
			MessageID:  msg.MessageID,
			ToChatID:   s.profile.SupportGroupID,
			ThreadID:   *conv.TopicID,
		})
		return callErr
	})
	return copied, err
}
