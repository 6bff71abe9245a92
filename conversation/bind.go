package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/hrygo/deskbridge/store"
	"github.com/hrygo/deskbridge/telegram"
)

const (
	bindUsageText    = "Usage: /bind <customer_id> [password]"
	bindUnknownText  = "❌ Unknown customer id."
	bindPasswordText = "❌ This customer id requires a password: /bind <customer_id> <password>"
	bindWrongPwText  = "❌ Wrong password."
	bindConflictText = "❌ This customer id is already bound to another conversation."
	bindOKText       = "✅ Identity verified. You are now bound to customer id %s."
)

// handleBind claims a binding code for the entity. Re-binding the same code
// by the same entity acknowledges success instead of failing, so a retried
// command is harmless.
func (s *Service) handleBind(ctx context.Context, botID string, msg *telegram.Message, entityID int64, entityType store.EntityType, entityName string) error {
	args := msg.CommandArgs()
	if len(args) == 0 {
		return s.sendText(ctx, botID, msg.Chat.ID, 0, bindUsageText)
	}
	customID := args[0]

	binding, err := s.store.GetBindingByCustomID(ctx, customID)
	if err != nil {
		return err
	}
	if binding == nil {
		return s.sendText(ctx, botID, msg.Chat.ID, 0, bindUnknownText)
	}

	if binding.State == store.BindingUsed {
		if binding.UsedByEntity != nil && *binding.UsedByEntity == entityID {
			return s.sendText(ctx, botID, msg.Chat.ID, 0, fmt.Sprintf(bindOKText, customID))
		}
		return s.sendText(ctx, botID, msg.Chat.ID, 0, bindConflictText)
	}

	if binding.PasswordHash != nil {
		if len(args) < 2 {
			return s.sendText(ctx, botID, msg.Chat.ID, 0, bindPasswordText)
		}
		if bcrypt.CompareHashAndPassword([]byte(*binding.PasswordHash), []byte(args[1])) != nil {
			return s.sendText(ctx, botID, msg.Chat.ID, 0, bindWrongPwText)
		}
	}

	conv, err := s.store.GetConversationByEntity(ctx, entityID, entityType)
	if err != nil {
		return err
	}
	if conv == nil {
		if conv, err = s.createConversation(ctx, botID, entityID, entityType, entityName); err != nil {
			return err
		}
	}

	bound, err := s.store.BindConversation(ctx, &store.BindConversation{
		ConversationID: conv.ID,
		BindingID:      binding.ID,
		EntityID:       entityID,
		CustomID:       customID,
	})
	if errors.Is(err, store.ErrBindingConflict) {
		return s.sendText(ctx, botID, msg.Chat.ID, 0, bindConflictText)
	}
	if err != nil {
		return err
	}

	// Verification lifts the pre-bind cap and reopens a capped conversation.
	status := store.ConversationOpen
	zero := 0
	bound, err = s.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:           bound.ID,
		Status:       &status,
		PreBindCount: &zero,
	})
	if err != nil {
		return err
	}
	s.renameTopic(ctx, botID, bound)

	slog.Info("conversation: identity bound",
		slog.Int64("entity", entityID), slog.String("custom_id", customID))

	if bound.TopicID != nil {
		_ = s.sendText(ctx, botID, s.profile.SupportGroupID, *bound.TopicID,
			fmt.Sprintf("🔗 Bound to customer id %s.", customID))
	}
	return s.sendText(ctx, botID, msg.Chat.ID, 0, fmt.Sprintf(bindOKText, customID))
}
