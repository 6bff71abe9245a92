package conversation

import (
	"fmt"

	"github.com/hrygo/deskbridge/store"
)

// Topic name markers. The first position shows the lifecycle state, the
// second whether the customer identity is bound.
const (
	markOpen     = "🟢"
	markPending  = "🟡"
	markClosed   = "🔴"
	markResolved = "✅"

	markUnverified = "🔒"
	markVerified   = "🔗"
)

// TopicName renders the forum topic title for a conversation. The entity id
// stays in the title across the whole lifecycle; binding only flips the
// verification mark.
func TopicName(conv *store.Conversation) string {
	statusMark := markPending
	switch conv.Status {
	case store.ConversationOpen:
		statusMark = markOpen
	case store.ConversationClosed:
		statusMark = markClosed
	case store.ConversationResolved:
		statusMark = markResolved
	}

	verifMark := markUnverified
	if conv.Verification == store.VerificationVerified {
		verifMark = markVerified
	}

	ref := fmt.Sprintf("%d", conv.EntityID)
	name := conv.EntityName
	if name == "" {
		name = ref
	}
	return fmt.Sprintf("%s %s %s (%s)", statusMark, verifMark, name, ref)
}
