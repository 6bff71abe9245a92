package store

// ConversationStatus is the lifecycle state of a support conversation.
type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationPending  ConversationStatus = "pending"
	ConversationClosed   ConversationStatus = "closed"
	ConversationResolved ConversationStatus = "resolved"
)

// Verification indicates whether the entity has bound a customer identity.
type Verification string

const (
	VerificationPending  Verification = "pending"
	VerificationVerified Verification = "verified"
)

// EntityType distinguishes direct users from customer groups.
type EntityType string

const (
	EntityUser  EntityType = "user"
	EntityGroup EntityType = "group"
)

// Conversation links one external entity (user or group) to one forum topic
// in the support supergroup. (EntityID, EntityType) is unique; TopicID is
// unique while non-nil and only changes through topic-loss recovery.
type Conversation struct {
	ID           int64
	EntityID     int64
	EntityType   EntityType
	TopicID      *int64
	Status       ConversationStatus
	Language     string
	EntityName   string
	CustomID     string
	Verification Verification
	PreBindCount int
	CreatedTs    int64
	UpdatedTs    int64
}

type FindConversation struct {
	ID         *int64
	EntityID   *int64
	EntityType *EntityType
	TopicID    *int64
	Status     *ConversationStatus
}

type UpdateConversation struct {
	ID           int64
	TopicID      *int64
	ClearTopicID bool
	Status       *ConversationStatus
	Language     *string
	EntityName   *string
	CustomID     *string
	Verification *Verification
	PreBindCount *int
}

// BindConversation carries the fields for the atomic bind transaction:
// the binding row flips to used and the conversation becomes verified in a
// single transaction.
type BindConversation struct {
	ConversationID int64
	BindingID      int64
	EntityID       int64
	CustomID       string
}
