package store

// MessageDirection marks relay direction relative to the support desk.
type MessageDirection string

const (
	MessageIn  MessageDirection = "in"
	MessageOut MessageDirection = "out"
)

// Message is one relayed message in a conversation's history. Rows are
// append-only.
type Message struct {
	ID             int64
	ConversationID int64
	Direction      MessageDirection
	SenderID       int64
	PlatformMsgID  int64
	Body           string
	CreatedTs      int64
}

type FindMessage struct {
	ConversationID *int64
	Direction      *MessageDirection
	SinceTs        *int64
	Limit          *int
}
