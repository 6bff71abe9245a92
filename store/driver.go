package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)

	CreateBinding(ctx context.Context, create *Binding) (*Binding, error)
	ListBindings(ctx context.Context, find *FindBinding) ([]*Binding, error)
	BindConversation(ctx context.Context, bind *BindConversation) (*Conversation, error)

	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)

	UpsertBlackList(ctx context.Context, upsert *BlackList) (*BlackList, error)
	ListBlackLists(ctx context.Context, find *FindBlackList) ([]*BlackList, error)
	DeleteBlackList(ctx context.Context, userID int64) error
}
