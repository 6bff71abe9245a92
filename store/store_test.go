package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deskbridge/internal/profile"
	"github.com/hrygo/deskbridge/store"
	"github.com/hrygo/deskbridge/store/db/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "deskbridge_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)

	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func int64Ptr(v int64) *int64 { return &v }

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	created, err := st.CreateConversation(ctx, &store.Conversation{
		EntityID:     555,
		EntityType:   store.EntityUser,
		TopicID:      int64Ptr(42),
		Status:       store.ConversationPending,
		EntityName:   "A",
		Verification: store.VerificationPending,
	})
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	byEntity, err := st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)
	require.NotNil(t, byEntity)
	assert.Equal(t, created.ID, byEntity.ID)

	byTopic, err := st.GetConversationByTopic(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, byTopic)
	assert.Equal(t, created.ID, byTopic.ID)

	missing, err := st.GetConversationByEntity(ctx, 556, store.EntityUser)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestConversationEntityUniqueness(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.CreateConversation(ctx, &store.Conversation{
		EntityID:     1,
		EntityType:   store.EntityUser,
		Status:       store.ConversationPending,
		Verification: store.VerificationPending,
	})
	require.NoError(t, err)

	_, err = st.CreateConversation(ctx, &store.Conversation{
		EntityID:     1,
		EntityType:   store.EntityUser,
		Status:       store.ConversationPending,
		Verification: store.VerificationPending,
	})
	assert.Error(t, err, "duplicate (entity_id, entity_type) must be rejected")

	// The same id with a different entity type is a distinct conversation.
	_, err = st.CreateConversation(ctx, &store.Conversation{
		EntityID:     1,
		EntityType:   store.EntityGroup,
		Status:       store.ConversationPending,
		Verification: store.VerificationPending,
	})
	assert.NoError(t, err)
}

func TestConversationTopicChange(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	created, err := st.CreateConversation(ctx, &store.Conversation{
		EntityID:     7,
		EntityType:   store.EntityUser,
		TopicID:      int64Ptr(100),
		Status:       store.ConversationOpen,
		Verification: store.VerificationPending,
	})
	require.NoError(t, err)

	// Prime the topic cache, then move the conversation to a new topic.
	_, err = st.GetConversationByTopic(ctx, 100)
	require.NoError(t, err)

	updated, err := st.UpdateConversation(ctx, &store.UpdateConversation{
		ID:      created.ID,
		TopicID: int64Ptr(200),
	})
	require.NoError(t, err)
	require.NotNil(t, updated.TopicID)
	assert.Equal(t, int64(200), *updated.TopicID)

	stale, err := st.GetConversationByTopic(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, stale, "old topic lookup must not serve the cached row")

	fresh, err := st.GetConversationByTopic(ctx, 200)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, created.ID, fresh.ID)
}

func TestConversationClearTopic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	created, err := st.CreateConversation(ctx, &store.Conversation{
		EntityID:     8,
		EntityType:   store.EntityUser,
		TopicID:      int64Ptr(300),
		Status:       store.ConversationOpen,
		Verification: store.VerificationPending,
	})
	require.NoError(t, err)

	status := store.ConversationPending
	updated, err := st.UpdateConversation(ctx, &store.UpdateConversation{
		ID:           created.ID,
		ClearTopicID: true,
		Status:       &status,
	})
	require.NoError(t, err)
	assert.Nil(t, updated.TopicID)
	assert.Equal(t, store.ConversationPending, updated.Status)
}

func TestBindConversation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	conv, err := st.CreateConversation(ctx, &store.Conversation{
		EntityID:     555,
		EntityType:   store.EntityUser,
		Status:       store.ConversationPending,
		Verification: store.VerificationPending,
		PreBindCount: 4,
	})
	require.NoError(t, err)

	binding, err := st.CreateBinding(ctx, &store.Binding{CustomID: "CUST-001"})
	require.NoError(t, err)
	require.NotZero(t, binding.ID)

	bound, err := st.BindConversation(ctx, &store.BindConversation{
		ConversationID: conv.ID,
		BindingID:      binding.ID,
		EntityID:       555,
		CustomID:       "CUST-001",
	})
	require.NoError(t, err)
	assert.Equal(t, store.VerificationVerified, bound.Verification)
	assert.Equal(t, "CUST-001", bound.CustomID)
	assert.Zero(t, bound.PreBindCount)

	got, err := st.GetBindingByCustomID(ctx, "CUST-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, store.BindingUsed, got.State)
	require.NotNil(t, got.UsedByEntity)
	assert.Equal(t, int64(555), *got.UsedByEntity)
}

func TestBindConversationConflict(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first, err := st.CreateConversation(ctx, &store.Conversation{
		EntityID:     1,
		EntityType:   store.EntityUser,
		Status:       store.ConversationPending,
		Verification: store.VerificationPending,
	})
	require.NoError(t, err)
	second, err := st.CreateConversation(ctx, &store.Conversation{
		EntityID:     2,
		EntityType:   store.EntityUser,
		Status:       store.ConversationPending,
		Verification: store.VerificationPending,
	})
	require.NoError(t, err)

	binding, err := st.CreateBinding(ctx, &store.Binding{CustomID: "CUST-002"})
	require.NoError(t, err)

	_, err = st.BindConversation(ctx, &store.BindConversation{
		ConversationID: first.ID,
		BindingID:      binding.ID,
		EntityID:       1,
		CustomID:       "CUST-002",
	})
	require.NoError(t, err)

	// A different entity cannot claim a used binding.
	_, err = st.BindConversation(ctx, &store.BindConversation{
		ConversationID: second.ID,
		BindingID:      binding.ID,
		EntityID:       2,
		CustomID:       "CUST-002",
	})
	assert.ErrorIs(t, err, store.ErrBindingConflict)

	// The owning entity may re-run the bind.
	_, err = st.BindConversation(ctx, &store.BindConversation{
		ConversationID: first.ID,
		BindingID:      binding.ID,
		EntityID:       1,
		CustomID:       "CUST-002",
	})
	assert.NoError(t, err)
}

func TestMessages(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	conv, err := st.CreateConversation(ctx, &store.Conversation{
		EntityID:     9,
		EntityType:   store.EntityUser,
		Status:       store.ConversationOpen,
		Verification: store.VerificationPending,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := st.CreateMessage(ctx, &store.Message{
			ConversationID: conv.ID,
			Direction:      store.MessageIn,
			SenderID:       9,
			PlatformMsgID:  int64(1000 + i),
			Body:           "hello",
		})
		require.NoError(t, err)
	}
	_, err = st.CreateMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Direction:      store.MessageOut,
		SenderID:       77,
		Body:           "reply",
	})
	require.NoError(t, err)

	all, err := st.ListMessages(ctx, &store.FindMessage{ConversationID: &conv.ID})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	in := store.MessageIn
	inbound, err := st.ListMessages(ctx, &store.FindMessage{ConversationID: &conv.ID, Direction: &in})
	require.NoError(t, err)
	assert.Len(t, inbound, 3)

	limit := 2
	limited, err := st.ListMessages(ctx, &store.FindMessage{ConversationID: &conv.ID, Limit: &limit})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestBanLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	banned, err := st.IsBanned(ctx, 42)
	require.NoError(t, err)
	assert.False(t, banned)

	// The write must invalidate the cached negative verdict.
	_, err = st.UpsertBlackList(ctx, &store.BlackList{UserID: 42, Reason: "spam"})
	require.NoError(t, err)

	banned, err = st.IsBanned(ctx, 42)
	require.NoError(t, err)
	assert.True(t, banned)

	require.NoError(t, st.DeleteBlackList(ctx, 42))
	banned, err = st.IsBanned(ctx, 42)
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestBanExpiry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	expired := time.Now().Add(-time.Hour).Unix()
	_, err := st.UpsertBlackList(ctx, &store.BlackList{UserID: 43, ExpiresTs: &expired})
	require.NoError(t, err)

	banned, err := st.IsBanned(ctx, 43)
	require.NoError(t, err)
	assert.False(t, banned, "expired ban must not count")

	future := time.Now().Add(time.Hour).Unix()
	_, err = st.UpsertBlackList(ctx, &store.BlackList{UserID: 43, ExpiresTs: &future})
	require.NoError(t, err)

	banned, err = st.IsBanned(ctx, 43)
	require.NoError(t, err)
	assert.True(t, banned)
}
