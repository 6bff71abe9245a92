package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/internal/profile"
	"github.com/hrygo/deskbridge/store/cache"
)

// ErrBindingConflict is returned when a binding code is already claimed by a
// different entity.
var ErrBindingConflict = errors.New("binding already used by another entity")

// Ban cache TTLs. A positive verdict is cached longer because bans change
// rarely; a negative verdict expires quickly so fresh bans take effect.
const (
	banCacheTTL       = 300 * time.Second
	notBannedCacheTTL = 60 * time.Second
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	cacheConfig cache.Config

	conversationCache *cache.Cache // conv_entity:<type>:<id>, conv_topic:<id>
	bindingCache      *cache.Cache // binding_id:<custom_id>
	banCache          *cache.Cache // user_banned:<id>
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	cacheConfig := cache.Config{
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: 5 * time.Minute,
		MaxItems:        1000,
		OnEviction:      nil,
	}

	return &Store{
		driver:            driver,
		profile:           profile,
		cacheConfig:       cacheConfig,
		conversationCache: cache.New(cacheConfig),
		bindingCache:      cache.New(cacheConfig),
		banCache:          cache.New(cacheConfig),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.GetDB().PingContext(ctx)
}

func (s *Store) Close() error {
	s.conversationCache.Close()
	s.bindingCache.Close()
	s.banCache.Close()

	return s.driver.Close()
}

// CacheStats exposes per-cache counters for metrics collection.
func (s *Store) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"conversation": s.conversationCache.Stats(),
		"binding":      s.bindingCache.Stats(),
		"ban":          s.banCache.Stats(),
	}
}

func entityCacheKey(entityType EntityType, entityID int64) string {
	return fmt.Sprintf("conv_entity:%s:%d", entityType, entityID)
}

func topicCacheKey(topicID int64) string {
	return fmt.Sprintf("conv_topic:%d", topicID)
}

func bindingCacheKey(customID string) string {
	return fmt.Sprintf("binding_id:%s", customID)
}

func banCacheKey(userID int64) string {
	return fmt.Sprintf("user_banned:%d", userID)
}

// invalidateConversation drops every cache key that may reference the row.
func (s *Store) invalidateConversation(conv *Conversation) {
	if conv == nil {
		return
	}
	s.conversationCache.Delete(entityCacheKey(conv.EntityType, conv.EntityID))
	if conv.TopicID != nil {
		s.conversationCache.Delete(topicCacheKey(*conv.TopicID))
	}
}

func (s *Store) CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	conv, err := s.driver.CreateConversation(ctx, create)
	if err != nil {
		return nil, err
	}
	s.invalidateConversation(conv)
	return conv, nil
}

func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

// GetConversationByEntity returns the conversation for an entity, or nil when
// none exists.
func (s *Store) GetConversationByEntity(ctx context.Context, entityID int64, entityType EntityType) (*Conversation, error) {
	key := entityCacheKey(entityType, entityID)
	if v, ok := s.conversationCache.Get(key); ok {
		if conv, ok := v.(*Conversation); ok {
			return conv, nil
		}
	}

	list, err := s.driver.ListConversations(ctx, &FindConversation{EntityID: &entityID, EntityType: &entityType})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}

	conv := list[0]
	s.conversationCache.Set(key, conv)
	if conv.TopicID != nil {
		s.conversationCache.Set(topicCacheKey(*conv.TopicID), conv)
	}
	return conv, nil
}

// GetConversationByTopic returns the conversation bound to a forum topic, or
// nil when the topic is unknown.
func (s *Store) GetConversationByTopic(ctx context.Context, topicID int64) (*Conversation, error) {
	key := topicCacheKey(topicID)
	if v, ok := s.conversationCache.Get(key); ok {
		if conv, ok := v.(*Conversation); ok {
			return conv, nil
		}
	}

	list, err := s.driver.ListConversations(ctx, &FindConversation{TopicID: &topicID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}

	conv := list[0]
	s.conversationCache.Set(key, conv)
	s.conversationCache.Set(entityCacheKey(conv.EntityType, conv.EntityID), conv)
	return conv, nil
}

// UpdateConversation applies the update and invalidates both the old and new
// cache keys. Invalidation happens strictly after the write.
func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	before, err := s.driver.ListConversations(ctx, &FindConversation{ID: &update.ID})
	if err != nil {
		return nil, err
	}

	conv, err := s.driver.UpdateConversation(ctx, update)
	if err != nil {
		return nil, err
	}

	if len(before) > 0 {
		s.invalidateConversation(before[0])
	}
	s.invalidateConversation(conv)
	return conv, nil
}

func (s *Store) CreateBinding(ctx context.Context, create *Binding) (*Binding, error) {
	binding, err := s.driver.CreateBinding(ctx, create)
	if err != nil {
		return nil, err
	}
	s.bindingCache.Delete(bindingCacheKey(binding.CustomID))
	return binding, nil
}

func (s *Store) ListBindings(ctx context.Context, find *FindBinding) ([]*Binding, error) {
	return s.driver.ListBindings(ctx, find)
}

// GetBindingByCustomID returns the binding row for a code, or nil when the
// code is unknown.
func (s *Store) GetBindingByCustomID(ctx context.Context, customID string) (*Binding, error) {
	key := bindingCacheKey(customID)
	if v, ok := s.bindingCache.Get(key); ok {
		if binding, ok := v.(*Binding); ok {
			return binding, nil
		}
	}

	list, err := s.driver.ListBindings(ctx, &FindBinding{CustomID: &customID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}

	binding := list[0]
	s.bindingCache.Set(key, binding)
	return binding, nil
}

// BindConversation performs the atomic bind transaction and invalidates the
// binding and conversation caches afterwards.
func (s *Store) BindConversation(ctx context.Context, bind *BindConversation) (*Conversation, error) {
	conv, err := s.driver.BindConversation(ctx, bind)
	if err != nil {
		return nil, err
	}
	s.bindingCache.Delete(bindingCacheKey(bind.CustomID))
	s.invalidateConversation(conv)
	return conv, nil
}

func (s *Store) CreateMessage(ctx context.Context, create *Message) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

// IsBanned reports whether the entity currently has a non-expired ban.
// Verdicts are cached with asymmetric TTLs.
func (s *Store) IsBanned(ctx context.Context, userID int64) (bool, error) {
	key := banCacheKey(userID)
	if v, ok := s.banCache.Get(key); ok {
		if banned, ok := v.(bool); ok {
			return banned, nil
		}
	}

	list, err := s.driver.ListBlackLists(ctx, &FindBlackList{UserID: &userID})
	if err != nil {
		return false, err
	}

	banned := false
	if len(list) > 0 {
		row := list[0]
		if row.ExpiresTs == nil || *row.ExpiresTs > time.Now().Unix() {
			banned = true
		}
	}

	ttl := notBannedCacheTTL
	if banned {
		ttl = banCacheTTL
	}
	s.banCache.SetWithTTL(key, banned, ttl)
	return banned, nil
}

// UpsertBlackList writes the ban and then drops the cached verdict.
func (s *Store) UpsertBlackList(ctx context.Context, upsert *BlackList) (*BlackList, error) {
	row, err := s.driver.UpsertBlackList(ctx, upsert)
	if err != nil {
		return nil, err
	}
	s.banCache.Delete(banCacheKey(upsert.UserID))
	return row, nil
}

// DeleteBlackList lifts the ban and then drops the cached verdict.
func (s *Store) DeleteBlackList(ctx context.Context, userID int64) error {
	if err := s.driver.DeleteBlackList(ctx, userID); err != nil {
		return err
	}
	s.banCache.Delete(banCacheKey(userID))
	return nil
}
