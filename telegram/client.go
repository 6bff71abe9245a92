package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 5
	defaultBaseWait   = time.Second
	defaultMaxWait    = 30 * time.Second
)

// API is the outbound surface the broker consumes. The concrete Client talks
// to the platform; tests substitute fakes.
type API interface {
	BotID() string
	GetMe(ctx context.Context) (*User, error)
	SendMessage(ctx context.Context, p SendMessageParams) (*Message, error)
	CopyMessage(ctx context.Context, p CopyMessageParams) (int64, error)
	CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error)
	EditForumTopic(ctx context.Context, chatID, threadID int64, name string) error
	GetChat(ctx context.Context, chatID int64) (*Chat, error)
	GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error)
}

type SendMessageParams struct {
	ChatID   int64
	ThreadID int64 // 0 = outside any topic
	Text     string
}

type CopyMessageParams struct {
	FromChatID int64
	MessageID  int64
	ToChatID   int64
	ThreadID   int64 // 0 = outside any topic
}

// Client is a retrying, classifying wrapper over the Bot API. Construction
// does no network I/O; per-call deadlines come from the surrounding circuit
// breaker's request timeout plus the HTTP client timeout.
type Client struct {
	botID string
	bot   *tgbotapi.BotAPI

	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

// WithEndpoint overrides the API endpoint template. Tests point it at an
// httptest server ("http://127.0.0.1:xxx/bot%s/%s").
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.bot.SetAPIEndpoint(endpoint) }
}

func WithHTTPClient(client tgbotapi.HTTPClient) Option {
	return func(c *Client) { c.bot.Client = client }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithSleep substitutes the retry wait. Tests pass a recorder that returns
// immediately.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func New(botID, token string, opts ...Option) *Client {
	bot := &tgbotapi.BotAPI{
		Token:  token,
		Client: &http.Client{Timeout: defaultTimeout},
		Buffer: 100,
	}
	bot.SetAPIEndpoint(tgbotapi.APIEndpoint)

	c := &Client{
		botID:      botID,
		bot:        bot,
		maxRetries: defaultMaxRetries,
		baseWait:   defaultBaseWait,
		maxWait:    defaultMaxWait,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BotID() string {
	return c.botID
}

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	raw, err := c.invoke(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, errors.Wrap(err, "failed to parse getMe result")
	}
	return &user, nil
}

func (c *Client) SendMessage(ctx context.Context, p SendMessageParams) (*Message, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", p.ChatID)
	params.AddNonZero64("message_thread_id", p.ThreadID)
	params.AddNonEmpty("text", p.Text)

	raw, err := c.invoke(ctx, "sendMessage", params)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errors.Wrap(err, "failed to parse sendMessage result")
	}
	return &msg, nil
}

func (c *Client) CopyMessage(ctx context.Context, p CopyMessageParams) (int64, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", p.ToChatID)
	params.AddNonZero64("message_thread_id", p.ThreadID)
	params.AddNonZero64("from_chat_id", p.FromChatID)
	params.AddNonZero64("message_id", p.MessageID)

	raw, err := c.invoke(ctx, "copyMessage", params)
	if err != nil {
		return 0, err
	}
	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, errors.Wrap(err, "failed to parse copyMessage result")
	}
	return result.MessageID, nil
}

func (c *Client) CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonEmpty("name", name)

	raw, err := c.invoke(ctx, "createForumTopic", params)
	if err != nil {
		return 0, err
	}
	var topic struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	if err := json.Unmarshal(raw, &topic); err != nil {
		return 0, errors.Wrap(err, "failed to parse createForumTopic result")
	}
	return topic.MessageThreadID, nil
}

func (c *Client) EditForumTopic(ctx context.Context, chatID, threadID int64, name string) error {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero64("message_thread_id", threadID)
	params.AddNonEmpty("name", name)

	_, err := c.invoke(ctx, "editForumTopic", params)
	return err
}

func (c *Client) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)

	raw, err := c.invoke(ctx, "getChat", params)
	if err != nil {
		return nil, err
	}
	var chat Chat
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, errors.Wrap(err, "failed to parse getChat result")
	}
	return &chat, nil
}

func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero64("user_id", userID)

	raw, err := c.invoke(ctx, "getChatMember", params)
	if err != nil {
		return nil, err
	}
	var member ChatMember
	if err := json.Unmarshal(raw, &member); err != nil {
		return nil, errors.Wrap(err, "failed to parse getChatMember result")
	}
	return &member, nil
}

// invoke runs one API method under the retry policy: 429 waits out the
// platform's retry_after, network errors and 5xx back off exponentially with
// jitter, 401 and the rest of the 4xx family fail immediately.
func (c *Client) invoke(ctx context.Context, method string, params tgbotapi.Params) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.bot.MakeRequest(method, params)
		if err == nil {
			return resp.Result, nil
		}

		lastErr = c.classify(method, err)
		if !IsRetryable(lastErr) {
			return nil, lastErr
		}
		if attempt == c.maxRetries {
			break
		}
		if err := c.sleep(ctx, c.backoff(attempt+1, lastErr)); err != nil {
			return nil, err
		}
	}
	// Both sentinels stay in the chain: callers classify the underlying
	// refusal even after the budget is spent.
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, c.maxRetries+1, lastErr)
}

// classify converts library and transport errors into the package taxonomy.
func (c *Client) classify(method string, err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return &APIError{
			Method:      method,
			Code:        tgErr.Code,
			Description: tgErr.Message,
			RetryAfter:  time.Duration(tgErr.RetryAfter) * time.Second,
		}
	}
	return errors.Wrapf(err, "telegram: %s transport error", method)
}

// backoff computes the wait before the given attempt (1-based). A rate-limit
// hint from the platform wins over the exponential schedule.
func (c *Client) backoff(attempt int, err error) time.Duration {
	if retryAfter, ok := IsRateLimited(err); ok && retryAfter > 0 {
		return retryAfter
	}

	wait := c.baseWait << (attempt - 1)
	if wait > c.maxWait {
		wait = c.maxWait
	}
	// Up to ±20% jitter keeps a bot fleet from retrying in lockstep.
	jitter := time.Duration(rand.Int63n(int64(wait)/5+1)) - wait/10
	return wait + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
