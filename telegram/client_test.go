package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	client := New("bot-a", "test-token",
		WithEndpoint(ts.URL+"/bot%s/%s"),
		WithSleep(noSleep))
	return client, ts
}

func TestGetMe(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottest-token/getMe"))
		fmt.Fprint(w, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Support","username":"support_bot"}}`)
	})

	user, err := client.GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.ID)
	assert.Equal(t, "support_bot", user.UserName)
}

func TestCreateForumTopic(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "-1001", r.Form.Get("chat_id"))
		assert.Equal(t, "🟢 🔒 A (555)", r.Form.Get("name"))
		fmt.Fprint(w, `{"ok":true,"result":{"message_thread_id":77,"name":"🟢 🔒 A (555)"}}`)
	})

	topicID, err := client.CreateForumTopic(context.Background(), -1001, "🟢 🔒 A (555)")
	require.NoError(t, err)
	assert.Equal(t, int64(77), topicID)
}

func TestRetryOn429HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	var waited time.Duration
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":9}}`)
	}))
	defer ts.Close()

	client := New("bot-a", "tok",
		WithEndpoint(ts.URL+"/bot%s/%s"),
		WithSleep(func(_ context.Context, d time.Duration) error {
			waited = d
			return nil
		}))

	msg, err := client.SendMessage(context.Background(), SendMessageParams{ChatID: 1, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), msg.MessageID)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 3*time.Second, waited, "retry_after from the body must win over the backoff schedule")
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	})

	_, err := client.GetMe(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTopicDeletedClassification(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: message thread not found"}`)
	})

	_, err := client.CopyMessage(context.Background(), CopyMessageParams{FromChatID: 1, MessageID: 2, ToChatID: 3, ThreadID: 4})
	require.Error(t, err)
	assert.True(t, IsTopicDeleted(err))
	assert.False(t, IsRetryable(err))
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
	})

	_, err := client.GetMe(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxRetries))
	assert.Equal(t, int32(6), calls.Load(), "initial call plus five retries")

	// The final refusal stays classifiable behind the exhaustion sentinel.
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 502, apiErr.Code)
	assert.True(t, IsBreakerFailure(err))
}

func TestBreakerFailureClassification(t *testing.T) {
	rateLimited := &APIError{Method: "sendMessage", Code: 429, Description: "Too Many Requests"}
	serverErr := &APIError{Method: "sendMessage", Code: 502, Description: "Bad Gateway"}

	assert.False(t, IsBreakerFailure(rateLimited), "rate pressure is self-inflicted, not dependency illness")
	assert.True(t, IsBreakerFailure(serverErr))
	assert.True(t, IsBreakerFailure(errors.New("dial tcp: connection refused")))
}

func TestParseUpdate(t *testing.T) {
	body := `{"update_id":101,"message":{"message_id":1,"from":{"id":555,"first_name":"A"},"chat":{"id":555,"type":"private"},"text":"/bind acme secret"}}`
	upd, err := ParseUpdate(strings.NewReader(body))
	require.NoError(t, err)

	msg := upd.Msg()
	require.NotNil(t, msg)
	assert.True(t, msg.IsCommand())
	assert.Equal(t, "bind", msg.Command())
	assert.Equal(t, []string{"acme", "secret"}, msg.CommandArgs())
	assert.True(t, msg.Chat.IsPrivate())

	_, err = ParseUpdate(strings.NewReader(`{"not":"an update"}`))
	assert.True(t, errors.Is(err, ErrInvalidUpdate))

	_, err = ParseUpdate(strings.NewReader(`{broken`))
	assert.True(t, errors.Is(err, ErrInvalidUpdate))
}

func TestCommandMention(t *testing.T) {
	msg := &Message{Text: "/close@support_bot now"}
	assert.Equal(t, "close", msg.Command())
	assert.Equal(t, []string{"now"}, msg.CommandArgs())
}
