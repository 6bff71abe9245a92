package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hrygo/deskbridge/circuit"
	"github.com/hrygo/deskbridge/fleet"
	"github.com/hrygo/deskbridge/internal/profile"
	"github.com/hrygo/deskbridge/kv"
	"github.com/hrygo/deskbridge/queue"
	"github.com/hrygo/deskbridge/store"
	"github.com/hrygo/deskbridge/store/db/sqlite"
	"github.com/hrygo/deskbridge/telegram"
)

const testSupportGroup = int64(-100500)

type sentMsg struct {
	ChatID   int64
	ThreadID int64
	Text     string
}

type copyCall struct {
	FromChatID int64
	MessageID  int64
	ToChatID   int64
	ThreadID   int64
}

// fakeAPI scripts the platform surface the service touches.
type fakeAPI struct {
	mu        sync.Mutex
	nextTopic int64
	topics    []string
	renames   []string
	sent      []sentMsg
	copies    []copyCall
	copyErr   error // one-shot
}

func (f *fakeAPI) BotID() string { return "primary" }

func (f *fakeAPI) GetMe(context.Context) (*telegram.User, error) {
	return &telegram.User{ID: 1}, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, p telegram.SendMessageParams) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{ChatID: p.ChatID, ThreadID: p.ThreadID, Text: p.Text})
	return &telegram.Message{MessageID: int64(len(f.sent))}, nil
}

func (f *fakeAPI) CopyMessage(_ context.Context, p telegram.CopyMessageParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		err := f.copyErr
		f.copyErr = nil
		return 0, err
	}
	f.copies = append(f.copies, copyCall{
		FromChatID: p.FromChatID,
		MessageID:  p.MessageID,
		ToChatID:   p.ToChatID,
		ThreadID:   p.ThreadID,
	})
	return int64(1000 + len(f.copies)), nil
}

func (f *fakeAPI) CreateForumTopic(_ context.Context, _ int64, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTopic++
	f.topics = append(f.topics, name)
	return f.nextTopic, nil
}

func (f *fakeAPI) EditForumTopic(_ context.Context, _, _ int64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames = append(f.renames, name)
	return nil
}

func (f *fakeAPI) GetChat(context.Context, int64) (*telegram.Chat, error) {
	return &telegram.Chat{ID: testSupportGroup, Type: "supergroup"}, nil
}

func (f *fakeAPI) GetChatMember(context.Context, int64, int64) (*telegram.ChatMember, error) {
	return &telegram.ChatMember{Status: "member"}, nil
}

func (f *fakeAPI) lastSentTo(chatID int64) (sentMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].ChatID == chatID && f.sent[i].ThreadID == 0 {
			return f.sent[i], true
		}
	}
	return sentMsg{}, false
}

func testService(t *testing.T) (*Service, *fakeAPI, *store.Store) {
	t.Helper()

	p := &profile.Profile{
		Mode:           "dev",
		Driver:         "sqlite",
		DSN:            filepath.Join(t.TempDir(), "deskbridge_test.db"),
		SupportGroupID: testSupportGroup,
		PreBindLimit:   3,
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	kvStore := kv.NewLocal()
	api := &fakeAPI{}
	fl := fleet.NewManager(kvStore, nil, fleet.Config{})
	fl.Add(fleet.BotConfig{ID: "primary", Priority: 1, MaxPerMin: 1000, Enabled: true},
		api, circuit.New(circuit.Config{Name: "primary", IsFailure: telegram.IsBreakerFailure}))

	svc := NewService(p, st, fl, kv.NewLocker(kvStore), nil)
	return svc, api, st
}

var nextUpdateID int64 = 1000

func userMessage(userID int64, text string) *queue.Message {
	nextUpdateID++
	return packMessage(&telegram.Message{
		MessageID: nextUpdateID,
		From:      &telegram.User{ID: userID, FirstName: "Ann"},
		Chat:      &telegram.Chat{ID: userID, Type: "private"},
		Text:      text,
	})
}

func operatorMessage(threadID int64, text string) *queue.Message {
	nextUpdateID++
	return packMessage(&telegram.Message{
		MessageID:       nextUpdateID,
		From:            &telegram.User{ID: 10, FirstName: "Op"},
		Chat:            &telegram.Chat{ID: testSupportGroup, Type: "supergroup"},
		Text:            text,
		MessageThreadID: threadID,
	})
}

func packMessage(msg *telegram.Message) *queue.Message {
	upd := &telegram.Update{UpdateID: msg.MessageID, Message: msg}
	payload, _ := json.Marshal(upd)
	return &queue.Message{
		ID:          fmt.Sprintf("t%d", msg.MessageID),
		UpdateID:    upd.UpdateID,
		ChatID:      msg.Chat.ID,
		Priority:    queue.PriorityNormal,
		Payload:     payload,
		AssignedBot: "primary",
	}
}

func TestFirstContactCreatesTopicAndRelays(t *testing.T) {
	svc, api, st := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Process(ctx, userMessage(555, "hello, I need help")))

	require.Len(t, api.topics, 1)
	assert.Equal(t, "🟢 🔒 Ann (555)", api.topics[0])

	conv, err := st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, store.ConversationOpen, conv.Status)
	assert.Equal(t, store.VerificationPending, conv.Verification)
	require.NotNil(t, conv.TopicID)
	assert.Equal(t, int64(1), *conv.TopicID)
	assert.Equal(t, 1, conv.PreBindCount)

	require.Len(t, api.copies, 1)
	assert.Equal(t, int64(555), api.copies[0].FromChatID)
	assert.Equal(t, testSupportGroup, api.copies[0].ToChatID)
	assert.Equal(t, int64(1), api.copies[0].ThreadID)

	history, err := st.ListMessages(ctx, &store.FindMessage{ConversationID: &conv.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.MessageIn, history[0].Direction)
	assert.Equal(t, "hello, I need help", history[0].Body)
}

func TestPreBindCapClosesConversation(t *testing.T) {
	svc, api, st := testService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, svc.Process(ctx, userMessage(555, fmt.Sprintf("msg %d", i))))
	}
	require.Len(t, api.copies, 2)

	conv, err := st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationOpen, conv.Status)

	// The 3rd unverified message reaches the cap: it still relays, but the
	// conversation closes and the user is told immediately.
	require.NoError(t, svc.Process(ctx, userMessage(555, "msg 3")))
	assert.Len(t, api.copies, 3)

	conv, err = st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationClosed, conv.Status)
	assert.Equal(t, 3, conv.PreBindCount)

	notice, ok := api.lastSentTo(555)
	require.True(t, ok)
	assert.Equal(t, capReachedText, notice.Text)

	// Capped stays capped: later messages are dropped, not relayed.
	require.NoError(t, svc.Process(ctx, userMessage(555, "msg 4")))
	assert.Len(t, api.copies, 3)

	conv, err = st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)
	assert.Equal(t, 3, conv.PreBindCount, "count holds at the cap")
}

func createBinding(t *testing.T, st *store.Store, customID, password string) {
	t.Helper()
	b := &store.Binding{CustomID: customID, State: store.BindingUnused}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)
		s := string(hash)
		b.PasswordHash = &s
	}
	_, err := st.CreateBinding(context.Background(), b)
	require.NoError(t, err)
}

func TestBindVerifiesAndLiftsCap(t *testing.T) {
	svc, api, st := testService(t)
	ctx := context.Background()
	createBinding(t, st, "ACME-1", "s3cret")

	// Cap the conversation first.
	for i := 0; i < 4; i++ {
		require.NoError(t, svc.Process(ctx, userMessage(555, "spam")))
	}

	// Wrong password is rejected.
	require.NoError(t, svc.Process(ctx, userMessage(555, "/bind ACME-1 nope")))
	notice, _ := api.lastSentTo(555)
	assert.Equal(t, bindWrongPwText, notice.Text)

	// Correct password binds, reopens and renames.
	require.NoError(t, svc.Process(ctx, userMessage(555, "/bind ACME-1 s3cret")))
	notice, _ = api.lastSentTo(555)
	assert.Equal(t, fmt.Sprintf(bindOKText, "ACME-1"), notice.Text)

	conv, err := st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)
	assert.Equal(t, store.VerificationVerified, conv.Verification)
	assert.Equal(t, "ACME-1", conv.CustomID)
	assert.Equal(t, store.ConversationOpen, conv.Status)
	assert.Zero(t, conv.PreBindCount)

	api.mu.Lock()
	require.NotEmpty(t, api.renames)
	lastRename := api.renames[len(api.renames)-1]
	api.mu.Unlock()
	assert.Equal(t, "🟢 🔗 Ann (555)", lastRename)

	// Relaying works again after the bind.
	before := len(api.copies)
	require.NoError(t, svc.Process(ctx, userMessage(555, "back in business")))
	assert.Len(t, api.copies, before+1)
}

func TestBindIdempotentAndConflicting(t *testing.T) {
	svc, api, _ := testService(t)
	ctx := context.Background()
	st := svc.store
	createBinding(t, st, "ACME-1", "")

	require.NoError(t, svc.Process(ctx, userMessage(555, "/bind ACME-1")))
	notice, _ := api.lastSentTo(555)
	require.Equal(t, fmt.Sprintf(bindOKText, "ACME-1"), notice.Text)

	// Same entity again: acknowledged, not an error.
	require.NoError(t, svc.Process(ctx, userMessage(555, "/bind ACME-1")))
	notice, _ = api.lastSentTo(555)
	assert.Equal(t, fmt.Sprintf(bindOKText, "ACME-1"), notice.Text)

	// Another entity: conflict.
	require.NoError(t, svc.Process(ctx, userMessage(556, "/bind ACME-1")))
	notice, _ = api.lastSentTo(556)
	assert.Equal(t, bindConflictText, notice.Text)
}

func TestOperatorCloseAndReopen(t *testing.T) {
	svc, api, st := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Process(ctx, userMessage(555, "hello")))
	conv, err := st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)

	require.NoError(t, svc.Process(ctx, operatorMessage(*conv.TopicID, "/close")))

	conv, err = st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationClosed, conv.Status)
	assert.Zero(t, conv.PreBindCount, "operator close resets the budget")

	notice, ok := api.lastSentTo(555)
	require.True(t, ok)
	assert.Contains(t, notice.Text, "closed")

	// New customer traffic reopens.
	require.NoError(t, svc.Process(ctx, userMessage(555, "one more thing")))
	conv, err = st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationOpen, conv.Status)
}

func TestOperatorBanSilencesUser(t *testing.T) {
	svc, api, st := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Process(ctx, userMessage(555, "hello")))
	conv, err := st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)

	require.NoError(t, svc.Process(ctx, operatorMessage(*conv.TopicID, "/ban")))

	before := len(api.copies)
	require.NoError(t, svc.Process(ctx, userMessage(555, "am I muted?")))
	assert.Len(t, api.copies, before, "banned traffic is dropped silently")

	require.NoError(t, svc.Process(ctx, operatorMessage(*conv.TopicID, "/unban")))
	require.NoError(t, svc.Process(ctx, userMessage(555, "back again")))
	assert.Len(t, api.copies, before+1)
}

func TestOperatorRelayAndHistory(t *testing.T) {
	svc, api, st := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Process(ctx, userMessage(555, "question")))
	conv, err := st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)

	require.NoError(t, svc.Process(ctx, operatorMessage(*conv.TopicID, "here is your answer")))

	api.mu.Lock()
	last := api.copies[len(api.copies)-1]
	api.mu.Unlock()
	assert.Equal(t, testSupportGroup, last.FromChatID)
	assert.Equal(t, int64(555), last.ToChatID)

	out := store.MessageOut
	history, err := st.ListMessages(ctx, &store.FindMessage{ConversationID: &conv.ID, Direction: &out})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "here is your answer", history[0].Body)
}

func TestOperatorMessageOutsideTopicIgnored(t *testing.T) {
	svc, api, _ := testService(t)
	require.NoError(t, svc.Process(context.Background(), operatorMessage(0, "general chatter")))
	assert.Empty(t, api.copies)
	assert.Empty(t, api.sent)
}

func TestTopicDeletedRecovery(t *testing.T) {
	svc, api, st := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Process(ctx, userMessage(555, "hello")))
	require.Len(t, api.topics, 1)

	// The operator deleted the topic; the next relay hits the error once.
	api.copyErr = &telegram.APIError{Method: "copyMessage", Code: 400, Description: "message thread not found"}
	require.NoError(t, svc.Process(ctx, userMessage(555, "still there?")))

	require.Len(t, api.topics, 2, "a replacement topic was created")
	conv, err := st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)
	require.NotNil(t, conv.TopicID)
	assert.Equal(t, int64(2), *conv.TopicID)

	// The relay was retried into the new topic and a continuity notice posted.
	api.mu.Lock()
	last := api.copies[len(api.copies)-1]
	var sawNotice bool
	for _, s := range api.sent {
		if s.ChatID == testSupportGroup && s.ThreadID == 2 && s.Text == recoveryNoticeTxt {
			sawNotice = true
		}
	}
	api.mu.Unlock()
	assert.Equal(t, int64(2), last.ThreadID)
	assert.True(t, sawNotice)
}

func TestStartAndHelp(t *testing.T) {
	svc, api, st := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Process(ctx, userMessage(555, "/start")))
	notice, ok := api.lastSentTo(555)
	require.True(t, ok)
	assert.Equal(t, welcomeText, notice.Text)

	// Commands never open a conversation by themselves.
	conv, err := st.GetConversationByEntity(ctx, 555, store.EntityUser)
	require.NoError(t, err)
	assert.Nil(t, conv)
	assert.Empty(t, api.topics)
}

func TestTopicName(t *testing.T) {
	conv := &store.Conversation{
		EntityID:     555,
		Status:       store.ConversationOpen,
		EntityName:   "Ann",
		Verification: store.VerificationPending,
	}
	assert.Equal(t, "🟢 🔒 Ann (555)", TopicName(conv))

	conv.Status = store.ConversationClosed
	assert.Equal(t, "🔴 🔒 Ann (555)", TopicName(conv))

	conv.Status = store.ConversationResolved
	conv.Verification = store.VerificationVerified
	conv.CustomID = "ACME-1"
	assert.Equal(t, "✅ 🔗 Ann (555)", TopicName(conv))

	conv.EntityName = ""
	conv.Status = store.ConversationPending
	assert.Equal(t, "🟡 🔗 555 (555)", TopicName(conv))
}

func TestNotifierThrottles(t *testing.T) {
	svc, api, _ := testService(t)
	kvStore := kv.NewLocal()
	n := NewNotifier(svc, kvStore, time.Minute)
	ctx := context.Background()

	n.NotifyRateLimited(ctx, 555, 555, nil)
	n.NotifyRateLimited(ctx, 555, 555, nil)

	api.mu.Lock()
	count := len(api.sent)
	api.mu.Unlock()
	assert.Equal(t, 1, count, "one notice per cooldown")
}
