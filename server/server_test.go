package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deskbridge/circuit"
	"github.com/hrygo/deskbridge/coordinator"
	"github.com/hrygo/deskbridge/failover"
	"github.com/hrygo/deskbridge/fleet"
	"github.com/hrygo/deskbridge/internal/profile"
	"github.com/hrygo/deskbridge/kv"
	"github.com/hrygo/deskbridge/metrics"
	"github.com/hrygo/deskbridge/queue"
	"github.com/hrygo/deskbridge/ratelimit"
	"github.com/hrygo/deskbridge/store"
	"github.com/hrygo/deskbridge/store/db/sqlite"
	"github.com/hrygo/deskbridge/telegram"
)

const (
	testSecret    = "hook-secret"
	testJWTSecret = "ops-secret"
)

type harness struct {
	server *Server
	queue  queue.Queue
	fleet  *fleet.Manager
}

func newTestServer(t *testing.T, mutate func(p *profile.Profile)) *harness {
	t.Helper()

	p := &profile.Profile{
		Mode:               "dev",
		Addr:               "127.0.0.1",
		Port:               0,
		Driver:             "sqlite",
		DSN:                filepath.Join(t.TempDir(), "deskbridge_test.db"),
		SupportGroupID:     -100500,
		WebhookPath:        "hook-abc",
		WebhookSecretToken: testSecret,
		OpsJWTSecret:       testJWTSecret,
	}
	if mutate != nil {
		mutate(p)
	}

	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	kvStore := kv.NewLocal()
	m := metrics.New()

	circuits := circuit.NewManager(circuit.Config{IsFailure: telegram.IsBreakerFailure})
	fl := fleet.NewManager(kvStore, m, fleet.Config{})
	fl.Add(fleet.BotConfig{ID: "primary", Priority: 1, MaxPerMin: 1000, Enabled: true},
		nil, circuits.Register(circuit.Config{Name: "primary", IsFailure: telegram.IsBreakerFailure}))

	limiter, err := ratelimit.NewEngine(kvStore,
		ratelimit.DefaultRules(30, time.Minute, 5, time.Minute)...)
	require.NoError(t, err)

	q := queue.NewLocalQueue()
	fo := failover.NewManager(fl, kvStore, m, failover.Config{})
	coord := coordinator.New(coordinator.Config{
		SupportGroupID: p.SupportGroupID,
		IsAdmin:        p.IsAdmin,
	}, kvStore, limiter, coordinator.NewBalancer(fl, kvStore), q, m)

	s := NewServer(Deps{
		Profile:     p,
		Store:       st,
		KV:          kvStore,
		Metrics:     m,
		Coordinator: coord,
		Fleet:       fl,
		Circuits:    circuits,
		Failover:    fo,
		Queue:       q,
		Limiter:     limiter,
	})
	return &harness{server: s, queue: q, fleet: fl}
}

func webhookBody(t *testing.T, updateID, chatID int64) []byte {
	t.Helper()
	data, err := json.Marshal(&telegram.Update{
		UpdateID: updateID,
		Message: &telegram.Message{
			MessageID: updateID,
			From:      &telegram.User{ID: chatID, FirstName: "Ann"},
			Chat:      &telegram.Chat{ID: chatID, Type: "private"},
			Text:      "hello",
		},
	})
	require.NoError(t, err)
	return data
}

func (h *harness) post(body []byte, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/hook-abc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(secretTokenHeader, secret)
	}
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	h := newTestServer(t, nil)

	rec := h.post(webhookBody(t, 1, 555), "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.post(webhookBody(t, 1, 555), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	h := newTestServer(t, nil)

	rec := h.post([]byte("{not json"), testSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAcceptsAndDeduplicates(t *testing.T) {
	h := newTestServer(t, nil)
	body := webhookBody(t, 100, 555)

	rec := h.post(body, testSecret)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(coordinator.OutcomeAccepted), resp.Status)
	assert.NotEmpty(t, resp.MessageID)

	msg, err := h.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, resp.MessageID, msg.ID)

	// Redelivery of the same update is answered 200 so the platform stops.
	rec = h.post(body, testSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(coordinator.OutcomeDuplicate), resp.Status)
}

func TestWebhookRejectionAnswers503(t *testing.T) {
	h := newTestServer(t, nil)
	require.NoError(t, h.fleet.SetEnabled("primary", false))

	rec := h.post(webhookBody(t, 200, 556), testSecret)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// The dedup lock was released, so the same update can be admitted once
	// capacity returns.
	h.fleet.SetEnabled("primary", true)
	rec = h.post(webhookBody(t, 200, 556), testSecret)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	h := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// No dispatchable bot means not ready.
	require.NoError(t, h.fleet.SetEnabled("primary", false))
	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deskbridge")
}

func opsToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops-test",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (h *harness) opsGet(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	return rec
}

func TestOpsRequiresToken(t *testing.T) {
	h := newTestServer(t, nil)

	rec := h.opsGet("/api/v1/ops/fleet", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.opsGet("/api/v1/ops/fleet", opsToken(t, "someone-elses-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.opsGet("/api/v1/ops/fleet", opsToken(t, testJWTSecret))
	require.Equal(t, http.StatusOK, rec.Code)

	var bots []fleet.BotView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bots))
	require.Len(t, bots, 1)
	assert.Equal(t, "primary", bots[0].ID)
}

func TestOpsDisabledWithoutSecret(t *testing.T) {
	h := newTestServer(t, func(p *profile.Profile) { p.OpsJWTSecret = "" })

	rec := h.opsGet("/api/v1/ops/fleet", opsToken(t, testJWTSecret))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpsCircuitForceOpen(t *testing.T) {
	h := newTestServer(t, nil)
	token := opsToken(t, testJWTSecret)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ops/circuits/primary/open", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats circuit.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "OPEN", stats.State)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/ops/circuits/primary/close", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "CLOSED", stats.State)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/ops/circuits/nope/open", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpsQueueAndDeadLetters(t *testing.T) {
	h := newTestServer(t, nil)
	token := opsToken(t, testJWTSecret)
	ctx := context.Background()

	msg := &queue.Message{
		ID:          "dead-1",
		UpdateID:    1,
		ChatID:      555,
		AssignedBot: "primary",
		Priority:    queue.PriorityNormal,
		RetryCount:  queue.MaxRetries - 1,
	}
	require.NoError(t, h.queue.Enqueue(ctx, msg))
	got, err := h.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	retried, err := h.queue.MarkFailed(ctx, got.ID)
	require.NoError(t, err)
	require.False(t, retried)

	rec := h.opsGet("/api/v1/ops/queue/stats", token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.opsGet("/api/v1/ops/queue/dead", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var dead []*queue.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dead))
	require.Len(t, dead, 1)
	assert.Equal(t, "dead-1", dead[0].ID)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ops/queue/dead/dead-1/requeue", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	revived, err := h.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, revived)
	assert.Equal(t, "dead-1", revived.ID)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/ops/queue/dead/ghost/requeue", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOpsFailoverAndRules(t *testing.T) {
	h := newTestServer(t, nil)
	token := opsToken(t, testJWTSecret)

	rec := h.opsGet("/api/v1/ops/failover/events", token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.opsGet("/api/v1/ops/failover/report", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var report failover.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, float64(1), report.Availability)

	rec = h.opsGet("/api/v1/ops/ratelimit/rules", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []ratelimit.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.NotEmpty(t, rules)

	rec = h.opsGet("/api/v1/ops/cache/stats", token)
	assert.Equal(t, http.StatusOK, rec.Code)
}
