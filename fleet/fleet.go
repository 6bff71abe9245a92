// Package fleet tracks the outbound bot fleet: per-bot health, rate-limit
// state, rolling request counters and load scores. Background loops keep the
// picture current; dispatch components consult it on every message.
package fleet

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/circuit"
	"github.com/hrygo/deskbridge/kv"
	"github.com/hrygo/deskbridge/metrics"
	"github.com/hrygo/deskbridge/telegram"
)

type Status string

const (
	StatusHealthy     Status = "HEALTHY"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusError       Status = "ERROR"
	StatusDisabled    Status = "DISABLED"
	StatusUnknown     Status = "UNKNOWN"
)

// statusWeight feeds the load score; anything unhealthy is pushed far down
// the pick order without becoming invisible.
func statusWeight(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 50
	case StatusRateLimited:
		return 500
	case StatusError:
		return 1000
	default:
		return 10000
	}
}

var ErrNoAvailableBot = errors.New("fleet: no available bot")
var ErrUnknownBot = errors.New("fleet: unknown bot")

const (
	defaultProbeInterval  = 60 * time.Second
	defaultProbeTimeout   = 10 * time.Second
	statusCheckInterval   = time.Minute
	heartbeatInterval     = 30 * time.Second
	heartbeatStaleAfter   = 5 * time.Minute
	requestFrame          = 60 * time.Second
	defaultRateLimitReset = 60 * time.Second
	mirrorTTL             = 5 * time.Minute
)

// BotConfig is the static shape of one fleet member.
type BotConfig struct {
	ID        string
	Token     string
	Name      string
	Priority  int // 1 = most preferred
	MaxPerMin int // request budget per rolling minute
	Enabled   bool
}

// bot couples the config with runtime state. All fields past api/breaker are
// guarded by the manager mutex.
type bot struct {
	cfg     BotConfig
	api     telegram.API
	breaker *circuit.Breaker

	status              Status
	lastHeartbeat       time.Time
	lastError           string
	rateLimitResetAt    time.Time
	requests            []time.Time
	lastRequestAt       time.Time
	consecutiveFailures int
	healthChecks        int
	lastProbeAt         time.Time
}

// BotView is a read-only snapshot of one bot, safe to hold outside the lock.
type BotView struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Priority            int       `json:"priority"`
	Enabled             bool      `json:"enabled"`
	Status              Status    `json:"status"`
	Available           bool      `json:"available"`
	LoadScore           int       `json:"load_score"`
	RequestCount        int       `json:"request_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HealthChecks        int       `json:"health_checks"`
	LastError           string    `json:"last_error,omitempty"`
	LastHeartbeat       time.Time `json:"last_heartbeat,omitzero"`
	LastRequestAt       time.Time `json:"last_request_at,omitzero"`
	RateLimitResetAt    time.Time `json:"rate_limit_reset_at,omitzero"`
}

type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Manager owns the fleet state behind a single mutex.
type Manager struct {
	kv      kv.Store
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	mu    sync.Mutex
	bots  map[string]*bot
	order []string

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewManager(store kv.Store, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Manager{
		kv:      store,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
		bots:    make(map[string]*bot),
	}
}

// Add registers a fleet member. Bots start UNKNOWN until the first probe.
func (m *Manager) Add(cfg BotConfig, api telegram.API, breaker *circuit.Breaker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := StatusUnknown
	if !cfg.Enabled {
		status = StatusDisabled
	}
	m.bots[cfg.ID] = &bot{cfg: cfg, api: api, breaker: breaker, status: status}
	m.order = append(m.order, cfg.ID)
	sort.Strings(m.order)
}

// SetEnabled flips the bot in or out of rotation. Re-enabling resets the bot
// to UNKNOWN so the next probe decides its real status.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return errors.Wrap(ErrUnknownBot, id)
	}
	if b.cfg.Enabled == enabled {
		return nil
	}
	b.cfg.Enabled = enabled
	if enabled {
		b.status = StatusUnknown
		b.consecutiveFailures = 0
		b.lastError = ""
	} else {
		b.status = StatusDisabled
	}
	slog.Info("fleet: bot toggled", slog.String("bot", id), slog.Bool("enabled", enabled))
	return nil
}

// API returns the bot's transport client.
func (m *Manager) API(id string) (telegram.API, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownBot, id)
	}
	return b.api, nil
}

// Breaker returns the bot's circuit breaker.
func (m *Manager) Breaker(id string) (*circuit.Breaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, errors.Wrap(ErrUnknownBot, id)
	}
	return b.breaker, nil
}

// availableLocked applies the eligibility rule. Callers hold the lock.
func (m *Manager) availableLocked(b *bot, now time.Time) bool {
	if !b.cfg.Enabled {
		return false
	}
	switch b.status {
	case StatusHealthy, StatusUnknown, StatusRateLimited:
	default:
		return false
	}
	// A rate-limited bot becomes eligible again once the reset passes, even
	// before a probe flips its status back.
	if !b.rateLimitResetAt.IsZero() && now.Before(b.rateLimitResetAt) {
		return false
	}
	return m.requestCountLocked(b, now) < b.cfg.MaxPerMin
}

// requestCountLocked prunes and counts the rolling request frame.
func (m *Manager) requestCountLocked(b *bot, now time.Time) int {
	cutoff := now.Add(-requestFrame)
	live := b.requests[:0]
	for _, t := range b.requests {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	b.requests = live
	return len(live)
}

func (m *Manager) loadScoreLocked(b *bot, now time.Time) int {
	return b.cfg.Priority*1000 +
		m.requestCountLocked(b, now)*10 +
		b.consecutiveFailures*100 +
		statusWeight(b.status)
}

func (m *Manager) viewLocked(b *bot, now time.Time) BotView {
	return BotView{
		ID:                  b.cfg.ID,
		Name:                b.cfg.Name,
		Priority:            b.cfg.Priority,
		Enabled:             b.cfg.Enabled,
		Status:              b.status,
		Available:           m.availableLocked(b, now),
		LoadScore:           m.loadScoreLocked(b, now),
		RequestCount:        m.requestCountLocked(b, now),
		ConsecutiveFailures: b.consecutiveFailures,
		HealthChecks:        b.healthChecks,
		LastError:           b.lastError,
		LastHeartbeat:       b.lastHeartbeat,
		LastRequestAt:       b.lastRequestAt,
		RateLimitResetAt:    b.rateLimitResetAt,
	}
}

// Snapshot returns every bot's view, ordered by id.
func (m *Manager) Snapshot() []BotView {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]BotView, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.viewLocked(m.bots[id], now))
	}
	return out
}

// AvailableBots returns the views of every currently eligible bot.
func (m *Manager) AvailableBots() []BotView {
	views := m.Snapshot()
	out := views[:0]
	for _, v := range views {
		if v.Available {
			out = append(out, v)
		}
	}
	return out
}

// BestBot picks the lowest-load healthy bot, or failing that the lowest-load
// available bot.
func (m *Manager) BestBot() (BotView, error) {
	var best *BotView
	var bestHealthy *BotView
	for _, v := range m.AvailableBots() {
		v := v
		if best == nil || v.LoadScore < best.LoadScore {
			best = &v
		}
		if v.Status == StatusHealthy && (bestHealthy == nil || v.LoadScore < bestHealthy.LoadScore) {
			bestHealthy = &v
		}
	}
	if bestHealthy != nil {
		return *bestHealthy, nil
	}
	if best != nil {
		return *best, nil
	}
	return BotView{}, ErrNoAvailableBot
}

// RecordRequest rolls one request into the bot's rolling frame. Idempotent
// in the sense that unknown ids are ignored.
func (m *Manager) RecordRequest(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return
	}
	now := m.now()
	m.requestCountLocked(b, now)
	b.requests = append(b.requests, now)
	b.lastRequestAt = now
}

// MarkRateLimited parks the bot until the platform's reset hint passes.
func (m *Manager) MarkRateLimited(id string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = defaultRateLimitReset
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return
	}
	b.status = StatusRateLimited
	b.rateLimitResetAt = m.now().Add(retryAfter)
	b.consecutiveFailures++
	slog.Warn("fleet: bot rate limited",
		slog.String("bot", id), slog.Duration("retry_after", retryAfter))
}

// MarkError flags the bot as failing.
func (m *Manager) MarkError(id, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return
	}
	b.status = StatusError
	b.lastError = msg
	b.consecutiveFailures++
	slog.Warn("fleet: bot marked errored", slog.String("bot", id), slog.String("reason", msg))
}

// Probe runs the identity call through the bot's breaker and folds the
// outcome into its state.
func (m *Manager) Probe(ctx context.Context, id string) error {
	m.mu.Lock()
	b, ok := m.bots[id]
	m.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrUnknownBot, id)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	err := b.breaker.Call(probeCtx, func(callCtx context.Context) error {
		_, callErr := b.api.GetMe(callCtx)
		return callErr
	})
	m.applyProbe(id, err)
	return err
}

// applyProbe is the single interpretation point for probe outcomes.
func (m *Manager) applyProbe(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return
	}
	now := m.now()
	b.healthChecks++
	b.lastProbeAt = now

	switch {
	case err == nil:
		recovered := b.status != StatusHealthy
		b.status = StatusHealthy
		b.lastError = ""
		b.consecutiveFailures = 0
		b.rateLimitResetAt = time.Time{}
		b.lastHeartbeat = now
		if recovered {
			slog.Info("fleet: bot healthy", slog.String("bot", id))
		}
	case telegram.IsUnauthorized(err):
		b.status = StatusError
		b.lastError = "invalid credentials"
		b.consecutiveFailures++
	default:
		if retryAfter, limited := telegram.IsRateLimited(err); limited {
			if retryAfter <= 0 {
				retryAfter = defaultRateLimitReset
			}
			b.status = StatusRateLimited
			b.rateLimitResetAt = now.Add(retryAfter)
			b.consecutiveFailures++
			return
		}
		b.status = StatusError
		b.lastError = err.Error()
		b.consecutiveFailures++
	}
}

// probeBackoff spaces out probes of persistently failing bots.
func probeBackoff(consecutiveFailures int) time.Duration {
	exp := consecutiveFailures
	if exp > 5 {
		exp = 5
	}
	backoff := 60 * (1 << exp)
	if backoff > 3600 {
		backoff = 3600
	}
	return time.Duration(backoff) * time.Second
}

func (m *Manager) mirror(ctx context.Context, view BotView) {
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := m.kv.Set(ctx, "fleet:bot:"+view.ID, string(data), mirrorTTL); err != nil {
		slog.Warn("fleet: failed to mirror bot state", slog.String("bot", view.ID), slog.Any("err", err))
	}
}
